package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"

	"ragcore/internal/chat"
	"ragcore/internal/chunker"
	"ragcore/internal/config"
	"ragcore/internal/embedding"
	"ragcore/internal/helper"
	"ragcore/internal/models"
	"ragcore/internal/parser"
	"ragcore/internal/rag"
)

const defaultConfigPath = "./configs/config.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to the YAML config file")
	filePath := flag.String("file", "", "Path to the document file ("+strings.Join(parser.Supported, ", ")+")")
	query := flag.String("query", "", "Query to be answered")
	chatPath := flag.String("chat", "", "Chat session file; earlier turns are sent with the query and the new turn is appended")
	dryRun := flag.Bool("dry-run", false, "Parse and chunk the document without embedding or saving it")
	clearIndex := flag.Bool("clear", false, "Clear the persisted index before doing anything else")
	stats := flag.Bool("stats", false, "Print index statistics")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("No .env file loaded")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("Error loading config")
	}
	if err := helper.SetupLogger(cfg.Log.Level, cfg.Log.Pretty); err != nil {
		log.Fatal().Err(err).Msg("Error setting up logger")
	}
	log.Debug().Interface("config", cfg).Msg("Loaded config")

	if *filePath == "" && *query == "" && !*clearIndex && !*stats {
		flag.Usage()
		os.Exit(2)
	}

	if *dryRun {
		if *filePath == "" {
			log.Fatal().Msg("-dry-run needs a document file given with -file")
		}
		previewChunks(*filePath, cfg)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	engine, closeStore, err := rag.Build(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Error initializing engine")
	}
	defer closeStore()

	if err := engine.Load(ctx); err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			log.Fatal().Err(err).Msg("Error loading persisted index")
		}
		log.Info().Msg("No persisted index found, starting empty")
	}

	if *clearIndex {
		if err := engine.Clear(ctx); err != nil {
			log.Fatal().Err(err).Msg("Error clearing index")
		}
		if err := engine.Save(ctx); err != nil {
			log.Fatal().Err(err).Msg("Error saving cleared index")
		}
		log.Info().Msg("Index cleared")
	}

	if *filePath != "" {
		ingestFile(ctx, engine, *filePath)
	}

	if *query != "" {
		answerQuery(ctx, engine, *query, *chatPath)
	}

	if *stats {
		helper.PrettyPrint(engine.Stats())
	}
}

func previewChunks(filePath string, cfg *config.Config) {
	doc, err := parser.Load(filePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Error parsing document")
	}
	chunks, err := chunker.Split(doc.ID, doc.Text, cfg.RAG.ChunkSize, cfg.RAG.ChunkOverlap)
	if err != nil {
		log.Fatal().Err(err).Msg("Error chunking document")
	}
	log.Info().Int("chunks", len(chunks)).Msg("Parsed content")
	helper.PrettyPrint(chunks)
}

func ingestFile(ctx context.Context, engine *rag.Engine, filePath string) {
	doc, err := parser.Load(filePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Error parsing document")
	}

	report, err := engine.Ingest(ctx, doc)
	if err != nil {
		var batchErr *embedding.BatchError
		if !errors.As(err, &batchErr) {
			log.Fatal().Err(err).Msg("Error ingesting document")
		}
		log.Warn().Err(err).Strs("missing", report.Missing).Msg("Some chunks could not be embedded")
	}
	helper.PrettyPrint(report)

	if err := engine.Save(ctx); err != nil {
		log.Fatal().Err(err).Msg("Error saving index")
	}
}

func answerQuery(ctx context.Context, engine *rag.Engine, query, chatPath string) {
	var session *chat.Session
	if chatPath != "" {
		var err error
		if session, err = chat.Open(chatPath); err != nil {
			log.Fatal().Err(err).Msg("Error loading chat session")
		}
	}

	var history []llms.MessageContent
	if session != nil {
		history = session.History()
	}
	answer, err := engine.Ask(ctx, query, history...)
	if err != nil {
		log.Fatal().Err(err).Msg("Error querying")
	}

	log.Info().Msg("Query: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
	fmt.Printf("%s\n\n", query)

	log.Info().Msg("Source: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
	for _, c := range answer.Sources {
		fmt.Printf("[%s#%d] %s\n", c.DocumentID, c.SequenceIndex, c.Text)
	}
	fmt.Println()

	log.Info().Msg("Assistant: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
	fmt.Printf("%s\n\n", answer.Content)

	if session != nil {
		session.Append(chat.RoleUser, query)
		session.Append(chat.RoleAssistant, answer.Content)
		if err := session.Save(); err != nil {
			log.Error().Err(err).Str("path", chatPath).Msg("Error saving chat session")
		}
	}
}
