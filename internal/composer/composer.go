package composer

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"

	"ragcore/internal/models"
)

var thinkRe = regexp.MustCompile(models.ThinkTag)

type Config struct {
	Temperature float64
	MaxTokens   int
	// Timeout bounds the generation call. Zero means only the caller's deadline applies.
	Timeout time.Duration
	// HistoryMessages caps how many prior turns are sent. Zero sends none.
	HistoryMessages int
}

// Composer assembles a bounded context from retrieved chunks and asks the
// model to answer from it.
type Composer struct {
	llm llms.Model
	cfg Config
}

func New(llm llms.Model, cfg Config) *Composer {
	return &Composer{llm: llm, cfg: cfg}
}

// BuildContext concatenates labelled chunks in ranked order while the whole
// context stays within maxChars characters. It stops at the first chunk that
// would overflow, so the returned sources are a prefix of retrieved.
func BuildContext(retrieved models.QueryResult, maxChars int) (string, []models.Chunk) {
	var b strings.Builder
	used := 0
	sources := []models.Chunk{}
	for _, sc := range retrieved {
		piece := fmt.Sprintf(models.SourceLabel, sc.Chunk.DocumentID, sc.Chunk.SequenceIndex, sc.Chunk.Text)
		cost := utf8.RuneCountInString(piece)
		if len(sources) > 0 {
			cost += utf8.RuneCountInString(models.ContextSeparator)
		}
		if used+cost > maxChars {
			break
		}
		if len(sources) > 0 {
			b.WriteString(models.ContextSeparator)
		}
		b.WriteString(piece)
		used += cost
		sources = append(sources, sc.Chunk)
	}
	return b.String(), sources
}

// Compose answers query from retrieved. Prior conversation turns in history
// are sent ahead of the question, most recent last.
func (c *Composer) Compose(ctx context.Context, query string, retrieved models.QueryResult, maxContextChars int, history ...llms.MessageContent) (models.Answer, error) {
	if maxContextChars < 0 {
		return models.Answer{}, fmt.Errorf("%w: max context chars must be >= 0, got %d",
			models.ErrInvalidConfiguration, maxContextChars)
	}

	contextText, sources := BuildContext(retrieved, maxContextChars)
	log.Debug().Int("retrieved", len(retrieved)).Int("sources", len(sources)).
		Int("context_chars", utf8.RuneCountInString(contextText)).Msg("Context assembled")

	if len(sources) == 0 {
		return models.Answer{Query: query, Content: models.InsufficientInformationAnswer, Sources: sources}, nil
	}

	msgContent := []llms.MessageContent{llms.TextParts(schema.ChatMessageTypeSystem, models.SystemPrompt)}
	msgContent = append(msgContent, c.recent(history)...)
	msgContent = append(msgContent,
		llms.TextParts(schema.ChatMessageTypeHuman, fmt.Sprintf(models.UserPromptTemplate, contextText, query)))

	content, err := c.generate(ctx, msgContent)
	if err != nil {
		return models.Answer{}, err
	}
	return models.Answer{Query: query, Content: content, Sources: sources}, nil
}

// recent keeps the last HistoryMessages user and assistant turns.
func (c *Composer) recent(history []llms.MessageContent) []llms.MessageContent {
	if c.cfg.HistoryMessages <= 0 {
		return nil
	}
	turns := make([]llms.MessageContent, 0, len(history))
	for _, m := range history {
		if m.Role == schema.ChatMessageTypeHuman || m.Role == schema.ChatMessageTypeAI {
			turns = append(turns, m)
		}
	}
	if len(turns) > c.cfg.HistoryMessages {
		turns = turns[len(turns)-c.cfg.HistoryMessages:]
	}
	return turns
}

func (c *Composer) generate(ctx context.Context, messages []llms.MessageContent) (string, error) {
	callCtx := ctx
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	opts := []llms.CallOption{llms.WithTemperature(c.cfg.Temperature)}
	if c.cfg.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(c.cfg.MaxTokens))
	}

	res, err := c.llm.GenerateContent(callCtx, messages, opts...)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded):
			return "", fmt.Errorf("%w: generation: %w", models.ErrTimeout, err)
		case errors.Is(ctx.Err(), context.Canceled):
			return "", ctx.Err()
		default:
			return "", fmt.Errorf("%w: %w", models.ErrGenerationUnavailable, err)
		}
	}
	if res == nil || len(res.Choices) == 0 {
		return "", fmt.Errorf("%w: model returned no choices", models.ErrGenerationUnavailable)
	}

	content := thinkRe.ReplaceAllString(res.Choices[0].Content, "")
	return strings.TrimSpace(content), nil
}
