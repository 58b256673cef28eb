package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"

	"ragcore/internal/config"
	"ragcore/internal/index"
	"ragcore/internal/models"
)

// IndexRow is one persisted index entry.
type IndexRow struct {
	bun.BaseModel `bun:"table:index_entries,alias:ie"`
	ChunkID       string    `bun:"chunk_id,pk"`
	Position      int       `bun:"position,notnull"`
	DocumentID    string    `bun:"document_id,notnull"`
	SequenceIndex int       `bun:"sequence_index,notnull"`
	Text          string    `bun:"text,notnull"`
	CharStart     int       `bun:"char_start,notnull"`
	CharEnd       int       `bun:"char_end,notnull"`
	ModelTag      string    `bun:"model_tag,notnull"`
	Embedding     []float32 `bun:"embedding,array"`
}

func NewDB(sqldb *sql.DB, debug bool) *bun.DB {
	db := bun.NewDB(sqldb, pgdialect.New())
	if debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return db
}

// ConnectDB opens a connection pool with the configured driver.
func ConnectDB(cfg config.DatabaseConfig) (*sql.DB, error) {
	switch cfg.Driver {
	case "pq":
		return sql.Open("postgres", cfg.DSN)
	case "pgdriver", "":
		return sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.DSN))), nil
	default:
		return nil, fmt.Errorf("%w: unknown database driver %q", models.ErrInvalidConfiguration, cfg.Driver)
	}
}

func InitDB(ctx context.Context, db bun.IDB) error {
	_, err := db.NewCreateTable().Model((*IndexRow)(nil)).IfNotExists().Exec(ctx)
	return err
}

// Store persists index snapshots in Postgres, replacing the table contents on
// every save.
type Store struct {
	db *bun.DB
}

func NewStore(db *bun.DB) *Store {
	return &Store{db: db}
}

// Open connects with cfg and returns a Store over the connection.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	sqldb, err := ConnectDB(cfg)
	if err != nil {
		return nil, err
	}
	return NewStore(NewDB(sqldb, cfg.Debug)), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Save(ctx context.Context, snap index.Snapshot) error {
	rows := toRows(snap)
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := InitDB(ctx, tx); err != nil {
			return err
		}
		if _, err := tx.NewTruncateTable().Model((*IndexRow)(nil)).Exec(ctx); err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		_, err := tx.NewInsert().Model(&rows).Exec(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to save index: %w", err)
	}
	log.Info().Int("entries", len(rows)).Msg("Index saved to database")
	return nil
}

func (s *Store) Load(ctx context.Context) (index.Snapshot, error) {
	if err := InitDB(ctx, s.db); err != nil {
		return index.Snapshot{}, fmt.Errorf("failed to init index table: %w", err)
	}
	var rows []IndexRow
	if err := s.db.NewSelect().Model(&rows).Order("position ASC").Scan(ctx); err != nil {
		return index.Snapshot{}, fmt.Errorf("failed to load index: %w", err)
	}
	snap, err := fromRows(rows)
	if err != nil {
		return index.Snapshot{}, err
	}
	log.Info().Int("entries", len(snap.Entries)).Msg("Index loaded from database")
	return snap, nil
}

func toRows(snap index.Snapshot) []IndexRow {
	rows := make([]IndexRow, len(snap.Entries))
	for i, e := range snap.Entries {
		rows[i] = IndexRow{
			ChunkID:       e.Chunk.ID,
			Position:      i,
			DocumentID:    e.Chunk.DocumentID,
			SequenceIndex: e.Chunk.SequenceIndex,
			Text:          e.Chunk.Text,
			CharStart:     e.Chunk.CharStart,
			CharEnd:       e.Chunk.CharEnd,
			ModelTag:      snap.ModelTag,
			Embedding:     e.Embedding.Vector,
		}
	}
	return rows
}

func fromRows(rows []IndexRow) (index.Snapshot, error) {
	if len(rows) == 0 {
		return index.Snapshot{}, fmt.Errorf("%w: index table is empty", models.ErrNotFound)
	}
	snap := index.Snapshot{
		ModelTag:  rows[0].ModelTag,
		Dimension: len(rows[0].Embedding),
		Entries:   make([]models.IndexEntry, len(rows)),
	}
	for i, r := range rows {
		if r.ModelTag != snap.ModelTag {
			return index.Snapshot{}, fmt.Errorf("%w: index table mixes model tags %q and %q",
				models.ErrInvalidConfiguration, snap.ModelTag, r.ModelTag)
		}
		snap.Entries[i] = models.IndexEntry{
			Chunk: models.Chunk{
				ID:            r.ChunkID,
				DocumentID:    r.DocumentID,
				SequenceIndex: r.SequenceIndex,
				Text:          r.Text,
				CharStart:     r.CharStart,
				CharEnd:       r.CharEnd,
			},
			Embedding: models.Embedding{ChunkID: r.ChunkID, Vector: r.Embedding, ModelTag: r.ModelTag},
		}
	}
	return snap, nil
}
