package snapshot

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"ragcore/internal/helper"
	"ragcore/internal/index"
	"ragcore/internal/models"
)

const formatVersion = 1

type record struct {
	Version  int
	Snapshot index.Snapshot
}

// FileStore persists index snapshots as a gob file, optionally gzip compressed.
type FileStore struct {
	Path     string
	Compress bool
}

func NewFileStore(path string, compress bool) *FileStore {
	return &FileStore{Path: path, Compress: compress}
}

// Save writes snap to a temporary file and renames it over Path.
func (s *FileStore) Save(ctx context.Context, snap index.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := helper.CreateFolder(filepath.Dir(s.Path)); err != nil {
		return fmt.Errorf("failed to create index folder: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.Path), filepath.Base(s.Path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := s.encode(tmp, snap); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.Path); err != nil {
		return fmt.Errorf("failed to move index into place: %w", err)
	}

	log.Info().Str("path", s.Path).Int("entries", len(snap.Entries)).Bool("compress", s.Compress).Msg("Index saved")
	return nil
}

func (s *FileStore) encode(w io.Writer, snap index.Snapshot) error {
	bw := bufio.NewWriter(w)
	var out io.Writer = bw
	var zw *gzip.Writer
	if s.Compress {
		zw = gzip.NewWriter(bw)
		out = zw
	}

	if err := gob.NewEncoder(out).Encode(record{Version: formatVersion, Snapshot: snap}); err != nil {
		return fmt.Errorf("failed to encode index: %w", err)
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return fmt.Errorf("failed to compress index: %w", err)
		}
	}
	return bw.Flush()
}

// Load reads the snapshot at Path. Compressed and plain files are both
// accepted. A missing file yields models.ErrNotFound.
func (s *FileStore) Load(ctx context.Context) (index.Snapshot, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return index.Snapshot{}, fmt.Errorf("%w: %s", models.ErrNotFound, s.Path)
		}
		return index.Snapshot{}, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var in io.Reader = br
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return index.Snapshot{}, fmt.Errorf("failed to open compressed index: %w", err)
		}
		defer zr.Close()
		in = zr
	}

	var rec record
	if err := gob.NewDecoder(in).Decode(&rec); err != nil {
		return index.Snapshot{}, fmt.Errorf("failed to decode index %s: %w", s.Path, err)
	}
	if rec.Version != formatVersion {
		return index.Snapshot{}, fmt.Errorf("%w: unsupported index format version %d",
			models.ErrInvalidConfiguration, rec.Version)
	}

	log.Info().Str("path", s.Path).Int("entries", len(rec.Snapshot.Entries)).Msg("Index loaded")
	return rec.Snapshot, nil
}
