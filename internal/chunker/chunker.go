package chunker

import (
	"fmt"
	"unicode"

	"github.com/rs/zerolog/log"

	"ragcore/internal/models"
)

type Config struct {
	MaxChars     int
	OverlapChars int
}

// Chunker splits documents into overlapping, boundary-aware chunks.
type Chunker struct {
	cfg Config
}

func New(cfg Config) (*Chunker, error) {
	if err := validate(cfg.MaxChars, cfg.OverlapChars); err != nil {
		return nil, err
	}
	return &Chunker{cfg: cfg}, nil
}

func (c *Chunker) Chunk(doc models.Document) ([]models.Chunk, error) {
	chunks, err := Split(doc.ID, doc.Text, c.cfg.MaxChars, c.cfg.OverlapChars)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("document", doc.ID).Int("chunks", len(chunks)).Msg("Document chunked")
	return chunks, nil
}

// Split cuts text into chunks of at most maxChars characters. Consecutive
// chunks share overlapChars characters. A cut prefers the last whitespace
// before the limit and falls back to a hard split when none exists.
//
// Offsets are rune offsets into text.
func Split(documentID, text string, maxChars, overlapChars int) ([]models.Chunk, error) {
	if err := validate(maxChars, overlapChars); err != nil {
		return nil, err
	}

	runes := []rune(text)
	n := len(runes)
	if n == 0 {
		return []models.Chunk{}, nil
	}

	var chunks []models.Chunk
	start := 0
	for seq := 0; ; seq++ {
		end := start + maxChars
		if end > n {
			end = n
		}

		cut := end
		if end < n {
			// the next start must move forward, so never cut at or before start+overlap
			for i := end; i > start+overlapChars; i-- {
				if unicode.IsSpace(runes[i]) {
					cut = i
					break
				}
			}
		}

		chunks = append(chunks, models.Chunk{
			ID:            ChunkID(documentID, seq),
			DocumentID:    documentID,
			SequenceIndex: seq,
			Text:          string(runes[start:cut]),
			CharStart:     start,
			CharEnd:       cut,
		})

		if cut == n {
			break
		}
		start = cut - overlapChars
	}
	return chunks, nil
}

// ChunkID is the id of the seq-th chunk of a document.
func ChunkID(documentID string, seq int) string {
	return fmt.Sprintf("%s:%d", documentID, seq)
}

func validate(maxChars, overlapChars int) error {
	if maxChars <= 0 {
		return fmt.Errorf("%w: max chars must be > 0, got %d", models.ErrInvalidConfiguration, maxChars)
	}
	if overlapChars < 0 || overlapChars >= maxChars {
		return fmt.Errorf("%w: overlap must be >= 0 and < max chars (%d), got %d",
			models.ErrInvalidConfiguration, maxChars, overlapChars)
	}
	return nil
}
