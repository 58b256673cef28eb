package models

// Document is a single ingested text. Text is normalized UTF-8.
type Document struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Chunk is a positionally tracked slice of a document.
// CharStart and CharEnd are rune offsets into Document.Text, half-open.
type Chunk struct {
	ID            string `json:"id"`
	DocumentID    string `json:"document_id"`
	SequenceIndex int    `json:"sequence_index"`
	Text          string `json:"text"`
	CharStart     int    `json:"char_start"`
	CharEnd       int    `json:"char_end"`
}

// Embedding is the vector produced for one chunk under a given model tag.
type Embedding struct {
	ChunkID  string    `json:"chunk_id"`
	Vector   []float32 `json:"vector"`
	ModelTag string    `json:"model_tag"`
}

// IndexEntry pairs a chunk with its embedding.
type IndexEntry struct {
	Chunk     Chunk     `json:"chunk"`
	Embedding Embedding `json:"embedding"`
}

// ScoredChunk is a single search hit.
type ScoredChunk struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}

// QueryResult is ordered by descending score, ties by ascending sequence index.
type QueryResult []ScoredChunk

// Chunks returns the chunks of the result in rank order.
func (r QueryResult) Chunks() []Chunk {
	out := make([]Chunk, 0, len(r))
	for _, sc := range r {
		out = append(out, sc.Chunk)
	}
	return out
}

// Answer is the composed response with the chunks that were actually cited.
type Answer struct {
	Query   string  `json:"query"`
	Content string  `json:"content"`
	Sources []Chunk `json:"sources"`
}
