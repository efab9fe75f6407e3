// Package knowledge provides pluggable retrieval over a shared chunk
// shape: keyword overlap, embedding similarity, reciprocal-rank fusion of
// the two, and entity-graph lookup, plus a composite base that merges
// registered retrievers and caches results.
package knowledge

import "context"

// Chunk is one retrievable piece of knowledge.
type Chunk struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Result is a chunk with its retrieval score.
type Result struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}

// Options narrows a retrieval: Limit caps the result count and Filter,
// when set, requires every listed metadata key to match.
type Options struct {
	Limit  int
	Filter map[string]any
}

// Retriever is the single-method retrieval contract all backends share.
type Retriever interface {
	Retrieve(ctx context.Context, query string, opts Options) ([]Result, error)
}

func (o Options) limit() int {
	if o.Limit <= 0 {
		return 10
	}
	return o.Limit
}
