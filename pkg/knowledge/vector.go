package knowledge

import (
	"context"
	"fmt"

	"github.com/sipeed/picocell/pkg/vecstore"
)

// VectorRetriever answers queries by cosine similarity over an embedded
// chunk index.
type VectorRetriever struct {
	store    vecstore.Store
	embedder vecstore.Embedder
	source   string
}

func NewVectorRetriever(store vecstore.Store, embedder vecstore.Embedder) *VectorRetriever {
	return &VectorRetriever{store: store, embedder: embedder, source: "knowledge"}
}

// Add embeds chunks and upserts them into the index.
func (r *VectorRetriever) Add(ctx context.Context, chunks ...Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	embs, err := r.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed chunks: %w", err)
	}
	if len(embs) != len(chunks) {
		return fmt.Errorf("embed chunks: got %d embeddings for %d chunks", len(embs), len(chunks))
	}

	vcs := make([]vecstore.Chunk, len(chunks))
	for i, c := range chunks {
		vcs[i] = vecstore.Chunk{
			ID:        c.ID,
			Text:      c.Content,
			Source:    r.source,
			Metadata:  stringifyMetadata(c.Metadata),
			Embedding: embs[i],
		}
	}
	r.store.Upsert(vcs)
	return nil
}

func (r *VectorRetriever) Retrieve(ctx context.Context, query string, opts Options) ([]Result, error) {
	embs, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(embs) == 0 {
		return nil, nil
	}

	// Over-fetch so filtering still leaves a full page.
	raw := r.store.Search(embs[0], opts.limit()*2)
	var results []Result
	for _, res := range raw {
		c := Chunk{ID: res.ID, Content: res.Text, Metadata: anyMetadata(res.Metadata)}
		if !matchesFilter(c, opts.Filter) {
			continue
		}
		score := float64(res.Score)
		if score < 0 {
			score = 0
		}
		results = append(results, Result{Chunk: c, Score: score})
		if len(results) == opts.limit() {
			break
		}
	}
	return results, nil
}

func stringifyMetadata(meta map[string]any) map[string]string {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = fmt.Sprint(v)
	}
	return out
}

func anyMetadata(meta map[string]string) map[string]any {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
