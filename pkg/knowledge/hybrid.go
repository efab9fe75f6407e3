package knowledge

import (
	"context"
	"sort"

	"github.com/sipeed/picocell/pkg/logger"
)

// Default fusion weights: vector recall leads, keyword recall anchors.
const (
	DefaultKeywordWeight = 0.4
	DefaultVectorWeight  = 0.6
)

// HybridRetriever fuses a keyword and a vector retriever with reciprocal
// rank fusion. A failing side is logged and scored as an empty list
// rather than failing the whole retrieval.
type HybridRetriever struct {
	keyword       Retriever
	vector        Retriever
	keywordWeight float64
	vectorWeight  float64
}

func NewHybridRetriever(keyword, vector Retriever, keywordWeight, vectorWeight float64) *HybridRetriever {
	if keywordWeight <= 0 && vectorWeight <= 0 {
		keywordWeight = DefaultKeywordWeight
		vectorWeight = DefaultVectorWeight
	}
	return &HybridRetriever{
		keyword:       keyword,
		vector:        vector,
		keywordWeight: keywordWeight,
		vectorWeight:  vectorWeight,
	}
}

func (r *HybridRetriever) Retrieve(ctx context.Context, query string, opts Options) ([]Result, error) {
	kw := r.side(ctx, "keyword", r.keyword, query, opts)
	vec := r.side(ctx, "vector", r.vector, query, opts)

	merged := rrfMerge([]rankedList{
		{weight: r.keywordWeight, results: kw},
		{weight: r.vectorWeight, results: vec},
	})
	if limit := opts.limit(); len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

func (r *HybridRetriever) side(ctx context.Context, name string, ret Retriever, query string, opts Options) []Result {
	results, err := ret.Retrieve(ctx, query, opts)
	if err != nil {
		logger.WarnCF("knowledge", "hybrid side failed", map[string]any{
			"side":  name,
			"error": err.Error(),
		})
		return nil
	}
	return results
}

type rankedList struct {
	weight  float64
	results []Result
}

// rrfMerge fuses ranked lists by summing weight/(rank+1) per chunk ID.
// Ties keep first-seen order.
func rrfMerge(lists []rankedList) []Result {
	scores := make(map[string]float64)
	chunks := make(map[string]Chunk)
	var order []string

	for _, list := range lists {
		for rank, res := range list.results {
			id := res.Chunk.ID
			if _, seen := scores[id]; !seen {
				order = append(order, id)
				chunks[id] = res.Chunk
			}
			scores[id] += list.weight / float64(rank+1)
		}
	}

	out := make([]Result, 0, len(order))
	for _, id := range order {
		out = append(out, Result{Chunk: chunks[id], Score: scores[id]})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}
