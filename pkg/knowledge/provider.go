package knowledge

import (
	"context"

	"github.com/sipeed/picocell/pkg/gather"
	"github.com/sipeed/picocell/pkg/tokens"
)

const providerFetchLimit = 8

// ContextProvider exposes a retriever (usually a *Base) as a gather
// source.
type ContextProvider struct {
	retriever Retriever
}

func NewContextProvider(r Retriever) *ContextProvider {
	return &ContextProvider{retriever: r}
}

func (p *ContextProvider) Source() string { return "knowledge" }

func (p *ContextProvider) Provide(ctx context.Context, query string, budget int) ([]gather.Fragment, error) {
	results, err := p.retriever.Retrieve(ctx, query, Options{Limit: providerFetchLimit})
	if err != nil {
		return nil, err
	}

	var frags []gather.Fragment
	used := 0
	for _, res := range results {
		t := tokens.Estimate(res.Chunk.Content)
		if used+t > budget {
			continue
		}
		used += t
		frags = append(frags, gather.Fragment{
			Source:    "knowledge",
			Content:   res.Chunk.Content,
			Tokens:    t,
			Relevance: clamp01(res.Score),
			Metadata:  map[string]any{"chunk_id": res.Chunk.ID},
		})
	}
	return frags, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
