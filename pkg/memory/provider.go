package memory

import (
	"context"

	"github.com/sipeed/picocell/pkg/gather"
)

// ContextProvider exposes the memory hierarchy as a gather source, so a
// node's accumulated memory competes with skills and knowledge for the
// prompt budget.
type ContextProvider struct {
	manager *Manager
}

func NewContextProvider(m *Manager) *ContextProvider {
	return &ContextProvider{manager: m}
}

func (p *ContextProvider) Source() string { return "memory" }

func (p *ContextProvider) Provide(ctx context.Context, query string, budget int) ([]gather.Fragment, error) {
	entries := p.manager.ExtractFor(ctx, query, budget)
	frags := make([]gather.Fragment, 0, len(entries))
	for _, e := range entries {
		frags = append(frags, gather.Fragment{
			Source:    "memory",
			Content:   e.Content,
			Tokens:    e.Tokens,
			Relevance: e.Importance,
			Metadata:  map[string]any{"entry_id": e.ID},
		})
	}
	return frags, nil
}
