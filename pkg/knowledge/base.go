package knowledge

import (
	"context"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/sipeed/picocell/pkg/logger"
)

// Composite fusion weights: the first registered retriever leads.
const (
	DefaultPrimaryWeight   = 0.6
	DefaultSecondaryWeight = 0.4
)

type registration struct {
	name      string
	retriever Retriever
	weight    float64
}

// Base is the composite knowledge base: registered retrievers are
// queried together and their rankings fused with RRF. Unfiltered
// retrievals are served from a TTL cache.
type Base struct {
	mu         sync.RWMutex
	retrievers []registration
	cache      *gocache.Cache
}

// NewBase builds a composite base. A non-positive ttl disables caching.
func NewBase(ttl time.Duration) *Base {
	b := &Base{}
	if ttl > 0 {
		b.cache = gocache.New(ttl, 2*ttl)
	}
	return b
}

// Register adds a named retriever. A non-positive weight falls back to
// 0.6 for the first retriever and 0.4 for the rest.
func (b *Base) Register(name string, r Retriever, weight float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if weight <= 0 {
		if len(b.retrievers) == 0 {
			weight = DefaultPrimaryWeight
		} else {
			weight = DefaultSecondaryWeight
		}
	}
	b.retrievers = append(b.retrievers, registration{name: name, retriever: r, weight: weight})
}

// Names lists registered retrievers in registration order.
func (b *Base) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, len(b.retrievers))
	for i, reg := range b.retrievers {
		out[i] = reg.name
	}
	return out
}

func (b *Base) Retrieve(ctx context.Context, query string, opts Options) ([]Result, error) {
	key := fmt.Sprintf("%s|%d", query, opts.Limit)
	cacheable := b.cache != nil && len(opts.Filter) == 0
	if cacheable {
		if hit, ok := b.cache.Get(key); ok {
			return hit.([]Result), nil
		}
	}

	b.mu.RLock()
	regs := make([]registration, len(b.retrievers))
	copy(regs, b.retrievers)
	b.mu.RUnlock()

	lists := make([]rankedList, 0, len(regs))
	for _, reg := range regs {
		results, err := reg.retriever.Retrieve(ctx, query, opts)
		if err != nil {
			logger.WarnCF("knowledge", "retriever failed", map[string]any{
				"retriever": reg.name,
				"error":     err.Error(),
			})
			continue
		}
		lists = append(lists, rankedList{weight: reg.weight, results: results})
	}

	merged := rrfMerge(lists)
	if limit := opts.limit(); len(merged) > limit {
		merged = merged[:limit]
	}
	if cacheable {
		b.cache.Set(key, merged, gocache.DefaultExpiration)
	}
	return merged, nil
}
