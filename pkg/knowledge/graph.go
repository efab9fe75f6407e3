package knowledge

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Edge is one directed relation between two entities.
type Edge struct {
	From     string `json:"from"`
	Relation string `json:"relation"`
	To       string `json:"to"`
}

// GraphStore is the two-method graph contract: add edges, look up an
// entity's neighborhood.
type GraphStore interface {
	AddEdge(from, relation, to string)
	Neighbors(entity string) []Edge
}

// MemoryGraph is an in-process GraphStore. Lookup is case-insensitive
// and covers both edge directions.
type MemoryGraph struct {
	mu    sync.RWMutex
	edges []Edge
}

func NewMemoryGraph() *MemoryGraph {
	return &MemoryGraph{}
}

func (g *MemoryGraph) AddEdge(from, relation, to string) {
	g.mu.Lock()
	g.edges = append(g.edges, Edge{From: from, Relation: relation, To: to})
	g.mu.Unlock()
}

func (g *MemoryGraph) Neighbors(entity string) []Edge {
	entity = strings.ToLower(entity)
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []Edge
	for _, e := range g.edges {
		if strings.ToLower(e.From) == entity || strings.ToLower(e.To) == entity {
			out = append(out, e)
		}
	}
	return out
}

// GraphRetriever treats each query word as a candidate entity and
// returns the edges around the ones that resolve, in query order.
type GraphRetriever struct {
	graph GraphStore
}

func NewGraphRetriever(graph GraphStore) *GraphRetriever {
	return &GraphRetriever{graph: graph}
}

func (r *GraphRetriever) Retrieve(_ context.Context, query string, opts Options) ([]Result, error) {
	seen := make(map[string]struct{})
	var results []Result

	for _, word := range strings.Fields(strings.ToLower(query)) {
		for _, e := range r.graph.Neighbors(word) {
			id := fmt.Sprintf("%s|%s|%s", e.From, e.Relation, e.To)
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}

			c := Chunk{
				ID:      id,
				Content: fmt.Sprintf("%s %s %s", e.From, e.Relation, e.To),
				Metadata: map[string]any{
					"from": e.From, "relation": e.Relation, "to": e.To,
				},
			}
			if !matchesFilter(c, opts.Filter) {
				continue
			}
			results = append(results, Result{Chunk: c, Score: 1.0})
			if len(results) == opts.limit() {
				return results, nil
			}
		}
	}
	return results, nil
}
