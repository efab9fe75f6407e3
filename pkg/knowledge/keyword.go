package knowledge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// KeywordRetriever scores documents by word-overlap ratio: the share of
// distinct query words the document contains.
type KeywordRetriever struct {
	mu   sync.RWMutex
	docs []Chunk
}

func NewKeywordRetriever() *KeywordRetriever {
	return &KeywordRetriever{}
}

func (r *KeywordRetriever) Add(chunks ...Chunk) {
	r.mu.Lock()
	r.docs = append(r.docs, chunks...)
	r.mu.Unlock()
}

func (r *KeywordRetriever) Retrieve(_ context.Context, query string, opts Options) ([]Result, error) {
	words := uniqueWords(query)
	if len(words) == 0 {
		return nil, nil
	}

	r.mu.RLock()
	docs := make([]Chunk, len(r.docs))
	copy(docs, r.docs)
	r.mu.RUnlock()

	var results []Result
	for _, d := range docs {
		if !matchesFilter(d, opts.Filter) {
			continue
		}
		content := strings.ToLower(d.Content)
		hits := 0
		for w := range words {
			if strings.Contains(content, w) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		results = append(results, Result{
			Chunk: d,
			Score: float64(hits) / float64(len(words)),
		})
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if limit := opts.limit(); len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func uniqueWords(query string) map[string]struct{} {
	words := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(query)) {
		words[w] = struct{}{}
	}
	return words
}

// matchesFilter reports whether every filter key has an equal value in
// the chunk metadata. Values compare by their printed form so mixed
// numeric and string metadata never panics.
func matchesFilter(c Chunk, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := c.Metadata[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}
