package memory

import (
	"context"
	"sort"
	"strings"
)

// LongTerm is the L3 layer: an unbounded archive entries settle into once
// evicted from working memory. Implementations decide durability; the
// in-process KeywordStore is the default, with sqlite and vector backends
// for persistence and semantic recall.
type LongTerm interface {
	Store(e Entry)
	Retrieve(ctx context.Context, query string, limit int) []Entry
	Remove(id string)
	Len() int
}

// KeywordStore keeps entries in memory and ranks them by how many words
// of the query appear in the content.
type KeywordStore struct {
	entries []Entry
}

func NewKeywordStore() *KeywordStore {
	return &KeywordStore{}
}

func (s *KeywordStore) Store(e Entry) {
	s.entries = append(s.entries, e)
}

func (s *KeywordStore) Remove(id string) {
	for i, e := range s.entries {
		if e.ID == id {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return
		}
	}
}

// Retrieve scores every entry by the number of query words its content
// contains. An empty query returns the most recent entries instead.
func (s *KeywordStore) Retrieve(_ context.Context, query string, limit int) []Entry {
	if limit <= 0 {
		return nil
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return s.recent(limit)
	}

	words := strings.Fields(strings.ToLower(query))
	type scored struct {
		entry Entry
		score int
	}
	var hits []scored
	for _, e := range s.entries {
		if score := keywordScore(e.Content, words); score > 0 {
			hits = append(hits, scored{entry: e, score: score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })

	if len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]Entry, len(hits))
	for i, h := range hits {
		out[i] = h.entry
	}
	return out
}

// keywordScore counts how many of the lowercased query words appear in
// content.
func keywordScore(content string, words []string) int {
	content = strings.ToLower(content)
	score := 0
	for _, w := range words {
		if strings.Contains(content, w) {
			score++
		}
	}
	return score
}

func (s *KeywordStore) recent(limit int) []Entry {
	sorted := make([]Entry, len(s.entries))
	copy(sorted, s.entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})
	if len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted
}

func (s *KeywordStore) Len() int { return len(s.entries) }
