package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sipeed/picocell/pkg/logger"
	"github.com/sipeed/picocell/pkg/vecstore"
)

const embedTimeout = 30 * time.Second

// VectorStore is a LongTerm backend that recalls entries by embedding
// similarity. Entries round-trip through chunk metadata so a persistent
// vecstore carries the full entry, not just its text. Recency, Remove
// and Len track entries stored this process; similarity recall also
// covers chunks persisted by earlier runs.
type VectorStore struct {
	store    vecstore.Store
	embedder vecstore.Embedder
	source   string

	mu   sync.Mutex
	byID map[string]Entry
}

func NewVectorStore(store vecstore.Store, embedder vecstore.Embedder) *VectorStore {
	return &VectorStore{
		store:    store,
		embedder: embedder,
		source:   "memory",
		byID:     make(map[string]Entry),
	}
}

func (v *VectorStore) Store(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), embedTimeout)
	defer cancel()

	embs, err := v.embedder.Embed(ctx, []string{e.Content})
	if err != nil || len(embs) == 0 {
		logger.WarnCF("memory", "embedding failed, entry not indexed", map[string]any{
			"entry_id": e.ID,
			"error":    errString(err),
		})
		return
	}
	v.store.Upsert([]vecstore.Chunk{{
		ID:     e.ID,
		Text:   e.Content,
		Source: v.source,
		Metadata: map[string]string{
			"importance": strconv.FormatFloat(e.Importance, 'f', -1, 64),
			"tokens":     strconv.Itoa(e.Tokens),
			"created_at": e.CreatedAt.Format(time.RFC3339Nano),
		},
		Embedding: embs[0],
		UpdatedAt: e.CreatedAt,
	}})

	v.mu.Lock()
	v.byID[e.ID] = e
	v.mu.Unlock()
}

func (v *VectorStore) Retrieve(ctx context.Context, query string, limit int) []Entry {
	if limit <= 0 {
		return nil
	}
	if query == "" {
		return v.recent(limit)
	}

	embs, err := v.embedder.Embed(ctx, []string{query})
	if err != nil || len(embs) == 0 {
		logger.WarnCF("memory", "query embedding failed", map[string]any{"error": errString(err)})
		return nil
	}

	results := v.store.Search(embs[0], limit)
	out := make([]Entry, 0, len(results))
	for _, r := range results {
		out = append(out, entryFromChunk(r.Chunk))
	}
	return out
}

// Remove drops the entry from the live index and replaces its chunk with
// an unembedded tombstone so a persistent store stops returning it.
func (v *VectorStore) Remove(id string) {
	v.mu.Lock()
	delete(v.byID, id)
	v.mu.Unlock()

	v.store.Upsert([]vecstore.Chunk{{ID: id, Source: v.source}})
}

func (v *VectorStore) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.byID)
}

func (v *VectorStore) recent(limit int) []Entry {
	v.mu.Lock()
	entries := make([]Entry, 0, len(v.byID))
	for _, e := range v.byID {
		entries = append(entries, e)
	}
	v.mu.Unlock()

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

func entryFromChunk(c vecstore.Chunk) Entry {
	e := Entry{
		ID:        c.ID,
		Content:   c.Text,
		CreatedAt: c.UpdatedAt,
	}
	if s, ok := c.Metadata["importance"]; ok {
		e.Importance, _ = strconv.ParseFloat(s, 64)
	}
	if s, ok := c.Metadata["tokens"]; ok {
		e.Tokens, _ = strconv.Atoi(s)
	}
	if s, ok := c.Metadata["created_at"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			e.CreatedAt = t
		}
	}
	return e
}

func errString(err error) string {
	if err == nil {
		return "empty response"
	}
	return err.Error()
}
