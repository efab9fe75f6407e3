package memory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/picocell/pkg/vecstore"
)

// --- mocks ---

type stubEmbedder struct {
	vecs map[string][]float32
}

func (s *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := s.vecs[t]; ok {
			out[i] = v
		} else {
			out[i] = []float32{0, 0}
		}
	}
	return out, nil
}

// --- sqlite ---

func newSQLiteFixture(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "mem.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	s := newSQLiteFixture(t)
	base := time.Now().UTC().Truncate(time.Second)

	contents := []string{"alpha report", "beta alpha notes", "gamma summary"}
	var ids []string
	for i, c := range contents {
		e := NewEntry(c, 0.5)
		e.CreatedAt = base.Add(time.Duration(i) * time.Second)
		e.Metadata = map[string]any{"kind": "note"}
		s.Store(e)
		ids = append(ids, e.ID)
	}
	assert.Equal(t, 3, s.Len())

	got := s.Retrieve(context.Background(), "beta alpha", 10)
	require.Len(t, got, 2)
	assert.Equal(t, "beta alpha notes", got[0].Content)
	assert.Equal(t, "alpha report", got[1].Content)
	assert.Equal(t, "note", got[0].Metadata["kind"])

	recent := s.Retrieve(context.Background(), "", 2)
	require.Len(t, recent, 2)
	assert.Equal(t, "gamma summary", recent[0].Content)
	assert.Equal(t, "beta alpha notes", recent[1].Content)

	s.Remove(ids[0])
	assert.Equal(t, 2, s.Len())
	left := s.Retrieve(context.Background(), "alpha", 10)
	require.Len(t, left, 1)
	assert.Equal(t, "beta alpha notes", left[0].Content)
}

func TestSQLiteStore_StoreIsUpsert(t *testing.T) {
	s := newSQLiteFixture(t)
	e := NewEntry("draft", 0.4)
	s.Store(e)

	e.Content = "final"
	s.Store(e)

	assert.Equal(t, 1, s.Len())
	got := s.Retrieve(context.Background(), "final", 5)
	require.Len(t, got, 1)
	assert.Equal(t, "final", got[0].Content)
}

// --- vector ---

func TestVectorStore_SimilarityRecall(t *testing.T) {
	emb := &stubEmbedder{vecs: map[string][]float32{
		"cats purr":     {1, 0},
		"dogs bark":     {0, 1},
		"feline sounds": {0.9, 0.1},
	}}
	v := NewVectorStore(vecstore.NewFileStore(""), emb)

	cats := NewEntry("cats purr", 0.8)
	dogs := NewEntry("dogs bark", 0.6)
	v.Store(cats)
	v.Store(dogs)
	assert.Equal(t, 2, v.Len())

	got := v.Retrieve(context.Background(), "feline sounds", 1)
	require.Len(t, got, 1)
	assert.Equal(t, cats.ID, got[0].ID)
	assert.Equal(t, "cats purr", got[0].Content)
	assert.InDelta(t, 0.8, got[0].Importance, 1e-9)
}

func TestVectorStore_EmptyQueryFallsBackToRecency(t *testing.T) {
	emb := &stubEmbedder{vecs: map[string][]float32{}}
	v := NewVectorStore(vecstore.NewFileStore(""), emb)

	base := time.Now()
	for i, c := range []string{"first", "second", "third"} {
		e := NewEntry(c, 0.5)
		e.CreatedAt = base.Add(time.Duration(i) * time.Second)
		v.Store(e)
	}

	got := v.Retrieve(context.Background(), "", 2)
	require.Len(t, got, 2)
	assert.Equal(t, "third", got[0].Content)
	assert.Equal(t, "second", got[1].Content)
}

func TestVectorStore_RemoveTombstonesChunk(t *testing.T) {
	emb := &stubEmbedder{vecs: map[string][]float32{
		"cats purr": {1, 0},
		"dogs bark": {0, 1},
	}}
	v := NewVectorStore(vecstore.NewFileStore(""), emb)

	cats := NewEntry("cats purr", 0.8)
	dogs := NewEntry("dogs bark", 0.6)
	v.Store(cats)
	v.Store(dogs)

	v.Remove(cats.ID)
	assert.Equal(t, 1, v.Len())

	// The tombstone has no embedding, so similarity search skips it.
	got := v.Retrieve(context.Background(), "cats purr", 5)
	require.Len(t, got, 1)
	assert.Equal(t, dogs.ID, got[0].ID)
}
