// Package vecstore is a small in-memory vector store with gob persistence,
// shared by the knowledge base's vector retriever and the L3 memory layer.
package vecstore

import (
	"encoding/gob"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Chunk is one embedded text fragment.
type Chunk struct {
	ID        string
	Text      string
	Source    string
	Metadata  map[string]string
	Embedding []float32
	UpdatedAt time.Time
}

// Result pairs a chunk with its similarity to the query.
type Result struct {
	Chunk
	Score float32
}

// Store is the narrow contract retrieval layers depend on. FileStore is the
// shipped implementation; tests substitute their own.
type Store interface {
	Upsert(chunks []Chunk)
	Search(query []float32, topK int) []Result
	DeleteBySource(source string)
	Len() int
}

// FileStore keeps chunks in memory and persists them as a gob file. An
// empty path disables persistence.
type FileStore struct {
	path   string
	mu     sync.RWMutex
	chunks []Chunk
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the persisted chunks. A missing or corrupt file starts the
// store empty rather than failing.
func (s *FileStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return nil
	}
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.chunks = nil
			return nil
		}
		return err
	}
	defer f.Close()

	var chunks []Chunk
	if err := gob.NewDecoder(f).Decode(&chunks); err != nil {
		s.chunks = nil
		return nil
	}
	s.chunks = chunks
	return nil
}

func (s *FileStore) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(s.path)
	if err != nil {
		return err
	}
	defer f.Close()
	return gob.NewEncoder(f).Encode(s.chunks)
}

// Upsert adds chunks, replacing any existing chunk with the same ID.
func (s *FileStore) Upsert(chunks []Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID := make(map[string]int, len(s.chunks))
	for i, c := range s.chunks {
		byID[c.ID] = i
	}
	for _, c := range chunks {
		if i, ok := byID[c.ID]; ok {
			s.chunks[i] = c
		} else {
			byID[c.ID] = len(s.chunks)
			s.chunks = append(s.chunks, c)
		}
	}
}

// Search scores every chunk by cosine similarity and returns the top K.
func (s *FileStore) Search(query []float32, topK int) []Result {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.chunks) == 0 || topK <= 0 {
		return nil
	}

	results := make([]Result, 0, len(s.chunks))
	for _, c := range s.chunks {
		if len(c.Embedding) == 0 {
			continue
		}
		results = append(results, Result{Chunk: c, Score: Cosine(query, c.Embedding)})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if topK > len(results) {
		topK = len(results)
	}
	return results[:topK]
}

func (s *FileStore) DeleteBySource(source string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.chunks[:0]
	for _, c := range s.chunks {
		if c.Source != source {
			kept = append(kept, c)
		}
	}
	s.chunks = kept
}

func (s *FileStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}

// Cosine computes cosine similarity. Mismatched or empty vectors score 0.
func Cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return float32(dot / denom)
}
