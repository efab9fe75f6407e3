package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"strings"

	"github.com/sipeed/picocell/pkg/logger"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a durable LongTerm backend. Retrieval pulls LIKE
// candidates from sqlite and re-scores them in Go so ranking matches
// KeywordStore exactly.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		content TEXT,
		tokens INTEGER,
		importance REAL,
		metadata JSON,
		created_at DATETIME
	)`)
	return err
}

func (s *SQLiteStore) Store(e Entry) {
	meta, _ := json.Marshal(e.Metadata)
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO entries VALUES (?, ?, ?, ?, ?, ?)",
		e.ID, e.Content, e.Tokens, e.Importance, meta, e.CreatedAt,
	)
	if err != nil {
		logger.WarnCF("memory", "sqlite store failed", map[string]any{
			"entry_id": e.ID,
			"error":    err.Error(),
		})
	}
}

func (s *SQLiteStore) Retrieve(ctx context.Context, query string, limit int) []Entry {
	if limit <= 0 {
		return nil
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return s.scan(ctx, "SELECT id, content, tokens, importance, metadata, created_at FROM entries ORDER BY created_at DESC LIMIT ?", limit)
	}

	words := strings.Fields(strings.ToLower(query))
	clauses := make([]string, len(words))
	args := make([]any, 0, len(words)+1)
	for i, w := range words {
		clauses[i] = "lower(content) LIKE ?"
		args = append(args, "%"+w+"%")
	}
	// Over-fetch candidates so Go-side re-scoring has room to reorder.
	args = append(args, limit*4)
	candidates := s.scan(ctx,
		"SELECT id, content, tokens, importance, metadata, created_at FROM entries WHERE "+
			strings.Join(clauses, " OR ")+" LIMIT ?", args...)

	type scored struct {
		entry Entry
		score int
	}
	hits := make([]scored, 0, len(candidates))
	for _, e := range candidates {
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

func (s *SQLiteStore) scan(ctx context.Context, q string, args ...any) []Entry {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		logger.WarnCF("memory", "sqlite query failed", map[string]any{"error": err.Error()})
		return nil
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var meta []byte
		if err := rows.Scan(&e.ID, &e.Content, &e.Tokens, &e.Importance, &meta, &e.CreatedAt); err != nil {
			continue
		}
		json.Unmarshal(meta, &e.Metadata)
		out = append(out, e)
	}
	return out
}

func (s *SQLiteStore) Remove(id string) {
	if _, err := s.db.Exec("DELETE FROM entries WHERE id=?", id); err != nil {
		logger.WarnCF("memory", "sqlite delete failed", map[string]any{
			"entry_id": id,
			"error":    err.Error(),
		})
	}
}

func (s *SQLiteStore) Len() int {
	var n int
	s.db.QueryRow("SELECT COUNT(*) FROM entries").Scan(&n)
	return n
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
