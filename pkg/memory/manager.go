// PicoCell - Self-organizing agent cluster
// License: MIT
// Copyright (c) 2026 PicoCell contributors

package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/sipeed/picocell/pkg/config"
	"github.com/sipeed/picocell/pkg/providers"
	"github.com/sipeed/picocell/pkg/tokens"
)

// extractRecallLimit caps how many long-term entries one extraction pulls
// back for ranking.
const extractRecallLimit = 20

// Stats is a point-in-time size snapshot across the three layers.
type Stats struct {
	L1Messages int `json:"l1_messages"`
	L1Tokens   int `json:"l1_tokens"`
	L2Entries  int `json:"l2_entries"`
	L2Tokens   int `json:"l2_tokens"`
	L3Entries  int `json:"l3_entries"`
}

// Manager ties the three layers together and runs the demotion cascade:
// messages evicted from the L1 window become working-memory entries at
// base importance, and entries evicted from L2 settle into long-term
// storage.
type Manager struct {
	mu             sync.Mutex
	l1             *SlidingWindow
	l2             *WorkingMemory
	l3             LongTerm
	baseImportance float64
}

// NewManager builds a hierarchy from cfg. A nil longTerm defaults to the
// in-process keyword store.
func NewManager(cfg config.MemoryConfig, longTerm LongTerm) *Manager {
	if longTerm == nil {
		longTerm = NewKeywordStore()
	}
	base := cfg.BaseImportance
	if base <= 0 || base > 1 {
		base = 0.3
	}
	return &Manager{
		l1:             NewSlidingWindow(cfg.L1TokenBudget),
		l2:             NewWorkingMemory(cfg.L2TokenBudget),
		l3:             longTerm,
		baseImportance: base,
	}
}

// AddMessage records a conversation message in L1. Messages the window
// evicts are promoted into L2 at base importance, which may in turn push
// older entries down to L3.
func (m *Manager) AddMessage(msg providers.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, evicted := range m.l1.Add(msg) {
		m.storeLocked(NewEntry(evicted.Role+": "+evicted.Content, m.baseImportance))
	}
}

// Store places an entry directly into working memory, cascading any
// eviction into long-term storage.
func (m *Manager) Store(e Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storeLocked(e)
}

func (m *Manager) storeLocked(e Entry) {
	for _, evicted := range m.l2.Store(e) {
		m.l3.Store(evicted)
	}
}

// Retrieve queries long-term storage directly.
func (m *Manager) Retrieve(ctx context.Context, query string, limit int) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.l3.Retrieve(ctx, query, limit)
}

// ExtractFor gathers the entries most worth injecting for query: the
// working set plus recalled long-term entries, highest importance first,
// greedily packed under the token budget.
func (m *Manager) ExtractFor(ctx context.Context, query string, budget int) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.extractLocked(ctx, query, budget)
}

func (m *Manager) extractLocked(ctx context.Context, query string, budget int) []Entry {
	if budget <= 0 {
		return nil
	}

	candidates := m.l2.Entries()
	seen := make(map[string]struct{}, len(candidates))
	for _, e := range candidates {
		seen[e.ID] = struct{}{}
	}
	for _, e := range m.l3.Retrieve(ctx, query, extractRecallLimit) {
		if _, dup := seen[e.ID]; dup {
			continue
		}
		seen[e.ID] = struct{}{}
		candidates = append(candidates, e)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Importance > candidates[j].Importance
	})

	var out []Entry
	used := 0
	for _, e := range candidates {
		if used+e.Tokens > budget {
			continue
		}
		out = append(out, e)
		used += e.Tokens
	}
	return out
}

// BuildContext assembles prompt context for query: the newest L1
// messages take up to half the budget verbatim, and the remainder goes
// to extracted memory entries.
func (m *Manager) BuildContext(ctx context.Context, query string, budget int) ([]providers.Message, []Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	recent := m.l1.Recent(budget / 2)
	used := 0
	for _, msg := range recent {
		used += tokens.Estimate(msg.Content)
	}
	return recent, m.extractLocked(ctx, query, budget-used)
}

// Absorb merges entries handed over by another node into working memory,
// raising each one's importance by boost, capped at 1.0.
func (m *Manager) Absorb(entries []Entry, boost float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range entries {
		e.Importance = min(e.Importance+boost, 1.0)
		m.storeLocked(e)
	}
}

// Messages returns the current L1 window.
func (m *Manager) Messages() []providers.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.l1.Messages()
}

// WorkingSet returns the current L2 entries.
func (m *Manager) WorkingSet() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.l2.Entries()
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		L1Messages: m.l1.Len(),
		L1Tokens:   m.l1.TotalTokens(),
		L2Entries:  m.l2.Len(),
		L2Tokens:   m.l2.TotalTokens(),
		L3Entries:  m.l3.Len(),
	}
}
