package memory

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/picocell/pkg/config"
	"github.com/sipeed/picocell/pkg/providers"
	"github.com/sipeed/picocell/pkg/tokens"
)

// fifty runes estimate to 20 tokens, which keeps the layer math easy to
// follow in the assertions below.
func content20() string { return strings.Repeat("a", 50) }

func entry(content string, importance float64) Entry {
	return NewEntry(content, importance)
}

// --- L1 ---

func TestSlidingWindow_EvictsOldestFirst(t *testing.T) {
	w := NewSlidingWindow(45)

	evicted := w.Add(providers.UserMessage(content20()))
	assert.Empty(t, evicted)
	evicted = w.Add(providers.UserMessage(content20()))
	assert.Empty(t, evicted)

	// Third message pushes the total to 60, so the oldest goes.
	evicted = w.Add(providers.UserMessage(content20()))
	require.Len(t, evicted, 1)
	assert.Equal(t, 2, w.Len())
	assert.Equal(t, 40, w.TotalTokens())
}

func TestSlidingWindow_KeepsNewestEvenOversized(t *testing.T) {
	w := NewSlidingWindow(5)

	evicted := w.Add(providers.UserMessage(content20()))
	assert.Empty(t, evicted)
	assert.Equal(t, 1, w.Len())

	evicted = w.Add(providers.UserMessage(strings.Repeat("b", 50)))
	require.Len(t, evicted, 1)
	assert.Equal(t, 1, w.Len())
	assert.Equal(t, strings.Repeat("b", 50), w.Messages()[0].Content)
}

func TestSlidingWindow_RecentRespectsBudget(t *testing.T) {
	w := NewSlidingWindow(1000)
	w.Add(providers.UserMessage("first " + content20()))
	w.Add(providers.UserMessage("second " + content20()))
	w.Add(providers.UserMessage("third " + content20()))

	// Each message is 22 tokens; a 50-token slice fits only the last two.
	recent := w.Recent(50)
	require.Len(t, recent, 2)
	assert.Contains(t, recent[0].Content, "second")
	assert.Contains(t, recent[1].Content, "third")
}

// --- L2 ---

func TestWorkingMemory_EvictsLowestImportance(t *testing.T) {
	m := NewWorkingMemory(50)

	assert.Empty(t, m.Store(entry(content20(), 0.9)))
	assert.Empty(t, m.Store(entry(content20(), 0.1)))

	// Inserting a third 20-token entry exceeds the budget; the
	// 0.1-importance entry goes, not the newcomer.
	evicted := m.Store(entry(content20(), 0.5))
	require.Len(t, evicted, 1)
	assert.InDelta(t, 0.1, evicted[0].Importance, 1e-9)

	left := m.Entries()
	require.Len(t, left, 2)
	assert.InDelta(t, 0.9, left[0].Importance, 1e-9)
	assert.InDelta(t, 0.5, left[1].Importance, 1e-9)
}

func TestWorkingMemory_NewEntryCanLose(t *testing.T) {
	m := NewWorkingMemory(50)
	m.Store(entry(content20(), 0.9))
	m.Store(entry(content20(), 0.8))

	evicted := m.Store(entry(content20(), 0.05))
	require.Len(t, evicted, 1)
	assert.InDelta(t, 0.05, evicted[0].Importance, 1e-9)
	assert.Equal(t, 40, m.TotalTokens())
}

// --- L3 keyword ---

func TestKeywordStore_RanksByQueryWordHits(t *testing.T) {
	s := NewKeywordStore()
	s.Store(entry("the database migration failed on table users", 0.5))
	s.Store(entry("python database tips", 0.5))
	s.Store(entry("gardening notes", 0.5))

	got := s.Retrieve(context.Background(), "Python database", 10)
	require.Len(t, got, 2)
	assert.Equal(t, "python database tips", got[0].Content)
	assert.Equal(t, "the database migration failed on table users", got[1].Content)
}

func TestKeywordStore_EmptyQueryReturnsRecent(t *testing.T) {
	s := NewKeywordStore()
	base := time.Now()
	for i, c := range []string{"oldest", "middle", "newest"} {
		e := entry(c, 0.5)
		e.CreatedAt = base.Add(time.Duration(i) * time.Second)
		s.Store(e)
	}

	got := s.Retrieve(context.Background(), "", 2)
	require.Len(t, got, 2)
	assert.Equal(t, "newest", got[0].Content)
	assert.Equal(t, "middle", got[1].Content)
}

func TestKeywordStore_Remove(t *testing.T) {
	s := NewKeywordStore()
	e := entry("disposable", 0.5)
	s.Store(e)
	s.Store(entry("keeper", 0.5))

	s.Remove(e.ID)
	assert.Equal(t, 1, s.Len())
	assert.Empty(t, s.Retrieve(context.Background(), "disposable", 5))
}

// --- manager ---

func memCfg(l1, l2 int) config.MemoryConfig {
	return config.MemoryConfig{L1TokenBudget: l1, L2TokenBudget: l2, BaseImportance: 0.3}
}

func TestManager_PromotionRecountsTokens(t *testing.T) {
	m := NewManager(memCfg(10, 1000), nil)

	m.AddMessage(providers.UserMessage(content20()))
	m.AddMessage(providers.Message{Role: "assistant", Content: content20()})

	// The first message was evicted from L1 and promoted with its role
	// prefixed, so its token count was recomputed for the new text.
	ws := m.WorkingSet()
	require.Len(t, ws, 1)
	assert.Equal(t, "user: "+content20(), ws[0].Content)
	assert.InDelta(t, 0.3, ws[0].Importance, 1e-9)
	assert.Equal(t, tokens.Estimate(ws[0].Content), ws[0].Tokens)
}

func TestManager_CascadeLosesNothing(t *testing.T) {
	// L1 holds one message, L2 holds one promoted entry; the rest must
	// surface in L3 rather than vanish.
	m := NewManager(memCfg(10, 25), nil)

	for i := 0; i < 3; i++ {
		m.AddMessage(providers.UserMessage(content20()))
	}

	stats := m.Stats()
	assert.Equal(t, 1, stats.L1Messages)
	assert.Equal(t, 1, stats.L2Entries)
	assert.Equal(t, 1, stats.L3Entries)
}

func TestManager_ExtractForPacksByImportance(t *testing.T) {
	m := NewManager(memCfg(1000, 1000), nil)
	short := strings.Repeat("x", 25) // 10 tokens
	m.Store(Entry{ID: "a", Content: short, Tokens: 10, Importance: 0.9})
	m.Store(Entry{ID: "b", Content: short, Tokens: 10, Importance: 0.5})
	m.Store(Entry{ID: "c", Content: short, Tokens: 10, Importance: 0.7})

	got := m.ExtractFor(context.Background(), "", 20)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "c", got[1].ID)
}

func TestManager_BuildContextSplitsBudget(t *testing.T) {
	m := NewManager(memCfg(1000, 1000), nil)
	m.AddMessage(providers.UserMessage("older " + content20()))
	m.AddMessage(providers.UserMessage("newer " + content20()))
	m.Store(Entry{ID: "note", Content: strings.Repeat("n", 75), Tokens: 30, Importance: 0.8})

	// Budget 50: the transcript half fits only the newest 22-token
	// message, leaving 28 tokens that still do not fit the 30-token note.
	recent, entries := m.BuildContext(context.Background(), "", 50)
	require.Len(t, recent, 1)
	assert.Contains(t, recent[0].Content, "newer")
	assert.Empty(t, entries)

	// Budget 120 fits both messages and the note.
	recent, entries = m.BuildContext(context.Background(), "", 120)
	assert.Len(t, recent, 2)
	require.Len(t, entries, 1)
	assert.Equal(t, "note", entries[0].ID)
}

func TestManager_AbsorbBoostsAndCaps(t *testing.T) {
	m := NewManager(memCfg(1000, 1000), nil)

	m.Absorb([]Entry{
		{ID: "hot", Content: "x", Tokens: 1, Importance: 0.9},
		{ID: "warm", Content: "y", Tokens: 1, Importance: 0.2},
	}, 0.3)

	ws := m.WorkingSet()
	require.Len(t, ws, 2)
	byID := map[string]float64{}
	for _, e := range ws {
		byID[e.ID] = e.Importance
	}
	assert.InDelta(t, 1.0, byID["hot"], 1e-9)
	assert.InDelta(t, 0.5, byID["warm"], 1e-9)
}

// --- gather bridge ---

func TestContextProvider(t *testing.T) {
	m := NewManager(memCfg(1000, 1000), nil)
	m.Store(Entry{ID: "e1", Content: "postgres tuning notes", Tokens: 8, Importance: 0.7})

	p := NewContextProvider(m)
	assert.Equal(t, "memory", p.Source())

	frags, err := p.Provide(context.Background(), "postgres", 100)
	require.NoError(t, err)
	require.Len(t, frags, 1)
	assert.Equal(t, "memory", frags[0].Source)
	assert.InDelta(t, 0.7, frags[0].Relevance, 1e-9)
	assert.Equal(t, "e1", frags[0].Metadata["entry_id"])
}
