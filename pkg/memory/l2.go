package memory

// WorkingMemory is the L2 layer: scored entries kept under a token budget.
// When an insert pushes the layer over budget, the lowest-importance
// entries are evicted first.
type WorkingMemory struct {
	budget  int
	entries []Entry
	total   int
}

func NewWorkingMemory(tokenBudget int) *WorkingMemory {
	return &WorkingMemory{budget: tokenBudget}
}

// Store inserts e and returns the entries evicted to stay under budget,
// lowest importance first. The new entry itself can be evicted when it
// scores below everything already held.
func (m *WorkingMemory) Store(e Entry) []Entry {
	m.entries = append(m.entries, e)
	m.total += e.Tokens

	var evicted []Entry
	for m.total > m.budget && len(m.entries) > 0 {
		idx := 0
		for i, cur := range m.entries {
			if cur.Importance < m.entries[idx].Importance {
				idx = i
			}
		}
		victim := m.entries[idx]
		m.entries = append(m.entries[:idx], m.entries[idx+1:]...)
		m.total -= victim.Tokens
		evicted = append(evicted, victim)
	}
	return evicted
}

// Entries returns the current working set in insertion order.
func (m *WorkingMemory) Entries() []Entry {
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

func (m *WorkingMemory) TotalTokens() int { return m.total }

func (m *WorkingMemory) Len() int { return len(m.entries) }
