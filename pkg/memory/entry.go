// PicoCell - Self-organizing agent cluster
// License: MIT
//
// Copyright (c) 2026 PicoCell contributors

// Package memory implements the three-layer memory hierarchy each node
// owns: an L1 sliding window of raw messages, an L2 working set of scored
// entries, and an L3 long-term store. Evictions cascade downward so
// nothing is lost silently.
package memory

import (
	"time"

	"github.com/google/uuid"

	"github.com/sipeed/picocell/pkg/tokens"
)

// Entry is one unit of remembered content. Importance stays in [0,1] and
// decides eviction order in L2 and ranking during extraction.
type Entry struct {
	ID         string         `json:"id"`
	Content    string         `json:"content"`
	Tokens     int            `json:"tokens"`
	Importance float64        `json:"importance"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// NewEntry builds an entry with a fresh ID and a computed token count.
func NewEntry(content string, importance float64) Entry {
	if importance < 0 {
		importance = 0
	}
	if importance > 1 {
		importance = 1
	}
	return Entry{
		ID:         uuid.NewString(),
		Content:    content,
		Tokens:     tokens.Estimate(content),
		Importance: importance,
		CreatedAt:  time.Now(),
	}
}
