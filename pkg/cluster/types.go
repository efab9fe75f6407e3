// PicoCell - Self-organizing agent cluster
// License: MIT
//
// Copyright (c) 2026 PicoCell contributors

// Package cluster holds the node map and the task auction. Nodes carry
// learned capability profiles; tasks go to whichever node bids highest,
// with idle nodes beating busy ones on equal footing.
package cluster

import (
	"context"
	"errors"
	"sort"
	"time"
)

var ErrNodeNotFound = errors.New("node not found")

// Status is a node's lifecycle state.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusBusy      Status = "busy"
	StatusSplitting Status = "splitting"
	StatusDying     Status = "dying"
)

// Task is an advertised unit of work nodes bid on.
type Task struct {
	ID            string   `json:"id"`
	Domain        string   `json:"domain"`
	Description   string   `json:"description"`
	Complexity    float64  `json:"complexity"`
	Priority      int      `json:"priority"`
	RequiredTools []string `json:"required_tools,omitempty"`
	TokenBudget   int      `json:"token_budget"`
}

// TaskResult is what an executor hands back for one task.
type TaskResult struct {
	TaskID     string `json:"task_id"`
	AgentID    string `json:"agent_id"`
	Content    string `json:"content"`
	Success    bool   `json:"success"`
	TokenCost  int    `json:"token_cost"`
	ErrorCount int    `json:"error_count"`
	DurationMS int64  `json:"duration_ms"`
}

// RewardRecord is one appended reward outcome, owned by the node it
// scored.
type RewardRecord struct {
	TaskID    string    `json:"task_id"`
	Reward    float64   `json:"reward"`
	Domain    string    `json:"domain"`
	TokenCost int       `json:"token_cost"`
	Timestamp time.Time `json:"timestamp"`
}

// Executor runs a task end to end. The agent package provides the real
// one; tests stub it.
type Executor interface {
	Execute(ctx context.Context, task Task) (TaskResult, error)
}

// Capabilities is a node's learned profile. Scores sit in [0,1] per
// domain with an optimistic 0.5 read for domains never scored.
type Capabilities struct {
	Scores      map[string]float64  `json:"scores"`
	Tools       map[string]struct{} `json:"-"`
	TotalTasks  int                 `json:"total_tasks"`
	SuccessRate float64             `json:"success_rate"`
}

// DefaultScore is the optimistic prior for unscored domains and the
// starting success rate of a fresh node.
const DefaultScore = 0.5

func NewCapabilities() *Capabilities {
	return &Capabilities{
		Scores:      make(map[string]float64),
		Tools:       make(map[string]struct{}),
		SuccessRate: DefaultScore,
	}
}

// Score reads a domain score, falling back to the 0.5 prior.
func (c *Capabilities) Score(domain string) float64 {
	if v, ok := c.Scores[domain]; ok {
		return v
	}
	return DefaultScore
}

func (c *Capabilities) HasTool(name string) bool {
	_, ok := c.Tools[name]
	return ok
}

func (c *Capabilities) AddTools(names ...string) {
	for _, n := range names {
		c.Tools[n] = struct{}{}
	}
}

// ToolList returns tool names sorted for stable output.
func (c *Capabilities) ToolList() []string {
	out := make([]string, 0, len(c.Tools))
	for n := range c.Tools {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Clone deep-copies the profile.
func (c *Capabilities) Clone() *Capabilities {
	out := NewCapabilities()
	for d, v := range c.Scores {
		out.Scores[d] = v
	}
	for t := range c.Tools {
		out.Tools[t] = struct{}{}
	}
	out.TotalTasks = c.TotalTasks
	out.SuccessRate = c.SuccessRate
	return out
}
