// PicoCell - Self-organizing agent cluster
// License: MIT
//
// Copyright (c) 2026 PicoCell contributors

// Package gather assembles context for a task within a hard token budget.
// Registered providers each get a share of the budget proportional to an
// adaptively learned per-source score, and the orchestrator keeps only the
// most relevant fragments that fit.
package gather

import (
	"context"
	"sort"
	"sync"

	"github.com/sipeed/picocell/pkg/logger"
	"github.com/sipeed/picocell/pkg/tokens"
)

// Fragment is one piece of candidate context from a provider.
type Fragment struct {
	Source    string
	Content   string
	Tokens    int
	Relevance float64
	Metadata  map[string]any
}

// Provider produces fragments for a query under a token sub-budget.
// Returning an error (or panicking) costs the source this round, nothing
// more.
type Provider interface {
	Source() string
	Provide(ctx context.Context, query string, budget int) ([]Fragment, error)
}

const defaultAlpha = 0.3

// Orchestrator allocates budget across providers and learns which sources
// earn their share. Scores start at 1.0 and move by EMA toward the average
// relevance of each source's selected fragments.
type Orchestrator struct {
	mu        sync.Mutex
	providers []Provider
	scores    map[string]float64
	alpha     float64
}

func NewOrchestrator(alpha float64) *Orchestrator {
	if alpha <= 0 || alpha > 1 {
		alpha = defaultAlpha
	}
	return &Orchestrator{
		scores: make(map[string]float64),
		alpha:  alpha,
	}
}

// Register adds a provider. Its source score starts at 1.0 unless SetRatio
// seeded one already.
func (o *Orchestrator) Register(p Provider) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.providers = append(o.providers, p)
	if _, ok := o.scores[p.Source()]; !ok {
		o.scores[p.Source()] = 1.0
	}
}

// SetRatio seeds the initial score for a source, for configs that want to
// start some sources ahead.
func (o *Orchestrator) SetRatio(source string, ratio float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ratio > 0 {
		o.scores[source] = ratio
	}
}

// Scores returns a snapshot of the current source scores.
func (o *Orchestrator) Scores() map[string]float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]float64, len(o.scores))
	for k, v := range o.scores {
		out[k] = v
	}
	return out
}

// Gather asks every provider for fragments, keeps the most relevant ones
// under budget, and updates source scores from what survived selection.
// The returned fragments never exceed the budget in total tokens.
func (o *Orchestrator) Gather(ctx context.Context, query string, budget int) []Fragment {
	o.mu.Lock()
	providers := make([]Provider, len(o.providers))
	copy(providers, o.providers)
	scores := make(map[string]float64, len(o.scores))
	for k, v := range o.scores {
		scores[k] = v
	}
	o.mu.Unlock()

	if len(providers) == 0 || budget <= 0 {
		return nil
	}

	var total float64
	for _, p := range providers {
		total += scores[p.Source()]
	}

	var candidates []Fragment
	for _, p := range providers {
		share := budget / len(providers)
		if total > 0 {
			share = int(float64(budget) * scores[p.Source()] / total)
		}
		if share <= 0 {
			continue
		}
		candidates = append(candidates, o.callProvider(ctx, p, query, share)...)
	}

	// Highest relevance first; stable keeps registration order on ties.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Relevance > candidates[j].Relevance
	})

	var selected []Fragment
	used := 0
	for _, f := range candidates {
		if used+f.Tokens > budget {
			continue
		}
		selected = append(selected, f)
		used += f.Tokens
	}

	o.adapt(providers, selected)
	return selected
}

// callProvider isolates one provider call: errors and panics are logged
// and the round continues without that source.
func (o *Orchestrator) callProvider(ctx context.Context, p Provider, query string, budget int) (frags []Fragment) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("gather", "provider panicked", map[string]any{
				"source": p.Source(),
				"panic":  r,
			})
			frags = nil
		}
	}()

	got, err := p.Provide(ctx, query, budget)
	if err != nil {
		logger.WarnCF("gather", "provider failed", map[string]any{
			"source": p.Source(),
			"error":  err.Error(),
		})
		return nil
	}

	for i := range got {
		if got[i].Source == "" {
			got[i].Source = p.Source()
		}
		if got[i].Tokens == 0 {
			got[i].Tokens = tokens.Estimate(got[i].Content)
		}
	}
	return got
}

// adapt folds the average selected relevance of each source into its score.
// A source with nothing selected trends toward zero and loses budget share.
func (o *Orchestrator) adapt(providers []Provider, selected []Fragment) {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, f := range selected {
		sums[f.Source] += f.Relevance
		counts[f.Source]++
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range providers {
		src := p.Source()
		avg := 0.0
		if counts[src] > 0 {
			avg = sums[src] / float64(counts[src])
		}
		o.scores[src] = (1-o.alpha)*o.scores[src] + o.alpha*avg
	}
}
