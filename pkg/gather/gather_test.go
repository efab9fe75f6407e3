package gather

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

// --- mocks ---

type stubProvider struct {
	source    string
	fragments []Fragment
	err       error
	gotBudget int
}

func (s *stubProvider) Source() string { return s.source }

func (s *stubProvider) Provide(_ context.Context, _ string, budget int) ([]Fragment, error) {
	s.gotBudget = budget
	if s.err != nil {
		return nil, s.err
	}
	return s.fragments, nil
}

func frag(source string, tokens int, relevance float64) Fragment {
	return Fragment{Source: source, Content: "x", Tokens: tokens, Relevance: relevance}
}

// --- tests ---

func TestGather_NeverExceedsBudget(t *testing.T) {
	o := NewOrchestrator(0.3)
	o.Register(&stubProvider{source: "a", fragments: []Fragment{
		frag("a", 40, 0.9), frag("a", 40, 0.8), frag("a", 40, 0.7),
	}})
	o.Register(&stubProvider{source: "b", fragments: []Fragment{
		frag("b", 40, 0.85), frag("b", 40, 0.6),
	}})

	got := o.Gather(context.Background(), "q", 100)

	total := 0
	for _, f := range got {
		total += f.Tokens
	}
	assert.LessOrEqual(t, total, 100)
	assert.NotEmpty(t, got)
}

func TestGather_SelectsByRelevance(t *testing.T) {
	o := NewOrchestrator(0.3)
	o.Register(&stubProvider{source: "a", fragments: []Fragment{
		frag("a", 50, 0.2),
		frag("a", 50, 0.95),
	}})

	got := o.Gather(context.Background(), "q", 50)
	if assert.Len(t, got, 1) {
		assert.Equal(t, 0.95, got[0].Relevance)
	}
}

func TestGather_ProportionalSubBudgets(t *testing.T) {
	a := &stubProvider{source: "a"}
	b := &stubProvider{source: "b"}
	o := NewOrchestrator(0.3)
	o.Register(a)
	o.Register(b)
	o.SetRatio("a", 3.0)
	o.SetRatio("b", 1.0)

	o.Gather(context.Background(), "q", 100)

	assert.Equal(t, 75, a.gotBudget)
	assert.Equal(t, 25, b.gotBudget)
}

func TestGather_ScoreAdaptation(t *testing.T) {
	o := NewOrchestrator(0.3)
	o.Register(&stubProvider{source: "good", fragments: []Fragment{frag("good", 10, 0.8)}})
	o.Register(&stubProvider{source: "bad", fragments: []Fragment{frag("bad", 500, 0.1)}})

	o.Gather(context.Background(), "q", 100)

	scores := o.Scores()
	// good: 0.7*1.0 + 0.3*0.8 = 0.94. bad contributed nothing selected: 0.7*1.0 = 0.7.
	assert.InDelta(t, 0.94, scores["good"], 1e-9)
	assert.InDelta(t, 0.70, scores["bad"], 1e-9)
}

func TestGather_ProviderErrorIsolated(t *testing.T) {
	o := NewOrchestrator(0.3)
	o.Register(&stubProvider{source: "broken", err: errors.New("boom")})
	o.Register(&stubProvider{source: "ok", fragments: []Fragment{frag("ok", 10, 0.5)}})

	got := o.Gather(context.Background(), "q", 100)
	if assert.Len(t, got, 1) {
		assert.Equal(t, "ok", got[0].Source)
	}
}

func TestGather_ProviderPanicIsolated(t *testing.T) {
	o := NewOrchestrator(0.3)
	o.Register(&panicProvider{})
	o.Register(&stubProvider{source: "ok", fragments: []Fragment{frag("ok", 10, 0.5)}})

	got := o.Gather(context.Background(), "q", 100)
	assert.Len(t, got, 1)
}

type panicProvider struct{}

func (p *panicProvider) Source() string { return "explosive" }
func (p *panicProvider) Provide(context.Context, string, int) ([]Fragment, error) {
	panic("kaboom")
}

func TestGather_FillsMissingTokens(t *testing.T) {
	o := NewOrchestrator(0.3)
	o.Register(&stubProvider{source: "a", fragments: []Fragment{
		{Content: "ten chars!", Relevance: 0.5},
	}})

	got := o.Gather(context.Background(), "q", 100)
	if assert.Len(t, got, 1) {
		assert.Equal(t, "a", got[0].Source)
		assert.Equal(t, 4, got[0].Tokens)
	}
}

func TestGather_EmptyOrchestrator(t *testing.T) {
	o := NewOrchestrator(0.3)
	assert.Nil(t, o.Gather(context.Background(), "q", 100))
}
