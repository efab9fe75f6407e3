package reward

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/picocell/pkg/cluster"
	"github.com/sipeed/picocell/pkg/config"
	"github.com/sipeed/picocell/pkg/events"
	"github.com/sipeed/picocell/pkg/providers"
)

// --- mocks ---

type stubJudge struct {
	score      float64
	err        error
	calls      int
	lastResult cluster.TaskResult
}

func (j *stubJudge) Score(_ context.Context, _ cluster.Task, result cluster.TaskResult) (float64, error) {
	j.calls++
	j.lastResult = result
	return j.score, j.err
}

type fixedProvider struct {
	content string
	err     error
}

func (p *fixedProvider) Complete(context.Context, providers.Request) (*providers.Completion, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &providers.Completion{Content: p.content}, nil
}

func (p *fixedProvider) Stream(context.Context, providers.Request) (<-chan providers.Chunk, error) {
	return nil, errors.New("not streamed")
}

func (p *fixedProvider) DefaultModel() string { return "fixed-model" }

func testBus() *Bus { return NewBus(config.Default().Reward) }

func codeTask(budget int) cluster.Task {
	return cluster.Task{ID: "t1", Domain: "code", TokenBudget: budget}
}

// --- signal and reward math ---

func TestComputeSignal_KnownCase(t *testing.T) {
	s := ComputeSignal(1000, true, 100, 0)
	assert.InDelta(t, 0.7, s.Quality, 1e-9)
	assert.InDelta(t, 0.9, s.Efficiency, 1e-9)
	assert.InDelta(t, 1.0, s.Reliability, 1e-9)
	assert.InDelta(t, 0.82, Compute(s), 0.01)
}

func TestComputeSignal_Clamps(t *testing.T) {
	// Overspent budget floors efficiency at zero.
	s := ComputeSignal(100, false, 500, 2)
	assert.InDelta(t, 0.0, s.Quality, 1e-9)
	assert.InDelta(t, 0.0, s.Efficiency, 1e-9)
	assert.InDelta(t, 0.0, s.Reliability, 1e-9)

	// A zero budget does not divide by zero.
	s = ComputeSignal(0, true, 0, 0)
	assert.InDelta(t, 1.0, s.Efficiency, 1e-9)
}

// --- evaluate ---

func TestEvaluate_SingleStepEMA(t *testing.T) {
	b := testBus()
	n := cluster.NewNode("n1", "", 0, nil)

	got := b.Evaluate(context.Background(), n, codeTask(1000), true, 100, 0)
	assert.InDelta(t, 0.82, got, 0.01)
	// 0.3*0.82 + 0.7*0.5
	assert.InDelta(t, 0.596, n.CapScore("code"), 1e-9)
	// hit=1: 0.3*1 + 0.7*0.5
	assert.InDelta(t, 0.65, n.SuccessRate(), 1e-9)
	assert.Equal(t, 1, n.TotalTasks())
	assert.Equal(t, 0, n.Losses())

	history := n.History()
	require.Len(t, history, 1)
	assert.Equal(t, "t1", history[0].TaskID)
	assert.Equal(t, "code", history[0].Domain)
	assert.InDelta(t, 0.82, history[0].Reward, 0.01)
}

func TestEvaluate_ConvergesOnRepeatedSuccess(t *testing.T) {
	b := testBus()
	n := cluster.NewNode("n1", "", 0, nil)

	for i := 0; i < 30; i++ {
		b.Evaluate(context.Background(), n, codeTask(1000), true, 100, 0)
	}

	score := n.CapScore("code")
	assert.GreaterOrEqual(t, score, 0.75)
	assert.LessOrEqual(t, score, 0.90)
}

func TestEvaluate_CollapsesOnRepeatedFailure(t *testing.T) {
	b := testBus()
	n := cluster.NewNode("n1", "", 0, nil)
	n.SetCapScore("code", 0.8)

	for i := 0; i < 20; i++ {
		b.Evaluate(context.Background(), n, codeTask(1000), false, 100, 1)
	}

	assert.Less(t, n.CapScore("code"), 0.4)
	assert.Equal(t, 20, n.Losses())
}

func TestEvaluate_LossCounterFollowsSuccessFlag(t *testing.T) {
	b := testBus()
	n := cluster.NewNode("n1", "", 0, nil)

	b.Evaluate(context.Background(), n, codeTask(1000), false, 100, 1)
	b.Evaluate(context.Background(), n, codeTask(1000), false, 100, 1)
	assert.Equal(t, 2, n.Losses())

	b.Evaluate(context.Background(), n, codeTask(1000), true, 100, 0)
	assert.Equal(t, 0, n.Losses())
}

func TestEvaluate_EmitsRewardEvent(t *testing.T) {
	b := testBus()
	eb := events.NewBus()
	b.SetEvents(eb)

	var got []events.Event
	eb.Subscribe(events.TypeReward, func(ev events.Event) { got = append(got, ev) })

	n := cluster.NewNode("n1", "", 0, nil)
	b.Evaluate(context.Background(), n, codeTask(1000), true, 100, 0)

	require.Len(t, got, 1)
	assert.Equal(t, "n1", got[0].NodeID)
	assert.Equal(t, "t1", got[0].TaskID)
	assert.InDelta(t, 0.82, got[0].Data["reward"].(float64), 0.01)
}

// --- judge hybrid ---

func TestEvaluate_JudgeEveryN(t *testing.T) {
	cfg := config.Default().Reward
	cfg.JudgeEnabled = true
	cfg.JudgeInterval = 2

	b := NewBus(cfg)
	judge := &stubJudge{score: 1.0}
	b.SetJudge(judge)

	n := cluster.NewNode("n1", "", 0, nil)
	first := b.Evaluate(context.Background(), n, codeTask(1000), true, 100, 0)
	second := b.Evaluate(context.Background(), n, codeTask(1000), true, 100, 0)

	assert.Equal(t, 1, judge.calls)
	assert.InDelta(t, 0.82, first, 0.01)
	// 0.82 + 0.5*(1.0 - 0.82)
	assert.InDelta(t, 0.91, second, 0.01)

	history := n.History()
	require.Len(t, history, 2)
	assert.InDelta(t, 0.91, history[1].Reward, 0.01)
}

func TestEvaluate_JudgeFailureFallsBackToRule(t *testing.T) {
	cfg := config.Default().Reward
	cfg.JudgeEnabled = true
	cfg.JudgeInterval = 1

	b := NewBus(cfg)
	b.SetJudge(&stubJudge{err: errors.New("judge offline")})

	n := cluster.NewNode("n1", "", 0, nil)
	got := b.Evaluate(context.Background(), n, codeTask(1000), true, 100, 0)
	assert.InDelta(t, 0.82, got, 0.01)
}

func TestEvaluateResult_HandsContentToJudge(t *testing.T) {
	cfg := config.Default().Reward
	cfg.JudgeEnabled = true
	cfg.JudgeInterval = 1

	b := NewBus(cfg)
	judge := &stubJudge{score: 0.9}
	b.SetJudge(judge)

	n := cluster.NewNode("n1", "", 0, nil)
	result := cluster.TaskResult{TaskID: "t1", AgentID: "n1", Content: "the answer", Success: true, TokenCost: 100}
	b.EvaluateResult(context.Background(), n, codeTask(1000), result)

	assert.Equal(t, "the answer", judge.lastResult.Content)
}

// --- decay ---

func TestDecayInactive(t *testing.T) {
	cfg := config.Default().Reward
	cfg.DecayRate = 0.5
	b := NewBus(cfg)

	n := cluster.NewNode("n1", "", 0, nil)
	n.SetCapScore("code", 0.8)
	n.SetCapScore("data", 0.7)
	n.SetCapScore("fresh", 0.6)
	n.AppendReward(cluster.RewardRecord{Domain: "code", Timestamp: time.Now().Add(-72 * time.Hour)})
	n.AppendReward(cluster.RewardRecord{Domain: "data", Timestamp: time.Now().Add(-time.Hour)})

	b.DecayInactive(n)

	// 0.8 * 0.5^3 after three idle days.
	assert.InDelta(t, 0.1, n.CapScore("code"), 0.001)
	// Recent activity and never-rewarded domains stay put.
	assert.InDelta(t, 0.7, n.CapScore("data"), 1e-9)
	assert.InDelta(t, 0.6, n.CapScore("fresh"), 1e-9)
}

// --- llm judge ---

func TestLLMJudge_ParsesScore(t *testing.T) {
	j := NewLLMJudge(&fixedProvider{content: "0.85"}, "")
	got, err := j.Score(context.Background(), codeTask(1000), cluster.TaskResult{Content: "out"})
	require.NoError(t, err)
	assert.InDelta(t, 0.85, got, 1e-9)
}

func TestLLMJudge_ParsesEmbeddedNumber(t *testing.T) {
	j := NewLLMJudge(&fixedProvider{content: "Score: 0.9 out of 1"}, "")
	got, err := j.Score(context.Background(), codeTask(1000), cluster.TaskResult{})
	require.NoError(t, err)
	assert.InDelta(t, 0.9, got, 1e-9)
}

func TestLLMJudge_ClampsAndErrors(t *testing.T) {
	j := NewLLMJudge(&fixedProvider{content: "7"}, "")
	got, err := j.Score(context.Background(), codeTask(1000), cluster.TaskResult{})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, got, 1e-9)

	j = NewLLMJudge(&fixedProvider{content: "no idea"}, "")
	_, err = j.Score(context.Background(), codeTask(1000), cluster.TaskResult{})
	assert.Error(t, err)

	j = NewLLMJudge(&fixedProvider{err: errors.New("offline")}, "")
	_, err = j.Score(context.Background(), codeTask(1000), cluster.TaskResult{})
	assert.Error(t, err)
}
