package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/picocell/pkg/cluster"
	"github.com/sipeed/picocell/pkg/providers"
)

type scriptProvider struct {
	content string
	err     error
	calls   int
	lastReq providers.Request
}

func (p *scriptProvider) Complete(_ context.Context, req providers.Request) (*providers.Completion, error) {
	p.calls++
	p.lastReq = req
	if p.err != nil {
		return nil, p.err
	}
	return &providers.Completion{Content: p.content}, nil
}

func (p *scriptProvider) Stream(context.Context, providers.Request) (<-chan providers.Chunk, error) {
	return nil, errors.New("not streamed")
}

func (p *scriptProvider) DefaultModel() string { return "script-model" }

func parserTask() cluster.Task {
	return cluster.Task{ID: "t1", Domain: "code", Description: "refactor the parser", Complexity: 0.8}
}

// --- decompose ---

func TestDecompose_ParsesFencedArray(t *testing.T) {
	p := &scriptProvider{content: "Here is the plan:\n```json\n[\n" +
		` {"id": "plan", "description": "outline the approach", "domain": "research", "dependencies": [], "estimated_complexity": 0.3},` + "\n" +
		` {"id": "build", "description": "write the code", "domain": "code", "dependencies": ["plan"], "estimated_complexity": 0.7}` + "\n" +
		"]\n```"}

	subs := New(p, "").Decompose(context.Background(), parserTask())
	require.Len(t, subs, 2)
	assert.Equal(t, "plan", subs[0].ID)
	assert.Equal(t, "research", subs[0].Domain)
	assert.Equal(t, []string{"plan"}, subs[1].Dependencies)
	assert.InDelta(t, 0.7, subs[1].EstimatedComplexity, 1e-9)
}

func TestDecompose_CapsSubtaskCount(t *testing.T) {
	var entries []string
	for i := 1; i <= 7; i++ {
		entries = append(entries, fmt.Sprintf(`{"id":"x%d","description":"step %d","domain":"code"}`, i, i))
	}
	p := &scriptProvider{content: "[" + strings.Join(entries, ",") + "]"}

	subs := New(p, "").Decompose(context.Background(), parserTask())
	require.Len(t, subs, maxSubtasks)
	assert.Equal(t, "x5", subs[4].ID)
}

func TestDecompose_MalformedFallsBack(t *testing.T) {
	task := parserTask()

	for _, content := range []string{
		"I cannot produce JSON for that.",
		`[{"id": "s1", "description": "truncated`,
	} {
		p := &scriptProvider{content: content}
		subs := New(p, "").Decompose(context.Background(), task)
		require.Len(t, subs, 1, content)
		assert.Equal(t, "s1", subs[0].ID)
		assert.Equal(t, task.Description, subs[0].Description)
		assert.Equal(t, task.Domain, subs[0].Domain)
		assert.InDelta(t, task.Complexity, subs[0].EstimatedComplexity, 1e-9)
	}
}

func TestDecompose_ProviderErrorFallsBack(t *testing.T) {
	p := &scriptProvider{err: errors.New("overloaded")}
	subs := New(p, "").Decompose(context.Background(), parserTask())
	require.Len(t, subs, 1)
	assert.Equal(t, "refactor the parser", subs[0].Description)
}

func TestDecompose_DropsEmptyAndFillsMissingIDs(t *testing.T) {
	p := &scriptProvider{content: `[` +
		`{"description":"first step","domain":"code"},` +
		`{"description":"","domain":"code"},` +
		`{"description":"third step","domain":"data"}]`}

	subs := New(p, "").Decompose(context.Background(), parserTask())
	require.Len(t, subs, 2)
	assert.Equal(t, "s1", subs[0].ID)
	assert.Equal(t, "s3", subs[1].ID, "ids fill by position in the raw array")
}

// --- dag execution ---

func TestExecuteDAG_LinearChainRunsInDependencyOrder(t *testing.T) {
	subtasks := []Subtask{
		{ID: "c", Dependencies: []string{"b"}},
		{ID: "a"},
		{ID: "b", Dependencies: []string{"a"}},
	}

	var mu sync.Mutex
	var order []string
	exec := func(_ context.Context, s Subtask) (string, error) {
		mu.Lock()
		order = append(order, s.ID)
		mu.Unlock()
		return "done " + s.ID, nil
	}

	results := ExecuteDAG(context.Background(), subtasks, exec)
	require.Len(t, results, 3)
	assert.Equal(t, []string{"a", "b", "c"}, order)
	for i, id := range []string{"a", "b", "c"} {
		assert.Equal(t, id, results[i].SubtaskID)
		assert.True(t, results[i].Success)
		assert.Equal(t, "done "+id, results[i].Content)
	}
}

func TestExecuteDAG_IndependentSubtasksRunConcurrently(t *testing.T) {
	var entered atomic.Int32
	barrier := make(chan struct{})
	exec := func(_ context.Context, s Subtask) (string, error) {
		if entered.Add(1) == 2 {
			close(barrier)
		}
		select {
		case <-barrier:
			return s.ID, nil
		case <-time.After(2 * time.Second):
			return "", errors.New("peer never started")
		}
	}

	results := ExecuteDAG(context.Background(), []Subtask{{ID: "left"}, {ID: "right"}}, exec)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Success, r.SubtaskID)
	}
}

func TestExecuteDAG_CycleFailsEveryStuckSubtask(t *testing.T) {
	subtasks := []Subtask{
		{ID: "a", Dependencies: []string{"b"}},
		{ID: "b", Dependencies: []string{"a"}},
		{ID: "c"},
	}
	exec := func(_ context.Context, s Subtask) (string, error) { return s.ID, nil }

	results := ExecuteDAG(context.Background(), subtasks, exec)
	require.Len(t, results, 3)
	assert.True(t, results[0].Success)
	assert.Equal(t, "c", results[0].SubtaskID)

	for _, r := range results[1:] {
		assert.False(t, r.Success)
		assert.Contains(t, r.Error, "dependency cycle")
	}
	assert.Contains(t, results[1].Error, "waits on [b]")
}

func TestExecuteDAG_FailedDependencyStillUnblocks(t *testing.T) {
	subtasks := []Subtask{
		{ID: "a"},
		{ID: "b", Dependencies: []string{"a"}},
	}
	exec := func(_ context.Context, s Subtask) (string, error) {
		if s.ID == "a" {
			return "", errors.New("boom")
		}
		return "recovered", nil
	}

	results := ExecuteDAG(context.Background(), subtasks, exec)
	require.Len(t, results, 2)
	assert.False(t, results[0].Success)
	assert.Equal(t, "boom", results[0].Error)
	assert.True(t, results[1].Success, "a finished subtask unblocks dependents even on failure")
}

func TestExecuteDAG_PanicBecomesFailedResult(t *testing.T) {
	exec := func(_ context.Context, s Subtask) (string, error) {
		panic("unexpected state")
	}

	results := ExecuteDAG(context.Background(), []Subtask{{ID: "bad"}}, exec)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, "panic")
}

// --- aggregate ---

func TestAggregate_Synthesizes(t *testing.T) {
	p := &scriptProvider{content: "the final synthesis"}
	got := New(p, "").Aggregate(context.Background(), parserTask(), []Result{
		{SubtaskID: "s1", Content: "part one", Success: true},
		{SubtaskID: "s2", Success: false, Error: "boom"},
	})

	assert.Equal(t, "the final synthesis", got)
	assert.Equal(t, "script-model", p.lastReq.Model)
	prompt := p.lastReq.Messages[0].Content
	assert.Contains(t, prompt, "[s1] part one")
	assert.Contains(t, prompt, "[s2] failed: boom")
}

func TestAggregate_DegradesToJoinedResults(t *testing.T) {
	p := &scriptProvider{err: errors.New("overloaded")}
	got := New(p, "").Aggregate(context.Background(), parserTask(), []Result{
		{SubtaskID: "s1", Content: "part one", Success: true},
		{SubtaskID: "s2", Success: false, Error: "boom"},
		{SubtaskID: "s3", Content: "part three", Success: true},
	})

	assert.Equal(t, "part one\n\npart three", got)
}
