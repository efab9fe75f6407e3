package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// --- mock types ---

type mockTool struct {
	name   string
	desc   string
	params map[string]any
	result any
	err    error
	delay  time.Duration

	gotArgs map[string]any
	gotEC   ExecContext
}

func (m *mockTool) Name() string               { return m.name }
func (m *mockTool) Description() string        { return m.desc }
func (m *mockTool) Parameters() map[string]any { return m.params }

func (m *mockTool) Execute(ctx context.Context, args map[string]any, ec ExecContext) (any, error) {
	m.gotArgs = args
	m.gotEC = ec
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return m.result, m.err
}

// --- helpers ---

func newMockTool(name, desc string) *mockTool {
	return &mockTool{
		name:   name,
		desc:   desc,
		params: map[string]any{"type": "object"},
		result: "ok",
	}
}

// --- tests ---

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()
	if r.Count() != 0 {
		t.Errorf("expected empty registry, got count %d", r.Count())
	}
	if len(r.List()) != 0 {
		t.Errorf("expected empty list, got %v", r.List())
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	tool := newMockTool("echo", "echoes input")
	r.Register(tool)

	got, ok := r.Get("echo")
	if !ok {
		t.Fatal("expected to find registered tool")
	}
	assert.Equal(t, "echo", got.Name())

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestRegistry_ListSorted(t *testing.T) {
	r := NewRegistry()
	r.Register(newMockTool("zeta", ""))
	r.Register(newMockTool("alpha", ""))
	r.Register(newMockTool("mid", ""))

	assert.Equal(t, []string{"alpha", "mid", "zeta"}, r.List())
}

func TestRegistry_Definitions(t *testing.T) {
	r := NewRegistry()
	r.Register(newMockTool("b_tool", "second"))
	r.Register(newMockTool("a_tool", "first"))

	defs := r.Definitions()
	if len(defs) != 2 {
		t.Fatalf("expected 2 definitions, got %d", len(defs))
	}
	assert.Equal(t, "a_tool", defs[0].Name)
	assert.Equal(t, "first", defs[0].Description)
	assert.Equal(t, "b_tool", defs[1].Name)
}

func TestRegistry_Execute(t *testing.T) {
	r := NewRegistry()
	tool := newMockTool("echo", "")
	tool.result = "hello"
	r.Register(tool)

	ec := ExecContext{AgentID: "agent-1", TaskID: "task-1"}
	result, err := r.Execute(context.Background(), "echo", map[string]any{"x": 1}, ec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assert.Equal(t, "hello", result)
	assert.Equal(t, "agent-1", tool.gotEC.AgentID)
	assert.Equal(t, "task-1", tool.gotEC.TaskID)
}

func TestRegistry_Execute_NotFound(t *testing.T) {
	r := NewRegistry()
	_, err := r.Execute(context.Background(), "ghost", nil, ExecContext{})
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("error = %v, want not found", err)
	}
}

func TestRegistry_Execute_MissingRequired(t *testing.T) {
	r := NewRegistry()
	tool := newMockTool("strict", "")
	tool.params = map[string]any{
		"type":     "object",
		"required": []string{"path"},
	}
	r.Register(tool)

	_, err := r.Execute(context.Background(), "strict", map[string]any{"other": true}, ExecContext{})
	var te *ToolError
	if !errors.As(err, &te) || te.Code != CodeValidation {
		t.Fatalf("error = %v, want %s", err, CodeValidation)
	}
}

func TestRegistry_Execute_RequiredFromJSON(t *testing.T) {
	// Schemas decoded from JSON carry required as []any.
	r := NewRegistry()
	tool := newMockTool("strict", "")
	tool.params = map[string]any{
		"type":     "object",
		"required": []any{"query"},
	}
	r.Register(tool)

	_, err := r.Execute(context.Background(), "strict", map[string]any{}, ExecContext{})
	var te *ToolError
	if !errors.As(err, &te) || te.Code != CodeValidation {
		t.Fatalf("error = %v, want %s", err, CodeValidation)
	}

	_, err = r.Execute(context.Background(), "strict", map[string]any{"query": "ok"}, ExecContext{})
	assert.NoError(t, err)
}

func TestRegistry_Execute_Timeout(t *testing.T) {
	r := NewRegistry()
	r.SetTimeout(20 * time.Millisecond)
	tool := newMockTool("slow", "")
	tool.delay = time.Second
	r.Register(tool)

	_, err := r.Execute(context.Background(), "slow", nil, ExecContext{})
	var te *ToolError
	if !errors.As(err, &te) || te.Code != CodeTimeout {
		t.Fatalf("error = %v, want %s", err, CodeTimeout)
	}
}

func TestRegistry_Execute_ResultTooLarge(t *testing.T) {
	r := NewRegistry()
	r.SetMaxResultSize(16)
	tool := newMockTool("big", "")
	tool.result = strings.Repeat("x", 64)
	r.Register(tool)

	_, err := r.Execute(context.Background(), "big", nil, ExecContext{})
	var te *ToolError
	if !errors.As(err, &te) || te.Code != CodeResultTooLarge {
		t.Fatalf("error = %v, want %s", err, CodeResultTooLarge)
	}
}

func TestRegistry_Execute_ToolFailureComesBack(t *testing.T) {
	r := NewRegistry()
	tool := newMockTool("flaky", "")
	tool.err = errors.New("disk on fire")
	r.Register(tool)

	_, err := r.Execute(context.Background(), "flaky", nil, ExecContext{})
	if err == nil || err.Error() != "disk on fire" {
		t.Errorf("error = %v, want the tool's own error", err)
	}
	var te *ToolError
	assert.False(t, errors.As(err, &te), "tool failures must not be wrapped as infrastructure errors")
}

func TestRegistry_Execute_CallerCancel(t *testing.T) {
	r := NewRegistry()
	tool := newMockTool("slow", "")
	tool.delay = time.Second
	r.Register(tool)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Execute(ctx, "slow", nil, ExecContext{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestDoneTool(t *testing.T) {
	tool := NewDoneTool()
	result, err := tool.Execute(context.Background(), map[string]any{"result": "all finished"}, ExecContext{})
	assert.NoError(t, err)
	assert.Equal(t, "all finished", result)
}

func TestCurrentTimeTool(t *testing.T) {
	tool := NewCurrentTimeTool()
	fixed := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	tool.nowFunc = func() time.Time { return fixed }

	result, err := tool.Execute(context.Background(), nil, ExecContext{})
	assert.NoError(t, err)
	assert.Equal(t, "2026-03-14T09:26:53Z", result)

	result, err = tool.Execute(context.Background(), map[string]any{"format": "2006-01-02"}, ExecContext{})
	assert.NoError(t, err)
	assert.Equal(t, "2026-03-14", result)
}
