package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/picocell/pkg/config"
	"github.com/sipeed/picocell/pkg/events"
	"github.com/sipeed/picocell/pkg/gather"
	"github.com/sipeed/picocell/pkg/providers"
	"github.com/sipeed/picocell/pkg/tools"
)

type scriptedProvider struct {
	mu    sync.Mutex
	turns []providers.Completion
	err   error
	reqs  []providers.Request
}

func (p *scriptedProvider) Complete(_ context.Context, req providers.Request) (*providers.Completion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqs = append(p.reqs, req)
	if p.err != nil {
		return nil, p.err
	}
	if len(p.turns) == 0 {
		return nil, errors.New("script exhausted")
	}
	turn := p.turns[0]
	p.turns = p.turns[1:]
	return &turn, nil
}

func (p *scriptedProvider) Stream(context.Context, providers.Request) (<-chan providers.Chunk, error) {
	return nil, errors.New("not streamed")
}

func (p *scriptedProvider) DefaultModel() string { return "scripted" }

func (p *scriptedProvider) request(i int) providers.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reqs[i]
}

type echoTool struct {
	fail        bool
	requireText bool
	delay       time.Duration
}

func (t *echoTool) Name() string        { return "echo" }
func (t *echoTool) Description() string { return "Echoes the given text back" }

func (t *echoTool) Parameters() map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": map[string]any{"text": map[string]any{"type": "string"}},
	}
	if t.requireText {
		schema["required"] = []string{"text"}
	}
	return schema
}

func (t *echoTool) Execute(ctx context.Context, args map[string]any, _ tools.ExecContext) (any, error) {
	if t.delay > 0 {
		select {
		case <-time.After(t.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if t.fail {
		return nil, errors.New("echo broken")
	}
	text, _ := args["text"].(string)
	return "echo:" + text, nil
}

func echoCall(id, text string) providers.ToolCall {
	return providers.ToolCall{ID: id, Name: "echo", Arguments: map[string]any{"text": text}}
}

func collectTypes(bus *events.Bus) *[]string {
	var seen []string
	bus.SubscribeAll(func(e events.Event) { seen = append(seen, e.Type) })
	return &seen
}

// --- run loop ---

func TestRun_DirectAnswer(t *testing.T) {
	p := &scriptedProvider{turns: []providers.Completion{
		{Content: "hello there", Usage: providers.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}},
	}}
	a := New("node-1", p, tools.NewRegistry(), config.Default().Agent)

	out, err := a.Run(context.Background(), "greet me")
	require.NoError(t, err)
	assert.Equal(t, "hello there", out.Content)
	assert.Equal(t, 1, out.Steps)
	assert.Equal(t, 15, out.Usage.TotalTokens)

	req := p.request(0)
	assert.Equal(t, "scripted", req.Model)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, providers.RoleUser, req.Messages[0].Role)
	assert.Equal(t, "greet me", req.Messages[0].Content)
}

func TestRun_ToolRoundTrip(t *testing.T) {
	p := &scriptedProvider{turns: []providers.Completion{
		{ToolCalls: []providers.ToolCall{echoCall("c1", "hi")}, Usage: providers.Usage{TotalTokens: 7}},
		{Content: "the echo said hi", Usage: providers.Usage{TotalTokens: 3}},
	}}
	reg := tools.NewRegistry()
	reg.Register(&echoTool{})
	a := New("node-1", p, reg, config.Default().Agent)

	bus := events.NewBus()
	seen := collectTypes(bus)
	a.SetEvents(bus)

	out, err := a.Run(context.Background(), "ask the echo")
	require.NoError(t, err)
	assert.Equal(t, "the echo said hi", out.Content)
	assert.Equal(t, 2, out.Steps)
	assert.Equal(t, 10, out.Usage.TotalTokens)

	second := p.request(1)
	require.Len(t, second.Messages, 3)
	assert.Equal(t, providers.RoleAssistant, second.Messages[1].Role)
	assert.Equal(t, "echo:hi", second.Messages[2].Content)
	assert.Equal(t, "c1", second.Messages[2].ToolCallID)

	assert.Equal(t, []string{
		events.TypeStepStart, events.TypeToolCallStart, events.TypeToolCallEnd, events.TypeStepEnd,
		events.TypeStepStart, events.TypeStepEnd, events.TypeTextDelta, events.TypeDone,
	}, *seen)
}

type recordingMemory struct {
	mu   sync.Mutex
	msgs []providers.Message
}

func (m *recordingMemory) AddMessage(msg providers.Message) {
	m.mu.Lock()
	m.msgs = append(m.msgs, msg)
	m.mu.Unlock()
}

func (m *recordingMemory) recorded() []providers.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]providers.Message(nil), m.msgs...)
}

func TestRun_TranscriptLandsInMemory(t *testing.T) {
	p := &scriptedProvider{turns: []providers.Completion{
		{ToolCalls: []providers.ToolCall{echoCall("c1", "hi")}},
		{Content: "the echo said hi"},
	}}
	reg := tools.NewRegistry()
	reg.Register(&echoTool{})
	a := New("node-1", p, reg, config.Default().Agent)

	mem := &recordingMemory{}
	a.SetMemory(mem)

	_, err := a.Run(context.Background(), "ask the echo")
	require.NoError(t, err)

	got := mem.recorded()
	require.Len(t, got, 3, "input, tool result, final answer")
	assert.Equal(t, providers.RoleUser, got[0].Role)
	assert.Equal(t, "ask the echo", got[0].Content)
	assert.Equal(t, providers.RoleTool, got[1].Role)
	assert.Equal(t, "echo:hi", got[1].Content)
	assert.Equal(t, providers.RoleAssistant, got[2].Role)
	assert.Equal(t, "the echo said hi", got[2].Content)
}

func TestRun_NoMemoryAttachedStillRuns(t *testing.T) {
	p := &scriptedProvider{turns: []providers.Completion{{Content: "fine"}}}
	a := New("node-1", p, tools.NewRegistry(), config.Default().Agent)

	out, err := a.Run(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, "fine", out.Content)
}

func TestRun_ToolFailureFedBackToModel(t *testing.T) {
	p := &scriptedProvider{turns: []providers.Completion{
		{ToolCalls: []providers.ToolCall{echoCall("c1", "hi")}},
		{Content: "recovered without the echo"},
	}}
	reg := tools.NewRegistry()
	reg.Register(&echoTool{fail: true})
	a := New("node-1", p, reg, config.Default().Agent)

	out, err := a.Run(context.Background(), "ask the echo")
	require.NoError(t, err, "a failing tool is the model's problem, not the caller's")
	assert.Equal(t, "recovered without the echo", out.Content)

	second := p.request(1)
	assert.Equal(t, "Error: echo broken", second.Messages[2].Content)
}

func TestRun_ValidationErrorFedBackToModel(t *testing.T) {
	p := &scriptedProvider{turns: []providers.Completion{
		{ToolCalls: []providers.ToolCall{{ID: "c1", Name: "echo", Arguments: map[string]any{}}}},
		{Content: "let me try again"},
	}}
	reg := tools.NewRegistry()
	reg.Register(&echoTool{requireText: true})
	a := New("node-1", p, reg, config.Default().Agent)

	_, err := a.Run(context.Background(), "ask the echo")
	require.NoError(t, err)
	assert.Contains(t, p.request(1).Messages[2].Content, "missing required parameter")
}

func TestRun_InfrastructureFailurePropagates(t *testing.T) {
	p := &scriptedProvider{turns: []providers.Completion{
		{ToolCalls: []providers.ToolCall{echoCall("c1", "hi")}},
	}}
	reg := tools.NewRegistry()
	reg.SetTimeout(20 * time.Millisecond)
	reg.Register(&echoTool{delay: 500 * time.Millisecond})
	a := New("node-1", p, reg, config.Default().Agent)

	_, err := a.Run(context.Background(), "ask the echo")
	var te *tools.ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, tools.CodeTimeout, te.Code)
}

func TestRun_MaxStepsHardStop(t *testing.T) {
	p := &scriptedProvider{turns: []providers.Completion{
		{ToolCalls: []providers.ToolCall{echoCall("c1", "one")}},
		{ToolCalls: []providers.ToolCall{echoCall("c2", "two")}},
		{ToolCalls: []providers.ToolCall{echoCall("c3", "three")}},
	}}
	reg := tools.NewRegistry()
	reg.Register(&echoTool{})
	cfg := config.Default().Agent
	cfg.MaxSteps = 3
	a := New("node-1", p, reg, cfg)

	_, err := a.Run(context.Background(), "loop forever")
	var maxErr *MaxStepsError
	require.ErrorAs(t, err, &maxErr)
	assert.Equal(t, "agent-max-steps", maxErr.Code())
	assert.Equal(t, 3, maxErr.Steps)
}

func TestRun_RequireDoneTool(t *testing.T) {
	p := &scriptedProvider{turns: []providers.Completion{
		{Content: "I think we're finished"},
		{ToolCalls: []providers.ToolCall{{ID: "d1", Name: "done", Arguments: map[string]any{"result": "final answer"}}}},
	}}
	cfg := config.Default().Agent
	cfg.RequireDoneTool = true
	a := New("node-1", p, tools.NewRegistry(), cfg)

	out, err := a.Run(context.Background(), "finish properly")
	require.NoError(t, err)
	assert.Equal(t, "final answer", out.Content)
	assert.Equal(t, 2, out.Steps)

	second := p.request(1)
	last := second.Messages[len(second.Messages)-1]
	assert.Equal(t, providers.RoleUser, last.Role)
	assert.Contains(t, last.Content, "done tool")
}

func TestRun_EphemeralKeepsOnlyRecentResults(t *testing.T) {
	p := &scriptedProvider{turns: []providers.Completion{
		{ToolCalls: []providers.ToolCall{echoCall("c1", "one")}},
		{ToolCalls: []providers.ToolCall{echoCall("c2", "two")}},
		{ToolCalls: []providers.ToolCall{echoCall("c3", "three")}},
		{Content: "final"},
	}}
	reg := tools.NewRegistry()
	reg.Register(&echoTool{})
	a := New("node-1", p, reg, config.Default().Agent)
	a.SetEphemeral("echo", 1)

	out, err := a.Run(context.Background(), "chatter")
	require.NoError(t, err)
	assert.Equal(t, "final", out.Content)

	fourth := p.request(3)
	require.Len(t, fourth.Messages, 3, "older echo rounds are filtered out")
	assert.Equal(t, "c3", fourth.Messages[1].ToolCalls[0].ID)
	assert.Equal(t, "echo:three", fourth.Messages[2].Content)
}

func TestRun_CancelledContextAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := &scriptedProvider{turns: []providers.Completion{{Content: "never reached"}}}
	a := New("node-1", p, tools.NewRegistry(), config.Default().Agent)

	_, err := a.Run(ctx, "anything")
	var abort *AbortError
	require.ErrorAs(t, err, &abort)
	assert.Equal(t, "agent-abort", abort.Code())
	assert.ErrorIs(t, err, context.Canceled)
}

// --- streaming and context ---

func TestStream_DeliversEventFeed(t *testing.T) {
	p := &scriptedProvider{turns: []providers.Completion{{Content: "streamed answer"}}}
	a := New("node-1", p, tools.NewRegistry(), config.Default().Agent)

	var types []string
	for e := range a.Stream(context.Background(), "hi") {
		types = append(types, e.Type)
	}

	require.NotEmpty(t, types)
	assert.Equal(t, events.TypeStepStart, types[0])
	assert.Equal(t, events.TypeDone, types[len(types)-1])
}

type memoProvider struct{}

func (memoProvider) Source() string { return "memory" }

func (memoProvider) Provide(context.Context, string, int) ([]gather.Fragment, error) {
	return []gather.Fragment{{Source: "memory", Content: "the user prefers tabs", Tokens: 8, Relevance: 0.9}}, nil
}

func TestRun_GatheredContextLeadsSystemMessage(t *testing.T) {
	p := &scriptedProvider{turns: []providers.Completion{{Content: "noted"}}}
	a := New("node-1", p, tools.NewRegistry(), config.Default().Agent)
	a.SetSystemPrompt("You are terse.")

	g := gather.NewOrchestrator(0.3)
	g.Register(memoProvider{})
	a.SetGatherer(g)

	_, err := a.Run(context.Background(), "format this file")
	require.NoError(t, err)

	req := p.request(0)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, providers.RoleSystem, req.Messages[0].Role)
	assert.Contains(t, req.Messages[0].Content, "You are terse.")
	assert.Contains(t, req.Messages[0].Content, "[memory] the user prefers tabs")
	assert.Equal(t, providers.RoleUser, req.Messages[1].Role)
}

func TestRenderResult(t *testing.T) {
	assert.Equal(t, "plain", renderResult("plain"))
	assert.Equal(t, "ok", renderResult(nil))
	assert.Equal(t, `{"count":2}`, renderResult(map[string]any{"count": 2}))
	assert.Equal(t, "3", renderResult(3))
}
