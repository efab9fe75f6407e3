// PicoCell - Self-organizing agent cluster
// License: MIT
//
// Copyright (c) 2026 PicoCell contributors

// Package agent runs a single LLM session with tool use. Each step
// gathers fresh context, calls the model, and either executes the
// requested tools or finishes with the model's answer.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sipeed/picocell/pkg/config"
	"github.com/sipeed/picocell/pkg/events"
	"github.com/sipeed/picocell/pkg/gather"
	"github.com/sipeed/picocell/pkg/logger"
	"github.com/sipeed/picocell/pkg/providers"
	"github.com/sipeed/picocell/pkg/tools"
)

const (
	defaultMaxSteps      = 10
	defaultContextBudget = 2048
	doneToolName         = "done"
)

// MaxStepsError means the agent hit its step ceiling without finishing.
type MaxStepsError struct {
	Steps int
}

func (e *MaxStepsError) Error() string {
	return fmt.Sprintf("agent stopped after %d steps without a final answer", e.Steps)
}

func (e *MaxStepsError) Code() string { return "agent-max-steps" }

// AbortError means the run was cancelled from outside.
type AbortError struct {
	Step  int
	Cause error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("agent aborted at step %d: %v", e.Step, e.Cause)
}

func (e *AbortError) Code() string { return "agent-abort" }

func (e *AbortError) Unwrap() error { return e.Cause }

// Memory receives the run transcript message by message. The concrete
// implementation is the owning node's memory hierarchy.
type Memory interface {
	AddMessage(msg providers.Message)
}

// Outcome is the terminal result of a run.
type Outcome struct {
	Content string          `json:"content"`
	Steps   int             `json:"steps"`
	Usage   providers.Usage `json:"usage"`
}

type Agent struct {
	ID       string
	provider providers.Provider
	registry *tools.Registry
	cfg      config.AgentConfig

	model         string
	system        string
	gatherer      *gather.Orchestrator
	events        *events.Bus
	memory        Memory
	contextBudget int
	ephemeral     map[string]int
}

func New(id string, provider providers.Provider, registry *tools.Registry, cfg config.AgentConfig) *Agent {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaultMaxSteps
	}
	a := &Agent{
		ID:            id,
		provider:      provider,
		registry:      registry,
		cfg:           cfg,
		model:         provider.DefaultModel(),
		contextBudget: defaultContextBudget,
		ephemeral:     make(map[string]int),
	}
	if cfg.RequireDoneTool {
		registry.Register(tools.NewDoneTool())
	}
	return a
}

func (a *Agent) SetModel(model string) {
	if model != "" {
		a.model = model
	}
}

func (a *Agent) SetSystemPrompt(prompt string) {
	a.system = prompt
}

// SetGatherer attaches the context orchestrator consulted at every step.
func (a *Agent) SetGatherer(g *gather.Orchestrator) {
	a.gatherer = g
}

func (a *Agent) SetEvents(bus *events.Bus) {
	a.events = bus
}

// SetMemory attaches the store that absorbs the run transcript, feeding
// the L1 window and, through its eviction cascade, the deeper layers.
func (a *Agent) SetMemory(m Memory) {
	a.memory = m
}

// SetContextBudget bounds the tokens spent on gathered context per step.
func (a *Agent) SetContextBudget(budget int) {
	if budget > 0 {
		a.contextBudget = budget
	}
}

// SetMaxTokens overrides the per-response token cap for later runs.
func (a *Agent) SetMaxTokens(n int) {
	if n > 0 {
		a.cfg.MaxTokens = n
	}
}

// SetEphemeral keeps only the most recent n results of the named tool in
// the transcript. Older calls to it are filtered before each model call.
func (a *Agent) SetEphemeral(tool string, n int) {
	if n < 0 {
		n = 0
	}
	a.ephemeral[tool] = n
}

// Run executes until the model produces a final answer.
func (a *Agent) Run(ctx context.Context, input string) (*Outcome, error) {
	return a.run(ctx, input, nil)
}

// Stream executes like Run but delivers the event feed on a channel that
// closes when the run ends. The terminal event is done or error.
func (a *Agent) Stream(ctx context.Context, input string) <-chan events.Event {
	ch := make(chan events.Event, 64)
	go func() {
		defer close(ch)
		sink := func(e events.Event) {
			select {
			case ch <- e:
			case <-ctx.Done():
			}
		}
		a.run(ctx, input, sink)
	}()
	return ch
}

func (a *Agent) run(ctx context.Context, input string, sink func(events.Event)) (*Outcome, error) {
	transcript := []providers.Message{providers.UserMessage(input)}
	a.remember(transcript[0])
	callTool := make(map[string]string)
	var usage providers.Usage
	doneResult := ""
	doneCalled := false

	for step := 1; step <= a.cfg.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return nil, a.fail(sink, &AbortError{Step: step, Cause: err})
		}

		a.emit(sink, events.Event{Type: events.TypeStepStart, Data: map[string]any{"step": step}})

		msgs := append(a.head(ctx, input), a.filterTranscript(transcript, callTool)...)
		resp, err := a.provider.Complete(ctx, providers.Request{
			Messages:    msgs,
			Tools:       a.registry.Definitions(),
			Model:       a.model,
			MaxTokens:   a.cfg.MaxTokens,
			Temperature: a.cfg.Temperature,
		})
		if err != nil {
			code := "llm-unknown"
			if fe := providers.ClassifyError(err, "", a.model); fe != nil {
				code = fe.Code()
			}
			a.emit(sink, events.Event{Type: events.TypeError, Data: map[string]any{"code": code, "error": err.Error()}})
			logger.ErrorCF("agent", "model call failed", map[string]any{"agent_id": a.ID, "step": step, "error": err.Error()})
			return nil, err
		}

		usage.PromptTokens += resp.Usage.PromptTokens
		usage.CompletionTokens += resp.Usage.CompletionTokens
		usage.TotalTokens += resp.Usage.TotalTokens

		if len(resp.ToolCalls) == 0 {
			a.remember(providers.Message{Role: providers.RoleAssistant, Content: resp.Content})
			a.emit(sink, events.Event{Type: events.TypeStepEnd, Data: map[string]any{"step": step, "tool_calls": 0}})
			if a.cfg.RequireDoneTool {
				transcript = append(transcript,
					providers.Message{Role: providers.RoleAssistant, Content: resp.Content},
					providers.UserMessage("Call the done tool with your final result to finish."))
				continue
			}
			return a.finish(sink, resp.Content, step, usage)
		}

		transcript = append(transcript, providers.Message{
			Role:      providers.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		a.remember(providers.Message{Role: providers.RoleAssistant, Content: resp.Content})

		for _, tc := range resp.ToolCalls {
			callTool[tc.ID] = tc.Name
			a.emit(sink, events.Event{Type: events.TypeToolCallStart, Data: map[string]any{"tool": tc.Name, "id": tc.ID}})

			value, execErr := a.registry.Execute(ctx, tc.Name, tc.Arguments, tools.ExecContext{AgentID: a.ID})
			if execErr != nil {
				if ctx.Err() != nil {
					return nil, a.fail(sink, &AbortError{Step: step, Cause: ctx.Err()})
				}
				var infra *tools.ToolError
				if errors.As(execErr, &infra) && infra.Code != tools.CodeValidation {
					a.emit(sink, events.Event{Type: events.TypeError, Data: map[string]any{"code": infra.Code, "error": execErr.Error()}})
					return nil, execErr
				}
				transcript = append(transcript, providers.ToolResultMessage(tc.ID, "Error: "+execErr.Error()))
				a.emit(sink, events.Event{Type: events.TypeToolCallEnd, Data: map[string]any{"tool": tc.Name, "id": tc.ID, "ok": false}})
				continue
			}

			rendered := renderResult(value)
			if tc.Name == doneToolName {
				doneCalled = true
				doneResult = rendered
			}
			transcript = append(transcript, providers.ToolResultMessage(tc.ID, rendered))
			a.remember(providers.ToolResultMessage(tc.ID, rendered))
			a.emit(sink, events.Event{Type: events.TypeToolCallEnd, Data: map[string]any{"tool": tc.Name, "id": tc.ID, "ok": true}})
		}

		a.emit(sink, events.Event{Type: events.TypeStepEnd, Data: map[string]any{"step": step, "tool_calls": len(resp.ToolCalls)}})

		if doneCalled {
			return a.finish(sink, doneResult, step, usage)
		}
	}

	return nil, a.fail(sink, &MaxStepsError{Steps: a.cfg.MaxSteps})
}

func (a *Agent) finish(sink func(events.Event), content string, steps int, usage providers.Usage) (*Outcome, error) {
	if content != "" {
		a.emit(sink, events.Event{Type: events.TypeTextDelta, Data: map[string]any{"text": content}})
	}
	a.emit(sink, events.Event{Type: events.TypeDone, Data: map[string]any{
		"content":      content,
		"steps":        steps,
		"total_tokens": usage.TotalTokens,
	}})
	logger.InfoCF("agent", "run finished", map[string]any{
		"agent_id": a.ID,
		"steps":    steps,
		"tokens":   usage.TotalTokens,
		"length":   len(content),
	})
	return &Outcome{Content: content, Steps: steps, Usage: usage}, nil
}

type coded interface {
	Code() string
	Error() string
}

func (a *Agent) fail(sink func(events.Event), err coded) error {
	a.emit(sink, events.Event{Type: events.TypeError, Data: map[string]any{"code": err.Code(), "error": err.Error()}})
	logger.WarnCF("agent", "run failed", map[string]any{"agent_id": a.ID, "code": err.Code()})
	return err
}

// remember feeds one transcript message into the attached memory.
// Empty messages, like a tool-call turn with no prose, are skipped.
func (a *Agent) remember(msg providers.Message) {
	if a.memory == nil || strings.TrimSpace(msg.Content) == "" {
		return
	}
	a.memory.AddMessage(msg)
}

func (a *Agent) emit(sink func(events.Event), e events.Event) {
	if e.NodeID == "" {
		e.NodeID = a.ID
	}
	if a.events != nil {
		a.events.Emit(e)
	}
	if sink != nil {
		sink(e)
	}
}

// head builds the per-step leading messages: the system prompt plus
// whatever the gatherer considers worth the context budget right now.
func (a *Agent) head(ctx context.Context, query string) []providers.Message {
	system := a.system
	if a.gatherer != nil {
		if frags := a.gatherer.Gather(ctx, query, a.contextBudget); len(frags) > 0 {
			var sb strings.Builder
			sb.WriteString("## Context\n")
			for _, f := range frags {
				fmt.Fprintf(&sb, "\n[%s] %s\n", f.Source, f.Content)
			}
			if system != "" {
				system += "\n\n" + sb.String()
			} else {
				system = sb.String()
			}
		}
	}
	if system == "" {
		return nil
	}
	return []providers.Message{providers.SystemMessage(system)}
}

func renderResult(v any) string {
	switch t := v.(type) {
	case nil:
		return "ok"
	case string:
		return t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}
