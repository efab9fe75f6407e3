package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sipeed/picocell/pkg/logger"
	"github.com/sipeed/picocell/pkg/providers"
)

const (
	// DefaultTimeout bounds a single tool call.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxResultSize caps the serialized size of a tool result.
	DefaultMaxResultSize = 64 * 1024
)

// Registry holds the tools visible to an agent and runs every call through
// the same middleware chain: required-parameter validation, a per-call
// timeout, and a result size cap.
type Registry struct {
	mu            sync.RWMutex
	tools         map[string]Tool
	timeout       time.Duration
	maxResultSize int
}

func NewRegistry() *Registry {
	return &Registry{
		tools:         make(map[string]Tool),
		timeout:       DefaultTimeout,
		maxResultSize: DefaultMaxResultSize,
	}
}

func (r *Registry) SetTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d > 0 {
		r.timeout = d
	}
}

func (r *Registry) SetMaxResultSize(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxResultSize = n
}

func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// List returns tool names in sorted order. Deterministic iteration keeps
// tool definitions byte-stable across calls, which matters for the
// provider's prefix cache.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns provider-format definitions for every registered
// tool, sorted by name.
func (r *Registry) Definitions() []providers.ToolDefinition {
	names := r.List()
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]providers.ToolDefinition, 0, len(names))
	for _, name := range names {
		tool := r.tools[name]
		defs = append(defs, providers.ToolDefinition{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  tool.Parameters(),
		})
	}
	return defs
}

// Execute runs one tool call through the middleware chain. Errors from the
// tool itself come back unwrapped for the caller to relay to the model;
// *ToolError covers the infrastructure rejections.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any, ec ExecContext) (any, error) {
	tool, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("tool %q not found", name)
	}

	if err := validateArgs(tool, args, name); err != nil {
		logger.WarnCF("tools", "tool call rejected", map[string]any{
			"tool":  name,
			"error": err.Error(),
		})
		return nil, err
	}

	r.mu.RLock()
	timeout := r.timeout
	maxSize := r.maxResultSize
	r.mu.RUnlock()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	ch := make(chan outcome, 1)
	start := time.Now()
	go func() {
		v, err := tool.Execute(callCtx, args, ec)
		ch <- outcome{v, err}
	}()

	var out outcome
	select {
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.WarnCF("tools", "tool call timed out", map[string]any{
			"tool":    name,
			"timeout": timeout.String(),
		})
		return nil, &ToolError{
			Code:    CodeTimeout,
			Tool:    name,
			Message: fmt.Sprintf("execution exceeded %s", timeout),
		}
	case out = <-ch:
	}

	duration := time.Since(start)
	if out.err != nil {
		logger.ErrorCF("tools", "tool execution failed", map[string]any{
			"tool":        name,
			"duration_ms": duration.Milliseconds(),
			"error":       out.err.Error(),
		})
		return out.value, out.err
	}

	size := resultSize(out.value)
	if maxSize > 0 && size > maxSize {
		logger.WarnCF("tools", "tool result over size cap", map[string]any{
			"tool": name,
			"size": size,
			"cap":  maxSize,
		})
		return nil, &ToolError{
			Code:    CodeResultTooLarge,
			Tool:    name,
			Message: fmt.Sprintf("result is %d bytes, cap is %d", size, maxSize),
		}
	}

	logger.DebugCF("tools", "tool executed", map[string]any{
		"tool":        name,
		"duration_ms": duration.Milliseconds(),
		"result_size": size,
	})
	return out.value, nil
}

// validateArgs checks the schema's required list against the provided args.
// The list arrives as []string from Go-built tools and []any from JSON.
func validateArgs(tool Tool, args map[string]any, name string) error {
	schema := tool.Parameters()
	if schema == nil {
		return nil
	}

	var required []string
	switch req := schema["required"].(type) {
	case []string:
		required = req
	case []any:
		for _, v := range req {
			if s, ok := v.(string); ok {
				required = append(required, s)
			}
		}
	}

	for _, key := range required {
		if _, ok := args[key]; !ok {
			return &ToolError{
				Code:    CodeValidation,
				Tool:    name,
				Message: fmt.Sprintf("missing required parameter %q", key),
			}
		}
	}
	return nil
}

func resultSize(v any) int {
	switch val := v.(type) {
	case nil:
		return 0
	case string:
		return len(val)
	case []byte:
		return len(val)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return 0
		}
		return len(data)
	}
}
