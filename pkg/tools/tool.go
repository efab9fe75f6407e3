package tools

import "context"

// ExecContext carries the identity of the caller into a tool execution.
// Cancellation travels on the context.Context, not here.
type ExecContext struct {
	AgentID   string
	SessionID string
	TaskID    string
	Metadata  map[string]any
}

// Tool is a callable capability exposed to the model. Parameters returns a
// JSON schema object; Execute returns any JSON-serializable value. Errors
// returned by Execute are fed back to the model as tool results, so tools
// should return them rather than panic.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any, ec ExecContext) (any, error)
}
