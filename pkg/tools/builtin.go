package tools

import (
	"context"
	"time"
)

// DoneTool is the finish signal: calling it ends the agent's step loop and
// its "result" argument becomes the final answer.
type DoneTool struct{}

func NewDoneTool() *DoneTool { return &DoneTool{} }

func (t *DoneTool) Name() string { return "done" }

func (t *DoneTool) Description() string {
	return "Signal that the task is complete. Call this exactly once, with the final result, when nothing is left to do."
}

func (t *DoneTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"result": map[string]any{
				"type":        "string",
				"description": "The final result to return to the caller",
			},
		},
		"required": []string{"result"},
	}
}

func (t *DoneTool) Execute(ctx context.Context, args map[string]any, ec ExecContext) (any, error) {
	result, _ := args["result"].(string)
	return result, nil
}

// CurrentTimeTool reports the current time. Mostly useful to give the model
// a grounding point; also handy in examples.
type CurrentTimeTool struct {
	nowFunc func() time.Time
}

func NewCurrentTimeTool() *CurrentTimeTool {
	return &CurrentTimeTool{nowFunc: time.Now}
}

func (t *CurrentTimeTool) Name() string { return "current_time" }

func (t *CurrentTimeTool) Description() string {
	return "Get the current date and time."
}

func (t *CurrentTimeTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"format": map[string]any{
				"type":        "string",
				"description": "Go time layout to format with (defaults to RFC 3339)",
			},
		},
	}
}

func (t *CurrentTimeTool) Execute(ctx context.Context, args map[string]any, ec ExecContext) (any, error) {
	layout := time.RFC3339
	if f, ok := args["format"].(string); ok && f != "" {
		layout = f
	}
	return t.nowFunc().Format(layout), nil
}
