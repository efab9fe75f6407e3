// Package anthropicprovider adapts the Anthropic Messages API to the
// provider contract.
package anthropicprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/sipeed/picocell/pkg/logger"
	"github.com/sipeed/picocell/pkg/providers"
)

const defaultBaseURL = "https://api.anthropic.com"

type Provider struct {
	client  *anthropic.Client
	baseURL string
}

func NewProvider(apiKey string) *Provider {
	return NewProviderWithBaseURL(apiKey, "")
}

func NewProviderWithBaseURL(apiKey, apiBase string) *Provider {
	baseURL := normalizeBaseURL(apiBase)
	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
	)
	return &Provider{client: &client, baseURL: baseURL}
}

func (p *Provider) DefaultModel() string {
	return "claude-sonnet-4-5"
}

func (p *Provider) Complete(ctx context.Context, req providers.Request) (*providers.Completion, error) {
	params := buildParams(req)
	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages call: %w", err)
	}
	return parseResponse(resp), nil
}

// Stream issues a streaming request, forwarding text and thinking deltas as
// they arrive and emitting the accumulated tool calls and finish reason at
// the end.
func (p *Provider) Stream(ctx context.Context, req providers.Request) (<-chan providers.Chunk, error) {
	params := buildParams(req)
	stream := p.client.Messages.NewStreaming(ctx, params)

	out := make(chan providers.Chunk)
	go func() {
		defer close(out)

		var accumulated anthropic.Message
		for stream.Next() {
			event := stream.Current()
			if err := accumulated.Accumulate(event); err != nil {
				out <- providers.Chunk{Err: fmt.Errorf("accumulating stream event: %w", err)}
				return
			}

			switch e := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				if td := e.Delta.AsTextDelta(); td.Text != "" {
					out <- providers.Chunk{Text: td.Text}
				}
				if th := e.Delta.AsThinkingDelta(); th.Thinking != "" {
					out <- providers.Chunk{Reasoning: th.Thinking}
				}
				if ij := e.Delta.AsInputJSONDelta(); ij.PartialJSON != "" {
					out <- providers.Chunk{ToolCallDelta: ij.PartialJSON}
				}
			}
		}
		if err := stream.Err(); err != nil {
			out <- providers.Chunk{Err: fmt.Errorf("anthropic streaming call: %w", err)}
			return
		}

		final := parseResponse(&accumulated)
		for i := range final.ToolCalls {
			out <- providers.Chunk{ToolCall: &final.ToolCalls[i]}
		}
		out <- providers.Chunk{FinishReason: final.FinishReason}
	}()
	return out, nil
}

func buildParams(req providers.Request) anthropic.MessageNewParams {
	var system []anthropic.TextBlockParam
	var messages []anthropic.MessageParam

	// The Anthropic API requires all tool_result blocks answering one
	// assistant turn to arrive in a single user message, so consecutive tool
	// results are merged.
	for i := 0; i < len(req.Messages); i++ {
		msg := req.Messages[i]
		switch msg.Role {
		case providers.RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: msg.Content})
		case providers.RoleAssistant:
			if len(msg.ToolCalls) > 0 {
				var blocks []anthropic.ContentBlockParamUnion
				if msg.Content != "" {
					blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
				}
				for _, tc := range msg.ToolCalls {
					args := tc.Arguments
					if args == nil {
						args = map[string]any{}
					}
					blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, tc.Name))
				}
				messages = append(messages, anthropic.NewAssistantMessage(blocks...))
			} else {
				messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
			}
		case providers.RoleTool:
			var results []anthropic.ContentBlockParamUnion
			for i < len(req.Messages) && req.Messages[i].Role == providers.RoleTool {
				results = append(results,
					anthropic.NewToolResultBlock(req.Messages[i].ToolCallID, req.Messages[i].Content, false))
				i++
			}
			i-- // outer loop increments
			messages = append(messages, anthropic.NewUserMessage(results...))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	maxTokens := int64(4096)
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: maxTokens,
	}
	if len(system) > 0 {
		params.System = system
	}
	if req.Temperature >= 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}
	if len(req.Tools) > 0 {
		params.Tools = translateTools(req.Tools)
	}
	return params
}

func translateTools(tools []providers.ToolDefinition) []anthropic.ToolUnionParam {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		tool := anthropic.ToolParam{
			Name: t.Name,
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: t.Parameters["properties"],
			},
		}
		if t.Description != "" {
			tool.Description = anthropic.String(t.Description)
		}
		if req, ok := t.Parameters["required"].([]any); ok {
			required := make([]string, 0, len(req))
			for _, r := range req {
				if s, ok := r.(string); ok {
					required = append(required, s)
				}
			}
			tool.InputSchema.Required = required
		}
		result = append(result, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return result
}

func parseResponse(resp *anthropic.Message) *providers.Completion {
	var content string
	var toolCalls []providers.ToolCall

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			content += block.AsText().Text
		case "tool_use":
			tu := block.AsToolUse()
			var args map[string]any
			if err := json.Unmarshal(tu.Input, &args); err != nil {
				logger.WarnCF("providers", "undecodable tool input", map[string]any{
					"tool":  tu.Name,
					"error": err.Error(),
				})
				args = map[string]any{"raw": string(tu.Input)}
			}
			toolCalls = append(toolCalls, providers.ToolCall{
				ID:        tu.ID,
				Name:      tu.Name,
				Arguments: args,
			})
		}
	}

	finishReason := "stop"
	switch resp.StopReason {
	case anthropic.StopReasonToolUse:
		finishReason = "tool_calls"
	case anthropic.StopReasonMaxTokens:
		finishReason = "length"
	case anthropic.StopReasonEndTurn:
		finishReason = "stop"
	}

	return &providers.Completion{
		Content:      content,
		ToolCalls:    toolCalls,
		FinishReason: finishReason,
		Usage: providers.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}
}

func normalizeBaseURL(apiBase string) string {
	base := strings.TrimSpace(apiBase)
	if base == "" {
		return defaultBaseURL
	}
	base = strings.TrimRight(base, "/")
	base = strings.TrimSuffix(base, "/v1")
	if base == "" {
		return defaultBaseURL
	}
	return base
}
