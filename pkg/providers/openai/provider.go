// Package openaiprovider adapts OpenAI-compatible chat completion APIs to
// the provider contract. Any endpoint speaking the same dialect works by
// pointing apiBase at it.
package openaiprovider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/sipeed/picocell/pkg/logger"
	"github.com/sipeed/picocell/pkg/providers"
)

const (
	defaultModel          = "gpt-4o"
	defaultRequestTimeout = 120 * time.Second
)

type Provider struct {
	apiBase string
	client  *openai.Client
}

func NewProvider(apiKey, apiBase string) *Provider {
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}
	apiBase = strings.TrimRight(apiBase, "/")

	reqOpts := []option.RequestOption{
		option.WithBaseURL(apiBase),
		option.WithHTTPClient(&http.Client{Timeout: defaultRequestTimeout}),
	}
	if apiKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(apiKey))
	}
	client := openai.NewClient(reqOpts...)
	return &Provider{apiBase: apiBase, client: &client}
}

func (p *Provider) DefaultModel() string { return defaultModel }

func (p *Provider) Complete(ctx context.Context, req providers.Request) (*providers.Completion, error) {
	params := buildParams(req)

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("openai request failed (status=%d): %s",
				apiErr.StatusCode, strings.TrimSpace(apiErr.Message))
		}
		return nil, fmt.Errorf("openai request failed: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices")
	}

	choice := resp.Choices[0]
	return &providers.Completion{
		Content:      choice.Message.Content,
		ToolCalls:    parseToolCalls(choice.Message.ToolCalls),
		FinishReason: choice.FinishReason,
		Usage: providers.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

func (p *Provider) Stream(ctx context.Context, req providers.Request) (<-chan providers.Chunk, error) {
	params := buildParams(req)
	stream := p.client.Chat.Completions.NewStreaming(ctx, params)

	out := make(chan providers.Chunk)
	go func() {
		defer close(out)

		acc := openai.ChatCompletionAccumulator{}
		finishReason := "stop"
		for stream.Next() {
			chunk := stream.Current()
			acc.AddChunk(chunk)
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.Delta.Content != "" {
				out <- providers.Chunk{Text: choice.Delta.Content}
			}
			for _, tc := range choice.Delta.ToolCalls {
				if tc.Function.Arguments != "" {
					out <- providers.Chunk{ToolCallDelta: tc.Function.Arguments}
				}
			}
			if choice.FinishReason != "" {
				finishReason = choice.FinishReason
			}
		}
		if err := stream.Err(); err != nil {
			out <- providers.Chunk{Err: fmt.Errorf("openai streaming failed: %w", err)}
			return
		}

		if len(acc.Choices) > 0 {
			calls := parseToolCalls(acc.Choices[0].Message.ToolCalls)
			for i := range calls {
				out <- providers.Chunk{ToolCall: &calls[i]}
			}
		}
		out <- providers.Chunk{FinishReason: finishReason}
	}()
	return out, nil
}

func buildParams(req providers.Request) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: buildMessages(req.Messages),
	}
	if len(req.Tools) > 0 {
		params.Tools = buildTools(req.Tools)
		params.ToolChoice.OfAuto = openai.String(string(openai.ChatCompletionToolChoiceOptionAutoAuto))
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Opt(int64(req.MaxTokens))
	}
	if req.Temperature >= 0 {
		params.Temperature = openai.Opt(req.Temperature)
	}
	if len(req.Stop) > 0 {
		params.Stop.OfStringArray = req.Stop
	}
	return params
}

func buildMessages(messages []providers.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case providers.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case providers.RoleAssistant:
			out = append(out, buildAssistantMessage(msg))
		case providers.RoleTool:
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}

func buildAssistantMessage(msg providers.Message) openai.ChatCompletionMessageParamUnion {
	assistant := openai.ChatCompletionAssistantMessageParam{}
	if msg.Content != "" {
		assistant.Content.OfString = openai.String(msg.Content)
	}
	for _, tc := range msg.ToolCalls {
		if tc.Name == "" {
			continue
		}
		args := "{}"
		if len(tc.Arguments) > 0 {
			if b, err := json.Marshal(tc.Arguments); err == nil {
				args = string(b)
			}
		}
		assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
			OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
				ID: tc.ID,
				Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: args,
				},
			},
		})
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant}
}

func buildTools(tools []providers.ToolDefinition) []openai.ChatCompletionToolUnionParam {
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		if tool.Name == "" {
			continue
		}
		fn := shared.FunctionDefinitionParam{
			Name:        tool.Name,
			Description: openai.String(tool.Description),
			Parameters:  shared.FunctionParameters(tool.Parameters),
		}
		out = append(out, openai.ChatCompletionFunctionTool(fn))
	}
	return out
}

func parseToolCalls(calls []openai.ChatCompletionMessageToolCallUnion) []providers.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	result := make([]providers.ToolCall, 0, len(calls))
	for _, call := range calls {
		switch v := call.AsAny().(type) {
		case openai.ChatCompletionMessageFunctionToolCall:
			args := map[string]any{}
			if strings.TrimSpace(v.Function.Arguments) != "" {
				if err := json.Unmarshal([]byte(v.Function.Arguments), &args); err != nil {
					logger.WarnCF("providers", "undecodable tool arguments", map[string]any{
						"tool":  v.Function.Name,
						"error": err.Error(),
					})
				}
			}
			result = append(result, providers.ToolCall{
				ID:        v.ID,
				Name:      v.Function.Name,
				Arguments: args,
			})
		}
	}
	return result
}
