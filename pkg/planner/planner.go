// Package planner decomposes oversized tasks into a dependency graph of
// subtasks and synthesizes the subtask results back into one answer.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sipeed/picocell/pkg/cluster"
	"github.com/sipeed/picocell/pkg/logger"
	"github.com/sipeed/picocell/pkg/providers"
)

// maxSubtasks caps a decomposition regardless of what the model returns.
const maxSubtasks = 5

// Subtask is one unit of a decomposed task. Dependencies name other
// subtask ids that must finish first.
type Subtask struct {
	ID                  string   `json:"id"`
	Description         string   `json:"description"`
	Domain              string   `json:"domain"`
	Dependencies        []string `json:"dependencies,omitempty"`
	EstimatedComplexity float64  `json:"estimated_complexity"`
}

type Planner struct {
	provider providers.Provider
	model    string
}

func New(provider providers.Provider, model string) *Planner {
	if model == "" && provider != nil {
		model = provider.DefaultModel()
	}
	return &Planner{provider: provider, model: model}
}

const decomposePrompt = `Break the task below into at most %d subtasks.
Respond with only a JSON array:
[{"id": "s1", "description": "...", "domain": "...", "dependencies": [], "estimated_complexity": 0.5}]

A subtask may list earlier subtask ids in "dependencies" when it needs their results first.

Task (domain %s): %s`

// Decompose asks the model to split a task. Anything unusable, from a
// provider failure to malformed JSON, degrades to a single subtask
// equal to the input so execution always proceeds.
func (p *Planner) Decompose(ctx context.Context, task cluster.Task) []Subtask {
	if p.provider == nil {
		return p.fallback(task)
	}
	prompt := fmt.Sprintf(decomposePrompt, maxSubtasks, task.Domain, task.Description)
	resp, err := p.provider.Complete(ctx, providers.Request{
		Messages:  []providers.Message{providers.UserMessage(prompt)},
		Model:     p.model,
		MaxTokens: 1024,
	})
	if err != nil {
		logger.WarnCF("planner", "decompose failed, running as one task", map[string]any{"error": err.Error()})
		return p.fallback(task)
	}
	subs := parseSubtasks(resp.Content)
	if len(subs) == 0 {
		logger.WarnCF("planner", "decompose returned nothing usable", map[string]any{"content_len": len(resp.Content)})
		return p.fallback(task)
	}
	if len(subs) > maxSubtasks {
		subs = subs[:maxSubtasks]
	}
	logger.DebugCF("planner", "task decomposed", map[string]any{"task": task.ID, "subtasks": len(subs)})
	return subs
}

func (p *Planner) fallback(task cluster.Task) []Subtask {
	return []Subtask{{
		ID:                  "s1",
		Description:         task.Description,
		Domain:              task.Domain,
		EstimatedComplexity: task.Complexity,
	}}
}

// parseSubtasks pulls the first JSON array out of a completion. Entries
// without a description are dropped and missing ids are filled
// positionally.
func parseSubtasks(content string) []Subtask {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start < 0 || end <= start {
		return nil
	}
	var raw []Subtask
	if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err != nil {
		return nil
	}
	subs := make([]Subtask, 0, len(raw))
	for i, s := range raw {
		if strings.TrimSpace(s.Description) == "" {
			continue
		}
		if s.ID == "" {
			s.ID = fmt.Sprintf("s%d", i+1)
		}
		subs = append(subs, s)
	}
	return subs
}

const aggregatePrompt = `Synthesize one final answer to the task from the subtask results below.

Task: %s

%s`

// Aggregate synthesizes subtask results into a final answer. If the
// model is unavailable it degrades to the successful contents joined
// in order; a partial answer beats none.
func (p *Planner) Aggregate(ctx context.Context, task cluster.Task, results []Result) string {
	var sb strings.Builder
	for _, r := range results {
		if r.Success {
			fmt.Fprintf(&sb, "[%s] %s\n\n", r.SubtaskID, r.Content)
		} else {
			fmt.Fprintf(&sb, "[%s] failed: %s\n\n", r.SubtaskID, r.Error)
		}
	}

	if p.provider != nil {
		resp, err := p.provider.Complete(ctx, providers.Request{
			Messages:  []providers.Message{providers.UserMessage(fmt.Sprintf(aggregatePrompt, task.Description, sb.String()))},
			Model:     p.model,
			MaxTokens: 4096,
		})
		if err == nil {
			return resp.Content
		}
		logger.WarnCF("planner", "aggregate failed, joining raw results", map[string]any{"error": err.Error()})
	}

	var parts []string
	for _, r := range results {
		if r.Success && r.Content != "" {
			parts = append(parts, r.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}
