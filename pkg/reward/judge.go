package reward

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/sipeed/picocell/pkg/cluster"
	"github.com/sipeed/picocell/pkg/providers"
)

var numberPattern = regexp.MustCompile(`\d*\.?\d+`)

// LLMJudge scores a task result by asking a model for a single number.
type LLMJudge struct {
	provider providers.Provider
	model    string
}

func NewLLMJudge(p providers.Provider, model string) *LLMJudge {
	if model == "" {
		model = p.DefaultModel()
	}
	return &LLMJudge{provider: p, model: model}
}

func (j *LLMJudge) Score(ctx context.Context, task cluster.Task, result cluster.TaskResult) (float64, error) {
	content := result.Content
	if len(content) > 2000 {
		content = content[:2000]
	}
	prompt := fmt.Sprintf(
		"Rate how well this result answers the task, from 0.0 (useless) to 1.0 (excellent).\n\nTask: %s\n\nResult:\n%s\n\nRespond with only the number.",
		task.Description, content,
	)

	resp, err := j.provider.Complete(ctx, providers.Request{
		Model:     j.model,
		Messages:  []providers.Message{providers.UserMessage(prompt)},
		MaxTokens: 16,
	})
	if err != nil {
		return 0, fmt.Errorf("judge completion: %w", err)
	}
	return parseScore(resp.Content)
}

func parseScore(s string) (float64, error) {
	match := numberPattern.FindString(strings.TrimSpace(s))
	if match == "" {
		return 0, fmt.Errorf("judge returned no number: %q", s)
	}
	v, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0, fmt.Errorf("judge returned unparseable number %q", match)
	}
	if v < 0 {
		v = 0
	} else if v > 1 {
		v = 1
	}
	return v, nil
}
