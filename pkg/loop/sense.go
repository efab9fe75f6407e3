package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"unicode"

	"github.com/google/uuid"

	"github.com/sipeed/picocell/pkg/cluster"
	"github.com/sipeed/picocell/pkg/config"
	"github.com/sipeed/picocell/pkg/logger"
	"github.com/sipeed/picocell/pkg/providers"
)

const defaultLLMThreshold = 200

// domainOrder fixes the scan order, so the primary domain of a task is
// deterministic.
var domainOrder = []string{"code", "data", "writing", "math", "research"}

// domainKeywords drive heuristic domain detection. Matching is
// whole-word over the lowercased input.
var domainKeywords = map[string][]string{
	"code":     {"code", "function", "bug", "compile", "debug", "implement", "refactor", "api", "test", "script", "program"},
	"data":     {"data", "csv", "dataset", "analyze", "statistics", "chart", "sql", "query", "trend"},
	"writing":  {"write", "essay", "article", "blog", "summarize", "draft", "story", "rewrite", "email"},
	"math":     {"calculate", "math", "equation", "solve", "proof", "integral", "probability", "derivative"},
	"research": {"research", "investigate", "compare", "survey", "sources", "study", "literature"},
}

const sensePrompt = `Rate the complexity of the task below and name its domains.
Respond with only a JSON object:
{"score": <0.0-1.0>, "domains": ["..."], "reasoning": "<one sentence>"}
Known domains: code, data, writing, math, research, general.

Task:
%s`

type senseReply struct {
	Score     float64  `json:"score"`
	Domains   []string `json:"domains"`
	Reasoning string   `json:"reasoning"`
}

// Senser sizes raw input into a task: complexity, domains, and a token
// budget tier. It also owns the per-domain calibration bias that folds
// observed cost back into future estimates.
type Senser struct {
	provider  providers.Provider
	model     string
	threshold int

	mu   sync.Mutex
	bias map[string]float64
}

func NewSenser(provider providers.Provider, cfg config.LoopConfig) *Senser {
	threshold := cfg.ComplexityLLMThreshold
	if threshold <= 0 {
		threshold = defaultLLMThreshold
	}
	s := &Senser{provider: provider, threshold: threshold, bias: make(map[string]float64)}
	if provider != nil {
		s.model = provider.DefaultModel()
	}
	return s
}

func (s *Senser) SetModel(model string) {
	if model != "" {
		s.model = model
	}
}

// Sense scores the input. Short inputs go through the heuristic; longer
// ones ask the model, falling back to the heuristic when the reply does
// not parse. The returned slice holds every detected domain; the task
// carries the primary one.
func (s *Senser) Sense(ctx context.Context, input string) (cluster.Task, []string) {
	var (
		score   float64
		domains []string
	)
	sensed := false
	if len(input) >= s.threshold && s.provider != nil {
		llmScore, llmDomains, err := s.llmComplexity(ctx, input)
		if err != nil {
			logger.WarnCF("loop", "complexity probe failed, using heuristic", map[string]any{
				"error": err.Error(),
			})
		} else {
			score, domains, sensed = llmScore, llmDomains, true
		}
	}
	if !sensed {
		score, domains = heuristicComplexity(input)
	}

	domain := domains[0]
	score = clamp01(score + s.Bias(domain))

	return cluster.Task{
		ID:          uuid.NewString(),
		Domain:      domain,
		Description: input,
		Complexity:  score,
		TokenBudget: tokenBudget(score),
	}, domains
}

// Bias reads the calibration bias for a domain.
func (s *Senser) Bias(domain string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bias[domain]
}

// Calibrate folds an observed complexity into the domain's bias by EMA
// and returns the new bias.
func (s *Senser) Calibrate(domain string, actual, estimated float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := 0.3*(actual-estimated) + 0.7*s.bias[domain]
	s.bias[domain] = b
	return b
}

func (s *Senser) llmComplexity(ctx context.Context, input string) (float64, []string, error) {
	resp, err := s.provider.Complete(ctx, providers.Request{
		Messages:  []providers.Message{providers.UserMessage(fmt.Sprintf(sensePrompt, input))},
		Model:     s.model,
		MaxTokens: 256,
	})
	if err != nil {
		return 0, nil, err
	}

	start := strings.Index(resp.Content, "{")
	end := strings.LastIndex(resp.Content, "}")
	if start < 0 || end <= start {
		return 0, nil, fmt.Errorf("no JSON object in reply")
	}
	var reply senseReply
	if err := json.Unmarshal([]byte(resp.Content[start:end+1]), &reply); err != nil {
		return 0, nil, err
	}

	domains := make([]string, 0, len(reply.Domains))
	for _, d := range reply.Domains {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			domains = append(domains, d)
		}
	}
	if len(domains) == 0 {
		domains = []string{"general"}
	}
	return clamp01(reply.Score), domains, nil
}

// heuristicComplexity scores by length, sentence count, list structure,
// and domain spread. Each term is bounded, so the sum stays in [0,1]
// before clamping.
func heuristicComplexity(input string) (float64, []string) {
	score := math.Min(float64(len(strings.Fields(input)))/200, 0.5)
	if countSentences(input) > 2 {
		score += 0.15
	}
	if hasList(input) {
		score += 0.10
	}
	domains := detectDomains(input)
	if len(domains) > 2 {
		score += 0.15
	}
	return clamp01(score), domains
}

func detectDomains(input string) []string {
	words := wordSet(input)
	var out []string
	for _, domain := range domainOrder {
		for _, kw := range domainKeywords[domain] {
			if words[kw] {
				out = append(out, domain)
				break
			}
		}
	}
	if len(out) == 0 {
		out = []string{"general"}
	}
	return out
}

func wordSet(input string) map[string]bool {
	fields := strings.FieldsFunc(strings.ToLower(input), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}

// countSentences counts terminator runs, so "..." reads as one sentence
// end.
func countSentences(s string) int {
	n := 0
	inRun := false
	for _, r := range s {
		if r == '.' || r == '!' || r == '?' {
			if !inRun {
				n++
				inRun = true
			}
		} else {
			inRun = false
		}
	}
	return n
}

func hasList(s string) bool {
	for _, line := range strings.Split(s, "\n") {
		t := strings.TrimSpace(line)
		if strings.HasPrefix(t, "- ") || strings.HasPrefix(t, "* ") {
			return true
		}
		i := 0
		for i < len(t) && t[i] >= '0' && t[i] <= '9' {
			i++
		}
		if i > 0 && i+1 < len(t) && (t[i] == '.' || t[i] == ')') && t[i+1] == ' ' {
			return true
		}
	}
	return false
}

func tokenBudget(score float64) int {
	switch {
	case score < 0.4:
		return 2048
	case score < 0.7:
		return 4096
	default:
		return 8192
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
