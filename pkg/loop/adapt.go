package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/sipeed/picocell/pkg/cluster"
	"github.com/sipeed/picocell/pkg/events"
	"github.com/sipeed/picocell/pkg/lifecycle"
	"github.com/sipeed/picocell/pkg/logger"
	"github.com/sipeed/picocell/pkg/providers"
)

const (
	defaultEvolutionWindow    = 5
	defaultEvolutionThreshold = 0.35
	// maxBoost caps how much one evolution round may lift a score.
	maxBoost = 0.3
)

const evolvePrompt = `A worker node keeps underperforming.
Capability scores: %s
Its recent tasks were in the %q domain.
Suggest one capability boost. Respond with only a JSON object:
{"domain": "<domain to strengthen>", "boost": <0.0-0.3>}`

type boostReply struct {
	Domain string  `json:"domain"`
	Boost  float64 `json:"boost"`
}

// adapt covers the evaluate and adapt phases: score the outcome, maybe
// recycle the winner, maybe boost a weak domain, and fold observed cost
// into the calibration bias.
func (l *Loop) adapt(ctx context.Context, winner *cluster.Node, task cluster.Task, result cluster.TaskResult, sink func(events.Event)) {
	l.rewards.EvaluateResult(ctx, winner, task, result)

	recycled := false
	if h := l.lifecycle.CheckHealth(winner); h.Recommendation == lifecycle.RecommendRecycle {
		if err := l.lifecycle.Apoptosis(winner); err != nil {
			logger.DebugCF("loop", "recycle rejected", map[string]any{
				"node_id": winner.ID,
				"error":   err.Error(),
			})
		} else {
			recycled = true
		}
	}

	if !recycled && l.shouldEvolve(winner) {
		l.evolve(ctx, winner, task, sink)
	}

	actual := actualComplexity(result)
	bias := l.senser.Calibrate(task.Domain, actual, task.Complexity)
	logger.DebugCF("loop", "complexity calibrated", map[string]any{
		"domain":    task.Domain,
		"estimated": task.Complexity,
		"actual":    actual,
		"bias":      bias,
	})

	if !recycled {
		l.rewards.DecayInactive(winner)
	}
}

// actualComplexity reads observed cost back onto the complexity scale:
// token spend against the largest budget tier, wall time against a
// thirty-second ceiling.
func actualComplexity(result cluster.TaskResult) float64 {
	tokens := math.Min(float64(result.TokenCost)/8192, 1)
	duration := math.Min(float64(result.DurationMS)/30000, 1)
	return 0.6*tokens + 0.4*duration
}

// shouldEvolve is true when the node has a full recent window and its
// average reward sits below the evolution threshold.
func (l *Loop) shouldEvolve(node *cluster.Node) bool {
	window := l.loopCfg.EvolutionWindow
	if window <= 0 {
		window = defaultEvolutionWindow
	}
	threshold := l.loopCfg.EvolutionRewardThreshold
	if threshold <= 0 {
		threshold = defaultEvolutionThreshold
	}

	history := node.History()
	if len(history) < window {
		return false
	}
	sum := 0.0
	for _, r := range history[len(history)-window:] {
		sum += r.Reward
	}
	return sum/float64(window) < threshold
}

// evolve asks the model for one capability boost and applies it.
func (l *Loop) evolve(ctx context.Context, node *cluster.Node, task cluster.Task, sink func(events.Event)) {
	if l.provider == nil {
		return
	}

	scores, _ := json.Marshal(node.CapsSnapshot().Scores)
	resp, err := l.provider.Complete(ctx, providers.Request{
		Messages:  []providers.Message{providers.UserMessage(fmt.Sprintf(evolvePrompt, scores, task.Domain))},
		Model:     l.model,
		MaxTokens: 128,
	})
	if err != nil {
		logger.WarnCF("loop", "evolution probe failed", map[string]any{
			"node_id": node.ID,
			"error":   err.Error(),
		})
		return
	}

	start := strings.Index(resp.Content, "{")
	end := strings.LastIndex(resp.Content, "}")
	if start < 0 || end <= start {
		logger.WarnCF("loop", "evolution reply unusable", map[string]any{"node_id": node.ID})
		return
	}
	var reply boostReply
	if err := json.Unmarshal([]byte(resp.Content[start:end+1]), &reply); err != nil {
		logger.WarnCF("loop", "evolution reply unusable", map[string]any{
			"node_id": node.ID,
			"error":   err.Error(),
		})
		return
	}

	domain := strings.ToLower(strings.TrimSpace(reply.Domain))
	if domain == "" {
		domain = task.Domain
	}
	boost := reply.Boost
	if boost < 0 {
		boost = 0
	} else if boost > maxBoost {
		boost = maxBoost
	}

	next := math.Min(1.0, node.CapScore(domain)+boost)
	node.SetCapScore(domain, next)

	logger.InfoCF("loop", "capability boosted", map[string]any{
		"node_id": node.ID,
		"domain":  domain,
		"boost":   boost,
		"score":   next,
	})
	l.emit(sink, events.Event{
		Type:   events.TypeEvolution,
		NodeID: node.ID,
		TaskID: task.ID,
		Data:   map[string]any{"domain": domain, "boost": boost, "score": next},
	})
}
