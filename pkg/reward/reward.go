// PicoCell - Self-organizing agent cluster
// License: MIT
//
// Copyright (c) 2026 PicoCell contributors

// Package reward turns task outcomes into scalar rewards and feeds them
// back into node capability profiles. The weights here are part of the
// public contract: callers depend on the exact numbers.
package reward

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/sipeed/picocell/pkg/cluster"
	"github.com/sipeed/picocell/pkg/config"
	"github.com/sipeed/picocell/pkg/events"
	"github.com/sipeed/picocell/pkg/logger"
)

// Signal is the three-part outcome measurement, each component in [0,1].
type Signal struct {
	Quality     float64 `json:"quality"`
	Efficiency  float64 `json:"efficiency"`
	Reliability float64 `json:"reliability"`
}

// ComputeSignal measures one outcome: a success is worth 0.7 quality,
// efficiency is the unspent share of the token budget, and reliability
// is all-or-nothing on errors.
func ComputeSignal(tokenBudget int, success bool, tokenCost, errorCount int) Signal {
	var s Signal
	if success {
		s.Quality = 0.7
	}
	if tokenBudget < 1 {
		tokenBudget = 1
	}
	s.Efficiency = 1 - float64(tokenCost)/float64(tokenBudget)
	if s.Efficiency < 0 {
		s.Efficiency = 0
	}
	if errorCount == 0 {
		s.Reliability = 1
	}
	return s
}

// Compute collapses a signal into the scalar reward: 0.5 quality,
// 0.3 efficiency, 0.2 reliability.
func Compute(s Signal) float64 {
	return 0.5*s.Quality + 0.3*s.Efficiency + 0.2*s.Reliability
}

// Judge is an optional second opinion consulted every N evaluations.
type Judge interface {
	Score(ctx context.Context, task cluster.Task, result cluster.TaskResult) (float64, error)
}

// Bus evaluates task outcomes against nodes: EMA capability updates,
// reward records, success-rate tracking and loss counting.
type Bus struct {
	alpha      float64
	decayRate  float64
	judge      Judge
	judgeEvery int
	events     *events.Bus
	count      atomic.Int64
}

func NewBus(cfg config.RewardConfig) *Bus {
	alpha := cfg.Alpha
	if alpha <= 0 || alpha > 1 {
		alpha = 0.3
	}
	decay := cfg.DecayRate
	if decay <= 0 || decay >= 1 {
		decay = 0.01
	}
	b := &Bus{alpha: alpha, decayRate: decay}
	if cfg.JudgeEnabled && cfg.JudgeInterval > 0 {
		b.judgeEvery = cfg.JudgeInterval
	}
	return b
}

// SetJudge installs the hybrid judge. It is only consulted when the
// config enabled judging.
func (b *Bus) SetJudge(j Judge) { b.judge = j }

// SetEvents attaches an event bus for reward notifications.
func (b *Bus) SetEvents(e *events.Bus) { b.events = e }

// Evaluate scores one outcome and updates the node in place: the domain
// score and success rate move by EMA, a reward record is appended, and
// the consecutive-loss counter tracks the success flag. Returns the
// effective reward (judge-corrected when a judge round fired).
func (b *Bus) Evaluate(ctx context.Context, node *cluster.Node, task cluster.Task, success bool, tokenCost, errorCount int) float64 {
	result := cluster.TaskResult{
		TaskID:     task.ID,
		AgentID:    node.ID,
		Success:    success,
		TokenCost:  tokenCost,
		ErrorCount: errorCount,
	}
	return b.EvaluateResult(ctx, node, task, result)
}

// EvaluateResult is Evaluate for callers that already hold the full
// result, giving a judge the produced content to look at.
func (b *Bus) EvaluateResult(ctx context.Context, node *cluster.Node, task cluster.Task, result cluster.TaskResult) float64 {
	signal := ComputeSignal(task.TokenBudget, result.Success, result.TokenCost, result.ErrorCount)
	reward := Compute(signal)

	target := reward
	if b.judge != nil && b.judgeEvery > 0 && b.count.Add(1)%int64(b.judgeEvery) == 0 {
		if judged, err := b.judge.Score(ctx, task, result); err == nil {
			target = reward + 0.5*(judged-reward)
		} else {
			logger.WarnCF("reward", "judge unavailable, using rule reward", map[string]any{
				"task_id": task.ID,
				"error":   err.Error(),
			})
		}
	}

	current := node.CapScore(task.Domain)
	node.SetCapScore(task.Domain, b.alpha*target+(1-b.alpha)*current)

	node.AppendReward(cluster.RewardRecord{
		TaskID:    task.ID,
		Reward:    target,
		Domain:    task.Domain,
		TokenCost: result.TokenCost,
		Timestamp: time.Now(),
	})

	hit := 0.0
	if target > 0.5 {
		hit = 1
	}
	node.SetSuccessRate(b.alpha*hit + (1-b.alpha)*node.SuccessRate())
	node.IncTotalTasks()

	if result.Success {
		node.ResetLosses()
	} else {
		node.AddLoss()
	}

	logger.DebugCF("reward", "outcome evaluated", map[string]any{
		"node_id": node.ID,
		"task_id": task.ID,
		"domain":  task.Domain,
		"reward":  target,
		"success": result.Success,
	})
	if b.events != nil {
		b.events.Emit(events.Event{
			Type:   events.TypeReward,
			NodeID: node.ID,
			TaskID: task.ID,
			Data: map[string]any{
				"domain":  task.Domain,
				"reward":  target,
				"success": result.Success,
			},
		})
	}
	return target
}

// DecayInactive shrinks every scored domain that has gone more than a
// day without a reward, multiplying it by decayRate^days. Domains with
// no reward record yet are left alone: the node never earned them, and
// fresh profiles would otherwise evaporate before their first task.
func (b *Bus) DecayInactive(node *cluster.Node) {
	lastByDomain := make(map[string]time.Time)
	for _, r := range node.History() {
		if r.Timestamp.After(lastByDomain[r.Domain]) {
			lastByDomain[r.Domain] = r.Timestamp
		}
	}

	for domain, score := range node.CapsSnapshot().Scores {
		last, ok := lastByDomain[domain]
		if !ok {
			continue
		}
		days := time.Since(last).Hours() / 24
		if days <= 1 {
			continue
		}
		decayed := score * math.Pow(b.decayRate, days)
		node.SetCapScore(domain, decayed)
		logger.DebugCF("reward", "score decayed", map[string]any{
			"node_id": node.ID,
			"domain":  domain,
			"from":    score,
			"to":      decayed,
		})
	}
}
