// PicoCell - Self-organizing agent cluster
// License: MIT
//
// Copyright (c) 2026 PicoCell contributors

// Package loop runs the adaptive cycle that turns raw input into a
// finished task: sense complexity, match a node, split and execute,
// evaluate the outcome, and adapt the winner's profile. Execute streams
// every event of the run; complex tasks recurse through the same cycle
// per subtask.
package loop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sipeed/picocell/pkg/cluster"
	"github.com/sipeed/picocell/pkg/config"
	"github.com/sipeed/picocell/pkg/events"
	"github.com/sipeed/picocell/pkg/lifecycle"
	"github.com/sipeed/picocell/pkg/logger"
	"github.com/sipeed/picocell/pkg/planner"
	"github.com/sipeed/picocell/pkg/providers"
	"github.com/sipeed/picocell/pkg/reward"
	"github.com/sipeed/picocell/pkg/skills"
)

const (
	// splitComplexity is the floor for entering the mitosis path; the
	// lifecycle manager's own threshold still has to agree.
	splitComplexity = 0.7
	// enrichComplexity is the floor for framing the prompt instead of
	// passing raw input.
	enrichComplexity = 0.4
	// maxSplitSubtasks caps the fan-out of one decomposition.
	maxSplitSubtasks = 4
	// maxRecursion bounds nested decomposition: subtasks of subtasks
	// run single-agent no matter how complex they claim to be.
	maxRecursion = 2
	// busyLoad is the load a node reports while executing.
	busyLoad = 0.8
)

// Loop wires the cluster, lifecycle, rewards, planner, and skills into
// one entry point.
type Loop struct {
	cluster    *cluster.Manager
	lifecycle  *lifecycle.Manager
	rewards    *reward.Bus
	provider   providers.Provider
	planner    *planner.Planner
	senser     *Senser
	skills     *skills.Catalog
	factory    lifecycle.AgentFactory
	bus        *events.Bus
	model      string
	loopCfg    config.LoopConfig
	clusterCfg config.ClusterConfig
}

func New(c *cluster.Manager, lc *lifecycle.Manager, rewards *reward.Bus, provider providers.Provider, cfg *config.Config) *Loop {
	l := &Loop{
		cluster:    c,
		lifecycle:  lc,
		rewards:    rewards,
		provider:   provider,
		planner:    planner.New(provider, ""),
		senser:     NewSenser(provider, cfg.Loop),
		bus:        events.NewBus(),
		loopCfg:    cfg.Loop,
		clusterCfg: cfg.Cluster,
	}
	if provider != nil {
		l.model = provider.DefaultModel()
	}
	return l
}

// SetEvents routes all loop events to the given bus instead of the
// internal one.
func (l *Loop) SetEvents(bus *events.Bus) {
	if bus != nil {
		l.bus = bus
	}
}

// SetSkills attaches the unloaded-skill catalog consulted when the
// auction cannot place a task.
func (l *Loop) SetSkills(c *skills.Catalog) { l.skills = c }

// SetFactory supplies executors for nodes the loop spawns.
func (l *Loop) SetFactory(f lifecycle.AgentFactory) { l.factory = f }

// Senser exposes the complexity senser, mainly for status output.
func (l *Loop) Senser() *Senser { return l.senser }

// Execute runs one task through the full cycle and streams its events.
// The channel always closes on a terminal done event; an auction that
// cannot place the task emits its error first and the done carries
// empty content.
func (l *Loop) Execute(ctx context.Context, input string) <-chan events.Event {
	ch := make(chan events.Event, 64)
	sink := func(e events.Event) {
		select {
		case ch <- e:
		case <-ctx.Done():
		}
	}

	go func() {
		defer close(ch)
		result, _ := l.runTask(ctx, input, sink, 0)
		l.emit(sink, events.Event{
			Type:   events.TypeDone,
			NodeID: result.AgentID,
			TaskID: result.TaskID,
			Data: map[string]any{
				"content":     result.Content,
				"success":     result.Success,
				"token_cost":  result.TokenCost,
				"duration_ms": result.DurationMS,
			},
		})
	}()
	return ch
}

// runTask is the whole cycle for one task. The second return is false
// only when no node could take the task; the error event is already out
// by then.
func (l *Loop) runTask(ctx context.Context, input string, sink func(events.Event), depth int) (cluster.TaskResult, bool) {
	start := time.Now()

	task, domains := l.senser.Sense(ctx, input)
	l.emit(sink, events.Event{
		Type:   events.TypeTaskSensed,
		TaskID: task.ID,
		Data: map[string]any{
			"domain":       task.Domain,
			"domains":      domains,
			"complexity":   task.Complexity,
			"token_budget": task.TokenBudget,
		},
	})

	winner, tier, err := l.match(task)
	if err != nil {
		code := "auction-no-winner"
		var coded interface{ Code() string }
		if errors.As(err, &coded) {
			code = coded.Code()
		}
		logger.ErrorCF("loop", "no node for task", map[string]any{
			"task_id": task.ID,
			"error":   err.Error(),
		})
		l.emit(sink, events.Event{
			Type:   events.TypeError,
			TaskID: task.ID,
			Data:   map[string]any{"code": code, "error": err.Error()},
		})
		return cluster.TaskResult{
			TaskID:     task.ID,
			Success:    false,
			ErrorCount: 1,
			DurationMS: time.Since(start).Milliseconds(),
		}, false
	}
	l.emit(sink, events.Event{
		Type:   events.TypeAuctionWon,
		NodeID: winner.ID,
		TaskID: task.ID,
		Data: map[string]any{
			"tier":       tier,
			"domain":     task.Domain,
			"complexity": task.Complexity,
		},
	})

	result := l.execute(ctx, winner, task, sink, depth)
	result.DurationMS = time.Since(start).Milliseconds()

	l.adapt(ctx, winner, task, result, sink)
	return result, true
}

// execute covers the scale and execute phases. Whatever happens inside,
// the winner leaves this function idle with zero load.
func (l *Loop) execute(ctx context.Context, winner *cluster.Node, task cluster.Task, sink func(events.Event), depth int) cluster.TaskResult {
	winner.SetStatus(cluster.StatusBusy)
	winner.SetLoad(busyLoad)
	winner.Touch()
	defer func() {
		winner.SetStatus(cluster.StatusIdle)
		winner.SetLoad(0)
	}()

	if task.Complexity > splitComplexity && depth < maxRecursion && l.lifecycle.ShouldSplit(winner, task) {
		if result, split := l.splitAndRun(ctx, winner, task, sink, depth); split {
			return result
		}
	}
	return l.runAgent(ctx, winner, task)
}

// splitAndRun is the mitosis path: decompose the task, grow a child off
// the winner once the decomposition is known viable, run the subtasks
// through the full cycle, and synthesize. A false return means the split
// did not happen and the caller should run single-agent. The child is
// only born after decomposition so a trivial plan never strands a fresh
// node in the cluster.
func (l *Loop) splitAndRun(ctx context.Context, parent *cluster.Node, task cluster.Task, sink func(events.Event), depth int) (cluster.TaskResult, bool) {
	if !l.canSpawn() {
		logger.WarnCF("loop", "cluster full, running single-agent", map[string]any{"task_id": task.ID})
		return cluster.TaskResult{}, false
	}

	subs := l.planner.Decompose(ctx, task)
	if len(subs) > maxSplitSubtasks {
		subs = subs[:maxSplitSubtasks]
	}
	if len(subs) <= 1 {
		return cluster.TaskResult{}, false
	}
	pruneDanglingDeps(subs)

	if _, err := l.lifecycle.Mitosis(parent, task, l.factory); err != nil {
		logger.WarnCF("loop", "split rejected, running single-agent", map[string]any{
			"task_id": task.ID,
			"error":   err.Error(),
		})
		return cluster.TaskResult{}, false
	}

	var tokens atomic.Int64
	results := planner.ExecuteDAG(ctx, subs, func(ctx context.Context, sub planner.Subtask) (string, error) {
		res, placed := l.runTask(ctx, sub.Description, sink, depth+1)
		tokens.Add(int64(res.TokenCost))
		if !placed || !res.Success {
			return "", fmt.Errorf("subtask %s failed", sub.ID)
		}
		return res.Content, nil
	})

	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	out := cluster.TaskResult{
		TaskID:     task.ID,
		AgentID:    parent.ID,
		TokenCost:  int(tokens.Load()),
		ErrorCount: failed,
	}
	if failed == len(results) {
		logger.WarnCF("loop", "every subtask failed", map[string]any{"task_id": task.ID})
		return out, true
	}
	out.Content = l.planner.Aggregate(ctx, task, results)
	out.Success = failed == 0
	return out, true
}

// runAgent executes single-agent. Mid-complexity tasks get a framed
// prompt; an executor failure becomes a failure result with empty
// content.
func (l *Loop) runAgent(ctx context.Context, winner *cluster.Node, task cluster.Task) cluster.TaskResult {
	failure := cluster.TaskResult{TaskID: task.ID, AgentID: winner.ID, Success: false, ErrorCount: 1}
	if winner.Agent == nil {
		logger.ErrorCF("loop", "winner has no executor", map[string]any{
			"node_id": winner.ID,
			"task_id": task.ID,
		})
		return failure
	}

	prompt := task
	if task.Complexity >= enrichComplexity {
		prompt.Description = enrichPrompt(task)
	}

	res, err := winner.Agent.Execute(ctx, prompt)
	if err != nil {
		logger.WarnCF("loop", "execution failed", map[string]any{
			"node_id": winner.ID,
			"task_id": task.ID,
			"error":   err.Error(),
		})
		failure.TokenCost = res.TokenCost
		return failure
	}
	res.TaskID = task.ID
	res.AgentID = winner.ID
	return res
}

// pruneDanglingDeps drops references to subtasks cut by the split cap,
// so survivors do not wait on work that will never run.
func pruneDanglingDeps(subs []planner.Subtask) {
	kept := make(map[string]bool, len(subs))
	for _, s := range subs {
		kept[s.ID] = true
	}
	for i, s := range subs {
		deps := s.Dependencies[:0]
		for _, d := range s.Dependencies {
			if kept[d] {
				deps = append(deps, d)
			}
		}
		subs[i].Dependencies = deps
	}
}

// enrichPrompt frames a mid-complexity task with an objective, output
// expectations, and boundaries, so the agent does not wander.
func enrichPrompt(task cluster.Task) string {
	var b strings.Builder
	b.WriteString("## Objective\n")
	b.WriteString(task.Description)
	b.WriteString("\n\n## Output format\nLead with the result, then as much explanation as the work needs. No filler.\n")
	fmt.Fprintf(&b, "\n## Boundaries\nStay on the %s task at hand. Say so when something cannot be verified instead of guessing.\n", task.Domain)
	b.WriteString("\n## Tools\nUse the available tools when they settle a question faster than reasoning alone.\n")
	if len(task.RequiredTools) > 0 {
		fmt.Fprintf(&b, "Prefer: %s.\n", strings.Join(task.RequiredTools, ", "))
	}
	return b.String()
}

// emit stamps and delivers one event to the bus and the stream.
func (l *Loop) emit(sink func(events.Event), ev events.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	l.bus.Emit(ev)
	if sink != nil {
		sink(ev)
	}
}
