package planner

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sipeed/picocell/pkg/logger"
)

// Result records one subtask's outcome.
type Result struct {
	SubtaskID string `json:"subtask_id"`
	Content   string `json:"content"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// Executor runs one subtask and returns its content.
type Executor func(ctx context.Context, sub Subtask) (string, error)

// ExecuteDAG runs subtasks in dependency order. Each round gathers
// every subtask whose dependencies have finished and runs them
// concurrently. A finished subtask satisfies its dependents whether it
// succeeded or not. If a round finds nothing ready while subtasks
// remain, each stuck subtask gets a failed result naming its wait set.
func ExecuteDAG(ctx context.Context, subtasks []Subtask, exec Executor) []Result {
	done := make(map[string]bool, len(subtasks))
	results := make([]Result, 0, len(subtasks))
	remaining := append([]Subtask(nil), subtasks...)

	for len(remaining) > 0 {
		var ready, blocked []Subtask
		for _, s := range remaining {
			if depsDone(s, done) {
				ready = append(ready, s)
			} else {
				blocked = append(blocked, s)
			}
		}

		if len(ready) == 0 {
			logger.WarnCF("planner", "dependency cycle", map[string]any{"stuck": len(blocked)})
			for _, s := range blocked {
				results = append(results, Result{
					SubtaskID: s.ID,
					Success:   false,
					Error:     fmt.Sprintf("dependency cycle: %s waits on [%s]", s.ID, strings.Join(s.Dependencies, ", ")),
				})
			}
			return results
		}

		round := make([]Result, len(ready))
		var wg sync.WaitGroup
		for i, s := range ready {
			wg.Add(1)
			go func() {
				defer wg.Done()
				round[i] = runSubtask(ctx, s, exec)
			}()
		}
		wg.Wait()

		for _, s := range ready {
			done[s.ID] = true
		}
		results = append(results, round...)
		remaining = blocked
	}
	return results
}

func runSubtask(ctx context.Context, s Subtask, exec Executor) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("planner", "subtask panicked", map[string]any{"subtask": s.ID, "panic": fmt.Sprint(r)})
			res = Result{SubtaskID: s.ID, Success: false, Error: fmt.Sprintf("panic: %v", r)}
		}
	}()

	content, err := exec(ctx, s)
	if err != nil {
		return Result{SubtaskID: s.ID, Success: false, Error: err.Error()}
	}
	return Result{SubtaskID: s.ID, Content: content, Success: true}
}

func depsDone(s Subtask, done map[string]bool) bool {
	for _, d := range s.Dependencies {
		if !done[d] {
			return false
		}
	}
	return true
}
