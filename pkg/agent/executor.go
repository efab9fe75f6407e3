package agent

import (
	"context"

	"github.com/sipeed/picocell/pkg/cluster"
)

// NodeExecutor adapts an Agent to the cluster's Executor contract. The
// owning node is busy while a task runs, so adjusting the agent's token
// cap per task is safe.
type NodeExecutor struct {
	agent *Agent
}

func NewNodeExecutor(a *Agent) *NodeExecutor {
	return &NodeExecutor{agent: a}
}

// Agent returns the wrapped agent, for wiring context providers after
// construction.
func (e *NodeExecutor) Agent() *Agent { return e.agent }

func (e *NodeExecutor) Execute(ctx context.Context, task cluster.Task) (cluster.TaskResult, error) {
	if task.TokenBudget > 0 {
		e.agent.SetMaxTokens(task.TokenBudget)
	}

	out, err := e.agent.Run(ctx, task.Description)
	if err != nil {
		return cluster.TaskResult{
			TaskID:     task.ID,
			AgentID:    e.agent.ID,
			Success:    false,
			ErrorCount: 1,
		}, err
	}
	return cluster.TaskResult{
		TaskID:    task.ID,
		AgentID:   e.agent.ID,
		Content:   out.Content,
		Success:   true,
		TokenCost: out.Usage.TotalTokens,
	}, nil
}
