package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"github.com/sipeed/picocell/pkg/cluster"
	"github.com/sipeed/picocell/pkg/gather"
	"github.com/sipeed/picocell/pkg/tokens"
)

// ContextProvider is the gather bridge for split-born nodes: it carries
// the parent's objective, the child's specialization, and the inherited
// tools into the child's prompt, so a subtask run knows what larger task
// it serves. Nodes without a split origin contribute nothing.
type ContextProvider struct {
	node *cluster.Node
}

func NewContextProvider(node *cluster.Node) *ContextProvider {
	return &ContextProvider{node: node}
}

func (p *ContextProvider) Source() string { return "mitosis" }

func (p *ContextProvider) Provide(_ context.Context, _ string, budget int) ([]gather.Fragment, error) {
	origin := p.node.Origin()
	if origin == nil {
		return nil, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Split from node %s to cover the %s part of its objective: %s",
		origin.ParentID, origin.Domain, origin.Objective)
	if tools := p.node.Tools(); len(tools) > 0 {
		fmt.Fprintf(&b, "\nInherited tools: %s.", strings.Join(tools, ", "))
	}

	content := b.String()
	t := tokens.Estimate(content)
	if t > budget {
		return nil, nil
	}
	return []gather.Fragment{{
		Source:    "mitosis",
		Content:   content,
		Tokens:    t,
		Relevance: 0.8,
		Metadata:  map[string]any{"parent_id": origin.ParentID},
	}}, nil
}
