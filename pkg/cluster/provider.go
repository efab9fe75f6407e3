package cluster

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sipeed/picocell/pkg/gather"
	"github.com/sipeed/picocell/pkg/tokens"
)

// CapabilityProvider describes the owning node to its own prompt, so the
// model knows what it is good at and which tools it holds.
type CapabilityProvider struct {
	node *Node
}

func NewCapabilityProvider(node *Node) *CapabilityProvider {
	return &CapabilityProvider{node: node}
}

func (p *CapabilityProvider) Source() string { return "cluster" }

func (p *CapabilityProvider) Provide(_ context.Context, _ string, budget int) ([]gather.Fragment, error) {
	view := p.node.View()

	type domainScore struct {
		domain string
		score  float64
	}
	scores := make([]domainScore, 0, len(view.Scores))
	for d, v := range view.Scores {
		scores = append(scores, domainScore{domain: d, score: v})
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].score != scores[j].score {
			return scores[i].score > scores[j].score
		}
		return scores[i].domain < scores[j].domain
	})

	var b strings.Builder
	b.WriteString("My capabilities are: ")
	if len(scores) == 0 {
		b.WriteString("unproven (no scored domains yet)")
	} else {
		for i, s := range scores {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s %.2f", s.domain, s.score)
		}
	}
	b.WriteString(". ")
	if len(view.Tools) > 0 {
		fmt.Fprintf(&b, "Tools: %s. ", strings.Join(view.Tools, ", "))
	}
	fmt.Fprintf(&b, "Success rate %.0f%% over %d tasks.", view.SuccessRate*100, view.TotalTasks)

	content := b.String()
	t := tokens.Estimate(content)
	if t > budget {
		return nil, nil
	}
	return []gather.Fragment{{
		Source:    "cluster",
		Content:   content,
		Tokens:    t,
		Relevance: 0.6,
		Metadata:  map[string]any{"node_id": view.ID},
	}}, nil
}
