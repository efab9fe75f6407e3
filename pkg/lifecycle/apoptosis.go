package lifecycle

import (
	"fmt"
	"math"

	"github.com/sipeed/picocell/pkg/cluster"
	"github.com/sipeed/picocell/pkg/events"
	"github.com/sipeed/picocell/pkg/logger"
)

// Apoptosis retires a node. Its capability profile is merged into the
// most complementary idle peer before removal; a node that never ran
// a task has no evidence worth folding and is removed outright. Busy
// nodes and clusters already at minimum size reject the request.
func (m *Manager) Apoptosis(node *cluster.Node) error {
	if node.Status() == cluster.StatusBusy {
		return &ApoptosisRejectedError{NodeID: node.ID, Reason: "node is busy"}
	}
	if m.cluster.Size() <= m.cfg.MinNodes {
		return &ApoptosisRejectedError{NodeID: node.ID, Reason: fmt.Sprintf("cluster at minimum size %d", m.cfg.MinNodes)}
	}

	node.SetStatus(cluster.StatusDying)

	var target *cluster.Node
	if node.TotalTasks() > 0 {
		best := -1.0
		for _, cand := range m.cluster.Nodes() {
			if cand.ID == node.ID || cand.Status() != cluster.StatusIdle {
				continue
			}
			if score := mergeAffinity(node, cand); score > best {
				best = score
				target = cand
			}
		}
	}

	mergedInto := ""
	if target != nil {
		target.ReplaceCaps(MergeCapabilities(node.CapsSnapshot(), target.CapsSnapshot()))
		mergedInto = target.ID
	}

	if err := m.cluster.RemoveNode(node.ID); err != nil {
		return err
	}

	logger.InfoCF("lifecycle", "apoptosis complete", map[string]any{
		"node":        node.ID,
		"merged_into": mergedInto,
	})
	if m.events != nil {
		m.events.Emit(events.Event{
			Type:   events.TypeApoptosis,
			NodeID: node.ID,
			Data:   map[string]any{"merged_into": mergedInto},
		})
	}
	return nil
}

// mergeAffinity scores how well cand would absorb src's profile. Peers
// whose scores differ most across the union of known domains rank
// highest, discounted by the candidate's current load.
func mergeAffinity(src, cand *cluster.Node) float64 {
	s := src.CapsSnapshot()
	c := cand.CapsSnapshot()
	domains := make(map[string]struct{}, len(s.Scores)+len(c.Scores))
	for d := range s.Scores {
		domains[d] = struct{}{}
	}
	for d := range c.Scores {
		domains[d] = struct{}{}
	}
	var diff float64
	for d := range domains {
		diff += math.Abs(s.Score(d) - c.Score(d))
	}
	return diff * (1 - 0.5*cand.Load())
}

// MergeCapabilities folds src into tgt, weighting each side's scores
// and success rate by its task count. Tools are unioned. With neither
// side having run a task the weights collapse to zero and the merged
// scores do too.
func MergeCapabilities(src, tgt *cluster.Capabilities) *cluster.Capabilities {
	sw := float64(src.TotalTasks)
	tw := float64(tgt.TotalTasks)
	total := sw + tw
	if total < 1 {
		total = 1
	}

	merged := cluster.NewCapabilities()
	domains := make(map[string]struct{}, len(src.Scores)+len(tgt.Scores))
	for d := range src.Scores {
		domains[d] = struct{}{}
	}
	for d := range tgt.Scores {
		domains[d] = struct{}{}
	}
	for d := range domains {
		merged.Scores[d] = tgt.Score(d)*tw/total + src.Score(d)*sw/total
	}
	merged.TotalTasks = src.TotalTasks + tgt.TotalTasks
	merged.SuccessRate = tgt.SuccessRate*tw/total + src.SuccessRate*sw/total
	merged.AddTools(src.ToolList()...)
	merged.AddTools(tgt.ToolList()...)
	return merged
}
