package cluster

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sipeed/picocell/pkg/config"
	"github.com/sipeed/picocell/pkg/logger"
)

// NoWinnerError reports an auction that could not place a task.
type NoWinnerError struct {
	TaskID  string
	Bids    int
	MinBids int
}

func (e *NoWinnerError) Error() string {
	return fmt.Sprintf("auction for task %s produced no winner (%d bids, need %d)", e.TaskID, e.Bids, e.MinBids)
}

func (e *NoWinnerError) Code() string { return "auction-no-winner" }

// Bid is one node's score for a task.
type Bid struct {
	Node  *Node
	Score float64
}

// Manager owns the node map and runs task auctions over it.
type Manager struct {
	mu       sync.RWMutex
	nodes    map[string]*Node
	weights  config.BidWeights
	minBids  int
	fallback string
}

func NewManager(cfg config.ClusterConfig) *Manager {
	return &Manager{
		nodes:    make(map[string]*Node),
		weights:  cfg.BidWeights,
		minBids:  cfg.MinBids,
		fallback: cfg.FallbackStrategy,
	}
}

func (m *Manager) AddNode(n *Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.nodes[n.ID]; exists {
		return fmt.Errorf("node %q already registered", n.ID)
	}
	m.nodes[n.ID] = n
	logger.InfoCF("cluster", "node added", map[string]any{
		"node_id": n.ID,
		"depth":   n.Depth,
		"size":    len(m.nodes),
	})
	return nil
}

func (m *Manager) RemoveNode(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.nodes[id]; !exists {
		return ErrNodeNotFound
	}
	delete(m.nodes, id)
	logger.InfoCF("cluster", "node removed", map[string]any{
		"node_id": id,
		"size":    len(m.nodes),
	})
	return nil
}

func (m *Manager) GetNode(id string) (*Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	return n, ok
}

func (m *Manager) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.nodes)
}

// Nodes returns the current nodes sorted by ID, so walks over the
// cluster are deterministic.
func (m *Manager) Nodes() []*Node {
	m.mu.RLock()
	out := make([]*Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Views snapshots every node for status output.
func (m *Manager) Views() []View {
	nodes := m.Nodes()
	out := make([]View, len(nodes))
	for i, n := range nodes {
		out[i] = n.View()
	}
	return out
}

// ComputeBid scores one node for a task: capability in the task domain,
// availability, historical success rate, and required-tool coverage,
// weighted per config.
func (m *Manager) ComputeBid(n *Node, task Task) float64 {
	w := m.weights
	return w.Capability*n.CapScore(task.Domain) +
		w.Availability*(1-n.Load()) +
		w.History*n.SuccessRate() +
		w.Tools*n.ToolOverlap(task.RequiredTools)
}

// CollectBids gathers bids from every idle or busy node, in node-ID
// order.
func (m *Manager) CollectBids(task Task) []Bid {
	var bids []Bid
	for _, n := range m.Nodes() {
		switch n.Status() {
		case StatusIdle, StatusBusy:
			bids = append(bids, Bid{Node: n, Score: m.ComputeBid(n, task)})
		}
	}
	return bids
}

// SelectWinner runs the auction. The highest bid wins, but any idle node
// tied at the top beats a busy one. Too few bids under the "none"
// fallback, or an empty cluster, yields *NoWinnerError.
func (m *Manager) SelectWinner(task Task) (*Node, error) {
	bids := m.CollectBids(task)
	if len(bids) == 0 || (len(bids) < m.minBids && m.fallback == config.FallbackNone) {
		return nil, &NoWinnerError{TaskID: task.ID, Bids: len(bids), MinBids: m.minBids}
	}

	sort.SliceStable(bids, func(i, j int) bool { return bids[i].Score > bids[j].Score })

	winner := bids[0].Node
	top := bids[0].Score
	for _, b := range bids {
		if b.Score != top {
			break
		}
		if b.Node.Status() == StatusIdle {
			winner = b.Node
			break
		}
	}

	logger.DebugCF("cluster", "auction settled", map[string]any{
		"task_id": task.ID,
		"winner":  winner.ID,
		"score":   top,
		"bids":    len(bids),
	})
	return winner, nil
}
