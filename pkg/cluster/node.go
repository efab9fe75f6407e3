package cluster

import (
	"sync"
	"time"
)

// Node is one agent in the cluster. ID, ParentID, Depth and Agent are
// fixed at construction; everything else is guarded by the node's own
// mutex. The parent link is lookup-only: a stale ParentID means the
// parent already retired.
type Node struct {
	ID       string
	ParentID string
	Depth    int
	Agent    Executor

	mu         sync.Mutex
	caps       *Capabilities
	status     Status
	load       float64
	history    []RewardRecord
	lastActive time.Time
	losses     int
	origin     *Origin
}

// Origin records the split that created a node: whose objective it was
// born under and the specialization it was born for. Seed nodes and
// auction-spawned specialists carry none.
type Origin struct {
	ParentID  string `json:"parent_id"`
	Objective string `json:"objective"`
	Domain    string `json:"domain"`
}

func NewNode(id, parentID string, depth int, agent Executor) *Node {
	return &Node{
		ID:       id,
		ParentID: parentID,
		Depth:    depth,
		Agent:    agent,
		caps:     NewCapabilities(),
		status:   StatusIdle,
	}
}

func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

func (n *Node) SetStatus(s Status) {
	n.mu.Lock()
	n.status = s
	n.mu.Unlock()
}

func (n *Node) Load() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.load
}

func (n *Node) SetLoad(v float64) {
	if v < 0 {
		v = 0
	} else if v > 1 {
		v = 1
	}
	n.mu.Lock()
	n.load = v
	n.mu.Unlock()
}

// Touch stamps the node as active now.
func (n *Node) Touch() {
	n.mu.Lock()
	n.lastActive = time.Now()
	n.mu.Unlock()
}

// LastActive returns the last activity stamp. The zero time means the
// node has never run and reads as long-idle.
func (n *Node) LastActive() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastActive
}

func (n *Node) SetLastActive(t time.Time) {
	n.mu.Lock()
	n.lastActive = t
	n.mu.Unlock()
}

func (n *Node) Losses() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.losses
}

// AddLoss bumps the consecutive-loss counter and returns the new count.
func (n *Node) AddLoss() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.losses++
	return n.losses
}

func (n *Node) ResetLosses() {
	n.mu.Lock()
	n.losses = 0
	n.mu.Unlock()
}

func (n *Node) CapScore(domain string) float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.caps.Score(domain)
}

func (n *Node) SetCapScore(domain string, v float64) {
	if v < 0 {
		v = 0
	} else if v > 1 {
		v = 1
	}
	n.mu.Lock()
	n.caps.Scores[domain] = v
	n.mu.Unlock()
}

func (n *Node) SuccessRate() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.caps.SuccessRate
}

func (n *Node) SetSuccessRate(v float64) {
	n.mu.Lock()
	n.caps.SuccessRate = v
	n.mu.Unlock()
}

func (n *Node) TotalTasks() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.caps.TotalTasks
}

func (n *Node) IncTotalTasks() {
	n.mu.Lock()
	n.caps.TotalTasks++
	n.mu.Unlock()
}

func (n *Node) AppendReward(r RewardRecord) {
	n.mu.Lock()
	n.history = append(n.history, r)
	n.mu.Unlock()
}

// History returns a copy of the reward records, oldest first.
func (n *Node) History() []RewardRecord {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]RewardRecord, len(n.history))
	copy(out, n.history)
	return out
}

func (n *Node) HasTool(name string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.caps.HasTool(name)
}

func (n *Node) AddTools(names ...string) {
	n.mu.Lock()
	n.caps.AddTools(names...)
	n.mu.Unlock()
}

func (n *Node) Tools() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.caps.ToolList()
}

// ToolOverlap is the bid term for required tools: the matched share, or
// 1 when the task requires none.
func (n *Node) ToolOverlap(required []string) float64 {
	if len(required) == 0 {
		return 1
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	matched := 0
	for _, r := range required {
		if n.caps.HasTool(r) {
			matched++
		}
	}
	return float64(matched) / float64(len(required))
}

// SetOrigin records the split this node was born from.
func (n *Node) SetOrigin(o *Origin) {
	n.mu.Lock()
	n.origin = o
	n.mu.Unlock()
}

// Origin returns the recorded split origin, nil when there is none.
func (n *Node) Origin() *Origin {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.origin
}

// CapsSnapshot deep-copies the capability profile.
func (n *Node) CapsSnapshot() *Capabilities {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.caps.Clone()
}

// ReplaceCaps swaps in a new profile, used when merging a dying peer.
func (n *Node) ReplaceCaps(caps *Capabilities) {
	n.mu.Lock()
	n.caps = caps
	n.mu.Unlock()
}

// View is a JSON-friendly snapshot for status output and the gateway.
type View struct {
	ID                string             `json:"id"`
	ParentID          string             `json:"parent_id,omitempty"`
	Depth             int                `json:"depth"`
	Status            Status             `json:"status"`
	Load              float64            `json:"load"`
	Scores            map[string]float64 `json:"scores"`
	Tools             []string           `json:"tools"`
	TotalTasks        int                `json:"total_tasks"`
	SuccessRate       float64            `json:"success_rate"`
	ConsecutiveLosses int                `json:"consecutive_losses"`
	LastActive        time.Time          `json:"last_active"`
}

func (n *Node) View() View {
	n.mu.Lock()
	defer n.mu.Unlock()

	scores := make(map[string]float64, len(n.caps.Scores))
	for d, v := range n.caps.Scores {
		scores[d] = v
	}
	return View{
		ID:                n.ID,
		ParentID:          n.ParentID,
		Depth:             n.Depth,
		Status:            n.status,
		Load:              n.load,
		Scores:            scores,
		Tools:             n.caps.ToolList(),
		TotalTasks:        n.caps.TotalTasks,
		SuccessRate:       n.caps.SuccessRate,
		ConsecutiveLosses: n.losses,
		LastActive:        n.lastActive,
	}
}
