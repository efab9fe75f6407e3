package lifecycle

import (
	"time"

	"github.com/sipeed/picocell/pkg/cluster"
)

// healthWindow is how many recent reward records feed the average.
const healthWindow = 10

type HealthStatus string

const (
	HealthHealthy HealthStatus = "healthy"
	HealthWarning HealthStatus = "warning"
	HealthDying   HealthStatus = "dying"
)

type Recommendation string

const (
	RecommendKeep    Recommendation = "keep"
	RecommendMerge   Recommendation = "merge"
	RecommendRecycle Recommendation = "recycle"
)

// Health is a point-in-time assessment of a node.
type Health struct {
	Status          HealthStatus   `json:"status"`
	AvgRecentReward float64        `json:"avg_recent_reward"`
	IdleSeconds     float64        `json:"idle_seconds"`
	Recommendation  Recommendation `json:"recommendation"`
}

// CheckHealth classifies a node from its recent rewards, loss streak
// and idle time. A node with no reward history averages 0 and so
// classifies dying; it is recommended for recycling rather than merge
// because there is nothing worth folding into a peer. A node that
// never ran reports idle 0 but still counts as long-idle.
func (m *Manager) CheckHealth(node *cluster.Node) Health {
	history := node.History()
	recent := history
	if len(recent) > healthWindow {
		recent = recent[len(recent)-healthWindow:]
	}
	var avg float64
	for _, r := range recent {
		avg += r.Reward
	}
	if len(recent) > 0 {
		avg /= float64(len(recent))
	}

	var idleFor time.Duration
	last := node.LastActive()
	if !last.IsZero() {
		idleFor = time.Since(last)
	}
	idleExpired := last.IsZero() ||
		(m.cfg.IdleTimeoutSeconds > 0 && idleFor > time.Duration(m.cfg.IdleTimeoutSeconds)*time.Second)

	losses := node.Losses()
	warnAt := m.cfg.ConsecutiveLossLimit / 2
	if warnAt < 1 {
		warnAt = 1
	}

	status := HealthHealthy
	switch {
	case losses >= m.cfg.ConsecutiveLossLimit,
		avg < m.cfg.ApoptosisThreshold,
		idleExpired:
		status = HealthDying
	case losses >= warnAt:
		status = HealthWarning
	}

	rec := RecommendKeep
	switch {
	case status == HealthWarning:
		rec = RecommendMerge
	case status == HealthDying && len(history) > 0:
		rec = RecommendMerge
	case status == HealthDying:
		rec = RecommendRecycle
	}

	return Health{
		Status:          status,
		AvgRecentReward: avg,
		IdleSeconds:     idleFor.Seconds(),
		Recommendation:  rec,
	}
}
