package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/sipeed/picocell/pkg/logger"
	"github.com/sipeed/picocell/pkg/reward"
)

const defaultSweepCron = "*/5 * * * *"

// Sweeper periodically decays idle capability scores and recycles
// nodes whose health check recommends it. Rejected recycles are
// logged and skipped.
type Sweeper struct {
	lifecycle *Manager
	rewards   *reward.Bus
	expr      string

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper validates the cron expression up front so a typo in the
// config fails at startup instead of silently never firing.
func NewSweeper(lm *Manager, rewards *reward.Bus, expr string) (*Sweeper, error) {
	if expr == "" {
		expr = defaultSweepCron
	}
	if !gronx.New().IsValid(expr) {
		return nil, fmt.Errorf("invalid sweep schedule %q", expr)
	}
	return &Sweeper{lifecycle: lm, rewards: rewards, expr: expr}, nil
}

func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
	logger.InfoCF("lifecycle", "sweeper started", map[string]any{"schedule": s.expr})
}

func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)
	for {
		next, err := gronx.NextTick(s.expr, false)
		if err != nil {
			logger.ErrorCF("lifecycle", "sweep schedule failed", map[string]any{"error": err.Error()})
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Sweep()
		}
	}
}

// Sweep runs one maintenance pass over every node.
func (s *Sweeper) Sweep() {
	for _, node := range s.lifecycle.cluster.Nodes() {
		if s.rewards != nil {
			s.rewards.DecayInactive(node)
		}
		health := s.lifecycle.CheckHealth(node)
		if health.Recommendation != RecommendRecycle {
			continue
		}
		if err := s.lifecycle.Apoptosis(node); err != nil {
			logger.DebugCF("lifecycle", "recycle skipped", map[string]any{
				"node":  node.ID,
				"error": err.Error(),
			})
		}
	}
}
