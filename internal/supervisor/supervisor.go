// Package supervisor runs the factory's single control loop: every tick it
// reaps workers with stale heartbeats, then dispatches queued items while the
// rate limiter grants capacity. Each step is individually atomic at the
// store, so the loop itself needs no coordination.
package supervisor

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/anthropics/agent-factory/internal/config"
	"github.com/anthropics/agent-factory/internal/metrics"
	"github.com/anthropics/agent-factory/internal/model"
	"github.com/anthropics/agent-factory/internal/queue"
	"github.com/anthropics/agent-factory/internal/worker"
)

// Supervisor drives the reap-then-dispatch loop.
type Supervisor struct {
	queue      *queue.Manager
	workers    *worker.Manager
	collectors *metrics.Collectors
	logger     *zap.Logger

	interval atomic.Int64 // loop interval in nanoseconds
}

// New builds a supervisor over the queue and worker managers.
func New(qm *queue.Manager, wm *worker.Manager, cfg config.SupervisorConfig,
	collectors *metrics.Collectors, logger *zap.Logger) *Supervisor {
	s := &Supervisor{
		queue:      qm,
		workers:    wm,
		collectors: collectors,
		logger:     logger.Named("supervisor"),
	}
	s.interval.Store(int64(cfg.LoopInterval))
	return s
}

// SetInterval changes the loop cadence; the next sleep picks it up. Used by
// the config watcher.
func (s *Supervisor) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.interval.Store(int64(d))
}

// Run ticks until the context is cancelled. The first tick fires immediately
// so a restart resumes dispatching without waiting out an interval.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("supervisor started",
		zap.Duration("interval", time.Duration(s.interval.Load())))

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("supervisor stopping")
			return ctx.Err()
		case <-timer.C:
		}

		s.Tick(ctx)
		timer.Reset(time.Duration(s.interval.Load()))
	}
}

// Tick runs one reap-then-dispatch pass. Errors are logged, never returned:
// infrastructure trouble self-heals on a later tick.
func (s *Supervisor) Tick(ctx context.Context) {
	s.reap(ctx)
	s.dispatch(ctx)
}

// reap kills every active worker whose heartbeat went stale. The kill path
// releases locks and routes the item back to the queue or to failed.
func (s *Supervisor) reap(ctx context.Context) {
	stale, err := s.workers.HealthCheck(ctx)
	if err != nil {
		s.logger.Error("health check failed", zap.Error(err))
		return
	}

	for _, w := range stale {
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("reaping stale worker",
			zap.String("workerId", w.ID),
			zap.Time("lastHeartbeat", w.LastHeartbeat))
		if _, err := s.workers.Kill(ctx, w.ID, "heartbeat timeout"); err != nil {
			s.logger.Error("reap failed",
				zap.Error(err), zap.String("workerId", w.ID))
			continue
		}
		s.collectors.Reaps.Inc()
	}
}

// dispatch claims and spawns items while the limiter grants capacity. Capacity
// is re-checked before every claim so the cooldown and budget gates apply per
// spawn, not per tick.
func (s *Supervisor) dispatch(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		decision, err := s.workers.HasCapacity(ctx)
		if err != nil {
			s.logger.Error("capacity check failed", zap.Error(err))
			return
		}
		if !decision.Allowed {
			// Normal backpressure, not an error.
			s.logger.Debug("dispatch paused", zap.String("reason", string(decision.Reason)))
			return
		}

		item, err := s.queue.GetNext(ctx)
		if err != nil {
			s.logger.Error("claim next work item failed", zap.Error(err))
			s.collectors.Dispatches.WithLabelValues("error").Inc()
			return
		}
		if item == nil {
			return
		}

		if _, err := s.workers.Spawn(ctx, item); err != nil {
			// Spawn already rolled the item back to the queue; move on to
			// the sleep rather than hammering a sick runtime.
			s.logger.Error("spawn failed",
				zap.Error(err),
				zap.String("workItemId", item.ID),
				zap.String("type", string(item.Type)))
			s.collectors.Dispatches.WithLabelValues("spawn_failed").Inc()
			return
		}

		s.collectors.Spawns.Inc()
		s.collectors.Dispatches.WithLabelValues("spawned").Inc()
		if item.Type == model.TypeVerification {
			s.logger.Info("verification worker dispatched", zap.String("workItemId", item.ID))
		}
	}
}
