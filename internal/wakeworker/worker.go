// Package wakeworker implements WakeScheduleWorker: a single ticking goroutine that polls
// for due wake schedules and routes a wake command for each, never overlapping two ticks.
package wakeworker

import (
	"context"
	"fmt"
	"time"

	"github.com/kaonis/woly-cnc/internal/router"
	"github.com/kaonis/woly-cnc/internal/storage"
	"go.uber.org/zap"
)

// wakeRouter is the slice of CommandRouter's contract WakeScheduleWorker depends on. The
// worker is the one caller outside the router package itself that is allowed to depend on
// its concrete result/option types directly, since routing a scheduled wake has no
// HTTP-layer intermediary to translate through.
type wakeRouter interface {
	RouteWake(ctx context.Context, fqn string, opts router.RouteOptions) (router.WakeResult, error)
}

// scheduleStore is the external WakeScheduleModel contract.
type scheduleStore interface {
	ListDue(ctx context.Context, batchSize int) ([]storage.WakeSchedule, error)
	RecordExecutionAttempt(ctx context.Context, scheduleID string, at time.Time) error
}

// Worker is the core's WakeScheduleWorker.
type Worker struct {
	router    wakeRouter
	schedules scheduleStore
	logger    *zap.Logger

	pollInterval time.Duration
	batchSize    int

	ticking chan struct{}
	done    chan struct{}
}

func New(rt wakeRouter, schedules scheduleStore, pollInterval time.Duration, batchSize int, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		router:       rt,
		schedules:    schedules,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		ticking:      make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Run polls every pollInterval until ctx is cancelled. A tick that is still running when the
// next one fires is skipped rather than queued, so ticks never overlap.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(w.done)
			return
		case <-ticker.C:
			select {
			case w.ticking <- struct{}{}:
				w.processDueWakeSchedules(ctx)
				<-w.ticking
			default:
				w.logger.Warn("wake schedule tick skipped, previous tick still running")
			}
		}
	}
}

// processDueWakeSchedules lists due schedules and routes a wake command for each, recording
// the attempt regardless of outcome. Returns the number of schedules processed; exposed as
// a seam so tests can drive one tick deterministically without a ticker.
func (w *Worker) processDueWakeSchedules(ctx context.Context) int {
	due, err := w.schedules.ListDue(ctx, w.batchSize)
	if err != nil {
		w.logger.Error("list due wake schedules failed", zap.Error(err))
		return 0
	}

	for _, schedule := range due {
		now := time.Now()
		opts := router.RouteOptions{
			IdempotencyKey: fmt.Sprintf("wake-schedule:%s:%s", schedule.ID, now.UTC().Format("2006-01-02T15:04")),
			CorrelationID:  "wake-schedule:" + schedule.ID,
		}

		_, routeErr := w.router.RouteWake(ctx, schedule.HostFQN, opts)
		if routeErr != nil {
			w.logger.Warn("scheduled wake failed",
				zap.String("schedule_id", schedule.ID),
				zap.String("host_fqn", schedule.HostFQN),
				zap.Error(routeErr),
			)
		} else {
			w.logger.Info("scheduled wake dispatched",
				zap.String("schedule_id", schedule.ID),
				zap.String("host_fqn", schedule.HostFQN),
			)
		}

		if err := w.schedules.RecordExecutionAttempt(ctx, schedule.ID, now); err != nil {
			w.logger.Warn("record wake schedule attempt failed", zap.String("schedule_id", schedule.ID), zap.Error(err))
		}
	}
	return len(due)
}
