package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/kirillkom/scanmate-sync/internal/core/ports"
)

const DefaultSyncInterval = 30 * time.Second

// SyncRunner is the host scheduler for the engine. It ticks on an interval,
// whenever a trigger arrives, and again right away after a tick that finished
// a task, so a backlog drains one task per tick without the engine looping.
type SyncRunner struct {
	engine   *SyncEngine
	source   ports.TriggerSource
	interval time.Duration
	log      *slog.Logger
	wake     chan struct{}
}

func NewSyncRunner(engine *SyncEngine, source ports.TriggerSource, interval time.Duration, logger *slog.Logger) *SyncRunner {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncRunner{
		engine:   engine,
		source:   source,
		interval: interval,
		log:      logger,
		wake:     make(chan struct{}, 1),
	}
}

// Wake schedules a tick. Wakes that arrive while one is already pending
// collapse into it.
func (r *SyncRunner) Wake(_ context.Context, reason string) error {
	select {
	case r.wake <- struct{}{}:
		r.log.Debug("sync_runner_woken", "reason", reason)
	default:
	}
	return nil
}

// Run blocks until ctx is done.
func (r *SyncRunner) Run(ctx context.Context) error {
	if r.source != nil {
		go func() {
			if err := r.source.SubscribeTriggers(ctx, r.Wake); err != nil && ctx.Err() == nil {
				r.log.Error("sync_trigger_subscription_failed", "error", err)
			}
		}()
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info("sync_runner_started", "interval", r.interval)
	for {
		for r.engine.Tick(ctx) {
			if ctx.Err() != nil {
				break
			}
		}
		select {
		case <-ctx.Done():
			r.log.Info("sync_runner_stopped")
			return nil
		case <-ticker.C:
		case <-r.wake:
		}
	}
}
