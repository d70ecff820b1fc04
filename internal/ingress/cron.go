package ingress

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/faas-platform/internal/domain/event"
	"github.com/r3e-network/faas-platform/pkg/logger"
)

// CronConfig controls the cron front door's tick cadence.
type CronConfig struct {
	// Interval must resolve at least once a second (spec.md §4.4, "cron
	// schedules resolved at >= 1 Hz").
	Interval time.Duration
}

// Cron is the cron front door (spec.md §4.4): it drives the Trigger
// Index's cron wheel and emits a synthetic Event for every trigger that
// comes due. Cron invocations are fire-and-forget (SPEC_FULL.md §5 open
// question resolution) — Cron never waits on a terminal state.
type Cron struct {
	cfg   CronConfig
	index TriggerIndex
	sched Scheduler
	log   *logger.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewCron(cfg CronConfig, index TriggerIndex, sched Scheduler, log *logger.Logger) *Cron {
	if cfg.Interval <= 0 || cfg.Interval > time.Second {
		cfg.Interval = time.Second
	}
	return &Cron{cfg: cfg, index: index, sched: sched, log: log}
}

func (c *Cron) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case now := <-ticker.C:
				c.tick(runCtx, now.UTC())
			}
		}
	}()
}

func (c *Cron) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Cron) tick(ctx context.Context, now time.Time) {
	for _, triggerID := range c.index.Tick(now) {
		trig, ok := c.index.Trigger(triggerID)
		if !ok || !trig.Enabled {
			continue
		}

		// Idempotency key is (trigger_id, scheduled_time): spec.md §4.4,
		// so a replayed tick for the same second carries the same key. Each
		// tick is still submitted; duplicates are not filtered here.
		ev := event.Event{
			ID:        uuid.NewString(),
			Source:    "cron",
			Kind:      event.KindCron,
			Timestamp: now,
			Payload: map[string]any{
				"trigger_id":     triggerID,
				"scheduled_time": now,
			},
			IdempotencyKey: triggerID + "@" + now.Format(time.RFC3339),
		}

		if _, err := c.sched.Submit(ctx, ev, trig); err != nil && c.log != nil {
			c.log.WithField("trigger", triggerID).WithError(err).Debug("cron submit rejected")
		}
	}
}
