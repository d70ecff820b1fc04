// Package worker implements the Worker (C6, spec.md §4.6): a fixed pool of
// sandbox slots that accepts dispatched invocations together with the
// function artifact the Scheduler resolved, runs it in a fresh Sandbox (C7) bound to the
// Host Bridge (C8), and reports the terminal result back to the Scheduler.
//
// The heartbeat-ticker/cancellable-background-goroutine lifecycle is
// grounded on the same pattern as internal/scheduler (itself adapted from
// _examples/r3e-network-service_layer/internal/app/services/automation/scheduler.go);
// load sampling uses shirou/gopsutil/v3, part of the teacher's own
// dependency stack.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/r3e-network/faas-platform/internal/domain/function"
	"github.com/r3e-network/faas-platform/internal/domain/invocation"
	"github.com/r3e-network/faas-platform/internal/hostbridge"
	"github.com/r3e-network/faas-platform/internal/platform"
	"github.com/r3e-network/faas-platform/internal/sandbox"
	"github.com/r3e-network/faas-platform/pkg/logger"
	"github.com/r3e-network/faas-platform/pkg/metrics"
)

// Scheduler is the subset of *scheduler.Scheduler the Worker reports back
// to.
type Scheduler interface {
	RegisterWorker(id string, slots int, runtimes []string)
	Heartbeat(id string, slotsFree int)
	ReleaseSlot(id string)
	Complete(ctx context.Context, invocationID string, result map[string]any, runErr error)
	Cancelled(invocationID string) bool
}

// Config controls heartbeat cadence and slot count.
type Config struct {
	ID               string
	Slots            int
	Runtimes         []string
	HeartbeatEvery   time.Duration // T_hb/3, per spec.md §4.6 step 1
}

// Pool is one Worker process's sandbox-slot pool. It implements
// scheduler.Dispatcher.
type Pool struct {
	cfg       Config
	scheduler Scheduler
	bridge    sandbox.HostBridge
	log       *logger.Logger

	mu        sync.Mutex
	slotsFree int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Pool bound to scheduler and bridge.
func New(cfg Config, scheduler Scheduler, bridge sandbox.HostBridge, log *logger.Logger) *Pool {
	if cfg.Slots <= 0 {
		cfg.Slots = 1
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = time.Second
	}
	return &Pool{cfg: cfg, scheduler: scheduler, bridge: bridge, log: log, slotsFree: cfg.Slots}
}

// Start registers the pool with the Scheduler and begins heartbeating.
func (p *Pool) Start(ctx context.Context) {
	p.scheduler.RegisterWorker(p.cfg.ID, p.cfg.Slots, p.cfg.Runtimes)

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.HeartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				p.heartbeat()
			}
		}
	}()
}

// Stop halts heartbeating and waits for every in-flight execution started by
// Dispatch to finish and report. It does not cancel those executions —
// sandboxes get their own deadline-bound context independent of Stop.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pool) heartbeat() {
	p.mu.Lock()
	free := p.slotsFree
	p.mu.Unlock()

	load := sampleLoad(p.log)
	metrics.SetWorkerSlotsInUse(p.cfg.ID, p.cfg.Slots-free)
	p.scheduler.Heartbeat(p.cfg.ID, free)
	_ = load // sampled, but neither sent in the heartbeat nor exported as a metric
}

func sampleLoad(log *logger.Logger) float64 {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		if log != nil {
			log.WithError(err).Debug("cpu load sample unavailable")
		}
		return 0
	}
	return percents[0]
}

func runSandbox(ctx context.Context, artifact function.Artifact, bridge sandbox.HostBridge, payload map[string]any) (sandbox.Result, error) {
	return sandbox.New(artifact, bridge).Run(ctx, payload)
}

// Dispatch implements scheduler.Dispatcher (spec.md §4.6 steps 2-5). It
// claims a slot synchronously (so the Scheduler's slots_free accounting
// stays accurate even under concurrent dispatch) and runs the invocation on
// a background goroutine, guaranteeing the slot is released and Complete is
// reported on every exit path — including a panic recovered inside the
// goroutine, matching the "RAII/defer-style guaranteed cleanup" requirement.
// The artifact itself (spec.md §4.6 step 3, "pull from Registry, cache
// LRU") is already resolved by the time Dispatch is called — the Scheduler
// resolves it via internal/registry.Registry, which LRU-caches Resolve
// results, so the Worker never duplicates that cache.
func (p *Pool) Dispatch(ctx context.Context, workerID string, inv invocation.Invocation, artifact function.Artifact) error {
	if workerID != p.cfg.ID {
		return fmt.Errorf("%w: dispatch for %s sent to worker %s", platform.ErrWorkerLost, workerID, p.cfg.ID)
	}

	p.mu.Lock()
	if p.slotsFree <= 0 {
		p.mu.Unlock()
		return fmt.Errorf("%w: no free slots on %s", platform.ErrWorkerLost, p.cfg.ID)
	}
	p.slotsFree--
	p.mu.Unlock()

	p.wg.Add(1)
	go p.execute(inv, artifact)
	return nil
}

func (p *Pool) execute(inv invocation.Invocation, artifact function.Artifact) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		p.slotsFree++
		p.mu.Unlock()
		p.scheduler.ReleaseSlot(p.cfg.ID)
	}()

	ctx := hostbridge.WithInvocationID(context.Background(), inv.ID)
	if !inv.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, inv.Deadline)
		defer cancel()
	}

	result, err := p.runWithPanicGuard(ctx, artifact, inv)

	if err == nil && p.scheduler.Cancelled(inv.ID) {
		err = platform.ErrCancelled
	}
	p.scheduler.Complete(ctx, inv.ID, result.Output, err)
}

func (p *Pool) runWithPanicGuard(ctx context.Context, artifact function.Artifact, inv invocation.Invocation) (res sandbox.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: sandbox panic: %v", platform.ErrWorkerLost, r)
		}
	}()
	res, err = runSandbox(ctx, artifact, p.bridge, payloadFor(inv))
	return res, err
}

// payloadFor builds the entrypoint's single argument to the exact shape
// spec.md §6 "Trigger event payload shape" describes: a context object
// identifying the trigger/tenant plus a data object carrying the event's
// own id/payload/idempotency key, and the invocation's attempt number.
func payloadFor(inv invocation.Invocation) map[string]any {
	return map[string]any{
		"context": map[string]any{
			"trigger_id":   inv.TriggerID,
			"trigger_type": inv.TriggerType,
			"triggered_at": inv.EventTimestamp,
			"source":       inv.TriggerSource,
			"tenant":       inv.Tenant,
		},
		"data": map[string]any{
			"id":              inv.EventID,
			"payload":         inv.EventPayload,
			"idempotency_key": inv.IdempotencyKey,
			"attempt":         inv.Attempt,
		},
	}
}
