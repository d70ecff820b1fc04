// Package scheduler implements the Scheduler (spec.md §4.5): the central
// state machine that admits, queues, dispatches, retries, and cancels
// invocations. It holds no sandbox or transport code itself — it hands
// ready invocations to a registered Dispatcher (the Worker pool) and
// reacts to worker heartbeats and completions.
//
// Grounded on the lifecycle-managed ticker/mutex pattern in
// _examples/r3e-network-service_layer/internal/app/services/automation/scheduler.go
// (Start/Stop with a cancellable background goroutine, tick-driven
// reevaluation), generalized from its single job-list poll into the
// admission/dispatch/retry/cancel state machine spec.md §4.5 describes.
package scheduler

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/r3e-network/faas-platform/internal/domain/event"
	"github.com/r3e-network/faas-platform/internal/domain/function"
	"github.com/r3e-network/faas-platform/internal/domain/invocation"
	"github.com/r3e-network/faas-platform/internal/domain/trigger"
	"github.com/r3e-network/faas-platform/internal/platform"
	"github.com/r3e-network/faas-platform/internal/retry"
	"github.com/r3e-network/faas-platform/pkg/logger"
	"github.com/r3e-network/faas-platform/pkg/metrics"
)

// FunctionResolver resolves a trigger's FunctionRef to an Artifact and
// reports whether it is currently enabled (active). Implemented by
// internal/registry.Registry.
type FunctionResolver interface {
	Resolve(ctx context.Context, tenant, name, version string) (function.Artifact, error)
}

// Dispatcher hands a ready invocation to a specific worker. Implemented by
// internal/worker.Pool.
type Dispatcher interface {
	Dispatch(ctx context.Context, workerID string, inv invocation.Invocation, artifact function.Artifact) error
}

// Recorder observes invocation lifecycle transitions for the Run Log
// (C9). Nil is a valid no-op Recorder.
type Recorder interface {
	RecordTransition(ctx context.Context, inv invocation.Invocation)
}

// WorkerMirror publishes worker-state snapshots somewhere outside this
// process — implemented by internal/scheduler.RedisWorkerMirror, backed by
// Config.RedisAddr, so a dashboard or a peer Scheduler replica can read
// worker liveness without a direct RPC into this one.
type WorkerMirror interface {
	Publish(ctx context.Context, w WorkerState) error
}

// WorkerState tracks one worker's liveness and capacity, as spec.md §4.5
// describes: `worker_id → WorkerState{slots_free, healthy, last_heartbeat}`.
type WorkerState struct {
	ID            string
	SlotsFree     int
	Healthy       bool
	LastHeartbeat time.Time
	Runtimes      map[string]struct{}
}

// Config holds the admission/dispatch tunables from pkg/config.SchedulerConfig.
type Config struct {
	TenantInflightCap    int
	GlobalPendingCap     int
	HTTPBackpressureCap  int
	HeartbeatTimeout     time.Duration
	CancelGrace          time.Duration
	SerializeMaxMultiple float64
	Retry                retry.Policy
}

type queued struct {
	inv        invocation.Invocation
	trig       trigger.Trigger
	artifact   function.Artifact
	admittedAt time.Time
}

// Scheduler is the C5 component.
type Scheduler struct {
	cfg     Config
	log     *logger.Logger
	resolve FunctionResolver
	record  Recorder

	mu sync.Mutex

	dispatcher Dispatcher
	workers    map[string]*WorkerState

	tenantInflight map[string]int
	tenantRunning  map[string]int
	httpBackpressure map[string]int

	pending *list.List // of *queued, ordered by admittedAt ascending

	// serialize:true bookkeeping, keyed by trigger id.
	triggerRunning map[string]string // trigger id -> running invocation id
	triggerHeld    map[string]*list.List // trigger id -> queued *queued waiting their turn

	invocations map[string]*invocation.Invocation
	artifacts   map[string]function.Artifact
	triggersOf  map[string]trigger.Trigger // invocation id -> its trigger, reused across retries
	cancelled   map[string]bool
	attempts    map[string]int
	overCap     map[string]string // invocation id -> tenant, for ones counted against httpBackpressure

	mirror WorkerMirror

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	wake    chan struct{}
}

// New constructs a Scheduler. record may be nil.
func New(cfg Config, resolve FunctionResolver, record Recorder, log *logger.Logger) *Scheduler {
	return &Scheduler{
		cfg:              cfg,
		log:              log,
		resolve:          resolve,
		record:           record,
		workers:          make(map[string]*WorkerState),
		tenantInflight:   make(map[string]int),
		tenantRunning:    make(map[string]int),
		httpBackpressure: make(map[string]int),
		pending:          list.New(),
		triggerRunning:   make(map[string]string),
		triggerHeld:      make(map[string]*list.List),
		invocations:      make(map[string]*invocation.Invocation),
		artifacts:        make(map[string]function.Artifact),
		triggersOf:       make(map[string]trigger.Trigger),
		cancelled:        make(map[string]bool),
		attempts:         make(map[string]int),
		overCap:          make(map[string]string),
		wake:             make(chan struct{}, 1),
	}
}

// SetDispatcher wires the worker pool the scheduler hands ready
// invocations to.
func (s *Scheduler) SetDispatcher(d Dispatcher) {
	s.mu.Lock()
	s.dispatcher = d
	s.mu.Unlock()
}

// SetWorkerMirror wires an external, best-effort mirror of worker state —
// e.g. a RedisWorkerMirror backed by Config.RedisAddr — so a dashboard or a
// peer Scheduler replica can observe worker liveness without talking to this
// process directly. The in-memory workers map stays authoritative for the
// admission/dispatch hot path; the mirror only ever receives a copy.
func (s *Scheduler) SetWorkerMirror(m WorkerMirror) {
	s.mu.Lock()
	s.mirror = m
	s.mu.Unlock()
}

// publishToMirror hands a worker-state snapshot to the optional external
// mirror. It never blocks the caller on a slow or unreachable backend: the
// publish runs in its own goroutine and any error is merely logged, since a
// mirror write failing must never affect admission or dispatch.
func (s *Scheduler) publishToMirror(mirror WorkerMirror, w WorkerState) {
	if mirror == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := mirror.Publish(ctx, w); err != nil && s.log != nil {
			s.log.WithField("worker", w.ID).WithError(err).Debug("worker state mirror publish failed")
		}
	}()
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// RegisterWorker adds or resets a worker's state.
func (s *Scheduler) RegisterWorker(id string, slots int, runtimes []string) {
	s.mu.Lock()
	rt := make(map[string]struct{}, len(runtimes))
	for _, r := range runtimes {
		rt[r] = struct{}{}
	}
	w := &WorkerState{ID: id, SlotsFree: slots, Healthy: true, LastHeartbeat: time.Now(), Runtimes: rt}
	s.workers[id] = w
	mirror := s.mirror
	s.mu.Unlock()
	s.signal()
	s.publishToMirror(mirror, *w)
}

// Heartbeat refreshes a worker's liveness and free-slot count.
func (s *Scheduler) Heartbeat(id string, slotsFree int) {
	s.mu.Lock()
	var snapshot WorkerState
	var have bool
	if w, ok := s.workers[id]; ok {
		w.SlotsFree = slotsFree
		w.Healthy = true
		w.LastHeartbeat = time.Now()
		snapshot, have = *w, true
	}
	mirror := s.mirror
	s.mu.Unlock()
	if have {
		s.publishToMirror(mirror, snapshot)
	}
	s.signal()
}

// ReleaseSlot is called by the Worker once a sandbox tears down, freeing a
// slot for dispatch re-evaluation.
func (s *Scheduler) ReleaseSlot(id string) {
	s.mu.Lock()
	if w, ok := s.workers[id]; ok {
		w.SlotsFree++
	}
	s.mu.Unlock()
	s.signal()
}

// Submit applies the admission policy (spec.md §4.5) to a newly matched
// (event, trigger) pair and, if admitted, enqueues the invocation.
func (s *Scheduler) Submit(ctx context.Context, ev event.Event, trig trigger.Trigger) (invocation.Invocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	artifact, err := s.resolve.Resolve(ctx, trig.FunctionRef.Tenant, trig.FunctionRef.Name, trig.FunctionRef.Version)
	if err != nil {
		return invocation.Invocation{}, fmt.Errorf("%w: %v", platform.ErrFunctionDisabled, err)
	}
	if !trig.Enabled {
		return invocation.Invocation{}, platform.ErrFunctionDisabled
	}

	tenant := trig.FunctionRef.Tenant
	isHTTP := trig.Spec.Kind == trigger.KindHTTP

	overCap := false
	if s.tenantInflight[tenant] >= s.cfg.TenantInflightCap {
		if !isHTTP {
			return invocation.Invocation{}, platform.ErrQuotaExceeded
		}
		if s.httpBackpressure[tenant] >= s.cfg.HTTPBackpressureCap {
			return invocation.Invocation{}, platform.ErrOverloaded
		}
		overCap = true
	}

	if s.pending.Len() >= s.cfg.GlobalPendingCap {
		return invocation.Invocation{}, platform.ErrOverloaded
	}

	now := time.Now().UTC()
	inv := invocation.Invocation{
		ID:             ev.ID + ":" + trig.ID,
		FunctionID:     artifact.ID,
		Tenant:         tenant,
		TriggerID:      trig.ID,
		EventID:        ev.ID,
		State:          invocation.StateAdmitted,
		AdmittedAt:     now,
		Attempt:        1,
		Deadline:       now.Add(time.Duration(artifact.Limits.WallMS) * time.Millisecond),
		TriggerType:    string(trig.Spec.Kind),
		TriggerSource:  ev.Source,
		EventPayload:   ev.Payload,
		EventTimestamp: ev.Timestamp,
		IdempotencyKey: ev.IdempotencyKey,
	}

	// overCap is only committed to the counter once admission fully
	// succeeds, so a later rejection (global pending cap) never leaks the
	// per-tenant backpressure slot; it is released again in Complete once
	// this invocation reaches a terminal state.
	if overCap {
		s.httpBackpressure[tenant]++
		s.overCap[inv.ID] = tenant
	}

	s.tenantInflight[tenant]++
	s.invocations[inv.ID] = &inv
	s.artifacts[inv.ID] = artifact
	s.triggersOf[inv.ID] = trig
	item := &queued{inv: inv, trig: trig, artifact: artifact, admittedAt: now}

	if trig.Serialize {
		if runningID, busy := s.triggerRunning[trig.ID]; busy && runningID != "" {
			q, ok := s.triggerHeld[trig.ID]
			if !ok {
				q = list.New()
				s.triggerHeld[trig.ID] = q
			}
			q.PushBack(item)
			s.recordLocked(ctx, inv)
			return inv, nil
		}
	}

	s.pending.PushBack(item)
	s.recordLocked(ctx, inv)
	s.signalUnlocked()
	return inv, nil
}

func (s *Scheduler) signalUnlocked() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) recordLocked(ctx context.Context, inv invocation.Invocation) {
	if s.record != nil {
		s.record.RecordTransition(ctx, inv)
	}
}

// Start launches the dispatch loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.dispatchOnce(runCtx)
				s.checkHeartbeats(runCtx)
				s.checkSerializeTimeouts(runCtx)
			case <-s.wake:
				s.dispatchOnce(runCtx)
			}
		}
	}()
}

// Stop halts the dispatch loop.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.running = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() { defer close(done); s.wg.Wait() }()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// dispatchOnce picks, for each available worker, the pending invocation
// with earliest admitted_at whose tenant currently has the fewest
// Running invocations (spec.md §4.5 "Dispatch policy").
func (s *Scheduler) dispatchOnce(ctx context.Context) {
	for {
		s.mu.Lock()
		item, worker, ok := s.pickLocked()
		if !ok {
			s.mu.Unlock()
			return
		}
		worker.SlotsFree--
		s.tenantRunning[item.inv.Tenant]++
		if item.trig.Serialize {
			s.triggerRunning[item.trig.ID] = item.inv.ID
		}
		item.inv.State = invocation.StateRunning
		item.inv.StartedAt = time.Now().UTC()
		item.inv.WorkerID = worker.ID
		s.invocations[item.inv.ID] = &item.inv
		dispatcher := s.dispatcher
		s.recordLocked(ctx, item.inv)
		metrics.SetQueueDepth("pending", s.pending.Len())
		s.mu.Unlock()

		if dispatcher == nil {
			continue
		}
		if err := dispatcher.Dispatch(ctx, worker.ID, item.inv, item.artifact); err != nil {
			s.log.WithField("invocation", item.inv.ID).WithField("error", err.Error()).Warn("dispatch failed, treating worker as lost")
			s.Complete(ctx, item.inv.ID, nil, platform.ErrWorkerLost)
		}
	}
}

// pickLocked must be called with s.mu held.
func (s *Scheduler) pickLocked() (*queued, *WorkerState, bool) {
	if s.pending.Len() == 0 {
		return nil, nil, false
	}

	// Fairness tie-break: the tenant with fewest currently-Running
	// invocations goes first; ties broken by earliest admitted_at
	// (spec.md §4.5 "Dispatch policy").
	var best *list.Element
	bestRunning := -1
	for e := s.pending.Front(); e != nil; e = e.Next() {
		q := e.Value.(*queued)
		running := s.tenantRunning[q.inv.Tenant]
		if best == nil {
			best, bestRunning = e, running
			continue
		}
		bq := best.Value.(*queued)
		if running < bestRunning || (running == bestRunning && q.admittedAt.Before(bq.admittedAt)) {
			best, bestRunning = e, running
		}
	}
	q := best.Value.(*queued)

	for _, w := range s.workers {
		if w.SlotsFree > 0 && w.Healthy {
			if _, needs := w.Runtimes[q.artifact.Runtime]; len(w.Runtimes) > 0 && !needs {
				continue
			}
			s.pending.Remove(best)
			return q, w, true
		}
	}
	return nil, nil, false
}

// checkHeartbeats marks workers Unhealthy once they exceed the heartbeat
// timeout, so dispatch stops offering them new work.
func (s *Scheduler) checkHeartbeats(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, w := range s.workers {
		if now.Sub(w.LastHeartbeat) > s.cfg.HeartbeatTimeout {
			w.Healthy = false
		}
	}
}

// checkSerializeTimeouts converts held invocations waiting longer than
// T_serialize_max into TimedOut (spec.md §4.5).
func (s *Scheduler) checkSerializeTimeouts(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for triggerID, q := range s.triggerHeld {
		var next *list.Element
		for e := q.Front(); e != nil; e = next {
			next = e.Next()
			item := e.Value.(*queued)
			maxWait := time.Duration(float64(item.artifact.Limits.WallMS) * s.cfg.SerializeMaxMultiple) * time.Millisecond
			if maxWait > 0 && now.Sub(item.admittedAt) > maxWait {
				q.Remove(e)
				item.inv.State = invocation.StateTimedOut
				item.inv.EndedAt = now
				item.inv.Error = platform.ErrTimedOut.Error()
				s.invocations[item.inv.ID] = &item.inv
				s.tenantInflight[item.inv.Tenant]--
				if capTenant, ok := s.overCap[item.inv.ID]; ok {
					s.httpBackpressure[capTenant]--
					if s.httpBackpressure[capTenant] < 0 {
						s.httpBackpressure[capTenant] = 0
					}
					delete(s.overCap, item.inv.ID)
				}
				delete(s.triggersOf, item.inv.ID)
				s.recordLocked(context.Background(), item.inv)
				s.log.WithField("invocation", item.inv.ID).WithField("trigger", triggerID).Warn("serialized invocation timed out while held")
			}
		}
	}
}

// Cancel sets the cancellation flag for an invocation; the Worker picks it
// up on its next cancellation-token check (spec.md §4.5 "Cancellation").
func (s *Scheduler) Cancel(ctx context.Context, invocationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invocations[invocationID]
	if !ok {
		return platform.ErrNotFound
	}
	if inv.State.Terminal() {
		return nil
	}
	s.cancelled[invocationID] = true
	return nil
}

// Cancelled reports whether a cancel has been requested for invocationID.
func (s *Scheduler) Cancelled(invocationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled[invocationID]
}

// Complete records an invocation's terminal or retryable outcome, called
// by the Worker when a Run returns. Transient errors (worker loss,
// explicit RetryableError) are retried up to the configured max attempts
// with exponential backoff; all other failures are terminal.
func (s *Scheduler) Complete(ctx context.Context, invocationID string, result map[string]any, runErr error) {
	s.mu.Lock()

	inv, ok := s.invocations[invocationID]
	if !ok {
		s.mu.Unlock()
		return
	}

	tenant := inv.Tenant
	s.tenantRunning[tenant]--
	if s.tenantRunning[tenant] < 0 {
		s.tenantRunning[tenant] = 0
	}

	var triggerID string
	for tid, id := range s.triggerRunning {
		if id == invocationID {
			triggerID = tid
			break
		}
	}

	now := time.Now().UTC()
	runDuration := now.Sub(inv.StartedAt)

	switch {
	case runErr == nil:
		inv.State = invocation.StateSucceeded
		inv.Result = result
		inv.EndedAt = now
		metrics.RecordInvocation(inv.FunctionID, tenant, "succeeded", runDuration)

	case s.cancelled[invocationID]:
		inv.State = invocation.StateCancelled
		inv.Error = runErr.Error()
		inv.EndedAt = now
		metrics.RecordInvocation(inv.FunctionID, tenant, "cancelled", runDuration)

	case platform.IsTransient(runErr) && s.attempts[invocationID] < maxAttempts(s.cfg.Retry):
		s.attempts[invocationID]++
		inv.Attempt++
		inv.State = invocation.StateAdmitted
		inv.StartedAt = time.Time{}
		attempt := int(inv.Attempt)
		delay := s.cfg.Retry.Backoff(attempt - 1)
		item := &queued{inv: *inv, trig: s.triggersOf[invocationID], artifact: s.artifacts[invocationID], admittedAt: now}
		// A serialized trigger's slot is NOT released here: this
		// invocation is still the occupant, only retrying, so
		// triggerRunning keeps pointing at it (dispatchOnce will
		// reassign the same id once the retry is redispatched) and
		// advanceSerializeQueue must not promote a held invocation
		// into what would otherwise look like a free slot — doing so
		// would let the retry and the promoted invocation dispatch
		// concurrently for an at-most-one-concurrent trigger.
		s.mu.Unlock()
		go func() {
			_ = retry.Sleep(ctx, delay)
			s.mu.Lock()
			s.pending.PushBack(item)
			s.mu.Unlock()
			s.signal()
		}()
		metrics.RecordInvocation(inv.FunctionID, tenant, "retrying", runDuration)
		return

	default:
		inv.State = invocation.StateFailed
		inv.Error = runErr.Error()
		inv.EndedAt = now
		metrics.RecordInvocation(inv.FunctionID, tenant, "failed", runDuration)
	}

	s.tenantInflight[tenant]--
	if s.tenantInflight[tenant] < 0 {
		s.tenantInflight[tenant] = 0
	}
	if capTenant, ok := s.overCap[invocationID]; ok {
		s.httpBackpressure[capTenant]--
		if s.httpBackpressure[capTenant] < 0 {
			s.httpBackpressure[capTenant] = 0
		}
		delete(s.overCap, invocationID)
	}
	delete(s.cancelled, invocationID)
	delete(s.triggersOf, invocationID)
	s.recordLocked(ctx, *inv)

	if triggerID != "" {
		delete(s.triggerRunning, triggerID)
	}
	s.mu.Unlock()

	s.advanceSerializeQueue(ctx, triggerID)
	s.signal()
}

func maxAttempts(p retry.Policy) int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// advanceSerializeQueue promotes the next held invocation for
// triggerID (if any) onto the pending queue now that the in-flight one
// finished.
func (s *Scheduler) advanceSerializeQueue(ctx context.Context, triggerID string) {
	if triggerID == "" {
		return
	}
	s.mu.Lock()
	q, ok := s.triggerHeld[triggerID]
	if !ok || q.Len() == 0 {
		s.mu.Unlock()
		return
	}
	front := q.Remove(q.Front()).(*queued)
	s.pending.PushBack(front)
	s.mu.Unlock()
	s.signal()
}

// Invocation returns a snapshot of an invocation's current record.
func (s *Scheduler) Invocation(id string) (invocation.Invocation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invocations[id]
	if !ok {
		return invocation.Invocation{}, false
	}
	return *inv, true
}
