package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/faas-platform/internal/domain/event"
	"github.com/r3e-network/faas-platform/internal/domain/function"
	"github.com/r3e-network/faas-platform/internal/domain/invocation"
	"github.com/r3e-network/faas-platform/internal/domain/trigger"
	"github.com/r3e-network/faas-platform/internal/platform"
	"github.com/r3e-network/faas-platform/internal/retry"
	"github.com/r3e-network/faas-platform/pkg/logger"
)

type fakeResolver struct {
	enabled bool
}

func (f fakeResolver) Resolve(ctx context.Context, tenant, name, version string) (function.Artifact, error) {
	if !f.enabled {
		return function.Artifact{}, platform.ErrNotFound
	}
	return function.Artifact{
		ID:      tenant + "/" + name + "@" + version,
		Tenant:  tenant,
		Name:    name,
		Version: version,
		Runtime: "js",
		Limits:  function.ResourceLimits{WallMS: 1000},
	}, nil
}

type dispatchCall struct {
	workerID string
	inv      invocation.Invocation
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []dispatchCall
	err   error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, workerID string, inv invocation.Invocation, artifact function.Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dispatchCall{workerID: workerID, inv: inv})
	return f.err
}

func (f *fakeDispatcher) calledCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testConfig() Config {
	return Config{
		TenantInflightCap:    2,
		GlobalPendingCap:     10,
		HTTPBackpressureCap:  2,
		HeartbeatTimeout:     5 * time.Second,
		CancelGrace:          time.Second,
		SerializeMaxMultiple: 5,
		Retry:                retry.DefaultPolicy,
	}
}

func httpTriggerFor(tenant, name string) trigger.Trigger {
	return trigger.Trigger{
		ID:      "trig-" + name,
		Enabled: true,
		Spec:    trigger.Spec{Kind: trigger.KindHTTP, Path: "/x", Methods: []string{"POST"}},
		FunctionRef: trigger.FunctionRef{Tenant: tenant, Name: name, Version: "active"},
	}
}

func newTestScheduler(resolver FunctionResolver) *Scheduler {
	return New(testConfig(), resolver, nil, logger.NewDefault("test"))
}

func TestSubmitAdmitsInvocation(t *testing.T) {
	s := newTestScheduler(fakeResolver{enabled: true})
	inv, err := s.Submit(context.Background(), event.Event{ID: "ev1"}, httpTriggerFor("t1", "hello"))
	require.NoError(t, err)
	assert.Equal(t, invocation.StateAdmitted, inv.State)
	assert.Equal(t, 1, s.pending.Len())
}

func TestSubmitRejectsDisabledTrigger(t *testing.T) {
	s := newTestScheduler(fakeResolver{enabled: true})
	trig := httpTriggerFor("t1", "hello")
	trig.Enabled = false
	_, err := s.Submit(context.Background(), event.Event{ID: "ev1"}, trig)
	assert.ErrorIs(t, err, platform.ErrFunctionDisabled)
}

func TestSubmitNonHTTPRejectsAtTenantCap(t *testing.T) {
	s := newTestScheduler(fakeResolver{enabled: true})
	cronTrig := trigger.Trigger{
		ID: "cron1", Enabled: true,
		Spec:        trigger.Spec{Kind: trigger.KindCron, CronExpr: "* * * * *"},
		FunctionRef: trigger.FunctionRef{Tenant: "t1", Name: "hello", Version: "active"},
	}
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := s.Submit(ctx, event.Event{ID: "ev"}, cronTrig)
		require.NoError(t, err)
	}
	_, err := s.Submit(ctx, event.Event{ID: "ev3"}, cronTrig)
	assert.ErrorIs(t, err, platform.ErrQuotaExceeded)
}

func TestSubmitHTTPBackpressureInsteadOfQuotaExceeded(t *testing.T) {
	s := newTestScheduler(fakeResolver{enabled: true})
	trig := httpTriggerFor("t1", "hello")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := s.Submit(ctx, event.Event{ID: "ev"}, trig)
		require.NoError(t, err)
	}
	// Tenant is now at cap; HTTP triggers get bounded backpressure instead
	// of an immediate QuotaExceeded.
	for i := 0; i < 2; i++ {
		_, err := s.Submit(ctx, event.Event{ID: "ev-bp"}, trig)
		require.NoError(t, err)
	}
	_, err := s.Submit(ctx, event.Event{ID: "ev-over"}, trig)
	assert.ErrorIs(t, err, platform.ErrOverloaded)
}

func TestCompleteReleasesHTTPBackpressureSlot(t *testing.T) {
	s := newTestScheduler(fakeResolver{enabled: true})
	trig := httpTriggerFor("t1", "hello")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := s.Submit(ctx, event.Event{ID: fmt.Sprintf("ev-base-%d", i)}, trig)
		require.NoError(t, err)
	}
	var admitted []invocation.Invocation
	for i := 0; i < 2; i++ {
		inv, err := s.Submit(ctx, event.Event{ID: fmt.Sprintf("ev-bp-%d", i)}, trig)
		require.NoError(t, err)
		admitted = append(admitted, inv)
	}

	_, err := s.Submit(ctx, event.Event{ID: "ev-over"}, trig)
	assert.ErrorIs(t, err, platform.ErrOverloaded, "backpressure cap should be exhausted")

	// Completing one of the over-cap invocations must free its
	// httpBackpressure slot, not leave the counter stuck at the cap.
	s.Complete(ctx, admitted[0].ID, map[string]any{}, nil)

	_, err = s.Submit(ctx, event.Event{ID: "ev-after-complete"}, trig)
	assert.NoError(t, err, "freed backpressure slot should allow a new admission")
}

func TestDispatchOncePicksFewestRunningTenantFirst(t *testing.T) {
	s := newTestScheduler(fakeResolver{enabled: true})
	d := &fakeDispatcher{}
	s.SetDispatcher(d)
	ctx := context.Background()

	s.RegisterWorker("w1", 2, nil)

	// t1 already has one Running invocation; t2 has none, so t2's pending
	// invocation should be picked first even though t1's was admitted
	// earlier.
	_, err := s.Submit(ctx, event.Event{ID: "ev-t1"}, httpTriggerFor("t1", "hello"))
	require.NoError(t, err)
	s.tenantRunning["t1"] = 1

	_, err = s.Submit(ctx, event.Event{ID: "ev-t2"}, httpTriggerFor("t2", "hello"))
	require.NoError(t, err)

	s.dispatchOnce(ctx)
	s.dispatchOnce(ctx)

	require.Len(t, d.calls, 2)
	assert.Equal(t, "t2", d.calls[0].inv.Tenant)
}

func TestCompleteSuccessClearsTenantInflight(t *testing.T) {
	s := newTestScheduler(fakeResolver{enabled: true})
	d := &fakeDispatcher{}
	s.SetDispatcher(d)
	ctx := context.Background()

	s.RegisterWorker("w1", 1, nil)
	inv, err := s.Submit(ctx, event.Event{ID: "ev1"}, httpTriggerFor("t1", "hello"))
	require.NoError(t, err)

	s.dispatchOnce(ctx)
	require.Len(t, d.calls, 1)

	s.Complete(ctx, inv.ID, map[string]any{"ok": true}, nil)

	got, ok := s.Invocation(inv.ID)
	require.True(t, ok)
	assert.Equal(t, invocation.StateSucceeded, got.State)
	assert.Equal(t, 0, s.tenantInflight["t1"])
}

func TestCompleteRetriesTransientError(t *testing.T) {
	s := newTestScheduler(fakeResolver{enabled: true})
	s.cfg.Retry = retry.Policy{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1}
	d := &fakeDispatcher{}
	s.SetDispatcher(d)
	ctx := context.Background()
	s.RegisterWorker("w1", 1, nil)

	inv, err := s.Submit(ctx, event.Event{ID: "ev1"}, httpTriggerFor("t1", "hello"))
	require.NoError(t, err)
	s.dispatchOnce(ctx)

	s.Complete(ctx, inv.ID, nil, platform.ErrWorkerLost)

	// Retry re-enqueues asynchronously after backoff; wait for it to land
	// back on the pending queue.
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.pending.Len() == 1
	}, time.Second, time.Millisecond)

	got, ok := s.Invocation(inv.ID)
	require.True(t, ok)
	assert.Equal(t, invocation.StateAdmitted, got.State)
	assert.Equal(t, uint32(2), got.Attempt)
}

func TestCancelMarksFlagForComplete(t *testing.T) {
	s := newTestScheduler(fakeResolver{enabled: true})
	d := &fakeDispatcher{}
	s.SetDispatcher(d)
	ctx := context.Background()
	s.RegisterWorker("w1", 1, nil)

	inv, err := s.Submit(ctx, event.Event{ID: "ev1"}, httpTriggerFor("t1", "hello"))
	require.NoError(t, err)
	s.dispatchOnce(ctx)

	require.NoError(t, s.Cancel(ctx, inv.ID))
	assert.True(t, s.Cancelled(inv.ID))

	s.Complete(ctx, inv.ID, nil, platform.ErrCancelled)

	got, ok := s.Invocation(inv.ID)
	require.True(t, ok)
	assert.Equal(t, invocation.StateCancelled, got.State)
}

func TestSerializeTriggerHoldsSecondInvocationUntilFirstCompletes(t *testing.T) {
	s := newTestScheduler(fakeResolver{enabled: true})
	d := &fakeDispatcher{}
	s.SetDispatcher(d)
	ctx := context.Background()
	s.RegisterWorker("w1", 2, nil)

	trig := httpTriggerFor("t1", "hello")
	trig.Serialize = true

	first, err := s.Submit(ctx, event.Event{ID: "ev1"}, trig)
	require.NoError(t, err)
	s.dispatchOnce(ctx)
	require.Len(t, d.calls, 1)

	// Second invocation for the same serialized trigger is held, not
	// queued for immediate dispatch.
	_, err = s.Submit(ctx, event.Event{ID: "ev2"}, trig)
	require.NoError(t, err)
	assert.Equal(t, 0, s.pending.Len())
	assert.Equal(t, 1, s.triggerHeld[trig.ID].Len())

	s.Complete(ctx, first.ID, map[string]any{}, nil)

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.pending.Len() == 1
	}, time.Second, time.Millisecond)
}

type fakeWorkerMirror struct {
	mu        sync.Mutex
	published []WorkerState
}

func (f *fakeWorkerMirror) Publish(ctx context.Context, w WorkerState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, w)
	return nil
}

func TestRetriedSerializedInvocationKeepsTriggerSlotOccupied(t *testing.T) {
	s := newTestScheduler(fakeResolver{enabled: true})
	s.cfg.Retry = retry.Policy{MaxAttempts: 2, InitialBackoff: 10 * time.Millisecond, MaxBackoff: 10 * time.Millisecond, Multiplier: 1}
	d := &fakeDispatcher{}
	s.SetDispatcher(d)
	ctx := context.Background()
	s.RegisterWorker("w1", 1, nil)

	trig := httpTriggerFor("t1", "hello")
	trig.Serialize = true

	first, err := s.Submit(ctx, event.Event{ID: "ev1"}, trig)
	require.NoError(t, err)
	s.dispatchOnce(ctx)
	require.Equal(t, first.ID, s.triggerRunning[trig.ID])

	second, err := s.Submit(ctx, event.Event{ID: "ev2"}, trig)
	require.NoError(t, err)
	require.Equal(t, 1, s.triggerHeld[trig.ID].Len())

	s.Complete(ctx, first.ID, nil, platform.ErrWorkerLost)

	// While the retry is in its backoff sleep, the second (held)
	// invocation must stay held — not promoted to pending — so the two
	// never dispatch concurrently for an at-most-one-concurrent trigger.
	s.mu.Lock()
	stillHeld := s.triggerHeld[trig.ID].Len() == 1
	pendingDuringBackoff := s.pending.Len()
	s.mu.Unlock()
	assert.True(t, stillHeld)
	assert.Equal(t, 0, pendingDuringBackoff)

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.pending.Len() == 1
	}, time.Second, time.Millisecond)

	s.mu.Lock()
	onlyRetryPending := s.pending.Front().Value.(*queued).inv.ID == first.ID
	stillOneHeld := s.triggerHeld[trig.ID].Len() == 1
	s.mu.Unlock()
	assert.True(t, onlyRetryPending, "only the retried invocation should be pending, not the held one")
	assert.True(t, stillOneHeld)

	_ = second
}

func TestRegisterWorkerPublishesToMirror(t *testing.T) {
	s := newTestScheduler(fakeResolver{enabled: true})
	mirror := &fakeWorkerMirror{}
	s.SetWorkerMirror(mirror)

	s.RegisterWorker("w1", 3, []string{"js"})

	require.Eventually(t, func() bool {
		mirror.mu.Lock()
		defer mirror.mu.Unlock()
		return len(mirror.published) == 1
	}, time.Second, time.Millisecond)

	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	assert.Equal(t, "w1", mirror.published[0].ID)
	assert.Equal(t, 3, mirror.published[0].SlotsFree)
}
