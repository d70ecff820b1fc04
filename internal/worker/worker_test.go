package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/faas-platform/internal/domain/function"
	"github.com/r3e-network/faas-platform/internal/domain/invocation"
	"github.com/r3e-network/faas-platform/internal/platform"
)

type fakeScheduler struct {
	mu         sync.Mutex
	registered bool
	slots      int
	heartbeats int
	completed  []string
	results    []map[string]any
	errs       []error
	cancelled  map[string]bool
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{cancelled: map[string]bool{}}
}

func (f *fakeScheduler) RegisterWorker(id string, slots int, runtimes []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = true
	f.slots = slots
}

func (f *fakeScheduler) Heartbeat(id string, slotsFree int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
}

func (f *fakeScheduler) ReleaseSlot(id string) {}

func (f *fakeScheduler) Complete(ctx context.Context, invocationID string, result map[string]any, runErr error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, invocationID)
	f.results = append(f.results, result)
	f.errs = append(f.errs, runErr)
}

func (f *fakeScheduler) Cancelled(invocationID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled[invocationID]
}

type fakeBridge struct{}

func (fakeBridge) Dispatch(ctx context.Context, artifact function.Artifact, op string, args map[string]any) (map[string]any, error) {
	return map[string]any{}, nil
}

func testArtifact(source string) function.Artifact {
	return function.Artifact{
		ID:      "fn1",
		Tenant:  "t1",
		Name:    "hello",
		Source:  []byte(source),
		Runtime: "js",
		Limits:  function.ResourceLimits{WallMS: 1000},
	}
}

func TestStartRegistersWithScheduler(t *testing.T) {
	sched := newFakeScheduler()
	pool := New(Config{ID: "w1", Slots: 2, HeartbeatEvery: 5 * time.Millisecond}, sched, fakeBridge{}, nil)

	pool.Start(context.Background())
	defer pool.Stop()

	assert.True(t, sched.registered)
	assert.Equal(t, 2, sched.slots)

	require.Eventually(t, func() bool {
		sched.mu.Lock()
		defer sched.mu.Unlock()
		return sched.heartbeats > 0
	}, time.Second, time.Millisecond)
}

func TestDispatchRunsSandboxAndReportsCompletion(t *testing.T) {
	sched := newFakeScheduler()
	pool := New(Config{ID: "w1", Slots: 1}, sched, fakeBridge{}, nil)

	inv := invocation.Invocation{ID: "inv1", Tenant: "t1"}
	art := testArtifact(`function(params) { return { ok: true }; }`)

	err := pool.Dispatch(context.Background(), "w1", inv, art)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		sched.mu.Lock()
		defer sched.mu.Unlock()
		return len(sched.completed) == 1
	}, time.Second, time.Millisecond)

	assert.Equal(t, "inv1", sched.completed[0])
	assert.Nil(t, sched.errs[0])
	assert.Equal(t, true, sched.results[0]["ok"])
}

func TestDispatchRejectsWrongWorkerID(t *testing.T) {
	sched := newFakeScheduler()
	pool := New(Config{ID: "w1", Slots: 1}, sched, fakeBridge{}, nil)

	err := pool.Dispatch(context.Background(), "w2", invocation.Invocation{ID: "inv1"}, testArtifact("function(){}"))
	assert.ErrorIs(t, err, platform.ErrWorkerLost)
}

func TestDispatchRejectsWhenNoSlotsFree(t *testing.T) {
	sched := newFakeScheduler()
	pool := New(Config{ID: "w1", Slots: 1}, sched, fakeBridge{}, nil)
	pool.slotsFree = 0

	err := pool.Dispatch(context.Background(), "w1", invocation.Invocation{ID: "inv1"}, testArtifact("function(){}"))
	assert.ErrorIs(t, err, platform.ErrWorkerLost)
}

func TestExecuteReportsCancelledWhenMarkedByScheduler(t *testing.T) {
	sched := newFakeScheduler()
	sched.cancelled["inv1"] = true
	pool := New(Config{ID: "w1", Slots: 1}, sched, fakeBridge{}, nil)

	inv := invocation.Invocation{ID: "inv1"}
	art := testArtifact(`function(params) { return {}; }`)
	require.NoError(t, pool.Dispatch(context.Background(), "w1", inv, art))

	require.Eventually(t, func() bool {
		sched.mu.Lock()
		defer sched.mu.Unlock()
		return len(sched.completed) == 1
	}, time.Second, time.Millisecond)

	assert.ErrorIs(t, sched.errs[0], platform.ErrCancelled)
}
