package ingress

import (
	"context"
	"sync"
	"time"

	"github.com/r3e-network/faas-platform/internal/domain/event"
	"github.com/r3e-network/faas-platform/internal/domain/invocation"
	"github.com/r3e-network/faas-platform/internal/domain/trigger"
)

// fakeIndex and fakeScheduler let http_test.go and cron_test.go exercise
// Ingress without a live triggerindex.Index or scheduler.Scheduler.

type fakeIndex struct {
	triggers map[string]trigger.Trigger
	matchIDs []string
	tickIDs  []string
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{triggers: map[string]trigger.Trigger{}}
}

func (f *fakeIndex) add(t trigger.Trigger) { f.triggers[t.ID] = t }

func (f *fakeIndex) MatchHTTP(method, path string) []string { return f.matchIDs }

func (f *fakeIndex) MatchEvent(chain, kind string, payload map[string]any) ([]string, error) {
	return f.matchIDs, nil
}

func (f *fakeIndex) Tick(now time.Time) []string { return f.tickIDs }

func (f *fakeIndex) Trigger(id string) (trigger.Trigger, bool) {
	t, ok := f.triggers[id]
	return t, ok
}

type fakeScheduler struct {
	mu          sync.Mutex
	submitted   []event.Event
	submitErr   error
	nextResult  invocation.Invocation
	invocations map[string]invocation.Invocation
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{invocations: map[string]invocation.Invocation{}}
}

func (f *fakeScheduler) Submit(ctx context.Context, ev event.Event, trig trigger.Trigger) (invocation.Invocation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, ev)
	if f.submitErr != nil {
		return invocation.Invocation{}, f.submitErr
	}
	inv := f.nextResult
	if inv.ID == "" {
		inv.ID = ev.ID
	}
	f.invocations[inv.ID] = inv
	return inv, nil
}

func (f *fakeScheduler) Invocation(id string) (invocation.Invocation, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.invocations[id]
	return inv, ok
}

func (f *fakeScheduler) setTerminal(inv invocation.Invocation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invocations[inv.ID] = inv
}
