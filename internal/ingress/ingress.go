// Package ingress implements Event Ingress (C4, spec.md §4.4): the three
// front doors — HTTP, Cron, and Chain — that turn an external stimulus into
// a normalized Event and hand it to the Scheduler alongside its matched
// Trigger. Each sub-collaborator owns its own transport and lifecycle;
// cmd/faasd wires them against a shared Scheduler and Trigger Index.
package ingress

import (
	"context"
	"time"

	"github.com/r3e-network/faas-platform/internal/domain/event"
	"github.com/r3e-network/faas-platform/internal/domain/invocation"
	"github.com/r3e-network/faas-platform/internal/domain/trigger"
)

// Scheduler is the subset of *scheduler.Scheduler Ingress depends on:
// submit a matched (event, trigger) pair for admission, and poll an
// invocation already submitted for its current state.
type Scheduler interface {
	Submit(ctx context.Context, ev event.Event, trig trigger.Trigger) (invocation.Invocation, error)
	Invocation(id string) (invocation.Invocation, bool)
}

// TriggerIndex is the subset of *triggerindex.Index each front door
// matches against.
type TriggerIndex interface {
	MatchHTTP(method, path string) []string
	MatchEvent(chain, kind string, payload map[string]any) ([]string, error)
	Tick(now time.Time) []string
	Trigger(id string) (trigger.Trigger, bool)
}
