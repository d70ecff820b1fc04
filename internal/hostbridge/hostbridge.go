// Package hostbridge implements the Host Capability Bridge (C8, spec.md
// §4.8): a typed r3e.<subtree> operation registry gated by a function's
// declared permissions, rate-limited per invocation, and recorded to the
// Run Log.
//
// The registry-of-dispatchers shape is spec.md §9's own prescribed design
// ("capability name → dispatcher function with typed in/out"), grounded in
// the teacher's devpack action pattern in
// _examples/r3e-network-service_layer/internal/services/functions/tee_executor.go
// (collectDevpackActions/decodeAction), generalized from a single fixed
// Devpack object into an open per-subtree registry so additional providers
// (oracle, chain RPC, secrets, storage, TEE/ZK/FHE) can register without
// touching the dispatch pipeline.
package hostbridge

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/r3e-network/faas-platform/internal/domain/function"
	"github.com/r3e-network/faas-platform/internal/platform"
	"github.com/r3e-network/faas-platform/pkg/logger"
	"github.com/r3e-network/faas-platform/pkg/metrics"
)

// Handler implements one host operation. args/out are JSON-shaped maps; the
// Bridge itself handles capability checks and rate limiting, so a Handler
// only needs to do its domain work.
type Handler func(ctx context.Context, artifact function.Artifact, args map[string]any) (map[string]any, error)

// Op is one declared operation on the r3e.<subtree> surface (spec.md §4.8).
type Op struct {
	Name                string // e.g. "secrets.get"
	RequiredCapability  function.Capability
	Cost                float64 // consumed from the per-invocation token bucket
	MaySuspend          bool    // true for network/RPC/crypto calls
	Handler             Handler
}

// Recorder persists one host-op call for the Run Log (spec.md §4.9). It is
// satisfied by internal/runlog.Store; nil is accepted for tests.
type Recorder interface {
	RecordHostOp(ctx context.Context, invocationID, op string, cost float64, duration time.Duration, outcome string)
}

// Bridge is the dispatch pipeline shared by every Sandbox instance. It is
// safe for concurrent use across sandboxes running on different goroutines.
type Bridge struct {
	ops      map[string]Op
	limiters *lru.Cache[string, *rate.Limiter]
	recorder Recorder
	log      *logger.Logger
}

// New builds a Bridge with an empty op registry; call Register to add
// providers before first use.
func New(recorder Recorder, log *logger.Logger) *Bridge {
	limiters, err := lru.New[string, *rate.Limiter](4096)
	if err != nil {
		// Only fails for a non-positive size, which New never passes.
		panic(err)
	}
	return &Bridge{ops: map[string]Op{}, limiters: limiters, recorder: recorder, log: log}
}

// Register adds an Op to the surface. Call during process startup, before
// any Sandbox dispatches against this Bridge.
func (b *Bridge) Register(op Op) {
	b.ops[op.Name] = op
}

// invocationIDKey is the context key Dispatch looks up to tag Run Log
// entries; the Worker sets it before calling Sandbox.Run.
type invocationIDKeyType struct{}

var invocationIDKey = invocationIDKeyType{}

// WithInvocationID returns a context carrying the invocation ID for Run Log
// attribution.
func WithInvocationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, invocationIDKey, id)
}

// Dispatch implements sandbox.HostBridge. It runs the capability check →
// rate-limit consume → dispatch → Run Log record pipeline spec.md §4.8
// requires, in that order, and never leaks an internal error string to the
// guest — only the stable code set in sandbox.guestError.
func (b *Bridge) Dispatch(ctx context.Context, artifact function.Artifact, opName string, args map[string]any) (map[string]any, error) {
	started := time.Now()
	outcome := "error"
	var cost float64
	invID, _ := ctx.Value(invocationIDKey).(string)
	defer func() {
		metrics.RecordHostOp(opName, outcome)
		if b.recorder != nil {
			b.recorder.RecordHostOp(ctx, invID, opName, cost, time.Since(started), outcome)
		}
	}()

	op, ok := b.ops[opName]
	if !ok {
		return nil, fmt.Errorf("%w: unknown op %q", platform.ErrProviderUnavailable, opName)
	}
	cost = op.Cost
	if !artifact.HasCapability(op.RequiredCapability) {
		return nil, fmt.Errorf("%w: %s requires %s", platform.ErrPermissionDenied, op.Name, op.RequiredCapability)
	}

	limiter := b.limiterFor(invID, artifact, op)
	if !limiter.AllowN(started, int(op.Cost)) {
		return nil, fmt.Errorf("%w: %s", platform.ErrRateLimited, op.Name)
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if op.MaySuspend {
		callCtx, cancel = context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
	}

	result, err := op.Handler(callCtx, artifact, args)
	if err != nil {
		if b.log != nil {
			b.log.WithField("op", opName).WithError(err).Debug("host op failed")
		}
		return nil, err
	}
	outcome = "ok"
	return result, nil
}

// limiterFor returns the per-invocation token bucket, lazily created and
// cached under a key scoped to this invocation so the budget in spec.md
// §4.8/§4.9 ("sum(op_cost) ≤ max_ops_per_sec × wall_ms/1000 + burst") is
// charged against one invocation's own calls, not shared across concurrent
// invocations of the same function. Invocations with no invID attached (e.g.
// tests dispatching without hostbridge.WithInvocationID) fall back to a
// per-artifact bucket so the cache doesn't grow unbounded for callers that
// never set one.
func (b *Bridge) limiterFor(invID string, artifact function.Artifact, op Op) *rate.Limiter {
	key := artifact.ID
	if invID != "" {
		key = artifact.ID + "/" + invID
	}
	if l, ok := b.limiters.Get(key); ok {
		return l
	}
	perSec := artifact.Limits.MaxOpsPerSec
	if perSec <= 0 {
		perSec = 10
	}
	burst := int(perSec)
	if burst < 1 {
		burst = 1
	}
	l := rate.NewLimiter(rate.Limit(perSec), burst)
	b.limiters.Add(key, l)
	return l
}
