// Package sandbox implements the per-invocation JS execution isolate
// (spec.md §4.7). Each Run call gets a fresh goja.Runtime — never reused
// across invocations — wired with a console shim, a host-op bridge bound to
// the artifact's declared capabilities, and watchdogs enforcing wall time,
// approximate CPU time, and heap usage.
//
// The goja.New/console-shim/cancellation-goroutine/promise-resolution/
// error-classification patterns here are adapted directly from
// _examples/r3e-network-service_layer/internal/services/functions/tee_executor.go,
// generalized from the teacher's fixed Devpack global to an arbitrary
// per-artifact set of r3e.* host-bridge subtrees.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"

	"github.com/r3e-network/faas-platform/internal/domain/function"
	"github.com/r3e-network/faas-platform/internal/platform"
)

// State is a node in the Sandbox lifecycle state machine (spec.md §4.7).
type State string

const (
	StateCreated     State = "created"
	StateInitialized State = "initialized"
	StateExecuting   State = "executing"
	StateDraining    State = "draining"
	StateTerminated  State = "terminated"
)

// HostBridge is the capability-gated surface a Sandbox binds into the
// r3e.* global namespace. Implemented by internal/hostbridge.
type HostBridge interface {
	// Dispatch invokes a named host operation for the given artifact and
	// returns its JSON-shaped result, or a guest-visible error.
	Dispatch(ctx context.Context, artifact function.Artifact, op string, args map[string]any) (map[string]any, error)
}

// Result is the outcome of a single Run call.
type Result struct {
	Output   map[string]any
	Logs     []string
	Duration time.Duration
}

// Sandbox wraps a single-use goja runtime for one invocation.
type Sandbox struct {
	artifact function.Artifact
	bridge   HostBridge

	mu    sync.Mutex
	state State

	cpuRemaining int64 // nanoseconds, atomic
	cpuPaused    int32 // atomic bool: 1 while suspended on a host op
}

// New creates a Sandbox bound to artifact and bridge. The runtime itself is
// not built until Run is called — construction is cheap and side-effect
// free so a Worker can hold a Sandbox value before committing to execute.
func New(artifact function.Artifact, bridge HostBridge) *Sandbox {
	return &Sandbox{
		artifact:     artifact,
		bridge:       bridge,
		state:        StateCreated,
		cpuRemaining: artifact.Limits.CPUMS * int64(time.Millisecond),
	}
}

// State reports the current lifecycle state.
func (s *Sandbox) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Sandbox) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run executes the function's entrypoint with payload, enforcing wall,
// approximate CPU, and heap limits from the artifact's ResourceLimits. It
// always leaves the Sandbox in StateTerminated, whether it returns a result
// or an error — there is no path that leaves the runtime alive for reuse.
func (s *Sandbox) Run(ctx context.Context, payload map[string]any) (Result, error) {
	s.setState(StateInitialized)
	defer s.setState(StateTerminated)

	limits := s.artifact.Limits
	wall := time.Duration(limits.WallMS) * time.Millisecond
	if wall <= 0 {
		wall = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, wall)
	defer cancel()

	rt := goja.New()
	rt.SetMaxCallStackSize(256)

	var logs []string
	if err := attachConsole(rt, &logs); err != nil {
		return Result{}, fmt.Errorf("attach console: %w", err)
	}
	if err := s.attachHostBridge(runCtx, rt); err != nil {
		return Result{}, fmt.Errorf("attach host bridge: %w", err)
	}
	if err := rt.Set("params", clonePayload(payload)); err != nil {
		return Result{}, fmt.Errorf("set params: %w", err)
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-runCtx.Done():
			rt.Interrupt(runCtx.Err())
		case <-stop:
		}
	}()

	heapStop := s.watchHeap(rt, limits.MemoryBytes, stop)
	defer heapStop()
	cpuStop := s.watchCPU(rt, stop)
	defer cpuStop()

	s.setState(StateExecuting)
	started := time.Now()

	val, err := rt.RunString(s.buildScript())
	if err != nil {
		return Result{}, s.classify(runCtx, err, "execute")
	}

	s.setState(StateDraining)
	val, err = resolveValue(runCtx, val)
	if err != nil {
		return Result{}, s.classify(runCtx, err, "await function result")
	}

	output := exportOutput(val)
	return Result{Output: output, Logs: logs, Duration: time.Since(started)}, nil
}

// exportDefaultRE matches an ES "export default" declaration so buildScript
// can rewrite it into a CommonJS assignment goja's RunString (which parses
// input as a Script, not a Module) can execute directly.
var exportDefaultRE = regexp.MustCompile(`\bexport\s+default\s+`)

// exportNamedRE matches "export const|let|var|function|class NAME" so named
// exports survive the same rewrite as the default export: the "export "
// keyword is stripped (leaving a normal local declaration) and the name is
// captured so buildScript can assign it onto module.exports afterward.
var exportNamedRE = regexp.MustCompile(`\bexport\s+(?:const|let|var|function|class)\s+([A-Za-z_$][\w$]*)`)

// buildScript produces the goja Script run for one invocation. Source is the
// content-addressed module body spec.md §6 requires ("a module whose default
// export is a function of (event, context)") — it is always what actually
// executes; Entrypoint names which export of that module to invoke.
//
// A module.exports/exports CommonJS shim is installed first, export
// default/export <decl> are textually rewritten into assignments against it
// (goja has no Module mode, only Script), and the chosen export is invoked
// with params if callable. Source with no export statement at all is run
// as a bare expression instead, mirroring the teacher's tee_executor.go
// wrapper exactly, so a manifest whose Source is just a function literal
// keeps working unchanged.
func (s *Sandbox) buildScript() string {
	source := strings.TrimSpace(string(s.artifact.Source))
	if !strings.Contains(source, "export") {
		return fmt.Sprintf(`(function() {
	const entry = (%s);
	if (typeof entry === 'function') {
		return entry(params);
	}
	return entry;
})();`, source)
	}

	body := exportDefaultRE.ReplaceAllString(source, "module.exports.default = ")

	var names []string
	body = exportNamedRE.ReplaceAllStringFunc(body, func(m string) string {
		sub := exportNamedRE.FindStringSubmatch(m)
		names = append(names, sub[1])
		return strings.TrimPrefix(m, "export ")
	})
	var assigns strings.Builder
	for _, n := range names {
		fmt.Fprintf(&assigns, "\tmodule.exports[%q] = %s;\n", n, n)
	}

	name := s.artifact.Entrypoint
	if name == "" {
		name = "default"
	}

	return fmt.Sprintf(`(function() {
	var module = { exports: {} };
	var exports = module.exports;
	%s
%s
	const entry = module.exports[%q];
	if (typeof entry === 'function') {
		return entry(params);
	}
	return entry;
})();`, body, assigns.String(), name)
}

// attachHostBridge installs a global object per declared-trigger-free,
// capability-scoped subtree (r3e.state, r3e.secrets, r3e.oracle, ...).
// Capabilities the artifact did not declare are simply absent from the
// object — guest code sees "undefined", not a thrown PermissionDenied,
// matching spec.md §4.8's "absent, not merely denied" requirement; the
// bridge itself still enforces PermissionDenied for any op reachable
// through a capability the manifest never declared.
func (s *Sandbox) attachHostBridge(ctx context.Context, rt *goja.Runtime) error {
	r3e := rt.NewObject()
	call := func(op string) func(goja.FunctionCall) goja.Value {
		return func(fc goja.FunctionCall) goja.Value {
			var args map[string]any
			if len(fc.Arguments) > 0 {
				if m, ok := fc.Arguments[0].Export().(map[string]any); ok {
					args = m
				}
			}
			s.pauseCPU()
			result, err := s.bridge.Dispatch(ctx, s.artifact, op, args)
			s.resumeCPU()

			promise, resolve, reject := rt.NewPromise()
			if err != nil {
				_ = reject(guestError(err))
			} else {
				_ = resolve(rt.ToValue(result))
			}
			return rt.ToValue(promise)
		}
	}

	for cap := range s.artifact.DeclaredPermissions {
		subtree, op := splitCapability(string(cap))
		obj := r3e.Get(subtree)
		var node *goja.Object
		if obj == nil || goja.IsUndefined(obj) || goja.IsNull(obj) {
			node = rt.NewObject()
			if err := r3e.Set(subtree, node); err != nil {
				return err
			}
		} else {
			node = obj.ToObject(rt)
		}
		if err := node.Set(op, call(string(cap))); err != nil {
			return err
		}
	}
	return rt.Set("r3e", r3e)
}

// splitCapability turns "state.get" into ("state", "get"); a capability
// with no '.' is treated as a bare subtree method named "call".
func splitCapability(cap string) (subtree, op string) {
	for i := 0; i < len(cap); i++ {
		if cap[i] == '.' {
			return cap[:i], cap[i+1:]
		}
	}
	return cap, "call"
}

func guestError(err error) map[string]any {
	code, message := "ProviderError", "provider error"
	switch {
	case errors.Is(err, platform.ErrPermissionDenied):
		code, message = "PermissionDenied", "permission denied"
	case errors.Is(err, platform.ErrRateLimited):
		code, message = "RateLimited", "rate limited"
	case errors.Is(err, platform.ErrTimedOut):
		code, message = "Timeout", "timed out"
	case errors.Is(err, platform.ErrInvalidManifest), errors.Is(err, platform.ErrInvalidTriggerSpec):
		code, message = "InvalidArgument", "invalid argument"
	case errors.Is(err, platform.ErrProviderUnavailable):
		code, message = "Unavailable", "provider unavailable"
	}
	return map[string]any{"code": code, "message": message}
}

// pauseCPU/resumeCPU bracket a suspend point (an outstanding host op). The
// CPU watchdog only debits cpuRemaining while the runtime is not paused, so
// time blocked waiting on a host call does not count against the guest's
// CPU budget — only wall time does, via the separate wall-time context.
func (s *Sandbox) pauseCPU()  { atomic.StoreInt32(&s.cpuPaused, 1) }
func (s *Sandbox) resumeCPU() { atomic.StoreInt32(&s.cpuPaused, 0) }

// watchCPU approximately meters CPU time via periodic wall-clock sampling:
// since a Sandbox's script runs on a single dedicated goroutine, elapsed
// wall time while not paused on a host op is a reasonable proxy for CPU
// time actually spent executing guest JS (spec.md §4.7 describes CPU
// accounting as "approximate ... instruction/step metering"). This is not
// true per-isolate heap/CPU accounting — goja, unlike V8, exposes no
// native per-runtime CPU or allocation counters — so the sampling interval
// bounds how late an over-budget sandbox gets interrupted.
func (s *Sandbox) watchCPU(rt *goja.Runtime, stop <-chan struct{}) func() {
	if s.artifact.Limits.CPUMS <= 0 {
		return func() {}
	}
	const tick = 10 * time.Millisecond
	ticker := time.NewTicker(tick)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				close(done)
				return
			case <-ticker.C:
				if atomic.LoadInt32(&s.cpuPaused) == 1 {
					continue
				}
				if atomic.AddInt64(&s.cpuRemaining, -int64(tick)) <= 0 {
					rt.Interrupt(fmt.Errorf("%w: cpu", platform.ErrResourceExceeded))
					close(done)
					return
				}
			}
		}
	}()
	return func() { <-done }
}

// watchHeap samples process-wide heap allocation deltas and interrupts the
// runtime if growth since the sandbox started exceeds MemoryBytes. This is
// a best-effort approximation, not per-isolate isolation: goja does not
// expose a v8-style per-runtime heap cap, and other goroutines' allocations
// are visible in the same sample. It is sized to catch grossly over-budget
// scripts (unbounded array growth, giant string building), which is the
// failure mode spec.md §4.7 cares about in practice.
func (s *Sandbox) watchHeap(rt *goja.Runtime, limit int64, stop <-chan struct{}) func() {
	if limit <= 0 {
		return func() {}
	}
	var base runtime.MemStats
	runtime.ReadMemStats(&base)
	baseline := int64(base.Alloc)

	ticker := time.NewTicker(25 * time.Millisecond)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				close(done)
				return
			case <-ticker.C:
				var m runtime.MemStats
				runtime.ReadMemStats(&m)
				if int64(m.Alloc)-baseline > limit {
					rt.Interrupt(fmt.Errorf("%w: heap", platform.ErrResourceExceeded))
					close(done)
					return
				}
			}
		}
	}()
	return func() { <-done }
}

func attachConsole(rt *goja.Runtime, logs *[]string) error {
	console := rt.NewObject()
	logFn := func(call goja.FunctionCall) goja.Value {
		args := make([]any, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = arg.Export()
		}
		*logs = append(*logs, fmt.Sprint(args...))
		return goja.Undefined()
	}
	for _, name := range []string{"log", "info", "warn", "error"} {
		if err := console.Set(name, logFn); err != nil {
			return err
		}
	}
	return rt.Set("console", console)
}

func exportedPromise(val goja.Value) (*goja.Promise, bool) {
	exported := val.Export()
	if exported == nil {
		return nil, false
	}
	promise, ok := exported.(*goja.Promise)
	return promise, ok
}

func resolveValue(ctx context.Context, val goja.Value) (goja.Value, error) {
	if promise, ok := exportedPromise(val); ok {
		switch promise.State() {
		case goja.PromiseStateFulfilled:
			return promise.Result(), nil
		case goja.PromiseStateRejected:
			return nil, promiseRejectionError(promise.Result())
		case goja.PromiseStatePending:
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return nil, errors.New("function returned a promise that did not settle")
		}
	}
	return val, nil
}

func promiseRejectionError(reason goja.Value) error {
	if reason == nil {
		return errors.New("promise rejected")
	}
	if exported := reason.Export(); exported != nil {
		if err, ok := exported.(error); ok {
			return err
		}
		return fmt.Errorf("promise rejected: %v", exported)
	}
	return fmt.Errorf("promise rejected: %s", reason.String())
}

// classify maps a goja execution error to the platform sentinel taxonomy,
// distinguishing watchdog interrupts (wall/cpu/heap) from plain guest
// exceptions so the Scheduler's retry classification (platform.IsTransient)
// sees the right error.
func (s *Sandbox) classify(ctx context.Context, err error, when string) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w", when, platform.ErrTimedOut)
		}
		return fmt.Errorf("%s: %w", when, platform.ErrCancelled)
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if val := interrupted.Value(); val != nil {
			if inner, ok := val.(error); ok {
				return fmt.Errorf("%s: %w", when, inner)
			}
			return fmt.Errorf("%s: %v", when, val)
		}
		return fmt.Errorf("%s: interrupted", when)
	}
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return fmt.Errorf("%s: %s", when, exc.Error())
	}
	return fmt.Errorf("%s: %w", when, err)
}

func clonePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return map[string]any{}
	}
	clone := make(map[string]any, len(payload))
	for k, v := range payload {
		clone[k] = v
	}
	return clone
}

func exportOutput(val goja.Value) map[string]any {
	if val == nil {
		return map[string]any{}
	}
	switch res := val.Export().(type) {
	case map[string]any:
		return res
	case nil:
		return map[string]any{}
	default:
		return map[string]any{"result": res}
	}
}
