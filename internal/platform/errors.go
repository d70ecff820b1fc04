// Package platform collects the error taxonomy shared across components, as
// described in spec.md §7. Sentinel errors are classified with errors.Is so
// the Scheduler can distinguish transient (retryable) failures from
// terminal, non-retryable ones without inspecting error strings.
package platform

import "errors"

var (
	// ErrInvalidManifest is returned by the Registry when a deploy manifest
	// fails validation (e.g. missing entrypoint).
	ErrInvalidManifest = errors.New("invalid manifest")

	// ErrInvalidTriggerSpec is returned at trigger registration time for a
	// malformed cron expression or chain-event filter; never at match time.
	ErrInvalidTriggerSpec = errors.New("invalid trigger spec")

	// ErrQuotaExceeded is returned by the Scheduler when a tenant's inflight
	// cap is already at its limit. Function registration has no per-tenant
	// cap and never returns it.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrOverloaded is returned when the HTTP backpressure queue for a
	// tenant is full, or when the global pending queue is at its cap.
	ErrOverloaded = errors.New("overloaded")

	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrFunctionDisabled is returned when a trigger resolves to a function
	// that exists but is not currently enabled/active.
	ErrFunctionDisabled = errors.New("function disabled")

	// ErrRetracted is returned by retract() when the function still has
	// live trigger references; callers must unlink first.
	ErrRetracted = errors.New("function has active trigger references")

	// ErrPermissionDenied is surfaced to guest code as a rejected promise
	// when it calls an op whose capability was not granted.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrRateLimited is surfaced to guest code when the host-op token
	// bucket is exhausted.
	ErrRateLimited = errors.New("rate limited")

	// ErrResourceExceeded marks a sandbox that exceeded heap, cpu, wall, or
	// fetch-size limits.
	ErrResourceExceeded = errors.New("resource exceeded")

	// ErrTimedOut marks a sandbox that exceeded its wall-clock deadline.
	ErrTimedOut = errors.New("timed out")

	// ErrCancelled marks an invocation terminated by an external cancel.
	ErrCancelled = errors.New("cancelled")

	// ErrWorkerLost is a transient, retryable error: the worker executing
	// an invocation stopped heartbeating before it completed.
	ErrWorkerLost = errors.New("worker lost")

	// ErrRetryable marks a function-supplied error explicitly retryable by
	// the guest's own contract.
	ErrRetryable = errors.New("retryable error")

	// ErrProviderUnavailable is returned by a host capability provider
	// (oracle, chain RPC, TEE, ZK, FHE) that could not service a request.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrResponseTooLarge marks a fetch truncated by the byte cap.
	ErrResponseTooLarge = errors.New("response too large")
)

// IsTransient reports whether err should drive the Scheduler's retry path
// (spec.md §4.5): only worker loss and explicit retryable errors qualify.
// Uncaught exceptions, timeouts, and resource violations are terminal.
func IsTransient(err error) bool {
	return errors.Is(err, ErrWorkerLost) || errors.Is(err, ErrRetryable)
}
