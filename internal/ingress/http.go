package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/r3e-network/faas-platform/internal/domain/event"
	"github.com/r3e-network/faas-platform/internal/domain/invocation"
	"github.com/r3e-network/faas-platform/internal/platform"
	"github.com/r3e-network/faas-platform/pkg/logger"
	"github.com/r3e-network/faas-platform/pkg/metrics"
)

// HTTPConfig controls the front-door listener.
type HTTPConfig struct {
	Addr string

	// ResponseGrace is added on top of an invocation's wall_ms deadline
	// before the request handler gives up waiting for a terminal state
	// (SPEC_FULL.md §5, IngressResponseGrace).
	ResponseGrace time.Duration
	PollInterval  time.Duration
}

// HTTP is the HTTP front door (spec.md §4.4): it wraps every request into
// an Event, matches it against the Trigger Index, submits it to the
// Scheduler, and — because HTTP triggers are answered synchronously
// (SPEC_FULL.md §5 open-question resolution) — polls for the matched
// invocation's terminal result to translate into a response.
type HTTP struct {
	cfg   HTTPConfig
	index TriggerIndex
	sched Scheduler
	log   *logger.Logger
	srv   *http.Server
}

func NewHTTP(cfg HTTPConfig, index TriggerIndex, sched Scheduler, log *logger.Logger) *HTTP {
	if cfg.ResponseGrace <= 0 {
		cfg.ResponseGrace = 2 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}

	h := &HTTP{cfg: cfg, index: index, sched: sched, log: log}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", metrics.Handler())
	r.Handle("/*", http.HandlerFunc(h.handle))
	h.srv = &http.Server{Addr: cfg.Addr, Handler: r}
	return h
}

// Start begins serving in a background goroutine. Listen errors after a
// clean Stop are swallowed; anything else is logged.
func (h *HTTP) Start() {
	go func() {
		if err := h.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if h.log != nil {
				h.log.WithError(err).Error("http ingress stopped")
			}
		}
	}()
}

func (h *HTTP) Stop(ctx context.Context) error {
	return h.srv.Shutdown(ctx)
}

func (h *HTTP) handle(w http.ResponseWriter, r *http.Request) {
	triggerIDs := h.index.MatchHTTP(r.Method, r.URL.Path)
	if len(triggerIDs) == 0 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	trig, ok := h.index.Trigger(triggerIDs[0])
	if !ok || !trig.Enabled {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey == "" {
		idemKey = uuid.NewString()
	}

	var body any
	if r.ContentLength != 0 {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	ev := event.Event{
		ID:        uuid.NewString(),
		Source:    r.RemoteAddr,
		Kind:      event.KindHTTP,
		Timestamp: time.Now().UTC(),
		Payload: map[string]any{
			"method":  r.Method,
			"path":    r.URL.Path,
			"query":   r.URL.RawQuery,
			"headers": flattenHeader(r.Header),
			"body":    body,
		},
		IdempotencyKey: idemKey,
	}

	inv, err := h.sched.Submit(r.Context(), ev, trig)
	if err != nil {
		writeSchedulingError(w, err)
		return
	}

	final, ok := h.await(r.Context(), inv)
	if !ok {
		http.Error(w, "timed out awaiting invocation", http.StatusGatewayTimeout)
		return
	}
	writeInvocationResult(w, final)
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

// await polls the Scheduler for inv's terminal state up to its admitted
// deadline plus ResponseGrace. Polling, not a callback channel, matches the
// Scheduler's existing thread-safe snapshot accessor (Invocation(id)) and
// keeps Ingress from needing its own subscription bookkeeping.
func (h *HTTP) await(ctx context.Context, inv invocation.Invocation) (invocation.Invocation, bool) {
	waitUntil := inv.Deadline.Add(h.cfg.ResponseGrace)
	if inv.Deadline.IsZero() {
		waitUntil = time.Now().Add(30 * time.Second).Add(h.cfg.ResponseGrace)
	}

	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if cur, ok := h.sched.Invocation(inv.ID); ok && cur.State.Terminal() {
			return cur, true
		}
		if time.Now().After(waitUntil) {
			return invocation.Invocation{}, false
		}
		select {
		case <-ctx.Done():
			return invocation.Invocation{}, false
		case <-ticker.C:
		}
	}
}

func writeSchedulingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, platform.ErrOverloaded):
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	case errors.Is(err, platform.ErrQuotaExceeded):
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	case errors.Is(err, platform.ErrFunctionDisabled), errors.Is(err, platform.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// writeInvocationResult maps a terminal invocation to an HTTP response per
// spec.md §6: a function may return {statusCode, headers?, body?} for full
// control, or any other JSON value for a plain 200 JSON response.
func writeInvocationResult(w http.ResponseWriter, inv invocation.Invocation) {
	if inv.State != invocation.StateSucceeded {
		status := http.StatusInternalServerError
		switch inv.State {
		case invocation.StateTimedOut:
			status = http.StatusGatewayTimeout
		case invocation.StateCancelled:
			status = http.StatusRequestTimeout
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": inv.Error, "state": inv.State})
		return
	}

	if sc, ok := inv.Result["statusCode"]; ok {
		status := http.StatusOK
		if f, ok := sc.(float64); ok {
			status = int(f)
		}
		if hdrs, ok := inv.Result["headers"].(map[string]any); ok {
			for k, v := range hdrs {
				if s, ok := v.(string); ok {
					w.Header().Set(k, s)
				}
			}
		}
		w.WriteHeader(status)
		switch body := inv.Result["body"].(type) {
		case nil:
		case string:
			_, _ = w.Write([]byte(body))
		default:
			_ = json.NewEncoder(w).Encode(body)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(inv.Result)
}
