package ingress

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/faas-platform/internal/domain/invocation"
	"github.com/r3e-network/faas-platform/internal/domain/trigger"
	"github.com/r3e-network/faas-platform/internal/platform"
)

func newTestHTTP(idx *fakeIndex, sched *fakeScheduler) *HTTP {
	return NewHTTP(HTTPConfig{PollInterval: time.Millisecond}, idx, sched, nil)
}

func TestHTTPHandlerReturns404WhenNoTriggerMatches(t *testing.T) {
	idx := newFakeIndex()
	h := newTestHTTP(idx, newFakeScheduler())

	req := httptest.NewRequest(http.MethodGet, "/no/such/path", nil)
	rr := httptest.NewRecorder()
	h.handle(rr, req)

	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHTTPHandlerMapsSchedulingErrors(t *testing.T) {
	idx := newFakeIndex()
	idx.add(trigger.Trigger{ID: "t1", Enabled: true})
	idx.matchIDs = []string{"t1"}

	sched := newFakeScheduler()
	sched.submitErr = platform.ErrOverloaded
	h := newTestHTTP(idx, sched)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rr := httptest.NewRecorder()
	h.handle(rr, req)

	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestHTTPHandlerWritesStatusCodeAndBodyFromResult(t *testing.T) {
	idx := newFakeIndex()
	idx.add(trigger.Trigger{ID: "t1", Enabled: true})
	idx.matchIDs = []string{"t1"}

	sched := newFakeScheduler()
	sched.nextResult = invocation.Invocation{
		ID:    "inv-1",
		State: invocation.StateSucceeded,
		Result: map[string]any{
			"statusCode": float64(201),
			"body":       "created",
		},
	}
	h := newTestHTTP(idx, sched)

	req := httptest.NewRequest(http.MethodPost, "/x", nil)
	rr := httptest.NewRecorder()
	h.handle(rr, req)

	require.Equal(t, http.StatusCreated, rr.Code)
	require.Equal(t, "created", rr.Body.String())
}

func TestHTTPHandlerTimesOutWaitingForTerminalState(t *testing.T) {
	idx := newFakeIndex()
	idx.add(trigger.Trigger{ID: "t1", Enabled: true})
	idx.matchIDs = []string{"t1"}

	sched := newFakeScheduler()
	h := NewHTTP(HTTPConfig{PollInterval: time.Millisecond, ResponseGrace: 20 * time.Millisecond}, idx, sched, nil)
	// nextResult stays non-terminal and its Deadline is 5ms away, so await()
	// gives up once Deadline+ResponseGrace has passed and answers 504.
	sched.nextResult = invocation.Invocation{ID: "inv-1", State: invocation.StatePending, Deadline: time.Now().Add(5 * time.Millisecond)}

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rr := httptest.NewRecorder()
	h.handle(rr, req)

	require.Equal(t, http.StatusGatewayTimeout, rr.Code)
}
