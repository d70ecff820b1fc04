package triggerindex

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/faas-platform/internal/domain/trigger"
	"github.com/r3e-network/faas-platform/internal/platform"
)

func httpTrigger(id, path string, methods ...string) trigger.Trigger {
	return trigger.Trigger{
		ID:      id,
		Enabled: true,
		Spec:    trigger.Spec{Kind: trigger.KindHTTP, Path: path, Methods: methods},
		FunctionRef: trigger.FunctionRef{Tenant: "t1", Name: "hello", Version: "active"},
	}
}

func TestMatchHTTPExactAndMethod(t *testing.T) {
	idx := New()
	require.NoError(t, idx.Register(httpTrigger("trg1", "/hooks/hello", "POST"), time.Now()))

	assert.Equal(t, []string{"trg1"}, idx.MatchHTTP("POST", "/hooks/hello"))
	assert.Empty(t, idx.MatchHTTP("GET", "/hooks/hello"))
	assert.Empty(t, idx.MatchHTTP("POST", "/hooks/other"))
}

func TestMatchHTTPLongestPrefixWins(t *testing.T) {
	idx := New()
	require.NoError(t, idx.Register(httpTrigger("generic", "/hooks", "GET"), time.Now()))
	require.NoError(t, idx.Register(httpTrigger("specific", "/hooks/hello", "GET"), time.Now()))

	assert.Equal(t, []string{"specific"}, idx.MatchHTTP("GET", "/hooks/hello/extra"))
	assert.Equal(t, []string{"generic"}, idx.MatchHTTP("GET", "/hooks/other"))
}

func TestMatchHTTPTiesBrokenByRegistrationOrder(t *testing.T) {
	idx := New()
	require.NoError(t, idx.Register(httpTrigger("first", "/hooks", "GET"), time.Now()))
	require.NoError(t, idx.Register(httpTrigger("second", "/hooks", "GET"), time.Now()))

	assert.Equal(t, []string{"first", "second"}, idx.MatchHTTP("GET", "/hooks"))
}

func TestRegisterRejectsInvalidCron(t *testing.T) {
	idx := New()
	err := idx.Register(trigger.Trigger{
		ID:   "bad-cron",
		Spec: trigger.Spec{Kind: trigger.KindCron, CronExpr: "not a cron expr"},
	}, time.Now())
	assert.ErrorIs(t, err, platform.ErrInvalidTriggerSpec)
}

func TestTickFiresDueCronAndReschedules(t *testing.T) {
	idx := New()
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	require.NoError(t, idx.Register(trigger.Trigger{
		ID:   "every-minute",
		Spec: trigger.Spec{Kind: trigger.KindCron, CronExpr: "* * * * *"},
	}, now))

	due := idx.Tick(now.Add(1 * time.Minute))
	assert.Equal(t, []string{"every-minute"}, due)

	// Immediately after firing, nothing else is due until the next minute.
	assert.Empty(t, idx.Tick(now.Add(1*time.Minute+time.Second)))

	due2 := idx.Tick(now.Add(2 * time.Minute))
	assert.Equal(t, []string{"every-minute"}, due2)
}

func TestTickFiresSixFieldSecondsResolutionCron(t *testing.T) {
	idx := New()
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	require.NoError(t, idx.Register(trigger.Trigger{
		ID:   "every-second",
		Spec: trigger.Spec{Kind: trigger.KindCron, CronExpr: "*/1 * * * * *"},
	}, now))

	due := idx.Tick(now.Add(1 * time.Second))
	assert.Equal(t, []string{"every-second"}, due)

	due2 := idx.Tick(now.Add(2 * time.Second))
	assert.Equal(t, []string{"every-second"}, due2)
}

func TestRegisterRejectsInvalidChainEventFilter(t *testing.T) {
	idx := New()
	err := idx.Register(trigger.Trigger{
		ID:   "bad-filter",
		Spec: trigger.Spec{Kind: trigger.KindChainEvent, Chain: "neo", EventKind: "notification", Filter: "$[invalid"},
	}, time.Now())
	assert.ErrorIs(t, err, platform.ErrInvalidTriggerSpec)
}

func TestMatchEventAppliesFilter(t *testing.T) {
	idx := New()
	require.NoError(t, idx.Register(trigger.Trigger{
		ID:   "notify-all",
		Spec: trigger.Spec{Kind: trigger.KindChainEvent, Chain: "neo", EventKind: "notification"},
	}, time.Now()))
	require.NoError(t, idx.Register(trigger.Trigger{
		ID:   "notify-amount",
		Spec: trigger.Spec{Kind: trigger.KindChainEvent, Chain: "neo", EventKind: "notification", Filter: "$.amount"},
	}, time.Now()))

	ids, err := idx.MatchEvent("neo", "notification", map[string]any{"amount": 5})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"notify-all", "notify-amount"}, ids)

	ids, err = idx.MatchEvent("neo", "notification", map[string]any{"other": 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"notify-all"}, ids)
}

func TestHasReferenceAndRemove(t *testing.T) {
	idx := New()
	require.NoError(t, idx.Register(httpTrigger("trg1", "/hooks/hello", "POST"), time.Now()))

	has, err := idx.HasReference(context.Background(), "t1", "hello", "active")
	require.NoError(t, err)
	assert.True(t, has)

	idx.Remove("trg1")
	assert.Empty(t, idx.MatchHTTP("POST", "/hooks/hello"))

	has, err = idx.HasReference(context.Background(), "t1", "hello", "active")
	require.NoError(t, err)
	assert.False(t, has)
}
