package ingress

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/faas-platform/internal/domain/trigger"
)

func TestCronTickSubmitsOneEventPerDueTrigger(t *testing.T) {
	idx := newFakeIndex()
	idx.add(trigger.Trigger{ID: "t1", Enabled: true})
	idx.add(trigger.Trigger{ID: "t2", Enabled: false})
	idx.tickIDs = []string{"t1", "t2"}

	sched := newFakeScheduler()
	c := NewCron(CronConfig{}, idx, sched, nil)

	c.tick(context.Background(), time.Unix(0, 0).UTC())

	require.Len(t, sched.submitted, 1, "disabled trigger t2 must not be submitted")
	require.Equal(t, "cron", sched.submitted[0].Source)
}

func TestCronIdempotencyKeyIsStableForSameTick(t *testing.T) {
	idx := newFakeIndex()
	idx.add(trigger.Trigger{ID: "t1", Enabled: true})
	idx.tickIDs = []string{"t1"}

	sched := newFakeScheduler()
	c := NewCron(CronConfig{}, idx, sched, nil)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.tick(context.Background(), now)
	c.tick(context.Background(), now)

	require.Len(t, sched.submitted, 2)
	require.Equal(t, sched.submitted[0].IdempotencyKey, sched.submitted[1].IdempotencyKey)
}
