package runlog

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/faas-platform/internal/domain/invocation"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Store{db: sqlx.NewDb(db, "postgres")}, mock
}

func TestRecordTransitionUpsertsInvocationRow(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO invocations").
		WithArgs("inv-1", "fn-1", "t1", "trig-1", "ev-1", "succeeded",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), "", uint32(1), "worker-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	store.RecordTransition(context.Background(), invocation.Invocation{
		ID: "inv-1", FunctionID: "fn-1", Tenant: "t1", TriggerID: "trig-1", EventID: "ev-1",
		State: invocation.StateSucceeded, Attempt: 1, WorkerID: "worker-1",
		AdmittedAt: time.Now(), StartedAt: time.Now(), EndedAt: time.Now(),
		Result: map[string]any{"ok": true},
	})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordHostOpInsertsRow(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO host_ops").
		WithArgs("inv-1", "secrets.get", 1.0, int64(5), "ok").
		WillReturnResult(sqlmock.NewResult(1, 1))

	store.RecordHostOp(context.Background(), "inv-1", "secrets.get", 1.0, 5*time.Millisecond, "ok")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountersForAggregatesByState(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"state", "count"}).
		AddRow("succeeded", int64(7)).
		AddRow("failed", int64(2)).
		AddRow("timed_out", int64(1))
	mock.ExpectQuery("SELECT state, count").
		WithArgs("fn-1", "t1").
		WillReturnRows(rows)

	counters, err := store.CountersFor(context.Background(), "fn-1", "t1")
	require.NoError(t, err)
	require.Equal(t, int64(7), counters.Succeeded)
	require.Equal(t, int64(2), counters.Failed)
	require.Equal(t, int64(1), counters.TimedOut)
	require.Equal(t, int64(10), counters.Started)

	require.NoError(t, mock.ExpectationsWereMet())
}
