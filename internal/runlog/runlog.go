// Package runlog implements the Run Log / Metrics component (C9, spec.md
// §4.9): a queryable record of each invocation's latest state (one upserted
// row per invocation) and an append-only log of host-op calls, kept in
// Postgres — separate from the hot C1 Store KV
// path — so dashboards and audits can query invocation history without
// contending with the scheduler/worker hot path.
//
// Grounded on the BaseStore/sqlx-free database/sql querying pattern in
// _examples/r3e-network-service_layer/pkg/storage/postgres/base_store.go,
// adapted to use jmoiron/sqlx for struct scanning (a teacher go.mod
// dependency previously unwired) and lib/pq as the database/sql driver.
package runlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/jmoiron/sqlx"

	"github.com/r3e-network/faas-platform/internal/domain/invocation"
	"github.com/r3e-network/faas-platform/pkg/logger"
)

// Store is the Postgres-backed Run Log. It implements both
// internal/scheduler.Recorder (RecordTransition) and
// internal/hostbridge.Recorder (RecordHostOp).
type Store struct {
	db  *sqlx.DB
	log *logger.Logger
}

// Open connects to dsn, applies pending migrations, and returns a ready
// Store.
func Open(dsn string, log *logger.Logger) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("runlog: connect: %w", err)
	}
	if err := Migrate(db.DB); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, log: log}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// invocationRow mirrors the invocations table for sqlx struct scanning.
type invocationRow struct {
	ID         string         `db:"id"`
	FunctionID string         `db:"function_id"`
	Tenant     string         `db:"tenant"`
	TriggerID  string         `db:"trigger_id"`
	EventID    string         `db:"event_id"`
	State      string         `db:"state"`
	AdmittedAt sql.NullTime   `db:"admitted_at"`
	StartedAt  sql.NullTime   `db:"started_at"`
	EndedAt    sql.NullTime   `db:"ended_at"`
	Result     []byte         `db:"result"`
	Error      string         `db:"error"`
	Attempt    uint32         `db:"attempt"`
	WorkerID   string         `db:"worker_id"`
}

// RecordTransition upserts an invocation's current row, giving every state
// transition (spec.md §4.9: "state transitions with timestamps") a
// consistent terminal-or-in-flight snapshot rather than an append-only log
// per transition — the invariant tested (spec.md §8, "a terminal state
// record is present for every invocation that reached Admitted") only
// requires the latest row, and an UPSERT keeps the common re-admit/retry
// path from accumulating unbounded history per invocation id.
func (s *Store) RecordTransition(ctx context.Context, inv invocation.Invocation) {
	var resultJSON []byte
	if inv.Result != nil {
		encoded, err := json.Marshal(inv.Result)
		if err != nil {
			s.logError("encode result", inv.ID, err)
			return
		}
		resultJSON = encoded
	}

	const q = `
INSERT INTO invocations (id, function_id, tenant, trigger_id, event_id, state, admitted_at, started_at, ended_at, result, error, attempt, worker_id, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now())
ON CONFLICT (id) DO UPDATE SET
  state = EXCLUDED.state,
  started_at = COALESCE(EXCLUDED.started_at, invocations.started_at),
  ended_at = COALESCE(EXCLUDED.ended_at, invocations.ended_at),
  result = COALESCE(EXCLUDED.result, invocations.result),
  error = EXCLUDED.error,
  attempt = EXCLUDED.attempt,
  worker_id = EXCLUDED.worker_id,
  updated_at = now()
`
	_, err := s.db.ExecContext(ctx, q,
		inv.ID, inv.FunctionID, inv.Tenant, inv.TriggerID, inv.EventID, string(inv.State),
		timeOrNil(inv.AdmittedAt), timeOrNil(inv.StartedAt), timeOrNil(inv.EndedAt),
		nullableJSON(resultJSON), inv.Error, inv.Attempt, inv.WorkerID,
	)
	if err != nil {
		s.logError("upsert invocation", inv.ID, err)
	}
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func timeOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// RecordHostOp implements internal/hostbridge.Recorder: one append-only row
// per host-op call (spec.md §4.9: "each host-op call with (name, outcome,
// duration)").
func (s *Store) RecordHostOp(ctx context.Context, invocationID, op string, cost float64, duration time.Duration, outcome string) {
	const q = `INSERT INTO host_ops (invocation_id, op, cost, duration_ms, outcome) VALUES ($1, $2, $3, $4, $5)`
	if _, err := s.db.ExecContext(ctx, q, invocationID, op, cost, duration.Milliseconds(), outcome); err != nil {
		s.logError("insert host op", invocationID, err)
	}
}

func (s *Store) logError(action, invocationID string, err error) {
	if s.log == nil {
		return
	}
	s.log.WithField("invocation", invocationID).WithField("action", action).WithError(err).Warn("runlog write failed")
}

// Counters is the per-(function,tenant) invocation count breakdown spec.md
// §4.9 names: "invocations {started, succeeded, failed, timed_out}".
type Counters struct {
	Started   int64
	Succeeded int64
	Failed    int64
	Cancelled int64
	TimedOut  int64
}

// CountersFor aggregates invocation counts for one function within one
// tenant.
func (s *Store) CountersFor(ctx context.Context, functionID, tenant string) (Counters, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT state, count(*) FROM invocations WHERE function_id = $1 AND tenant = $2 GROUP BY state`,
		functionID, tenant)
	if err != nil {
		return Counters{}, fmt.Errorf("runlog: count invocations: %w", err)
	}
	defer rows.Close()

	var c Counters
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return Counters{}, fmt.Errorf("runlog: scan counter row: %w", err)
		}
		c.Started += n
		switch invocation.State(state) {
		case invocation.StateSucceeded:
			c.Succeeded = n
		case invocation.StateFailed:
			c.Failed = n
		case invocation.StateCancelled:
			c.Cancelled = n
		case invocation.StateTimedOut:
			c.TimedOut = n
		}
	}
	return c, rows.Err()
}

// Invocation fetches one invocation's persisted row, used by an
// operator-facing Invoke()/status lookup (spec.md §6 registry wire
// contract consumes the equivalent through the management surface, which
// is out of core scope — this is the in-core read path it would call).
func (s *Store) Invocation(ctx context.Context, id string) (invocation.Invocation, bool, error) {
	var row invocationRow
	err := s.db.GetContext(ctx, &row, `SELECT id, function_id, tenant, trigger_id, event_id, state, admitted_at, started_at, ended_at, result, error, attempt, worker_id FROM invocations WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return invocation.Invocation{}, false, nil
	}
	if err != nil {
		return invocation.Invocation{}, false, fmt.Errorf("runlog: get invocation: %w", err)
	}

	var result map[string]any
	if len(row.Result) > 0 {
		if err := json.Unmarshal(row.Result, &result); err != nil {
			return invocation.Invocation{}, false, fmt.Errorf("runlog: decode result: %w", err)
		}
	}

	return invocation.Invocation{
		ID:         row.ID,
		FunctionID: row.FunctionID,
		Tenant:     row.Tenant,
		TriggerID:  row.TriggerID,
		EventID:    row.EventID,
		State:      invocation.State(row.State),
		AdmittedAt: row.AdmittedAt.Time,
		StartedAt:  row.StartedAt.Time,
		EndedAt:    row.EndedAt.Time,
		Result:     result,
		Error:      row.Error,
		Attempt:    row.Attempt,
		WorkerID:   row.WorkerID,
	}, true, nil
}
