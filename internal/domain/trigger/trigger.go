// Package trigger holds the live Trigger entity. A Trigger stores only a
// logical (tenant, name) function reference and resolves it lazily against
// the Registry — neither the Trigger Index nor the Registry owns the other
// (spec.md §3, "Ownership / sharing"; §9 design notes).
package trigger

import "time"

// Spec is the tagged union of trigger kinds a Trigger can carry.
type Spec struct {
	Kind TriggerKindRef

	// Http
	Path    string
	Methods []string
	CORS    []string

	// Cron
	CronExpr string
	TZ       string

	// ChainEvent
	Chain     string
	EventKind string // block | tx | notification
	Filter    string // JSONPath predicate over the normalized event payload

	// Custom
	Topic string
}

// TriggerKindRef mirrors function.TriggerKind without importing the function
// package, avoiding an import cycle between trigger <-> function.
type TriggerKindRef string

const (
	KindHTTP       TriggerKindRef = "http"
	KindCron       TriggerKindRef = "cron"
	KindChainEvent TriggerKindRef = "chain_event"
	KindCustom     TriggerKindRef = "custom"
)

// FunctionRef is a logical, lazily-resolved pointer to a function version.
type FunctionRef struct {
	Tenant  string
	Name    string
	Version string // semver, or "active"
}

// Trigger binds a filter/schedule/topic to a function reference.
type Trigger struct {
	ID         string
	Spec       Spec
	FunctionRef FunctionRef
	Enabled    bool
	Serialize  bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
