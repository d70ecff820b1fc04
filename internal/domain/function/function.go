// Package function holds the FunctionArtifact entity and the resource and
// permission shapes attached to it, per spec.md §3.
package function

import "time"

// Capability is a named permission token. Guest JS only sees host-bridge
// operations whose required capability is present in DeclaredPermissions.
type Capability string

// ResourceLimits bound a single invocation's sandbox (spec.md §3, §4.7).
type ResourceLimits struct {
	MemoryBytes   int64
	WallMS        int64
	CPUMS         int64
	MaxFetchBytes int64
	MaxOpsPerSec  float64
}

// TriggerKind enumerates the tagged-union variants of a TriggerSpec, kept
// here (rather than in the trigger package) because an artifact's
// DeclaredTriggers travel with the artifact, not with a live Trigger row.
type TriggerKind string

const (
	TriggerKindHTTP       TriggerKind = "http"
	TriggerKindCron       TriggerKind = "cron"
	TriggerKindChainEvent TriggerKind = "chain_event"
	TriggerKindCustom     TriggerKind = "custom"
)

// DeclaredTrigger is the manifest-time declaration of a trigger a function
// wants wired up on deploy. It is stored with the artifact only; activation
// does not create live Trigger rows from it, which are registered with the
// Trigger Index separately.
type DeclaredTrigger struct {
	Kind      TriggerKind
	Path      string   // Http
	Methods   []string // Http
	Cron      string   // Cron expr
	TZ        string   // Cron tz
	Chain     string   // ChainEvent
	EventKind string   // ChainEvent: block|tx|notification
	Filter    string   // ChainEvent: JSONPath predicate expression
	Topic     string   // Custom
	Serialize bool
}

// Artifact is an immutable, content-addressed function bundle (spec.md §3).
// Once registered, ID, Source, and Manifest-derived fields never change;
// Retract is the only way to remove it, and only once unlinked from triggers.
type Artifact struct {
	ID                  string // content hash of Source ++ manifest
	Tenant              string
	Name                string
	Version             string // semver
	Source              []byte
	Entrypoint          string
	Runtime             string // always "js"
	DeclaredPermissions map[Capability]struct{}
	DeclaredTriggers    []DeclaredTrigger
	Limits              ResourceLimits
	CreatedAt           time.Time
}

// HasCapability reports whether the artifact declared the given capability.
func (a Artifact) HasCapability(c Capability) bool {
	_, ok := a.DeclaredPermissions[c]
	return ok
}
