// Package event holds the normalized Event entity produced by Ingress
// (spec.md §3, §4.4). Events are immutable once created.
package event

import "time"

// Kind enumerates normalized event sources.
type Kind string

const (
	KindHTTP     Kind = "http"
	KindCron     Kind = "cron"
	KindChain    Kind = "chain"
	KindCustom   Kind = "custom"
)

// Event is the immutable, normalized external stimulus handed from Ingress
// to the Scheduler.
type Event struct {
	ID             string
	Source         string
	Kind           Kind
	Timestamp      time.Time
	Payload        map[string]any
	IdempotencyKey string
}
