// Package secret holds the Secret entity (spec.md §3). The value is always
// stored encrypted; the plaintext only ever exists transiently inside the
// secrets service's Service.Get call.
package secret

import "time"

// Scope narrows a secret's visibility to either the whole tenant or a
// single named function.
type Scope struct {
	Tenant   string // Scope == Tenant when Function == ""
	Function string
}

// Secret is a tenant-scoped, encrypted key/value pair.
type Secret struct {
	Key            string
	Tenant         string
	ValueEncrypted []byte
	Scope          Scope
	TTL            time.Duration
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Expired reports whether the secret's TTL (if any) has elapsed as of now.
func (s Secret) Expired(now time.Time) bool {
	if s.TTL <= 0 {
		return false
	}
	return now.After(s.UpdatedAt.Add(s.TTL))
}
