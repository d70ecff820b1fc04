package hostbridge

import (
	"crypto/rand"
	"encoding/binary"
)

// randomUint64 returns a cryptographically random uint64, the source
// backing oracle.getRandom — guest-visible randomness must not be
// predictable from the sandbox's otherwise deterministic inputs.
func randomUint64() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}
