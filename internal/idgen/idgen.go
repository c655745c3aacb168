// Package idgen generates identifiers the gateway needs but the MS
// does not assign: dirty-block versions, replica context ids, and
// request nonces used to correlate a signed wire.Request with its
// data-plane stream.
package idgen

import (
	"crypto/rand"
	"encoding/binary"
	"sync/atomic"

	"github.com/google/uuid"
)

// BlockVersion returns a new random version for a dirty block, per
// spec.md §3 ("version (randomly reassigned on every modification)").
// A cryptographically random source is used so that concurrently
// writing gateways practically never collide.
func BlockVersion() int64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing is an environment-level catastrophe;
		// fall back to a monotonic counter rather than a zero
		// version, which would collide with a fresh block's default.
		return monotonic()
	}
	v := int64(binary.BigEndian.Uint64(buf[:]))
	if v < 0 {
		v = -v
	}
	if v == 0 {
		v = 1
	}
	return v
}

var counter uint64

func monotonic() int64 {
	return int64(atomic.AddUint64(&counter, 1))
}

// ReplicaContextID returns a fresh identifier for a ReplicaContext,
// used only for logging/correlation — it carries no protocol meaning.
func ReplicaContextID() string {
	return uuid.NewString()
}

// RequestNonce returns a fresh identifier binding a signed
// wire.Request to its data-plane stream.
func RequestNonce() string {
	return uuid.NewString()
}
