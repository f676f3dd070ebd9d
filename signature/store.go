// Package signature provides the replay-protection ledger: once a payment
// signature has been accepted, it must never be accepted again within its TTL.
package signature

import (
	"context"
	"time"
)

// Store records accepted payment signatures with an expiry.
//
// The at-most-once acceptance contract is split across the verifier: it calls
// Has before full validation and Add only after validation succeeds.
// Implementations must be safe for concurrent use.
//
// The in-memory implementation protects a single process only. Multi-instance
// deployments accepting real-value payments must use a shared backend with an
// atomic conditional-set (see RedisStore).
type Store interface {
	// Has reports whether the signature has already been accepted and is
	// still within its TTL.
	Has(ctx context.Context, sig string) (bool, error)

	// Add records a signature with the given TTL.
	Add(ctx context.Context, sig string, ttl time.Duration) error

	// Clear removes all recorded signatures.
	Clear(ctx context.Context) error
}
