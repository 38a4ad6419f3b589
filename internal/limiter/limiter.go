// Package limiter throttles failed login attempts.
package limiter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Limiter controls login attempts and temporary lockouts.
type Limiter interface {
	// Allow reports whether login is currently allowed and optional retry-after.
	Allow(ctx context.Context, identity, ipHash string) (bool, time.Duration, error)
	// Success resets counters after a successful login.
	Success(ctx context.Context, identity, ipHash string) error
	// Failure records a failed attempt; may place a temporary block.
	Failure(ctx context.Context, identity, ipHash string) (bool, time.Duration, error)
}

// HashIP returns a stable hash for an IP string to avoid keeping raw addresses.
func HashIP(ip string) string {
	h := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(h[:])
}
