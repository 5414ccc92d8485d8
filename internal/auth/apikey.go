package auth

import (
	"crypto/sha256"
	"crypto/subtle"
)

// AdminKeyHeader carries the administrative API key.
const AdminKeyHeader = "X-API-Key"

// AdminKeyGuard authorizes administrative automation with a single shared
// key taken from configuration.
type AdminKeyGuard struct {
	digest     [sha256.Size]byte
	configured bool
	allowOpen  bool
}

// NewAdminKeyGuard builds a guard for key. allowOpen only matters when key is
// empty: it lets requests through without a key, and must only be true for
// a debug, non-production deployment.
func NewAdminKeyGuard(key string, allowOpen bool) *AdminKeyGuard {
	g := &AdminKeyGuard{allowOpen: allowOpen}
	if key != "" {
		g.digest = sha256.Sum256([]byte(key))
		g.configured = true
	}
	return g
}

// Configured reports whether an admin key is set.
func (g *AdminKeyGuard) Configured() bool {
	return g.configured
}

// Open reports whether admin requests pass without any key.
func (g *AdminKeyGuard) Open() bool {
	return !g.configured && g.allowOpen
}

// Verify checks a presented X-API-Key value.
//
//   - no key configured: nil when the guard is open, ErrServiceUnavailable otherwise
//   - header empty: ErrUnauthorized
//   - header mismatch: ErrForbidden
func (g *AdminKeyGuard) Verify(presented string) error {
	if !g.configured {
		if g.allowOpen {
			return nil
		}
		return ErrServiceUnavailable
	}
	if presented == "" {
		return ErrUnauthorized
	}
	if !constantTimeEqual(g.digest, presented) {
		return ErrForbidden
	}
	return nil
}

// constantTimeEqual compares fixed-size digests so neither the position of
// the first differing byte nor the presented length affects timing.
func constantTimeEqual(want [sha256.Size]byte, presented string) bool {
	got := sha256.Sum256([]byte(presented))
	return subtle.ConstantTimeCompare(want[:], got[:]) == 1
}
