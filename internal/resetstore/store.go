// Package resetstore keeps password-reset tokens. A token outlives its
// expiry by a grace period so an expired token can be told apart from one
// that never existed.
package resetstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound means the token is unknown (or long gone).
var ErrNotFound = errors.New("reset token not found")

// gracePeriod is how long an expired record is kept around.
const gracePeriod = 24 * time.Hour

// Record is a stored reset request.
type Record struct {
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the record is no longer usable at now.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Store persists reset tokens.
type Store interface {
	Save(ctx context.Context, token string, rec Record) error
	Lookup(ctx context.Context, token string) (*Record, error)
	// Expire marks the token used. Later lookups report it expired.
	Expire(ctx context.Context, token string) error
}
