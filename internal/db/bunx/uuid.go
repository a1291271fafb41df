package bunx

import (
	"strings"

	"github.com/google/uuid"
)

// NewUUIDv7 generates a time-ordered UUIDv7 string for primary keys.
// Panics only if the entropy source fails.
func NewUUIDv7() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewToken returns an opaque random token (a UUIDv4 in hex without dashes)
// for invitation codes and password-reset links.
func NewToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
