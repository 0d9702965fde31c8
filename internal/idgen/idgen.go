// Package idgen generates record identifiers.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random (version 4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 32 hex chars of a version 7 UUID,
// e.g. "trd_0190f1c2...". Version 7 IDs sort by creation time, which keeps
// btree indexes on them append-mostly.
func WithPrefix(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return prefix + strings.ReplaceAll(id.String(), "-", "")
}

// Parse extracts the UUID from a prefixed ID.
func Parse(prefix, id string) (uuid.UUID, bool) {
	rest, ok := strings.CutPrefix(id, prefix)
	if !ok {
		return uuid.UUID{}, false
	}
	u, err := uuid.Parse(rest)
	return u, err == nil
}
