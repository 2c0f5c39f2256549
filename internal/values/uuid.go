package values

import "github.com/google/uuid"

// Uuid identifies a verb or property definition within its defining
// object, per spec §3. It is a thin alias over google/uuid so the store
// and VM share one identity type without re-deriving UUID parsing.
type Uuid = uuid.UUID

// NewUuid returns a fresh random (v4) identifier for a new verb or
// property definition.
func NewUuid() Uuid {
	return uuid.New()
}
