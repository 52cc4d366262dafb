// Package uuid generates the client-side identifiers that make record
// creation idempotent: a record keeps the id it was born with across the
// create round-trip, so a retried POST can be de-duplicated by the server.
package uuid

import (
	"regexp"

	"github.com/google/uuid"
	"github.com/kimhsiao/tempo/backend/internal/models"
)

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a new UUID v4 string.
func New() string {
	return uuid.New().String()
}

// NewRecordID generates the id for a locally created record.
func NewRecordID() models.UUID {
	return models.UUID(uuid.New().String())
}

// IsValid reports whether s is a canonical UUID v4. Server-assigned ids
// need not be.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}
