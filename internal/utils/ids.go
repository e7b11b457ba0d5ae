package utils

import (
	"strings"

	"github.com/google/uuid"
)

const pendingPrefix = "pending-"

// NewPendingID generates a provisional id for a not-yet-stored message
func NewPendingID() string {
	return pendingPrefix + uuid.NewString()
}

// IsPendingID reports whether id was generated by NewPendingID
func IsPendingID(id string) bool {
	return strings.HasPrefix(id, pendingPrefix)
}

// ValidateID reports whether id is a plausible record id: non-empty, no whitespace
func ValidateID(id string) bool {
	return id != "" && !strings.ContainsAny(id, " \t\r\n")
}
