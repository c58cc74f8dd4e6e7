// Package uuid generates and checks remote identities. Every synced record is
// known to the remote by a random UUID assigned when it is first created.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// New returns a fresh remote identity.
func New() string {
	return uuid.NewString()
}

// Normalize parses any RFC 4122 spelling of an identity (upper case, braces,
// urn:uuid: prefix) and returns its canonical lower-case form. The nil UUID
// is rejected since it cannot identify a record.
func Normalize(s string) (string, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid remote id %q: %w", s, err)
	}
	if id == uuid.Nil {
		return "", fmt.Errorf("invalid remote id %q: nil UUID", s)
	}
	return id.String(), nil
}

// IsValid reports whether s is a remote identity in canonical form.
func IsValid(s string) bool {
	n, err := Normalize(s)
	return err == nil && n == s
}
