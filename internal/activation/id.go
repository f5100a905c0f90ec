package activation

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ID is an activation identity (a CLSID-style GUID).
type ID uuid.UUID

// ParseID parses GUID text in registry form ({XXXXXXXX-XXXX-...}) or the
// same 36 characters without braces. Case is ignored; other spellings that
// uuid.Parse would take (urn:uuid:, bare hex, padding) are rejected.
func ParseID(s string) (ID, error) {
	text := s
	if len(text) == 38 && text[0] == '{' && text[37] == '}' {
		text = text[1:37]
	}
	if len(text) != 36 {
		return ID{}, &StatusError{Op: "parse activation id", Status: StatusInvalidClassString, Err: fmt.Errorf("invalid GUID %q", s)}
	}
	u, err := uuid.Parse(text)
	if err != nil {
		return ID{}, &StatusError{Op: "parse activation id", Status: StatusInvalidClassString, Err: err}
	}
	return ID(u), nil
}

// MustParseID is ParseID for constants and tests. It panics on bad input.
func MustParseID(s string) ID {
	id, err := ParseID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// NewID returns a random identity.
func NewID() ID {
	return ID(uuid.New())
}

// String renders the identity in registry form: {XXXXXXXX-XXXX-XXXX-XXXX-XXXXXXXXXXXX}.
func (id ID) String() string {
	return "{" + strings.ToUpper(uuid.UUID(id).String()) + "}"
}

// IsZero reports whether id is the null GUID.
func (id ID) IsZero() bool {
	return uuid.UUID(id) == uuid.Nil
}

func (id ID) fileName() string {
	return uuid.UUID(id).String()
}
