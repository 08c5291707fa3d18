package blob

import (
	"strings"

	"github.com/google/uuid"
)

// FileID is an opaque identifier for a file within a root namespace.
//
// Identifiers generated by this package are lowercase RFC 4122 UUIDs, which
// is the canonical form. Caller-supplied identifiers may be any non-empty
// string that is safe as a path segment / object key component.
type FileID string

// String implements fmt.Stringer.
func (id FileID) String() string {
	return string(id)
}

// IsZero reports whether the identifier is empty.
func (id FileID) IsZero() bool {
	return id == ""
}

// NewFileID returns a fresh random identifier in canonical form.
func NewFileID() FileID {
	return FileID(uuid.NewString())
}

// ParseFileID normalizes a caller-supplied identifier.
//
// If s parses as a UUID in any of the forms accepted by uuid.Parse (braced,
// urn-prefixed, upper case, ...), its canonical lowercase hyphenated form is
// returned. Otherwise s is returned unchanged (trimmed of surrounding
// whitespace). Normalization failure is never an error; the only invalid
// input is an empty identifier, reported by Validate.
func ParseFileID(s string) FileID {
	s = strings.TrimSpace(s)
	if u, err := uuid.Parse(s); err == nil {
		return FileID(u.String())
	}
	return FileID(s)
}

// Validate checks that an identifier can be used as a storage key.
func (id FileID) Validate() error {
	if id == "" {
		return ErrInvalidFileID
	}
	if strings.ContainsAny(string(id), "\x00") || strings.Contains(string(id), "..") {
		return ErrInvalidFileID
	}
	return nil
}
