package auth

import (
	"errors"
	"strings"
)

// RolePlatformAdmin is the token role allowed to use administrative paths on any group.
const RolePlatformAdmin = "admin"

const maxSubjectLen = 128

var ErrInvalidIdentity = errors.New("invalid identity")

// Identity is an authenticated caller. It is built once at the request boundary
// from validated claims and passed by value into every membership operation.
type Identity struct {
	subject string
	role    string
}

// NewIdentity returns an Identity for a non-empty subject.
func NewIdentity(subject, role string) (Identity, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" || len(subject) > maxSubjectLen {
		return Identity{}, ErrInvalidIdentity
	}
	return Identity{subject: subject, role: strings.TrimSpace(role)}, nil
}

// MustIdentity is NewIdentity for fixed inputs; it panics on an invalid subject.
func MustIdentity(subject, role string) Identity {
	id, err := NewIdentity(subject, role)
	if err != nil {
		panic(err)
	}
	return id
}

// Subject is the opaque member identity stored on rosters and events.
func (i Identity) Subject() string { return i.subject }

// Role is the platform role claim, possibly empty.
func (i Identity) Role() string { return i.role }

// IsZero reports whether the identity was never set.
func (i Identity) IsZero() bool { return i.subject == "" }

// IsPlatformAdmin reports whether the caller holds the platform admin role.
func (i Identity) IsPlatformAdmin() bool { return i.role == RolePlatformAdmin }

func (i Identity) String() string { return i.subject }
