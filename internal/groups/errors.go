package groups

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can branch on it.
type Kind string

const (
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindTransient          Kind = "transient"
	KindInvariantViolation Kind = "invariant_violation"
	KindInvalidArgument    Kind = "invalid_argument"
	KindPermissionDenied   Kind = "permission_denied"
)

// Error is a membership failure with a kind, a stable code and a human-readable reason.
type Error struct {
	Kind   Kind
	Code   string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same kind and code, so wrapped instances
// still compare equal to the sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Code == e.Code
}

var (
	ErrGroupNotFound  = &Error{Kind: KindNotFound, Code: "group_not_found", Reason: "group not found"}
	ErrNameTaken      = &Error{Kind: KindConflict, Code: "name_taken", Reason: "a group with this name already exists"}
	ErrAlreadyMember  = &Error{Kind: KindConflict, Code: "already_member", Reason: "already a member"}
	ErrGroupFull      = &Error{Kind: KindConflict, Code: "group_full", Reason: "group full"}
	ErrNotMember      = &Error{Kind: KindConflict, Code: "not_member", Reason: "not a member"}
	ErrRoleUnchanged  = &Error{Kind: KindConflict, Code: "role_unchanged", Reason: "member already has this role"}
	ErrNotGroupAdmin  = &Error{Kind: KindPermissionDenied, Code: "not_group_admin", Reason: "only group admins can do this"}
	ErrUnknownCaller  = &Error{Kind: KindInvalidArgument, Code: "identity_required", Reason: "caller identity is required"}
	ErrStoreTransient = &Error{Kind: KindTransient, Code: "store_unavailable", Reason: "storage temporarily unavailable, retry"}
	ErrInvariant      = &Error{Kind: KindInvariantViolation, Code: "invariant_violation", Reason: "stored roster state is inconsistent"}
)

func invalidArgument(code, reason string) *Error {
	return &Error{Kind: KindInvalidArgument, Code: code, Reason: reason}
}

func transient(err error) *Error {
	return &Error{Kind: ErrStoreTransient.Kind, Code: ErrStoreTransient.Code, Reason: ErrStoreTransient.Reason, Err: err}
}

func invariant(reason string) *Error {
	return &Error{Kind: ErrInvariant.Kind, Code: ErrInvariant.Code, Reason: reason}
}

// KindOf returns the kind of err, or "" when err is not a membership error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
