package gateway

import "errors"

var (
	// ErrForbidden means the caller is authenticated and the operation is
	// allowed, but the target record (or its parent) belongs to another
	// tenant. The record body is never returned alongside this error.
	ErrForbidden = errors.New("not part of the allowed organization")

	// ErrBadPayload means a create/update payload is missing, missing its
	// required id field, or references a parent record that cannot be
	// resolved. Detected before any mutating backend call.
	ErrBadPayload = errors.New("bad payload sent")
)
