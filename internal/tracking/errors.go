package tracking

import "errors"

var (
	// ErrNoActiveSession: the rider has no open work session.
	ErrNoActiveSession = errors.New("no active work session")
	// ErrInvalidPoint: missing or malformed coordinates or fields.
	ErrInvalidPoint = errors.New("invalid location point")
	// ErrInvalidArgument: a malformed query parameter such as a date.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrStorageUnavailable wraps transient store failures on the request path.
	ErrStorageUnavailable = errors.New("storage unavailable")
)
