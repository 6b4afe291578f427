package session

import "errors"

var (
	// ErrRejected is returned when a session cannot be admitted to the registry.
	// The caller must disconnect the rejected connection.
	ErrRejected = errors.New("session rejected")
	// ErrCapacityExceeded is wrapped by ErrRejected when the registry is full.
	ErrCapacityExceeded = errors.New("lobby capacity exceeded")
	// ErrDuplicateSession is wrapped by ErrRejected when the connection already has a session.
	ErrDuplicateSession = errors.New("connection already has a session")
	// ErrAuthorizationDenied is returned when a non-owner attempts a privileged mutation.
	ErrAuthorizationDenied = errors.New("authorization denied")
	// ErrValidationFailed is returned when a request carries an out-of-range value.
	ErrValidationFailed = errors.New("validation failed")
	// ErrInvalidState is returned when a session is not in a state that accepts the operation.
	ErrInvalidState = errors.New("invalid session state")
	// ErrRegistryExists is returned when a second registry is constructed in a live scope.
	ErrRegistryExists = errors.New("a session registry is already open for this lobby scope")
)
