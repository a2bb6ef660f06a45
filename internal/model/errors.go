package model

import "errors"

var (
	// ErrSessionNotFound is returned when a session id is unknown to the registry
	// or belongs to another user.
	ErrSessionNotFound = errors.New("session not found")

	// ErrUnauthorized is returned when the identity token is missing or invalid.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrConcurrencyLimit is returned when the maximum number of concurrent sessions is reached.
	ErrConcurrencyLimit = errors.New("concurrent session limit exceeded")

	// ErrInvalidGeometry is returned when a terminal size has a zero dimension.
	ErrInvalidGeometry = errors.New("invalid terminal geometry")

	// ErrTitleRequired is returned when a rename request carries an empty title.
	ErrTitleRequired = errors.New("title is required")

	// ErrRegistryClosed is returned for operations issued after shutdown began.
	ErrRegistryClosed = errors.New("session registry closed")

	// ErrSessionExited is returned when input or resize targets an exited session.
	ErrSessionExited = errors.New("session has exited")

	// ErrTransportLost is returned by the client once reconnection attempts are exhausted.
	ErrTransportLost = errors.New("transport lost")
)
