package model

import "errors"

var (
	// ErrEmptyUserID is returned when a connect is attempted without an identifier.
	ErrEmptyUserID = errors.New("user id is required")

	// ErrNotConnected is returned when an operation needs an open transport.
	ErrNotConnected = errors.New("not connected")

	// ErrEmptyContent is returned when a chat message is blank or whitespace-only.
	ErrEmptyContent = errors.New("message content is empty")

	// ErrSendPending is returned when a deferred send is already waiting
	// for its session_created confirmation.
	ErrSendPending = errors.New("a send is already waiting for session creation")

	// ErrSessionNotFound is returned when a session id is not in the roster.
	ErrSessionNotFound = errors.New("session not found")
)
