package model

import "github.com/rotisserie/eris"

var (
	// ErrInvalidExtraction is returned when an extraction record is malformed.
	// A merge rejected with this error leaves the state untouched.
	ErrInvalidExtraction = eris.New("model: invalid extraction")

	// ErrStateNotFound is returned when no order state exists for a conversation.
	ErrStateNotFound = eris.New("model: order state not found")

	// ErrVersionConflict is returned when a save races another writer of the
	// same conversation.
	ErrVersionConflict = eris.New("model: order state version conflict")

	// ErrMessageIDInUse is returned when a message id is already logged under
	// another conversation.
	ErrMessageIDInUse = eris.New("model: message id belongs to another conversation")
)
