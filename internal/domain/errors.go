package domain

import "errors"

var (
	// ErrInvalidEvent rejects an event that fails shape validation before it
	// reaches the state machine.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrLookupNotFound means no settlement could be associated with the
	// event. The event is surfaced for manual triage, never guessed.
	ErrLookupNotFound = errors.New("no settlement matches event")

	// ErrLookupAmbiguous means more than one in-flight settlement could
	// match the event. Ambiguity is a rejection, not a guess.
	ErrLookupAmbiguous = errors.New("multiple settlements match event")

	// ErrNotFlagged rejects a manual resolution of a settlement that is not
	// awaiting operator review.
	ErrNotFlagged = errors.New("settlement is not flagged")
)
