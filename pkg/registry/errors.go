package registry

import "errors"

var (
	// ErrMissingProto indicates a subscriber operation without the mandatory proto field.
	ErrMissingProto = errors.New("missing mandatory proto field")
	// ErrMissingToken indicates a subscriber operation without the mandatory token field.
	ErrMissingToken = errors.New("missing mandatory token field")
	// ErrImmutableField rejects attempts to modify proto or token after creation.
	ErrImmutableField = errors.New("proto and token fields are immutable")
	// ErrSubscriberNotFound indicates the operation requires a live subscriber that does not exist.
	ErrSubscriberNotFound = errors.New("subscriber does not exist")
	// ErrIDExhausted indicates subscriber creation ran out of retry attempts.
	ErrIDExhausted = errors.New("could not allocate a free subscriber id")
	// ErrInvalidEventName indicates the event name does not match the accepted pattern.
	ErrInvalidEventName = errors.New("invalid event name")

	// errIDCollision aborts a creation transaction when the candidate id is taken.
	errIDCollision = errors.New("subscriber id already taken")
)
