package bus

import "errors"

var (
	// ErrEmptyTopic is returned when publishing or subscribing without a topic.
	ErrEmptyTopic = errors.New("topic is required")

	// ErrInvalidPriority is returned for priorities outside the defined set.
	ErrInvalidPriority = errors.New("invalid priority")

	// ErrPayloadType is returned when a payload cannot be decoded into the
	// requested type.
	ErrPayloadType = errors.New("unexpected payload type")

	// ErrHandlerPanic wraps a panic recovered from a subscriber callback.
	ErrHandlerPanic = errors.New("handler panicked")
)
