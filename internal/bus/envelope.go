// ABOUTME: Envelope is the immutable message record routed by the bus
// ABOUTME: Includes publish options and typed payload decoding helpers

package bus

import (
	"fmt"
	"maps"
	"reflect"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/google/uuid"
)

// Envelope is a message in flight on the bus. It is built once at publish
// time and never modified afterwards; handlers receive it by value and must
// treat Payload as read-only.
type Envelope struct {
	ID            string
	Timestamp     time.Time
	Topic         string
	Payload       any
	Source        string
	Priority      Priority
	CorrelationID string            // defaults to ID
	ReplyTo       string            // optional key into the correlator's pending table
	Metadata      map[string]string // copied at publish time
}

// IsReply reports whether the envelope was addressed to a pending request.
func (e Envelope) IsReply() bool {
	return e.ReplyTo != ""
}

// PublishOption customizes an envelope at publish time.
type PublishOption func(*publishOptions)

type publishOptions struct {
	source        string
	priority      Priority
	correlationID string
	replyTo       string
	metadata      map[string]string
}

// WithSource sets the publisher identifier.
func WithSource(source string) PublishOption {
	return func(o *publishOptions) { o.source = source }
}

// WithPriority selects the queue the envelope is routed through.
func WithPriority(p Priority) PublishOption {
	return func(o *publishOptions) { o.priority = p }
}

// WithCorrelationID links the envelope to an earlier one.
func WithCorrelationID(id string) PublishOption {
	return func(o *publishOptions) { o.correlationID = id }
}

// WithReplyTo sets the key replies should be addressed to.
func WithReplyTo(key string) PublishOption {
	return func(o *publishOptions) { o.replyTo = key }
}

// WithMetadata attaches string metadata. The map is copied.
func WithMetadata(md map[string]string) PublishOption {
	return func(o *publishOptions) { o.metadata = md }
}

// newEnvelope builds an envelope from a topic, payload and options.
func newEnvelope(topic string, payload any, now time.Time, opts ...PublishOption) (Envelope, error) {
	o := publishOptions{priority: PriorityNormal}
	for _, fn := range opts {
		fn(&o)
	}
	if !o.priority.Valid() {
		return Envelope{}, fmt.Errorf("%w: %d", ErrInvalidPriority, int(o.priority))
	}

	id := uuid.New().String()
	env := Envelope{
		ID:            id,
		Timestamp:     now,
		Topic:         topic,
		Payload:       payload,
		Source:        o.source,
		Priority:      o.priority,
		CorrelationID: o.correlationID,
		ReplyTo:       o.replyTo,
	}
	if env.CorrelationID == "" {
		env.CorrelationID = id
	}
	if len(o.metadata) > 0 {
		env.Metadata = maps.Clone(o.metadata)
	}
	return env, nil
}

// DecodePayload copies the envelope payload into out, which must be a
// pointer. Payloads that already have the target type are assigned directly;
// map payloads (as published by out-of-process collaborators or tests) are
// decoded field by field using mapstructure tags.
func DecodePayload(env Envelope, out any) error {
	if env.Payload == nil {
		return fmt.Errorf("%w: topic %s has no payload", ErrPayloadType, env.Topic)
	}

	target := reflect.ValueOf(out)
	if target.Kind() != reflect.Pointer || target.IsNil() {
		return fmt.Errorf("%w: decode target must be a non-nil pointer", ErrPayloadType)
	}
	src := reflect.ValueOf(env.Payload)
	if src.Kind() == reflect.Pointer && !src.IsNil() && src.Elem().Type().AssignableTo(target.Elem().Type()) {
		src = src.Elem()
	}
	if src.Type().AssignableTo(target.Elem().Type()) {
		target.Elem().Set(src)
		return nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return fmt.Errorf("creating payload decoder: %w", err)
	}
	if err := decoder.Decode(env.Payload); err != nil {
		return fmt.Errorf("%w: topic %s: %w", ErrPayloadType, env.Topic, err)
	}
	return nil
}
