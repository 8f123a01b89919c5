// Package message defines the wire envelope exchanged between services,
// the typed payload variants carried by it, and the well-known subjects
// they travel on.
//
// Every message on the bus is an Envelope: a type discriminant, routing
// headers, and a payload whose schema is fixed by the type. Payloads are
// decoded into registered typed structs and validated at the transport
// boundary; an unknown type or invalid payload is rejected before any
// handler sees it.
package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/EchoingVesper/vespera-atelier-sub013/errors"
)

// Type is the envelope discriminant. It fixes the payload schema.
type Type string

// Message types understood by the substrate.
const (
	TypeRegister   Type = "REGISTER"
	TypeUnregister Type = "UNREGISTER"
	TypeHeartbeat  Type = "HEARTBEAT"

	TypeTaskCreate   Type = "TASK_CREATE"
	TypeTaskUpdate   Type = "TASK_UPDATE"
	TypeTaskComplete Type = "TASK_COMPLETE"
	TypeTaskFail     Type = "TASK_FAIL"

	TypeStorageSet      Type = "STORAGE_SET"
	TypeStorageDelete   Type = "STORAGE_DELETE"
	TypeStorageRequest  Type = "STORAGE_REQUEST"
	TypeStorageResponse Type = "STORAGE_RESPONSE"

	TypeDataRequest  Type = "DATA_REQUEST"
	TypeDataResponse Type = "DATA_RESPONSE"
	TypeStreamChunk  Type = "STREAM_CHUNK"

	TypeError Type = "ERROR"
)

// IsValid reports whether t is a known message type.
func (t Type) IsValid() bool {
	_, ok := payloadFactories[t]
	return ok
}

// Headers carry routing and correlation metadata for an envelope.
// MessageID is unique per send; CorrelationID links a request to its reply.
type Headers struct {
	CorrelationID string    `json:"correlationId"`
	MessageID     string    `json:"messageId"`
	Timestamp     time.Time `json:"timestamp"`
	Source        string    `json:"source"`
	Destination   string    `json:"destination,omitempty"`
	ReplyTo       string    `json:"replyTo,omitempty"`
}

// Payload is implemented by every typed payload variant.
type Payload interface {
	Validate() error
}

// Envelope is the unit of exchange on the bus.
type Envelope struct {
	Type    Type    `json:"type"`
	Headers Headers `json:"headers"`
	Payload Payload `json:"payload"`
}

// Option configures envelope construction.
type Option func(*Envelope)

// WithDestination targets the envelope at a specific service.
func WithDestination(serviceID string) Option {
	return func(e *Envelope) {
		e.Headers.Destination = serviceID
	}
}

// WithCorrelation sets an explicit correlation ID, linking this envelope
// to an earlier request.
func WithCorrelation(correlationID string) Option {
	return func(e *Envelope) {
		e.Headers.CorrelationID = correlationID
	}
}

// WithReplyTo sets the subject replies should be published to.
func WithReplyTo(subject string) Option {
	return func(e *Envelope) {
		e.Headers.ReplyTo = subject
	}
}

// WithTimestamp overrides the envelope timestamp. Used for tests and
// replayed historical messages.
func WithTimestamp(ts time.Time) Option {
	return func(e *Envelope) {
		e.Headers.Timestamp = ts
	}
}

// New builds an envelope with a fresh message ID. The correlation ID
// defaults to the message ID so a lone message correlates with itself;
// replies override it with the originating request's ID.
func New(t Type, source string, payload Payload, opts ...Option) *Envelope {
	id := uuid.New().String()
	e := &Envelope{
		Type: t,
		Headers: Headers{
			CorrelationID: id,
			MessageID:     id,
			Timestamp:     time.Now().UTC(),
			Source:        source,
		},
		Payload: payload,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Reply builds a response envelope correlated to req, addressed back at
// its source.
func Reply(req *Envelope, t Type, source string, payload Payload) *Envelope {
	return New(t, source, payload,
		WithCorrelation(req.Headers.CorrelationID),
		WithDestination(req.Headers.Source),
	)
}

// Validate checks the envelope's type, headers, and payload.
func (e *Envelope) Validate() error {
	if !e.Type.IsValid() {
		return errors.WrapValidation(
			fmt.Errorf("%w: unknown type %q", errors.ErrInvalidMessage, e.Type),
			"Envelope", "Validate", "check type")
	}
	if e.Headers.MessageID == "" {
		return errors.WrapValidation(
			fmt.Errorf("%w: missing messageId", errors.ErrInvalidMessage),
			"Envelope", "Validate", "check headers")
	}
	if e.Headers.Source == "" {
		return errors.WrapValidation(
			fmt.Errorf("%w: missing source", errors.ErrInvalidMessage),
			"Envelope", "Validate", "check headers")
	}
	if e.Headers.Timestamp.IsZero() {
		return errors.WrapValidation(
			fmt.Errorf("%w: missing timestamp", errors.ErrInvalidMessage),
			"Envelope", "Validate", "check headers")
	}
	if e.Payload == nil {
		return errors.WrapValidation(
			fmt.Errorf("%w: missing payload", errors.ErrInvalidMessage),
			"Envelope", "Validate", "check payload")
	}
	if err := e.Payload.Validate(); err != nil {
		return errors.WrapValidation(err, "Envelope", "Validate", "check payload")
	}
	return nil
}

// Encode serializes a validated envelope to its JSON wire form.
func (e *Envelope) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.WrapValidation(err, "Envelope", "Encode", "marshal envelope")
	}
	return data, nil
}

// wireEnvelope defers payload decoding until the type is known.
type wireEnvelope struct {
	Type    Type            `json:"type"`
	Headers Headers         `json:"headers"`
	Payload json.RawMessage `json:"payload"`
}

// Decode parses and validates an envelope from its wire form. The payload
// is decoded into the typed struct registered for the envelope type.
func Decode(data []byte) (*Envelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, errors.WrapValidation(err, "Envelope", "Decode", "unmarshal wire format")
	}

	factory, ok := payloadFactories[wire.Type]
	if !ok {
		return nil, errors.WrapValidation(
			fmt.Errorf("%w: unknown type %q", errors.ErrInvalidMessage, wire.Type),
			"Envelope", "Decode", "resolve payload type")
	}

	payload := factory()
	if err := json.Unmarshal(wire.Payload, payload); err != nil {
		return nil, errors.WrapValidation(err, "Envelope", "Decode", "unmarshal payload")
	}

	e := &Envelope{Type: wire.Type, Headers: wire.Headers, Payload: payload}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}
