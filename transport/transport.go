// Package transport provides connectivity to the message bus: the NATS
// Client used in production and the in-memory Bus used for tests and
// single-process embedding. Both implement Conn, so every component above
// the transport is bus-agnostic.
package transport

import (
	"context"
	"time"
)

// Msg is a single delivered message. Reply, when set, names the subject a
// responder should publish its answer on.
type Msg struct {
	Subject string
	Reply   string
	Data    []byte
}

// Handler processes one delivered message. Invocations for a given
// subscription are serialized: a handler runs to completion before the
// next message for that subscription is dispatched. Panics are caught at
// the dispatch boundary and never reach the bus loop.
type Handler func(ctx context.Context, msg *Msg)

// Subscription represents an active subject subscription.
type Subscription interface {
	// Subject returns the subscribed subject.
	Subject() string
	// Unsubscribe removes the subscription. Idempotent.
	Unsubscribe() error
}

// Conn is the bus connection used by every substrate component.
type Conn interface {
	// Publish sends a fire-and-forget message. Fails when disconnected.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for a subject. Without a queue group
	// every subscriber receives each message (fan-out); with one, the bus
	// delivers each message to exactly one member of the group.
	Subscribe(ctx context.Context, subject string, handler Handler, opts ...SubOption) (Subscription, error)

	// Request publishes with an implicit reply subject and returns the
	// first correlated reply, or a timeout error.
	Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error)
}

// Status represents the state of the bus connection.
type Status int

// Possible connection statuses.
const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusClosed
)

// String returns the string representation of Status.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StatusListener observes connection state changes. err is non-nil for
// transitions caused by a failure.
type StatusListener func(status Status, err error)

// subOptions holds resolved subscription options.
type subOptions struct {
	queue          string
	maxMessages    int
	handlerTimeout time.Duration
}

func defaultSubOptions() subOptions {
	return subOptions{handlerTimeout: 30 * time.Second}
}

// SubOption configures a subscription.
type SubOption func(*subOptions)

// WithQueue joins the subscription to a named queue group so each message
// is delivered to exactly one member.
func WithQueue(name string) SubOption {
	return func(o *subOptions) {
		o.queue = name
	}
}

// WithMaxMessages automatically unsubscribes after n deliveries.
func WithMaxMessages(n int) SubOption {
	return func(o *subOptions) {
		o.maxMessages = n
	}
}

// WithHandlerTimeout bounds each handler invocation's context.
func WithHandlerTimeout(d time.Duration) SubOption {
	return func(o *subOptions) {
		o.handlerTimeout = d
	}
}
