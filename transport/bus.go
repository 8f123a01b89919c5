package transport

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/EchoingVesper/vespera-atelier-sub013/errors"
)

// busChanBuffer is the per-subscription delivery buffer. A subscription
// whose handler cannot keep up is treated as a slow consumer and drops
// messages, matching bus behavior rather than blocking publishers.
const busChanBuffer = 512

// Bus is an in-memory Conn implementation with NATS subject semantics:
// dot-hierarchical subjects, '*' and '>' wildcards, queue groups, and
// request/reply over inbox subjects. Delivery to a subscription is
// serialized through a single goroutine, preserving per-sender order.
//
// Bus backs unit tests and single-process embedding of the substrate.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[int64]*busSub
	nextID atomic.Int64
	rr     atomic.Uint64
	closed bool
}

// NewBus creates an in-memory bus.
func NewBus() *Bus {
	return &Bus{
		logger: slog.Default(),
		subs:   make(map[int64]*busSub),
	}
}

// Publish implements Conn.
func (b *Bus) Publish(_ context.Context, subject string, data []byte) error {
	return b.publish(subject, "", data)
}

func (b *Bus) publish(subject, reply string, data []byte) error {
	if !validSubject(subject) {
		return errors.WrapValidation(
			fmt.Errorf("%w: invalid subject %q", errors.ErrInvalidMessage, subject),
			"Bus", "Publish", "check subject")
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errors.WrapConnection(errors.ErrNotConnected, "Bus", "Publish", "check state")
	}

	var plain []*busSub
	groups := make(map[string][]*busSub)
	for _, s := range b.subs {
		if !matchSubject(s.subject, subject) {
			continue
		}
		if s.queue == "" {
			plain = append(plain, s)
		} else {
			groups[s.queue] = append(groups[s.queue], s)
		}
	}
	b.mu.RUnlock()

	msg := &Msg{Subject: subject, Reply: reply, Data: data}
	for _, s := range plain {
		b.deliver(s, msg)
	}
	for _, members := range groups {
		pick := members[int(b.rr.Add(1))%len(members)]
		b.deliver(pick, msg)
	}
	return nil
}

func (b *Bus) deliver(s *busSub, msg *Msg) {
	if s.max > 0 {
		taken := s.taken.Add(1)
		if taken > s.max {
			return
		}
		if taken == s.max {
			defer func() { go s.Unsubscribe() }() //nolint:errcheck
		}
	}

	select {
	case s.ch <- msg:
	default:
		b.logger.Warn("slow consumer, dropping message", "subject", s.pattern)
	}
}

// Subscribe implements Conn.
func (b *Bus) Subscribe(ctx context.Context, subject string, handler Handler, opts ...SubOption) (Subscription, error) {
	if !validSubject(subject) {
		return nil, errors.WrapValidation(
			fmt.Errorf("%w: invalid subject %q", errors.ErrInvalidMessage, subject),
			"Bus", "Subscribe", "check subject")
	}

	options := defaultSubOptions()
	for _, opt := range opts {
		opt(&options)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errors.WrapConnection(errors.ErrNotConnected, "Bus", "Subscribe", "check state")
	}

	s := &busSub{
		id:      b.nextID.Add(1),
		bus:     b,
		pattern: subject,
		subject: strings.Split(subject, "."),
		queue:   options.queue,
		handler: handler,
		timeout: options.handlerTimeout,
		max:     int64(options.maxMessages),
		ch:      make(chan *Msg, busChanBuffer),
		done:    make(chan struct{}),
	}
	b.subs[s.id] = s

	go s.loop(ctx)
	return s, nil
}

// Request implements Conn. It subscribes to a one-shot inbox subject,
// publishes with that subject as the reply, and returns the first reply.
func (b *Bus) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	inbox := "_INBOX." + uuid.New().String()
	replies := make(chan []byte, 1)

	sub, err := b.Subscribe(ctx, inbox, func(_ context.Context, msg *Msg) {
		select {
		case replies <- msg.Data:
		default:
		}
	}, WithMaxMessages(1))
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe() //nolint:errcheck

	if err := b.publish(subject, inbox, data); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case data := <-replies:
		return data, nil
	case <-timer.C:
		return nil, errors.WrapTimeout(
			fmt.Errorf("%w: no reply on %s within %v", errors.ErrTimeout, subject, timeout),
			"Bus", "Request", "await reply")
	case <-ctx.Done():
		return nil, errors.WrapTimeout(ctx.Err(), "Bus", "Request", "await reply")
	}
}

// Close stops delivery and removes every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := make([]*busSub, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.closed = true
	b.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe() //nolint:errcheck
	}
}

func (b *Bus) removeSub(id int64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// busSub is a Subscription on the in-memory bus.
type busSub struct {
	id      int64
	bus     *Bus
	pattern string
	subject []string
	queue   string
	handler Handler
	timeout time.Duration

	max   int64
	taken atomic.Int64

	ch   chan *Msg
	done chan struct{}
	once sync.Once
}

// Subject implements Subscription.
func (s *busSub) Subject() string {
	return s.pattern
}

// Unsubscribe implements Subscription. Idempotent.
func (s *busSub) Unsubscribe() error {
	s.once.Do(func() {
		s.bus.removeSub(s.id)
		close(s.done)
	})
	return nil
}

// loop delivers messages one at a time, each handler invocation running to
// completion before the next begins. Messages already buffered when the
// subscription ends are still dispatched, so an auto-unsubscribing
// subscription handles exactly its message budget.
func (s *busSub) loop(ctx context.Context) {
	for {
		select {
		case <-s.done:
			s.drain(ctx)
			return
		case <-ctx.Done():
			s.Unsubscribe() //nolint:errcheck
			return
		case msg := <-s.ch:
			s.dispatch(ctx, msg)
		}
	}
}

func (s *busSub) drain(ctx context.Context) {
	for {
		select {
		case msg := <-s.ch:
			s.dispatch(ctx, msg)
		default:
			return
		}
	}
}

func (s *busSub) dispatch(ctx context.Context, msg *Msg) {
	defer func() {
		if r := recover(); r != nil {
			s.bus.logger.Error("handler panic contained",
				"subject", s.pattern, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	msgCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	s.handler(msgCtx, msg)
}

// validSubject rejects empty subjects and empty tokens.
func validSubject(subject string) bool {
	if subject == "" {
		return false
	}
	for _, tok := range strings.Split(subject, ".") {
		if tok == "" {
			return false
		}
	}
	return true
}

// matchSubject applies NATS wildcard rules: '*' matches exactly one token,
// '>' matches one or more trailing tokens.
func matchSubject(pattern []string, subject string) bool {
	tokens := strings.Split(subject, ".")
	for i, p := range pattern {
		if p == ">" {
			return len(tokens) > i
		}
		if i >= len(tokens) {
			return false
		}
		if p != "*" && p != tokens[i] {
			return false
		}
	}
	return len(pattern) == len(tokens)
}
