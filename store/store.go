// Package store provides a replicated key-value store over the bus.
// Writes are versioned and broadcast; every process keeps a local cache
// and resolves concurrent writes last-writer-wins by version, then
// timestamp. A read miss falls back to asking peers before reporting the
// key absent.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/EchoingVesper/vespera-atelier-sub013/errors"
	"github.com/EchoingVesper/vespera-atelier-sub013/message"
	"github.com/EchoingVesper/vespera-atelier-sub013/pkg/cache"
	"github.com/EchoingVesper/vespera-atelier-sub013/transport"
)

// Entry is one stored value with its replication metadata.
type Entry struct {
	Namespace string
	Key       string
	Value     any
	Version   int64
	TTL       time.Duration
	Metadata  map[string]string
	UpdatedAt time.Time
}

// Recorder counts storage operations. *metric.Metrics satisfies it.
type Recorder interface {
	RecordStorageOp(operation, result string)
}

// Store is one process's replica of the shared key-value space.
type Store struct {
	conn      transport.Conn
	serviceID string
	logger    *slog.Logger
	recorder  Recorder

	requestTimeout  time.Duration
	cleanupInterval time.Duration

	entries *cache.Cache[Entry]

	mu      sync.Mutex
	subs    []transport.Subscription
	started bool
}

// New creates a store replica identified as serviceID.
func New(conn transport.Conn, serviceID string, opts ...StoreOption) (*Store, error) {
	if conn == nil {
		return nil, errors.WrapValidation(
			fmt.Errorf("%w: nil connection", errors.ErrInvalidConfig),
			"Store", "New", "check connection")
	}
	if serviceID == "" {
		return nil, errors.WrapValidation(
			fmt.Errorf("%w: missing serviceId", errors.ErrInvalidConfig),
			"Store", "New", "check identity")
	}

	s := &Store{
		conn:            conn,
		serviceID:       serviceID,
		logger:          slog.Default(),
		requestTimeout:  2 * time.Second,
		cleanupInterval: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.entries = cache.New(cache.WithCleanupInterval[Entry](s.cleanupInterval))
	return s, nil
}

// Start subscribes to the storage subjects. Set and delete broadcasts
// reach every replica. Read requests fan out to all replicas; only
// holders of the key reply and the requester takes the first answer, so
// a replica that happens to receive its own request cannot shadow a peer
// that has the key.
func (s *Store) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	type binding struct {
		subject string
		handler transport.Handler
		opts    []transport.SubOption
	}
	bindings := []binding{
		{message.SubjectStorageSet, s.handleRemoteSet, nil},
		{message.SubjectStorageDelete, s.handleRemoteDelete, nil},
		{message.SubjectStorageRequest, s.serveRequest, nil},
	}
	for _, b := range bindings {
		sub, err := s.conn.Subscribe(ctx, b.subject, b.handler, b.opts...)
		if err != nil {
			s.teardown()
			return errors.WrapConnection(err, "Store", "Start",
				fmt.Sprintf("subscribe %s", b.subject))
		}
		s.mu.Lock()
		s.subs = append(s.subs, sub)
		s.mu.Unlock()
	}

	s.logger.Info("store started", "service_id", s.serviceID)
	return nil
}

// Stop cancels subscriptions and the expiry janitor.
func (s *Store) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return errors.ErrNotStarted
	}
	s.started = false
	s.mu.Unlock()

	s.teardown()
	s.entries.Close()
	s.logger.Info("store stopped", "service_id", s.serviceID)
	return nil
}

func (s *Store) teardown() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn("unsubscribe failed", "subject", sub.Subject(), "error", err)
		}
	}
}

func entryKey(namespace, key string) string {
	return namespace + ":" + key
}

// Set writes a value locally and broadcasts it to peers. The new version
// is the successor of whatever this replica holds.
func (s *Store) Set(ctx context.Context, namespace, key string, value any, opts ...SetOption) (Entry, error) {
	if namespace == "" || key == "" {
		return Entry{}, errors.WrapValidation(
			fmt.Errorf("%w: namespace and key required", errors.ErrInvalidMessage),
			"Store", "Set", "check arguments")
	}

	var so setOptions
	for _, opt := range opts {
		opt(&so)
	}

	// Serialize local writes so concurrent Sets get distinct versions.
	s.mu.Lock()
	version := int64(1)
	if prev, ok := s.entries.Get(entryKey(namespace, key)); ok {
		version = prev.Version + 1
	}
	e := Entry{
		Namespace: namespace,
		Key:       key,
		Value:     value,
		Version:   version,
		TTL:       so.ttl,
		Metadata:  so.metadata,
		UpdatedAt: time.Now().UTC(),
	}
	s.entries.SetWithTTL(entryKey(namespace, key), e, so.ttl)
	s.mu.Unlock()

	env := message.New(message.TypeStorageSet, s.serviceID,
		&message.StorageSetPayload{
			Namespace: namespace,
			Key:       key,
			Value:     value,
			Version:   e.Version,
			TTLMs:     so.ttl.Milliseconds(),
			Metadata:  so.metadata,
			UpdatedAt: e.UpdatedAt,
		})
	data, err := env.Encode()
	if err != nil {
		s.record("set", "error")
		return Entry{}, err
	}
	if err := s.conn.Publish(ctx, message.SubjectStorageSet, data); err != nil {
		s.record("set", "error")
		return Entry{}, errors.WrapConnection(err, "Store", "Set", "broadcast write")
	}

	s.record("set", "ok")
	return e, nil
}

// Get returns the value for a key. A local miss, or a local entry older
// than a requested minimum version, asks peers before reporting not
// found; a fetched entry is cached with its remaining TTL.
func (s *Store) Get(ctx context.Context, namespace, key string, opts ...GetOption) (Entry, error) {
	if namespace == "" || key == "" {
		return Entry{}, errors.WrapValidation(
			fmt.Errorf("%w: namespace and key required", errors.ErrInvalidMessage),
			"Store", "Get", "check arguments")
	}
	var options getOptions
	for _, opt := range opts {
		opt(&options)
	}

	if e, ok := s.entries.Get(entryKey(namespace, key)); ok && e.Version >= options.minVersion {
		s.record("get", "hit")
		return e, nil
	}

	e, err := s.fetchRemote(ctx, namespace, key, options.minVersion)
	if err != nil {
		if errors.IsNotFound(err) {
			s.record("get", "miss")
		} else {
			s.record("get", "error")
		}
		return Entry{}, err
	}

	// The origin stamped the TTL at write time. Cache only what remains
	// of it so the entry expires here when it expires at the origin.
	ttl := e.TTL
	if ttl > 0 {
		ttl = time.Until(e.UpdatedAt.Add(e.TTL))
		if ttl <= 0 {
			s.record("get", "miss")
			return Entry{}, errors.WrapNotFound(
				fmt.Errorf("%w: %s/%s", errors.ErrNotFound, namespace, key),
				"Store", "Get", "discard expired remote entry")
		}
	}
	s.entries.SetWithTTL(entryKey(namespace, key), e, ttl)
	s.record("get", "remote")
	return e, nil
}

// fetchRemote asks peers for the key; only holders at or above the
// requested version answer. A timeout means no replica holds it (or none
// is listening), which reads as not found.
func (s *Store) fetchRemote(ctx context.Context, namespace, key string, minVersion int64) (Entry, error) {
	env := message.New(message.TypeStorageRequest, s.serviceID,
		&message.StorageRequestPayload{Namespace: namespace, Key: key, Version: minVersion})
	data, err := env.Encode()
	if err != nil {
		return Entry{}, err
	}

	replyData, err := s.conn.Request(ctx, message.SubjectStorageRequest, data, s.requestTimeout)
	if err != nil {
		if errors.IsTimeout(err) {
			return Entry{}, errors.WrapNotFound(
				fmt.Errorf("%w: %s/%s", errors.ErrNotFound, namespace, key),
				"Store", "fetchRemote", "query peers")
		}
		return Entry{}, errors.WrapConnection(err, "Store", "fetchRemote", "request key")
	}

	reply, err := message.Decode(replyData)
	if err != nil {
		return Entry{}, err
	}
	p, ok := reply.Payload.(*message.StorageResponsePayload)
	if !ok {
		return Entry{}, errors.WrapValidation(
			fmt.Errorf("%w: unexpected reply type %s", errors.ErrInvalidMessage, reply.Type),
			"Store", "fetchRemote", "decode reply")
	}
	if !p.Found {
		return Entry{}, errors.WrapNotFound(
			fmt.Errorf("%w: %s/%s", errors.ErrNotFound, namespace, key),
			"Store", "fetchRemote", "query peers")
	}

	return Entry{
		Namespace: p.Namespace,
		Key:       p.Key,
		Value:     p.Value,
		Version:   p.Version,
		TTL:       time.Duration(p.TTLMs) * time.Millisecond,
		Metadata:  p.Metadata,
		UpdatedAt: p.UpdatedAt,
	}, nil
}

// Delete removes a key locally and broadcasts the removal. It reports
// whether this replica held a live entry.
func (s *Store) Delete(ctx context.Context, namespace, key string) (bool, error) {
	if namespace == "" || key == "" {
		return false, errors.WrapValidation(
			fmt.Errorf("%w: namespace and key required", errors.ErrInvalidMessage),
			"Store", "Delete", "check arguments")
	}

	existed := s.entries.Delete(entryKey(namespace, key))

	env := message.New(message.TypeStorageDelete, s.serviceID,
		&message.StorageDeletePayload{Namespace: namespace, Key: key})
	data, err := env.Encode()
	if err != nil {
		s.record("delete", "error")
		return existed, err
	}
	if err := s.conn.Publish(ctx, message.SubjectStorageDelete, data); err != nil {
		s.record("delete", "error")
		return existed, errors.WrapConnection(err, "Store", "Delete", "broadcast delete")
	}

	s.record("delete", "ok")
	return existed, nil
}

// Keys returns this replica's live keys in a namespace.
func (s *Store) Keys(namespace string) []string {
	prefix := namespace + ":"
	var out []string
	for _, k := range s.entries.Keys() {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, k[len(prefix):])
		}
	}
	return out
}

// Stats exposes the local cache counters.
func (s *Store) Stats() cache.Snapshot {
	return s.entries.Stats()
}

// handleRemoteSet applies a peer's broadcast write under last-writer-wins:
// higher version wins, equal versions resolve by timestamp.
func (s *Store) handleRemoteSet(_ context.Context, msg *transport.Msg) {
	env := s.decode(msg)
	if env == nil || env.Headers.Source == s.serviceID {
		return
	}
	p, ok := env.Payload.(*message.StorageSetPayload)
	if !ok {
		return
	}

	incoming := Entry{
		Namespace: p.Namespace,
		Key:       p.Key,
		Value:     p.Value,
		Version:   p.Version,
		TTL:       time.Duration(p.TTLMs) * time.Millisecond,
		Metadata:  p.Metadata,
		UpdatedAt: p.UpdatedAt,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if current, exists := s.entries.Get(entryKey(p.Namespace, p.Key)); exists {
		if incoming.Version < current.Version {
			return
		}
		if incoming.Version == current.Version && !incoming.UpdatedAt.After(current.UpdatedAt) {
			return
		}
	}
	s.entries.SetWithTTL(entryKey(p.Namespace, p.Key), incoming, incoming.TTL)
}

// handleRemoteDelete applies a peer's removal unless the local entry was
// written after the delete was issued.
func (s *Store) handleRemoteDelete(_ context.Context, msg *transport.Msg) {
	env := s.decode(msg)
	if env == nil || env.Headers.Source == s.serviceID {
		return
	}
	p, ok := env.Payload.(*message.StorageDeletePayload)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if current, exists := s.entries.Get(entryKey(p.Namespace, p.Key)); exists {
		if current.UpdatedAt.After(env.Headers.Timestamp) {
			return
		}
	}
	s.entries.Delete(entryKey(p.Namespace, p.Key))
}

// serveRequest answers a peer's read when this replica holds the key.
// Replicas without the key stay silent; the requester's timeout is the
// negative answer.
func (s *Store) serveRequest(ctx context.Context, msg *transport.Msg) {
	if msg.Reply == "" {
		return
	}
	env := s.decode(msg)
	if env == nil || env.Headers.Source == s.serviceID {
		return
	}
	p, ok := env.Payload.(*message.StorageRequestPayload)
	if !ok {
		return
	}

	e, found := s.entries.Get(entryKey(p.Namespace, p.Key))
	if !found || e.Version < p.Version {
		return
	}
	resp := &message.StorageResponsePayload{
		Namespace: p.Namespace,
		Key:       p.Key,
		Found:     true,
		Value:     e.Value,
		Version:   e.Version,
		TTLMs:     e.TTL.Milliseconds(),
		Metadata:  e.Metadata,
		UpdatedAt: e.UpdatedAt,
	}

	reply := message.Reply(env, message.TypeStorageResponse, s.serviceID, resp)
	data, err := reply.Encode()
	if err != nil {
		s.logger.Error("encode storage reply failed", "error", err)
		return
	}
	if err := s.conn.Publish(ctx, msg.Reply, data); err != nil {
		s.logger.Warn("storage reply publish failed", "error", err)
	}
}

func (s *Store) decode(msg *transport.Msg) *message.Envelope {
	env, err := message.Decode(msg.Data)
	if err != nil {
		s.logger.Warn("discarding invalid storage message",
			"subject", msg.Subject, "error", err)
		return nil
	}
	return env
}

func (s *Store) record(op, result string) {
	if s.recorder != nil {
		s.recorder.RecordStorageOp(op, result)
	}
}
