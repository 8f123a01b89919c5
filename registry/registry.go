// Package registry maintains each process's view of its peers. Every
// service announces itself on the discovery subjects, refreshes liveness
// with heartbeats, and sweeps peers that stop reporting to offline. All
// views converge independently; there is no central registry service.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/EchoingVesper/vespera-atelier-sub013/errors"
	"github.com/EchoingVesper/vespera-atelier-sub013/message"
	"github.com/EchoingVesper/vespera-atelier-sub013/transport"
)

// ServiceStatus is the liveness classification of a peer.
type ServiceStatus string

// Peer statuses.
const (
	StatusOnline  ServiceStatus = "ONLINE"
	StatusOffline ServiceStatus = "OFFLINE"
)

// ServiceInfo describes one peer as last observed on the bus.
type ServiceInfo struct {
	ServiceID    string
	ServiceType  string
	Capabilities []string
	Metadata     map[string]string
	Status       ServiceStatus
	RegisteredAt time.Time
	LastSeen     time.Time
}

// entry wraps ServiceInfo with the originating envelope timestamp so
// out-of-order discovery messages resolve deterministically.
type entry struct {
	info      ServiceInfo
	messageAt time.Time
}

// Identity is what this process announces about itself.
type Identity struct {
	ServiceID    string
	ServiceType  string
	Capabilities []string
	Metadata     map[string]string
}

// Registry announces the local service and tracks peers.
type Registry struct {
	conn     transport.Conn
	identity Identity
	logger   *slog.Logger

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	sweepInterval     time.Duration

	onlineChanged func(online int)

	mu       sync.RWMutex
	services map[string]*entry
	subs     []transport.Subscription
	started  bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a registry for the given identity. Start must be called
// before the registry announces or observes anything.
func New(conn transport.Conn, identity Identity, opts ...RegistryOption) (*Registry, error) {
	if conn == nil {
		return nil, errors.WrapValidation(
			fmt.Errorf("%w: nil connection", errors.ErrInvalidConfig),
			"Registry", "New", "check connection")
	}
	if identity.ServiceID == "" || identity.ServiceType == "" {
		return nil, errors.WrapValidation(
			fmt.Errorf("%w: identity requires serviceId and serviceType", errors.ErrInvalidConfig),
			"Registry", "New", "check identity")
	}

	r := &Registry{
		conn:              conn,
		identity:          identity,
		logger:            slog.Default(),
		heartbeatInterval: 5 * time.Second,
		heartbeatTimeout:  15 * time.Second,
		sweepInterval:     5 * time.Second,
		services:          make(map[string]*entry),
		done:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.heartbeatTimeout <= r.heartbeatInterval {
		return nil, errors.WrapValidation(
			fmt.Errorf("%w: heartbeat timeout must exceed interval", errors.ErrInvalidConfig),
			"Registry", "New", "check heartbeat policy")
	}
	return r, nil
}

// Start subscribes to the discovery subjects, announces the local service,
// and launches the heartbeat and liveness sweep loops.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.ErrAlreadyStarted
	}
	r.started = true
	r.mu.Unlock()

	subjects := map[string]transport.Handler{
		message.SubjectRegister:   r.handleRegister,
		message.SubjectUnregister: r.handleUnregister,
		message.SubjectHeartbeat:  r.handleHeartbeat,
	}
	for subject, handler := range subjects {
		sub, err := r.conn.Subscribe(ctx, subject, handler)
		if err != nil {
			r.teardown()
			return errors.WrapConnection(err, "Registry", "Start",
				fmt.Sprintf("subscribe %s", subject))
		}
		r.mu.Lock()
		r.subs = append(r.subs, sub)
		r.mu.Unlock()
	}

	if err := r.announce(ctx); err != nil {
		r.teardown()
		return err
	}

	r.wg.Add(2)
	go r.heartbeatLoop()
	go r.sweepLoop()

	r.logger.Info("registry started",
		"service_id", r.identity.ServiceID,
		"service_type", r.identity.ServiceType,
		"heartbeat_interval", r.heartbeatInterval)
	return nil
}

// Stop announces departure, cancels subscriptions, and stops the loops.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return errors.ErrNotStarted
	}
	r.started = false
	r.mu.Unlock()

	// Best effort: peers sweep us out eventually even if this is lost.
	env := message.New(message.TypeUnregister, r.identity.ServiceID,
		&message.UnregisterPayload{ServiceID: r.identity.ServiceID})
	if data, err := env.Encode(); err == nil {
		if err := r.conn.Publish(ctx, message.SubjectUnregister, data); err != nil {
			r.logger.Warn("unregister publish failed", "error", err)
		}
	}

	close(r.done)
	r.wg.Wait()
	r.teardown()

	r.logger.Info("registry stopped", "service_id", r.identity.ServiceID)
	return nil
}

func (r *Registry) teardown() {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			r.logger.Warn("unsubscribe failed", "subject", sub.Subject(), "error", err)
		}
	}
}

// announce publishes the local REGISTER record.
func (r *Registry) announce(ctx context.Context) error {
	env := message.New(message.TypeRegister, r.identity.ServiceID,
		&message.RegisterPayload{
			ServiceID:    r.identity.ServiceID,
			ServiceType:  r.identity.ServiceType,
			Capabilities: r.identity.Capabilities,
			Metadata:     r.identity.Metadata,
		})
	data, err := env.Encode()
	if err != nil {
		return err
	}
	if err := r.conn.Publish(ctx, message.SubjectRegister, data); err != nil {
		return errors.WrapConnection(err, "Registry", "announce", "publish register")
	}
	return nil
}

func (r *Registry) heartbeatLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			env := message.New(message.TypeHeartbeat, r.identity.ServiceID,
				&message.HeartbeatPayload{ServiceID: r.identity.ServiceID})
			data, err := env.Encode()
			if err != nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), r.heartbeatInterval)
			if err := r.conn.Publish(ctx, message.SubjectHeartbeat, data); err != nil {
				r.logger.Warn("heartbeat publish failed", "error", err)
			}
			cancel()
		}
	}
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.Sweep(time.Now())
		}
	}
}

// Sweep marks peers whose last heartbeat is older than the liveness
// timeout as offline. Offline records are retained so a late heartbeat
// brings the peer straight back.
func (r *Registry) Sweep(now time.Time) {
	cutoff := now.Add(-r.heartbeatTimeout)

	r.mu.Lock()
	swept := 0
	online := 0
	for _, e := range r.services {
		if e.info.Status == StatusOnline && e.info.LastSeen.Before(cutoff) {
			e.info.Status = StatusOffline
			swept++
			r.logger.Warn("peer offline",
				"service_id", e.info.ServiceID,
				"last_seen", e.info.LastSeen)
		}
		if e.info.Status == StatusOnline {
			online++
		}
	}
	changed := r.onlineChanged
	r.mu.Unlock()

	if swept > 0 && changed != nil {
		changed(online)
	}
}

func (r *Registry) decode(msg *transport.Msg) *message.Envelope {
	env, err := message.Decode(msg.Data)
	if err != nil {
		r.logger.Warn("discarding invalid discovery message",
			"subject", msg.Subject, "error", err)
		return nil
	}
	return env
}

func (r *Registry) handleRegister(_ context.Context, msg *transport.Msg) {
	env := r.decode(msg)
	if env == nil {
		return
	}
	p, ok := env.Payload.(*message.RegisterPayload)
	if !ok || p.ServiceID == r.identity.ServiceID {
		return
	}

	r.mu.Lock()
	e, known := r.services[p.ServiceID]
	if known && env.Headers.Timestamp.Before(e.messageAt) {
		// A replayed or reordered announcement never regresses the view.
		r.mu.Unlock()
		return
	}
	registeredAt := env.Headers.Timestamp
	if known {
		registeredAt = e.info.RegisteredAt
	}
	r.services[p.ServiceID] = &entry{
		info: ServiceInfo{
			ServiceID:    p.ServiceID,
			ServiceType:  p.ServiceType,
			Capabilities: p.Capabilities,
			Metadata:     p.Metadata,
			Status:       StatusOnline,
			RegisteredAt: registeredAt,
			LastSeen:     env.Headers.Timestamp,
		},
		messageAt: env.Headers.Timestamp,
	}
	online := r.countOnlineLocked()
	changed := r.onlineChanged
	r.mu.Unlock()

	r.logger.Info("peer registered",
		"service_id", p.ServiceID,
		"service_type", p.ServiceType,
		"capabilities", p.Capabilities)
	if changed != nil {
		changed(online)
	}
}

func (r *Registry) handleHeartbeat(_ context.Context, msg *transport.Msg) {
	env := r.decode(msg)
	if env == nil {
		return
	}
	p, ok := env.Payload.(*message.HeartbeatPayload)
	if !ok || p.ServiceID == r.identity.ServiceID {
		return
	}

	r.mu.Lock()
	e, known := r.services[p.ServiceID]
	if !known {
		// Heartbeat from a peer we never saw register. Its REGISTER may
		// still be in flight or was lost; wait for the announcement.
		r.mu.Unlock()
		r.logger.Debug("heartbeat from unknown peer", "service_id", p.ServiceID)
		return
	}
	if env.Headers.Timestamp.Before(e.messageAt) {
		r.mu.Unlock()
		return
	}
	wasOffline := e.info.Status == StatusOffline
	e.info.Status = StatusOnline
	e.info.LastSeen = env.Headers.Timestamp
	e.messageAt = env.Headers.Timestamp
	online := r.countOnlineLocked()
	changed := r.onlineChanged
	r.mu.Unlock()

	if wasOffline {
		r.logger.Info("peer back online", "service_id", p.ServiceID)
		if changed != nil {
			changed(online)
		}
	}
}

func (r *Registry) handleUnregister(_ context.Context, msg *transport.Msg) {
	env := r.decode(msg)
	if env == nil {
		return
	}
	p, ok := env.Payload.(*message.UnregisterPayload)
	if !ok || p.ServiceID == r.identity.ServiceID {
		return
	}

	r.mu.Lock()
	e, known := r.services[p.ServiceID]
	if !known || env.Headers.Timestamp.Before(e.messageAt) {
		r.mu.Unlock()
		return
	}
	// Records are never deleted, only transitioned. A later heartbeat or
	// re-register from the same serviceId brings the peer straight back.
	e.info.Status = StatusOffline
	e.info.LastSeen = env.Headers.Timestamp
	e.messageAt = env.Headers.Timestamp
	online := r.countOnlineLocked()
	changed := r.onlineChanged
	r.mu.Unlock()

	r.logger.Info("peer unregistered", "service_id", p.ServiceID)
	if changed != nil {
		changed(online)
	}
}

func (r *Registry) countOnlineLocked() int {
	n := 0
	for _, e := range r.services {
		if e.info.Status == StatusOnline {
			n++
		}
	}
	return n
}

// Lookup returns the current view of a peer.
func (r *Registry) Lookup(serviceID string) (ServiceInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.services[serviceID]
	if !ok {
		return ServiceInfo{}, errors.WrapNotFound(
			fmt.Errorf("%w: service %s", errors.ErrNotFound, serviceID),
			"Registry", "Lookup", "find service")
	}
	return cloneInfo(e.info), nil
}

// List returns every known peer, online or offline.
func (r *Registry) List() []ServiceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServiceInfo, 0, len(r.services))
	for _, e := range r.services {
		out = append(out, cloneInfo(e.info))
	}
	return out
}

// FindByCapability returns the online peers advertising a capability.
func (r *Registry) FindByCapability(capability string) []ServiceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ServiceInfo
	for _, e := range r.services {
		if e.info.Status != StatusOnline {
			continue
		}
		for _, c := range e.info.Capabilities {
			if c == capability {
				out = append(out, cloneInfo(e.info))
				break
			}
		}
	}
	return out
}

// FindByType returns the online peers of a service type.
func (r *Registry) FindByType(serviceType string) []ServiceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ServiceInfo
	for _, e := range r.services {
		if e.info.Status == StatusOnline && e.info.ServiceType == serviceType {
			out = append(out, cloneInfo(e.info))
		}
	}
	return out
}

// OnlineCount returns the number of peers currently marked online.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.countOnlineLocked()
}

// Identity returns what this registry announces about the local service.
func (r *Registry) Identity() Identity {
	return r.identity
}

func cloneInfo(info ServiceInfo) ServiceInfo {
	out := info
	out.Capabilities = append([]string(nil), info.Capabilities...)
	if info.Metadata != nil {
		out.Metadata = make(map[string]string, len(info.Metadata))
		for k, v := range info.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
