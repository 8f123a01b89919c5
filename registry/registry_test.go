package registry

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EchoingVesper/vespera-atelier-sub013/errors"
	"github.com/EchoingVesper/vespera-atelier-sub013/message"
	"github.com/EchoingVesper/vespera-atelier-sub013/transport"
)

func testIdentity(id string) Identity {
	return Identity{
		ServiceID:    id,
		ServiceType:  "worker",
		Capabilities: []string{"index", "search"},
		Metadata:     map[string]string{"zone": "eu-1"},
	}
}

func startRegistry(t *testing.T, bus *transport.Bus, id string, opts ...RegistryOption) *Registry {
	t.Helper()
	r, err := New(bus, testIdentity(id), opts...)
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() {
		_ = r.Stop(context.Background())
	})
	return r
}

func publish(t *testing.T, bus *transport.Bus, subject string, env *message.Envelope) {
	t.Helper()
	data, err := env.Encode()
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), subject, data))
}

func TestNewValidation(t *testing.T) {
	bus := transport.NewBus()
	defer bus.Close()

	_, err := New(nil, testIdentity("a"))
	assert.Error(t, err)

	_, err = New(bus, Identity{ServiceType: "worker"})
	assert.Error(t, err)

	_, err = New(bus, testIdentity("a"),
		WithHeartbeatInterval(10*time.Second),
		WithHeartbeatTimeout(5*time.Second))
	assert.Error(t, err)
}

func TestLifecycle(t *testing.T) {
	bus := transport.NewBus()
	defer bus.Close()

	r, err := New(bus, testIdentity("svc-a"))
	require.NoError(t, err)

	assert.ErrorIs(t, r.Stop(context.Background()), errors.ErrNotStarted)

	require.NoError(t, r.Start(context.Background()))
	assert.ErrorIs(t, r.Start(context.Background()), errors.ErrAlreadyStarted)
	require.NoError(t, r.Stop(context.Background()))
}

func TestPeersDiscoverEachOther(t *testing.T) {
	bus := transport.NewBus()
	defer bus.Close()

	a := startRegistry(t, bus, "svc-a")
	startRegistry(t, bus, "svc-b")

	require.Eventually(t, func() bool {
		_, err := a.Lookup("svc-b")
		return err == nil
	}, time.Second, 10*time.Millisecond)

	info, err := a.Lookup("svc-b")
	require.NoError(t, err)
	assert.Equal(t, "worker", info.ServiceType)
	assert.Equal(t, StatusOnline, info.Status)
	assert.Equal(t, []string{"index", "search"}, info.Capabilities)

	// A registry never tracks its own identity.
	_, err = a.Lookup("svc-a")
	assert.True(t, errors.IsNotFound(err))
}

func TestFindByCapabilityAndType(t *testing.T) {
	bus := transport.NewBus()
	defer bus.Close()

	a := startRegistry(t, bus, "svc-a")

	other, err := New(bus, Identity{
		ServiceID:    "svc-c",
		ServiceType:  "gateway",
		Capabilities: []string{"route"},
	})
	require.NoError(t, err)
	require.NoError(t, other.Start(context.Background()))
	defer other.Stop(context.Background())

	startRegistry(t, bus, "svc-b")

	require.Eventually(t, func() bool {
		return len(a.List()) == 2
	}, time.Second, 10*time.Millisecond)

	byCap := a.FindByCapability("index")
	require.Len(t, byCap, 1)
	assert.Equal(t, "svc-b", byCap[0].ServiceID)

	byType := a.FindByType("gateway")
	require.Len(t, byType, 1)
	assert.Equal(t, "svc-c", byType[0].ServiceID)

	assert.Empty(t, a.FindByCapability("transcode"))
}

func TestUnregisterTransitionsPeerOffline(t *testing.T) {
	bus := transport.NewBus()
	defer bus.Close()

	a := startRegistry(t, bus, "svc-a")

	b, err := New(bus, testIdentity("svc-b"))
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))

	require.Eventually(t, func() bool {
		_, err := a.Lookup("svc-b")
		return err == nil
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, b.Stop(context.Background()))

	// The record survives departure; only its status transitions.
	require.Eventually(t, func() bool {
		info, err := a.Lookup("svc-b")
		return err == nil && info.Status == StatusOffline
	}, time.Second, 10*time.Millisecond)
	assert.Empty(t, a.FindByCapability("index"))
}

func TestHeartbeatAfterUnregisterRevivesPeer(t *testing.T) {
	bus := transport.NewBus()
	defer bus.Close()

	a := startRegistry(t, bus, "svc-a")

	now := time.Now().UTC()
	reg := message.New(message.TypeRegister, "peer-1",
		&message.RegisterPayload{ServiceID: "peer-1", ServiceType: "worker", Capabilities: []string{"index"}},
		message.WithTimestamp(now))
	publish(t, bus, message.SubjectRegister, reg)

	require.Eventually(t, func() bool {
		return a.OnlineCount() == 1
	}, time.Second, 10*time.Millisecond)

	unreg := message.New(message.TypeUnregister, "peer-1",
		&message.UnregisterPayload{ServiceID: "peer-1"},
		message.WithTimestamp(now.Add(time.Second)))
	publish(t, bus, message.SubjectUnregister, unreg)

	require.Eventually(t, func() bool {
		info, err := a.Lookup("peer-1")
		return err == nil && info.Status == StatusOffline
	}, time.Second, 10*time.Millisecond)

	// A later heartbeat alone, with no fresh REGISTER, brings it back.
	hb := message.New(message.TypeHeartbeat, "peer-1",
		&message.HeartbeatPayload{ServiceID: "peer-1"},
		message.WithTimestamp(now.Add(2*time.Second)))
	publish(t, bus, message.SubjectHeartbeat, hb)

	require.Eventually(t, func() bool {
		info, err := a.Lookup("peer-1")
		return err == nil && info.Status == StatusOnline
	}, time.Second, 10*time.Millisecond)
	require.Len(t, a.FindByCapability("index"), 1)
}

func TestSweepMarksOffline(t *testing.T) {
	bus := transport.NewBus()
	defer bus.Close()

	var lastOnline atomic.Int64
	a := startRegistry(t, bus, "svc-a",
		WithOnlineChanged(func(n int) { lastOnline.Store(int64(n)) }))
	startRegistry(t, bus, "svc-b")

	require.Eventually(t, func() bool {
		return a.OnlineCount() == 1
	}, time.Second, 10*time.Millisecond)

	// Pretend the liveness timeout has elapsed with no heartbeat.
	a.Sweep(time.Now().Add(time.Hour))

	info, err := a.Lookup("svc-b")
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, info.Status)
	assert.Equal(t, 0, a.OnlineCount())
	assert.Equal(t, int64(0), lastOnline.Load())

	// Offline peers are excluded from discovery queries.
	assert.Empty(t, a.FindByCapability("index"))
	assert.Empty(t, a.FindByType("worker"))
}

func TestHeartbeatRevivesOfflinePeer(t *testing.T) {
	bus := transport.NewBus()
	defer bus.Close()

	a := startRegistry(t, bus, "svc-a")
	startRegistry(t, bus, "svc-b", WithHeartbeatInterval(20*time.Millisecond))

	require.Eventually(t, func() bool {
		return a.OnlineCount() == 1
	}, time.Second, 10*time.Millisecond)

	a.Sweep(time.Now().Add(time.Hour))
	require.Equal(t, 0, a.OnlineCount())

	// The next heartbeat restores the peer without a new REGISTER.
	require.Eventually(t, func() bool {
		return a.OnlineCount() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestStaleRegisterIgnored(t *testing.T) {
	bus := transport.NewBus()
	defer bus.Close()

	a := startRegistry(t, bus, "svc-a")

	now := time.Now().UTC()
	fresh := message.New(message.TypeRegister, "svc-x",
		&message.RegisterPayload{ServiceID: "svc-x", ServiceType: "worker", Capabilities: []string{"new"}},
		message.WithTimestamp(now))
	publish(t, bus, message.SubjectRegister, fresh)

	require.Eventually(t, func() bool {
		_, err := a.Lookup("svc-x")
		return err == nil
	}, time.Second, 10*time.Millisecond)

	// A reordered announcement with an older timestamp must not win.
	stale := message.New(message.TypeRegister, "svc-x",
		&message.RegisterPayload{ServiceID: "svc-x", ServiceType: "worker", Capabilities: []string{"old"}},
		message.WithTimestamp(now.Add(-time.Minute)))
	publish(t, bus, message.SubjectRegister, stale)

	time.Sleep(50 * time.Millisecond)
	info, err := a.Lookup("svc-x")
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, info.Capabilities)
}

func TestHeartbeatFromUnknownPeerIgnored(t *testing.T) {
	bus := transport.NewBus()
	defer bus.Close()

	a := startRegistry(t, bus, "svc-a")

	hb := message.New(message.TypeHeartbeat, "svc-ghost",
		&message.HeartbeatPayload{ServiceID: "svc-ghost"})
	publish(t, bus, message.SubjectHeartbeat, hb)

	time.Sleep(50 * time.Millisecond)
	_, err := a.Lookup("svc-ghost")
	assert.True(t, errors.IsNotFound(err))
}

func TestInvalidDiscoveryMessageDiscarded(t *testing.T) {
	bus := transport.NewBus()
	defer bus.Close()

	a := startRegistry(t, bus, "svc-a")

	require.NoError(t, bus.Publish(context.Background(),
		message.SubjectRegister, []byte("not-json")))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, a.List())
}

func TestListReturnsCopies(t *testing.T) {
	bus := transport.NewBus()
	defer bus.Close()

	a := startRegistry(t, bus, "svc-a")
	startRegistry(t, bus, "svc-b")

	require.Eventually(t, func() bool {
		return len(a.List()) == 1
	}, time.Second, 10*time.Millisecond)

	list := a.List()
	list[0].Capabilities[0] = "mutated"
	list[0].Metadata["zone"] = "mutated"

	info, err := a.Lookup("svc-b")
	require.NoError(t, err)
	assert.Equal(t, "index", info.Capabilities[0])
	assert.Equal(t, "eu-1", info.Metadata["zone"])
}
