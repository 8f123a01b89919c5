//go:build integration

package transport

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startNATS runs a NATS server container and returns its client URL.
func startNATS(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "nats:2.10-alpine",
		ExposedPorts: []string{"4222/tcp"},
		WaitingFor:   wait.ForLog("Server is ready").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4222")
	require.NoError(t, err)

	return fmt.Sprintf("nats://%s:%s", host, port.Port())
}

func TestIntegration_ConnectPublishSubscribe(t *testing.T) {
	url := startNATS(t)
	ctx := context.Background()

	client, err := NewClient(url, WithName("integration-test"))
	require.NoError(t, err)
	require.NoError(t, client.Connect(ctx))
	defer client.Close(ctx)

	assert.True(t, client.IsConnected())

	received := make(chan []byte, 1)
	_, err = client.Subscribe(ctx, "it.basic", func(_ context.Context, msg *Msg) {
		received <- msg.Data
	})
	require.NoError(t, err)

	require.NoError(t, client.Publish(ctx, "it.basic", []byte("over the wire")))

	select {
	case data := <-received:
		assert.Equal(t, []byte("over the wire"), data)
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestIntegration_RequestReply(t *testing.T) {
	url := startNATS(t)
	ctx := context.Background()

	client, err := NewClient(url)
	require.NoError(t, err)
	require.NoError(t, client.Connect(ctx))
	defer client.Close(ctx)

	_, err = client.Subscribe(ctx, "it.echo", func(ctx context.Context, msg *Msg) {
		require.NoError(t, client.Publish(ctx, msg.Reply, msg.Data))
	})
	require.NoError(t, err)

	reply, err := client.Request(ctx, "it.echo", []byte("ping"), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), reply)
}

func TestIntegration_QueueGroupLoadBalancing(t *testing.T) {
	url := startNATS(t)
	ctx := context.Background()

	client, err := NewClient(url)
	require.NoError(t, err)
	require.NoError(t, client.Connect(ctx))
	defer client.Close(ctx)

	var total atomic.Int32
	for i := 0; i < 3; i++ {
		_, err = client.Subscribe(ctx, "it.work", func(_ context.Context, _ *Msg) {
			total.Add(1)
		}, WithQueue("it-workers"))
		require.NoError(t, err)
	}

	for i := 0; i < 12; i++ {
		require.NoError(t, client.Publish(ctx, "it.work", []byte("job")))
	}

	assert.Eventually(t, func() bool { return total.Load() == 12 }, 5*time.Second, 20*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(12), total.Load(), "queue group must deliver each message exactly once")
}

func TestIntegration_RequestTimeoutWithoutResponder(t *testing.T) {
	url := startNATS(t)
	ctx := context.Background()

	client, err := NewClient(url)
	require.NoError(t, err)
	require.NoError(t, client.Connect(ctx))
	defer client.Close(ctx)

	_, err = client.Request(ctx, "it.nobody", []byte("x"), 500*time.Millisecond)
	require.Error(t, err)
}

func TestIntegration_RecorderCountsTraffic(t *testing.T) {
	url := startNATS(t)
	ctx := context.Background()

	rec := newTrafficRecorder()
	client, err := NewClient(url, WithRecorder(rec))
	require.NoError(t, err)
	require.NoError(t, client.Connect(ctx))
	defer client.Close(ctx)

	_, err = client.Subscribe(ctx, "it.traffic", func(_ context.Context, _ *Msg) {})
	require.NoError(t, err)

	env := []byte(`{"type":"HEARTBEAT","headers":{},"payload":{}}`)
	require.NoError(t, client.Publish(ctx, "it.traffic", env))
	require.NoError(t, client.Publish(ctx, "it.traffic", []byte("garbage")))

	assert.Equal(t, 1, rec.publishedCount("it.traffic/HEARTBEAT"))
	assert.Equal(t, 1, rec.publishedCount("it.traffic/"))
	require.Eventually(t, func() bool {
		return rec.receivedCount("it.traffic/HEARTBEAT") == 1 && rec.rejectedCount("decode") == 1
	}, 5*time.Second, 20*time.Millisecond)
}
