//go:build integration

package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/fairyhunter13/agent-taskplane/internal/retry"
)

func startRedpanda(t *testing.T) []string {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "docker.redpanda.com/redpandadata/redpanda:v24.2.7",
		ExposedPorts: []string{"9092/tcp"},
		Cmd: []string{
			"redpanda", "start", "--overprovisioned", "--smp", "1",
			"--memory", "512M", "--reserve-memory", "0M", "--node-id", "0",
			"--check=false", "--kafka-addr", "PLAINTEXT://0.0.0.0:9092",
			"--advertise-kafka-addr", "PLAINTEXT://localhost:9092",
		},
		WaitingFor: wait.ForLog("Successfully started Redpanda!").WithStartupTimeout(90 * time.Second),
	}
	rpC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rpC.Terminate(ctx) })

	host, err := rpC.Host(ctx)
	require.NoError(t, err)
	port, err := rpC.MappedPort(ctx, "9092")
	require.NoError(t, err)

	return []string{host + ":" + port.Port()}
}

// TestClient_PublishAndConsume_Integration round-trips a real message
// through a Redpanda broker: publish, then consume within the same
// consumer group and confirm the payload and correlation id survive.
func TestClient_PublishAndConsume_Integration(t *testing.T) {
	brokers := startRedpanda(t)
	opts := retry.Options{BaseDelay: 200 * time.Millisecond, Deadline: 30 * time.Second, Jitter: 0}

	client := NewClient(brokers, "integration-test-group", opts)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	defer func() { _ = client.Disconnect(ctx) }()

	const queue = "integration.mandates"
	require.True(t, client.PublishMessageResilient(ctx, queue, []byte("hello"), "corr-1", 10*time.Second))

	received := make(chan []byte, 1)
	consumeCtx, stopConsume := context.WithCancel(ctx)
	defer stopConsume()
	go func() {
		_ = client.ConsumeQueue(consumeCtx, queue, func(ctx context.Context, payload []byte) error {
			select {
			case received <- payload:
			default:
			}
			return nil
		})
	}()

	select {
	case payload := <-received:
		require.Equal(t, "hello", string(payload))
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for consumed record")
	}
}

// TestClient_GetQueueDepth_Integration confirms queue depth reflects
// unconsumed records against the real admin API rather than a mock.
func TestClient_GetQueueDepth_Integration(t *testing.T) {
	brokers := startRedpanda(t)
	opts := retry.Options{BaseDelay: 200 * time.Millisecond, Deadline: 30 * time.Second, Jitter: 0}

	client := NewClient(brokers, "depth-test-group", opts)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	defer func() { _ = client.Disconnect(ctx) }()

	const queue = "integration.depth"
	for i := 0; i < 3; i++ {
		require.True(t, client.PublishMessageResilient(ctx, queue, []byte("m"), "corr", 10*time.Second))
	}

	require.Eventually(t, func() bool {
		depth, ok := client.GetQueueDepth(ctx, queue)
		return ok && depth == 3
	}, 30*time.Second, time.Second)
}
