package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The broker tests run without a reachable Redis on purpose: the contract
// under test is that an unreachable broker never costs local delivery.

func TestBrokerBusDegradesToMemoryWhenBrokerDown(t *testing.T) {
	b, err := NewBrokerBus("redis://127.0.0.1:1/0", testConfig())
	require.NoError(t, err)
	defer b.Close()

	assert.False(t, b.connected.Load(), "bus should start degraded when broker is down")

	got := make(chan string, 1)
	b.Subscribe("alerts", func(_ context.Context, payload []byte) {
		got <- string(payload)
	})

	require.NoError(t, b.Publish(context.Background(), "alerts", []byte("still-delivered")))

	select {
	case payload := <-got:
		assert.Equal(t, "still-delivered", payload)
	case <-time.After(2 * time.Second):
		t.Fatal("payload was not delivered while degraded")
	}
}

func TestBrokerBusPublishAfterCloseFails(t *testing.T) {
	b, err := NewBrokerBus("redis://127.0.0.1:1/0", testConfig())
	require.NoError(t, err)
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Publish(context.Background(), "alerts", []byte("x")), ErrClosed)
}

func TestBrokerBusRejectsBadURL(t *testing.T) {
	_, err := NewBrokerBus("http://not-redis", testConfig())
	require.Error(t, err)
}
