package statusbus

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"possync/backend/internal/domain"
)

func TestRedisBusPublishesAndCachesLatest(t *testing.T) {
	addr := os.Getenv("POSSYNC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set POSSYNC_TEST_REDIS_ADDR to run redis integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bus := NewRedisBus(addr, "", 0, time.Minute)
	t.Cleanup(func() { _ = bus.Close() })
	require.NoError(t, bus.Ping(ctx))

	events, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	sent := domain.StatusEvent{Online: true, Message: "Synced (3 changes) - 10:15", At: time.Now().UTC()}
	require.NoError(t, bus.Publish(ctx, sent))

	select {
	case got := <-events:
		assert.Equal(t, sent.Message, got.Message)
		assert.True(t, got.Online)
	case <-ctx.Done():
		t.Fatalf("no event received")
	}

	latest, ok, err := bus.Latest(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sent.Message, latest.Message)
}

func TestNoopBusAcceptsEverything(t *testing.T) {
	assert.NoError(t, NoopBus{}.Publish(context.Background(), domain.StatusEvent{}))
}
