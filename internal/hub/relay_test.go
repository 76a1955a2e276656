package hub_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/settlement-engine/internal/hub"
)

func runRelay(t *testing.T, r *hub.Relay) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestRelay_ReachesClientsOnOtherReplicas(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_URL")
	if addr == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(addr)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { _ = rdb.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	channel := "test-hub:" + uuid.NewString()

	hubA, _ := newTestHub(t)
	hubB, srvB := newTestHub(t)
	relayA := hub.NewRelay(rdb, channel, hubA, logger)
	relayB := hub.NewRelay(rdb, channel, hubB, logger)
	runRelay(t, relayA)
	runRelay(t, relayB)
	for _, r := range []*hub.Relay{relayA, relayB} {
		select {
		case <-r.Ready():
		case <-time.After(2 * time.Second):
			t.Fatal("relay did not subscribe")
		}
	}

	bob := dial(t, srvB, "bob")
	carol := dial(t, srvB, "carol")
	require.Eventually(t, func() bool { return hubB.Clients() == 2 }, time.Second, 5*time.Millisecond)

	relayA.SendTo("bob", hub.Message{Type: hub.TypeBalance, Data: "110"})
	relayA.Broadcast(hub.Message{Type: hub.TypeTick, Data: map[string]any{"index": 12}})

	assert.Equal(t, hub.TypeBalance, read(t, bob).Type)
	assert.Equal(t, hub.TypeTick, read(t, bob).Type)
	assert.Equal(t, hub.TypeTick, read(t, carol).Type, "balance stays with its owner")
}

func TestRelay_WithoutRedisDeliversLocally(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	h, srv := newTestHub(t)
	relay := hub.NewRelay(rdb, "hub:events", h, slog.New(slog.NewTextHandler(io.Discard, nil)))
	runRelay(t, relay)

	alice := dial(t, srv, "alice")
	require.Eventually(t, func() bool { return h.Clients() == 1 }, time.Second, 5*time.Millisecond)

	relay.Broadcast(hub.Message{Type: hub.TypeTrade, Event: "settled"})

	msg := read(t, alice)
	assert.Equal(t, hub.TypeTrade, msg.Type)
	assert.Equal(t, "settled", msg.Event)
}
