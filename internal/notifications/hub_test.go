package notifications

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(h *Hub, userID uint) *Client {
	return NewClient(h, nil, userID)
}

func TestHub_RegisterUnregister(t *testing.T) {
	hub := NewHub()
	client := testClient(hub, 1)

	require.NoError(t, hub.add(client))
	assert.Equal(t, 1, hub.ConnectionCount(1))

	hub.UnregisterClient(client)
	assert.Equal(t, 0, hub.ConnectionCount(1))

	_, open := <-client.Send
	assert.False(t, open, "send queue closed on unregister")

	// second unregister is a no-op
	hub.UnregisterClient(client)
	assert.False(t, client.TrySend([]byte("late")))
}

func TestHub_PerUserLimit(t *testing.T) {
	hub := NewHub()
	for i := 0; i < maxConnsPerUser; i++ {
		require.NoError(t, hub.add(testClient(hub, 5)))
	}
	assert.ErrorIs(t, hub.add(testClient(hub, 5)), errUserFull)
	assert.NoError(t, hub.add(testClient(hub, 6)), "other users are unaffected")
	require.NoError(t, hub.Shutdown(context.Background()))
}

func TestHub_BroadcastOnlyToUser(t *testing.T) {
	hub := NewHub()
	a1, a2, b := testClient(hub, 1), testClient(hub, 1), testClient(hub, 2)
	for _, c := range []*Client{a1, a2, b} {
		require.NoError(t, hub.add(c))
	}

	hub.Broadcast(1, "hello")

	assert.Equal(t, []byte("hello"), <-a1.Send)
	assert.Equal(t, []byte("hello"), <-a2.Send)
	assert.Empty(t, b.Send)
	require.NoError(t, hub.Shutdown(context.Background()))
}

func TestClient_TrySendDropsWhenFull(t *testing.T) {
	c := testClient(NewHub(), 1)
	for i := 0; i < sendBuffer; i++ {
		require.True(t, c.TrySend([]byte("x")))
	}
	assert.False(t, c.TrySend([]byte("overflow")))
}

func TestHub_ShutdownRejectsNewClients(t *testing.T) {
	hub := NewHub()
	client := testClient(hub, 1)
	require.NoError(t, hub.add(client))

	require.NoError(t, hub.Shutdown(context.Background()))
	require.NoError(t, hub.Shutdown(context.Background()))

	assert.Equal(t, 0, hub.ConnectionCount(1))
	assert.ErrorIs(t, hub.add(testClient(hub, 1)), errHubClosed)
}

func TestHub_StartWiringForwardsUserChannel(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	hub := NewHub()
	client := testClient(hub, 3)
	require.NoError(t, hub.add(client))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n := NewNotifier(rdb)
	require.NoError(t, hub.StartWiring(ctx, n))
	require.NoError(t, n.PublishUser(ctx, 3, "milestone"))

	select {
	case msg := <-client.Send:
		assert.Equal(t, "milestone", string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("message not forwarded")
	}
}
