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

func TestUserChannelRoundTrip(t *testing.T) {
	assert.Equal(t, "notifications:user:42", UserChannel(42))

	id, ok := ParseUserChannel(UserChannel(42))
	require.True(t, ok)
	assert.Equal(t, uint(42), id)

	for _, bad := range []string{"", "notifications:user:", "notifications:user:abc", "notifications:user:0", "other:42"} {
		_, ok := ParseUserChannel(bad)
		assert.False(t, ok, bad)
	}
}

func TestNotifier_NilClient(t *testing.T) {
	var n *Notifier
	assert.NoError(t, n.PublishUser(context.Background(), 1, "x"))
	assert.NoError(t, NewNotifier(nil).StartPatternSubscriber(context.Background(), func(string, string) {}))
}

func TestNotifier_PublishSubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	n := NewNotifier(rdb)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type msg struct{ channel, payload string }
	got := make(chan msg, 1)
	require.NoError(t, n.StartPatternSubscriber(ctx, func(channel, payload string) {
		got <- msg{channel, payload}
	}))

	require.NoError(t, n.PublishUser(ctx, 9, `{"type":"view_milestone"}`))

	select {
	case m := <-got:
		assert.Equal(t, "notifications:user:9", m.channel)
		assert.Equal(t, `{"type":"view_milestone"}`, m.payload)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}
