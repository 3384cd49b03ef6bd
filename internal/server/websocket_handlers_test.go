package server

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"lineage/internal/models"
	"lineage/internal/notifications"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// listen serves the app on a loopback port with realtime wiring started.
func (e *testEnv) listen(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = e.app.Listener(ln) }()
	t.Cleanup(func() { _ = e.app.Shutdown() })

	require.NoError(t, e.s.hub.StartWiring(t.Context(), e.s.notifier))
	return ln.Addr().String()
}

func dialNotifications(t *testing.T, addr, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := fmt.Sprintf("ws://%s/ws", addr)
	if token != "" {
		url += "?token=" + token
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if resp != nil && resp.Body != nil {
		t.Cleanup(func() { _ = resp.Body.Close() })
	}
	if conn != nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, resp, err
}

func readEvent(t *testing.T, conn *websocket.Conn) notifications.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev notifications.Event
	require.NoError(t, json.Unmarshal(raw, &ev))
	return ev
}

func TestWebsocket_RejectsAnonymous(t *testing.T) {
	e := newTestEnv(t)
	addr := e.listen(t)

	conn, resp, err := dialNotifications(t, addr, "")
	require.Error(t, err)
	assert.Nil(t, conn)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = dialNotifications(t, addr, "garbage")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebsocket_DeliversViewMilestone(t *testing.T) {
	e := newTestEnv(t)
	author := e.user("author", false)
	reader := e.user("reader", false)
	post := e.post(author, "Century", true)
	require.NoError(t, e.db.Model(&models.Post{}).Where("id = ?", post.ID).Update("views", 99).Error)

	addr := e.listen(t)
	conn, _, err := dialNotifications(t, addr, e.token(author))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.s.hub.ConnectionCount(author.ID) == 1 },
		2*time.Second, 10*time.Millisecond)

	resp := e.do(http.MethodGet, fmt.Sprintf("/post/%d", post.ID), nil, e.token(reader))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ev := readEvent(t, conn)
	assert.Equal(t, notifications.EventViewMilestone, ev.Type)
	payload, ok := ev.Payload.(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 100, payload["views"])
	assert.EqualValues(t, post.ID, payload["post_id"])
	assert.Equal(t, "Century", payload["post_title"])
	assert.NotContains(t, payload, "author_email")
}

func TestWebsocket_OnlyOwnChannel(t *testing.T) {
	e := newTestEnv(t)
	alice := e.user("alice", false)
	bob := e.user("bob", false)

	addr := e.listen(t)
	conn, _, err := dialNotifications(t, addr, e.token(alice))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.s.hub.ConnectionCount(alice.ID) == 1 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, e.s.notifier.PublishUser(t.Context(), bob.ID, `{"type":"ping","payload":"bob"}`))
	require.NoError(t, e.s.notifier.PublishUser(t.Context(), alice.ID, `{"type":"ping","payload":"alice"}`))

	ev := readEvent(t, conn)
	assert.Equal(t, "ping", ev.Type)
	assert.Equal(t, "alice", ev.Payload)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return e.s.hub.ConnectionCount(alice.ID) == 0 },
		2*time.Second, 10*time.Millisecond)
}
