package ws

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pliu/alumnichat/internal/auth"
	"github.com/pliu/alumnichat/internal/models"
)

var testSecret = []byte("test-secret")

type serverFixture struct {
	*routerFixture
	handler  *Handler
	server   *httptest.Server
	shutdown context.CancelFunc
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	f := newRouterFixture(t)
	lifetime, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := NewHandler(lifetime, auth.NewResolver(testSecret, f.store), f.hub, f.router, Options{}, logger)
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &serverFixture{routerFixture: f, handler: handler, server: server, shutdown: cancel}
}

func (f *serverFixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (f *serverFixture) login(t *testing.T, u *models.User) *websocket.Conn {
	t.Helper()
	token, err := auth.Sign(testSecret, u.ID, time.Hour, time.Now())
	require.NoError(t, err)
	conn := f.dial(t, token)
	established := readUntil(t, conn, EventConnectionEstablished)
	require.Equal(t, u.ID, established["user_id"])
	return conn
}

// readUntil skips events until one of the given type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, eventType string) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	for {
		var event map[string]any
		require.NoError(t, conn.ReadJSON(&event))
		if event["type"] == eventType {
			return event
		}
	}
}

func waitForMembers(t *testing.T, f *serverFixture, group string, want int) {
	t.Helper()
	assert.Eventually(t, func() bool {
		n, err := f.hub.Members(context.Background(), group)
		return err == nil && n == want
	}, 2*time.Second, 10*time.Millisecond, "group %s", group)
}

func TestHandlerRejectsAnonymous(t *testing.T) {
	f := newServerFixture(t)
	alice := f.user(t, "alice")
	expired, err := auth.Sign(testSecret, alice.ID, time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)

	for name, token := range map[string]string{
		"no token":      "",
		"garbage token": "not-a-jwt",
		"expired token": expired,
	} {
		t.Run(name, func(t *testing.T) {
			conn := f.dial(t, token)
			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, _, err := conn.ReadMessage()
			assert.True(t, websocket.IsCloseError(err, CloseAuthRequired), "got %v", err)
		})
	}
	waitForMembers(t, f, OnlineUsersGroup, 0)
}

func TestHandlerConnectSequence(t *testing.T) {
	f := newServerFixture(t)
	alice, bob := f.user(t, "alice"), f.user(t, "bob")

	a := f.login(t, alice)
	waitForMembers(t, f, UserGroup(alice.ID), 1)

	f.login(t, bob)
	online := readUntil(t, a, EventUserOnline)
	assert.Equal(t, bob.ID, online["user_id"])
	assert.Equal(t, "bob", online["username"])
	waitForMembers(t, f, OnlineUsersGroup, 2)
}

func TestHandlerChatFlow(t *testing.T) {
	f := newServerFixture(t)
	alice, bob := f.user(t, "alice"), f.user(t, "bob")
	a, b := f.login(t, alice), f.login(t, bob)

	require.NoError(t, a.WriteJSON(map[string]any{
		"type":            "send_message",
		"conversation_id": "temp-1",
		"message":         "hi",
		"receiver_id":     bob.ID,
	}))

	delivered := readUntil(t, b, EventChatMessage)
	echo := readUntil(t, a, EventChatMessage)
	assert.Equal(t, echo["id"], delivered["id"])
	assert.Equal(t, echo["conversation_id"], delivered["conversation_id"])
	assert.Equal(t, true, delivered["is_new_conversation"])

	conversationID := delivered["conversation_id"].(string)
	require.NoError(t, b.WriteJSON(map[string]any{"type": "join_conversation", "conversation_id": conversationID}))
	waitForMembers(t, f, ConversationGroup(conversationID), 2)

	require.NoError(t, a.WriteJSON(map[string]any{"type": "typing_start", "conversation_id": conversationID}))
	typing := readUntil(t, b, EventTypingIndicator)
	assert.Equal(t, alice.ID, typing["user_id"])

	require.NoError(t, b.WriteJSON(map[string]any{
		"type":            "mark_as_read",
		"message_id":      delivered["id"],
		"conversation_id": conversationID,
	}))
	receipt := readUntil(t, a, EventMessageRead)
	assert.Equal(t, delivered["id"], receipt["message_id"])
	assert.Equal(t, bob.ID, receipt["reader_id"])
}

func TestHandlerDisconnect(t *testing.T) {
	f := newServerFixture(t)
	alice, bob := f.user(t, "alice"), f.user(t, "bob")
	a, b := f.login(t, alice), f.login(t, bob)

	require.NoError(t, a.Close())

	offline := readUntil(t, b, EventUserOffline)
	assert.Equal(t, alice.ID, offline["user_id"])

	waitForMembers(t, f, UserGroup(alice.ID), 0)
	waitForMembers(t, f, OnlineUsersGroup, 1)

	// The offline event is published once.
	b.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var event map[string]any
	err := b.ReadJSON(&event)
	var netErr net.Error
	require.ErrorAs(t, err, &netErr, "unexpected event %v", event)
	assert.True(t, netErr.Timeout())
}

func TestHandlerLifetimeCancelled(t *testing.T) {
	f := newServerFixture(t)
	alice := f.user(t, "alice")
	a := f.login(t, alice)

	f.shutdown()

	a.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := a.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
			break
		}
	}
	waitForMembers(t, f, OnlineUsersGroup, 0)
}

func TestHandlerWaitDrainsSessions(t *testing.T) {
	f := newServerFixture(t)
	alice := f.user(t, "alice")
	watcher := newFakeSession(f.user(t, "watcher"), f.hub)
	require.NoError(t, watcher.Join(context.Background(), OnlineUsersGroup))

	f.login(t, alice)
	assert.Equal(t, EventUserOnline, watcher.next(t)["type"])

	// Stop the hub as soon as the sessions are done, the way serve does.
	f.shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.handler.Wait(ctx))
	f.stopHub()

	offline := watcher.next(t)
	assert.Equal(t, EventUserOffline, offline["type"])
	assert.Equal(t, alice.ID, offline["user_id"])
}

func TestHandlerWaitHonoursContext(t *testing.T) {
	f := newServerFixture(t)
	f.login(t, f.user(t, "alice"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.handler.Wait(ctx), context.DeadlineExceeded)
}
