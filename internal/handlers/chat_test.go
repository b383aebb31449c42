package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pliu/alumnichat/internal/auth"
	"github.com/pliu/alumnichat/internal/broadcast"
	"github.com/pliu/alumnichat/internal/middleware"
	"github.com/pliu/alumnichat/internal/models"
	"github.com/pliu/alumnichat/internal/store/sqlstore"
)

var testSecret = []byte("handler-secret")

type apiFixture struct {
	store  *sqlstore.SQLStore
	router *mux.Router
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	s, err := sqlstore.New("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	handler := &ChatHandler{Store: s}
	r := mux.NewRouter()
	api := r.PathPrefix("/").Subrouter()
	api.Use(middleware.AuthMiddleware(auth.NewResolver(testSecret, s)))
	api.HandleFunc("/conversations", handler.GetConversations).Methods("GET")
	api.HandleFunc("/messages/{peer_id}", handler.GetMessages).Methods("GET")
	api.HandleFunc("/send", handler.SendMessage).Methods("POST")
	api.HandleFunc("/conversations/{id}/delete", handler.DeleteConversation).Methods("POST")
	api.HandleFunc("/users/search", handler.SearchUsers).Methods("GET")
	return &apiFixture{store: s, router: r}
}

func (f *apiFixture) user(t *testing.T, username, first, last string) *models.User {
	t.Helper()
	u := &models.User{Username: username, FirstName: first, LastName: last}
	require.NoError(t, f.store.CreateUser(context.Background(), u))
	return u
}

func (f *apiFixture) do(t *testing.T, as *models.User, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if as != nil {
		token, err := auth.Sign(testSecret, as.ID, time.Hour, time.Now())
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v), rr.Body.String())
	return v
}

func TestSendMessage(t *testing.T) {
	f := newAPIFixture(t)
	alice := f.user(t, "alice", "Alice", "Smith")
	bob := f.user(t, "bob", "", "")

	rr := f.do(t, alice, "POST", "/send", SendMessageRequest{ReceiverID: bob.ID, Message: "hello"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	view := decode[MessageView](t, rr)
	assert.NotEmpty(t, view.ID)
	assert.Equal(t, alice.ID, view.Sender)
	assert.Equal(t, bob.ID, view.Receiver)
	assert.Equal(t, "hello", view.Message)
	assert.Equal(t, "Alice Smith", view.SenderName)
	assert.Equal(t, "bob", view.ReceiverName)
	assert.False(t, view.IsRead)

	// The reply lands in the same conversation.
	rr = f.do(t, bob, "POST", "/send", SendMessageRequest{ReceiverID: alice.ID, Message: "hi back"})
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, view.ConversationID, decode[MessageView](t, rr).ConversationID)
}

func TestSendMessageErrors(t *testing.T) {
	f := newAPIFixture(t)
	alice := f.user(t, "alice", "", "")

	tests := []struct {
		name   string
		as     *models.User
		body   any
		status int
	}{
		{"unauthenticated", nil, SendMessageRequest{ReceiverID: "x", Message: "hi"}, http.StatusUnauthorized},
		{"invalid body", alice, "not an object", http.StatusBadRequest},
		{"missing message", alice, SendMessageRequest{ReceiverID: "x"}, http.StatusBadRequest},
		{"to self", alice, SendMessageRequest{ReceiverID: alice.ID, Message: "hi"}, http.StatusBadRequest},
		{"unknown receiver", alice, SendMessageRequest{ReceiverID: "ghost", Message: "hi"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(t, tt.as, "POST", "/send", tt.body)
			assert.Equal(t, tt.status, rr.Code)
			assert.NotEmpty(t, decode[map[string]string](t, rr)["error"])
		})
	}
}

func TestGetMessages(t *testing.T) {
	f := newAPIFixture(t)
	alice := f.user(t, "alice", "", "")
	bob := f.user(t, "bob", "", "")

	rr := f.do(t, alice, "GET", "/messages/"+bob.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decode[[]MessageView](t, rr))

	for _, body := range []string{"one", "two", "three"} {
		require.Equal(t, http.StatusCreated, f.do(t, alice, "POST", "/send", SendMessageRequest{ReceiverID: bob.ID, Message: body}).Code)
	}
	require.Equal(t, http.StatusCreated, f.do(t, bob, "POST", "/send", SendMessageRequest{ReceiverID: alice.ID, Message: "four"}).Code)

	rr = f.do(t, bob, "GET", "/messages/"+alice.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	views := decode[[]MessageView](t, rr)
	require.Len(t, views, 4)
	var bodies []string
	for _, v := range views {
		bodies = append(bodies, v.Message)
	}
	assert.Equal(t, []string{"one", "two", "three", "four"}, bodies)
	assert.Equal(t, bob.ID, views[3].Sender)
	assert.Equal(t, alice.ID, views[3].Receiver)

	rr = f.do(t, alice, "GET", "/messages/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestGetConversations(t *testing.T) {
	f := newAPIFixture(t)
	alice := f.user(t, "alice", "", "")
	bob := f.user(t, "bob", "Bob", "Jones")
	carol := f.user(t, "carol", "", "")

	require.Equal(t, http.StatusCreated, f.do(t, bob, "POST", "/send", SendMessageRequest{ReceiverID: alice.ID, Message: "from bob"}).Code)
	require.Equal(t, http.StatusCreated, f.do(t, carol, "POST", "/send", SendMessageRequest{ReceiverID: alice.ID, Message: "from carol"}).Code)

	rr := f.do(t, alice, "GET", "/conversations", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	views := decode[[]ConversationView](t, rr)
	require.Len(t, views, 2)

	byPeer := map[string]ConversationView{}
	for _, v := range views {
		byPeer[v.OtherUserID] = v
	}
	assert.Equal(t, "Bob Jones", byPeer[bob.ID].OtherUserName)
	assert.Equal(t, "bob", byPeer[bob.ID].OtherUser.Username)
	require.NotNil(t, byPeer[bob.ID].LastMessage)
	assert.Equal(t, "from bob", byPeer[bob.ID].LastMessage.Message)
	assert.Equal(t, 1, byPeer[bob.ID].UnreadCount)
	assert.Equal(t, 1, byPeer[carol.ID].UnreadCount)

	rr = f.do(t, nil, "GET", "/conversations", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestDeleteConversation(t *testing.T) {
	f := newAPIFixture(t)
	alice := f.user(t, "alice", "", "")
	bob := f.user(t, "bob", "", "")
	carol := f.user(t, "carol", "", "")

	rr := f.do(t, alice, "POST", "/send", SendMessageRequest{ReceiverID: bob.ID, Message: "hi"})
	require.Equal(t, http.StatusCreated, rr.Code)
	conversationID := decode[MessageView](t, rr).ConversationID

	rr = f.do(t, carol, "POST", "/conversations/"+conversationID+"/delete", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = f.do(t, alice, "POST", "/conversations/missing/delete", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	for i := 0; i < 2; i++ {
		rr = f.do(t, alice, "POST", "/conversations/"+conversationID+"/delete", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, true, decode[map[string]any](t, rr)["success"])
	}

	assert.Empty(t, decode[[]ConversationView](t, f.do(t, alice, "GET", "/conversations", nil)))
	assert.Len(t, decode[[]ConversationView](t, f.do(t, bob, "GET", "/conversations", nil)), 1)
}

func TestSearchUsers(t *testing.T) {
	f := newAPIFixture(t)
	alice := f.user(t, "alice", "", "")
	f.user(t, "alicia", "", "")
	f.user(t, "bob", "", "")

	rr := f.do(t, alice, "GET", "/users/search?q=ali", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	views := decode[[]UserView](t, rr)
	require.Len(t, views, 1)
	assert.Equal(t, "alicia", views[0].Username)

	rr = f.do(t, alice, "GET", "/users/search?q=", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decode[[]UserView](t, rr))
}

func TestHealthHandler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := broadcast.NewHub()
	go hub.Run(ctx)

	h := &HealthHandler{Fabric: hub, Group: "online_users"}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode[map[string]any](t, rr)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 0, body["local_sessions"])

	cancel()
	assert.Eventually(t, func() bool {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest("GET", "/healthz", nil))
		return rr.Code == http.StatusServiceUnavailable
	}, time.Second, 10*time.Millisecond)
}
