package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"flowchat/auth"
	"flowchat/db"
	"flowchat/logger"
	"flowchat/models"
	"flowchat/protocol"

	"github.com/gin-gonic/gin"
	"github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const testSecret = "test-secret"

type testEnv struct {
	srv    *Server
	store  *db.DB
	ts     *httptest.Server
	issuer *auth.Issuer
}

func setupTestServer(t *testing.T, mutate func(*ServerConfig)) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := newTestStore(t)
	issuer := auth.NewIssuer(testSecret, time.Hour)
	config := &ServerConfig{
		WriteTimeout: 5 * time.Second,
		PingInterval: time.Minute,
	}
	if mutate != nil {
		mutate(config)
	}

	srv := New(store, issuer, config, logger.Discard())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx, "test", time.Time{})
	})

	return &testEnv{srv: srv, store: store, ts: ts, issuer: issuer}
}

func (e *testEnv) dial(t *testing.T, query url.Values) *websocket.Conn {
	t.Helper()
	conn, resp, err := e.tryDial(query)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func (e *testEnv) tryDial(query url.Values) (*websocket.Conn, *http.Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws?" + query.Encode()
	return websocket.Dial(ctx, wsURL, nil)
}

// connectAs dials as userID and waits until the server lists the user as online.
func (e *testEnv) connectAs(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	conn := e.dial(t, url.Values{"userId": {userID}})
	waitOnline(t, conn, func(online []string) bool { return contains(online, userID) })
	return conn
}

func (e *testEnv) request(t *testing.T, method, path string, body any, token string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

// readEvent reads frames until one of eventType arrives.
func readEvent(t *testing.T, conn *websocket.Conn, eventType string) protocol.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		var ev protocol.Event
		require.NoError(t, wsjson.Read(ctx, conn, &ev))
		if ev.Type == eventType {
			return ev
		}
	}
}

// readNonPresence returns the next event that is not an online list.
func readNonPresence(t *testing.T, conn *websocket.Conn) protocol.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		var ev protocol.Event
		require.NoError(t, wsjson.Read(ctx, conn, &ev))
		if ev.Type != protocol.EventOnlineUsers {
			return ev
		}
	}
}

func waitOnline(t *testing.T, conn *websocket.Conn, done func([]string) bool) []string {
	t.Helper()
	for {
		online := decodeAs[[]string](t, readEvent(t, conn, protocol.EventOnlineUsers))
		if done(online) {
			return online
		}
	}
}

func writeEvent(t *testing.T, conn *websocket.Conn, eventType string, payload any) {
	t.Helper()
	ev, err := protocol.NewEvent(eventType, payload)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, ev))
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestWSPresenceBroadcast(t *testing.T) {
	env := setupTestServer(t, nil)

	alice := env.connectAs(t, "alice")
	bob := env.dial(t, url.Values{"userId": {"bob"}})

	online := waitOnline(t, alice, func(o []string) bool { return len(o) == 2 })
	assert.Equal(t, []string{"alice", "bob"}, online)

	require.NoError(t, bob.Close(websocket.StatusNormalClosure, ""))
	online = waitOnline(t, alice, func(o []string) bool { return len(o) == 1 })
	assert.Equal(t, []string{"alice"}, online)
}

func TestWSAnonymousReceivesBroadcasts(t *testing.T) {
	env := setupTestServer(t, nil)

	anon := env.dial(t, url.Values{"userId": {"undefined"}})
	assert.Empty(t, waitOnline(t, anon, func([]string) bool { return true }))

	env.connectAs(t, "alice")
	waitOnline(t, anon, func(o []string) bool { return contains(o, "alice") })
	assert.False(t, contains(env.srv.Hub().Registry().Snapshot(), "undefined"))
}

func TestWSTypingRelay(t *testing.T) {
	env := setupTestServer(t, nil)

	alice := env.connectAs(t, "alice")
	bob := env.connectAs(t, "bob")

	writeEvent(t, alice, protocol.EventTyping, protocol.TypingPayload{SenderID: "alice", ReceiverID: "bob"})
	ev := readNonPresence(t, bob)
	assert.Equal(t, protocol.EventTyping, ev.Type)
	assert.Equal(t, "alice", decodeAs[protocol.TypingSignal](t, ev).SenderID)

	writeEvent(t, alice, protocol.EventStopTyping, protocol.TypingPayload{SenderID: "alice", ReceiverID: "bob"})
	ev = readNonPresence(t, bob)
	assert.Equal(t, protocol.EventStopTyping, ev.Type)
}

func TestWSForgedSenderRejected(t *testing.T) {
	env := setupTestServer(t, nil)

	alice := env.connectAs(t, "alice")
	bob := env.connectAs(t, "bob")

	// Events from one connection are handled in order, so if the forged typing
	// event were relayed it would arrive before the stopTyping.
	writeEvent(t, alice, protocol.EventTyping, protocol.TypingPayload{SenderID: "carol", ReceiverID: "bob"})
	writeEvent(t, alice, protocol.EventStopTyping, protocol.TypingPayload{SenderID: "alice", ReceiverID: "bob"})

	ev := readNonPresence(t, bob)
	assert.Equal(t, protocol.EventStopTyping, ev.Type)
	assert.Equal(t, "alice", decodeAs[protocol.TypingSignal](t, ev).SenderID)
}

func TestSendOfflineThenReadReceipt(t *testing.T) {
	env := setupTestServer(t, nil)
	ctx := context.Background()

	alice := env.connectAs(t, "alice")
	bobUser, err := env.store.CreateUser(ctx, "Bob", "bob@example.com", "secret1")
	require.NoError(t, err)

	resp, body := env.request(t, http.MethodPost, "/api/messages/send/"+bobUser.ID,
		gin.H{"senderId": "alice", "text": "ping"}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var msg models.Message
	require.NoError(t, json.Unmarshal(body, &msg))
	assert.Equal(t, models.StatusSent, msg.Status)

	echo := decodeAs[models.Message](t, readEvent(t, alice, protocol.EventNewMessage))
	assert.Equal(t, msg.ID, echo.ID)

	bob := env.connectAs(t, bobUser.ID)
	writeEvent(t, bob, protocol.EventMarkAsRead, protocol.ReadPayload{SenderID: "alice", ReceiverID: bobUser.ID})

	signal := decodeAs[protocol.ReadSignal](t, readEvent(t, alice, protocol.EventMessagesRead))
	assert.Equal(t, bobUser.ID, signal.ReaderID)

	stored, err := env.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRead, stored.Status)
}

func TestSendToOnlineReceiverIsDelivered(t *testing.T) {
	env := setupTestServer(t, nil)
	ctx := context.Background()

	bobUser, err := env.store.CreateUser(ctx, "Bob", "bob@example.com", "secret1")
	require.NoError(t, err)
	bob := env.connectAs(t, bobUser.ID)

	resp, body := env.request(t, http.MethodPost, "/api/messages/send/"+bobUser.ID,
		gin.H{"senderId": "alice", "image": "https://img.example/a.png"}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	got := decodeAs[models.Message](t, readEvent(t, bob, protocol.EventNewMessage))
	assert.Equal(t, models.StatusDelivered, got.Status)
	assert.Equal(t, "https://img.example/a.png", got.Image)
}

func TestSendValidation(t *testing.T) {
	env := setupTestServer(t, nil)

	bobUser, err := env.store.CreateUser(context.Background(), "Bob", "bob@example.com", "secret1")
	require.NoError(t, err)

	resp, _ := env.request(t, http.MethodPost, "/api/messages/send/"+bobUser.ID,
		gin.H{"senderId": "alice", "text": "  "}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.request(t, http.MethodPost, "/api/messages/send/nobody",
		gin.H{"senderId": "alice", "text": "hi"}, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// brokenInsertStore fails message inserts with err and serves everything else.
type brokenInsertStore struct {
	*db.DB
	err error
}

func (s brokenInsertStore) CreateMessage(context.Context, string, string, models.Content, models.Status) (*models.Message, error) {
	return nil, &db.StoreError{Op: "create message", Err: s.err}
}

func TestSendStoreFailureStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name       string
		err        error
		wantStatus int
		retryAfter string
	}{
		{"locked", sqlite3.Error{Code: sqlite3.ErrLocked}, http.StatusServiceUnavailable, "1"},
		{"busy", sqlite3.Error{Code: sqlite3.ErrBusy}, http.StatusServiceUnavailable, "1"},
		{"disk full", sqlite3.Error{Code: sqlite3.ErrFull}, http.StatusInternalServerError, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			bobUser, err := store.CreateUser(context.Background(), "Bob", "bob@example.com", "secret1")
			require.NoError(t, err)

			srv := New(brokenInsertStore{DB: store, err: tt.err}, auth.NewIssuer(testSecret, time.Hour), &ServerConfig{}, logger.Discard())
			ts := httptest.NewServer(srv.Handler())
			t.Cleanup(ts.Close)
			env := &testEnv{srv: srv, store: store, ts: ts}

			resp, body := env.request(t, http.MethodPost, "/api/messages/send/"+bobUser.ID,
				gin.H{"senderId": "alice", "text": "hi"}, "")
			assert.Equal(t, tt.wantStatus, resp.StatusCode, string(body))
			assert.Equal(t, tt.retryAfter, resp.Header.Get("Retry-After"))
		})
	}
}

func TestWSDeleteMessage(t *testing.T) {
	env := setupTestServer(t, nil)
	ctx := context.Background()

	alice := env.connectAs(t, "alice")
	bob := env.connectAs(t, "bob")
	carol := env.connectAs(t, "carol")

	msg, err := env.store.CreateMessage(ctx, "alice", "bob", models.Content{Text: "typo"}, models.StatusDelivered)
	require.NoError(t, err)

	// Not a participant: ignored.
	writeEvent(t, carol, protocol.EventDeleteMessage, protocol.DeletePayload{MessageID: msg.ID, ReceiverID: "bob"})
	writeEvent(t, carol, protocol.EventTyping, protocol.TypingPayload{SenderID: "carol", ReceiverID: "bob"})
	assert.Equal(t, protocol.EventTyping, readNonPresence(t, bob).Type)

	_, err = env.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)

	writeEvent(t, alice, protocol.EventDeleteMessage, protocol.DeletePayload{MessageID: msg.ID, ReceiverID: "bob"})
	expectSingleDelete(t, msg.ID, alice, "alice", bob, "bob")

	_, err = env.store.GetMessage(ctx, msg.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)

	// The receiver may delete too; the sender is found from the stored message even
	// when the payload names the receiver itself.
	received, err := env.store.CreateMessage(ctx, "alice", "bob", models.Content{Text: "unsend me"}, models.StatusDelivered)
	require.NoError(t, err)

	writeEvent(t, bob, protocol.EventDeleteMessage, protocol.DeletePayload{MessageID: received.ID, ReceiverID: "bob"})
	expectSingleDelete(t, received.ID, bob, "bob", alice, "alice")

	_, err = env.store.GetMessage(ctx, received.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

// expectSingleDelete checks that both participants get exactly one messageDeleted
// for id: it is the next event on each side, and the one after it is a typing
// marker sent by the other participant.
func expectSingleDelete(t *testing.T, id string, a *websocket.Conn, aID string, b *websocket.Conn, bID string) {
	t.Helper()
	for _, conn := range []*websocket.Conn{a, b} {
		ev := readNonPresence(t, conn)
		require.Equal(t, protocol.EventMessageDeleted, ev.Type)
		assert.Equal(t, id, decodeAs[protocol.DeletedSignal](t, ev).MessageID)
	}

	writeEvent(t, a, protocol.EventTyping, protocol.TypingPayload{SenderID: aID, ReceiverID: bID})
	assert.Equal(t, protocol.EventTyping, readNonPresence(t, b).Type)
	writeEvent(t, b, protocol.EventTyping, protocol.TypingPayload{SenderID: bID, ReceiverID: aID})
	assert.Equal(t, protocol.EventTyping, readNonPresence(t, a).Type)
}

func TestWSUpdateProfileBroadcast(t *testing.T) {
	env := setupTestServer(t, nil)

	alice := env.connectAs(t, "alice")
	bob := env.connectAs(t, "bob")

	record := map[string]any{"_id": "alice", "name": "Alice Liddell", "bio": "down the hole"}
	writeEvent(t, alice, protocol.EventUpdateProfile, record)

	ev := readEvent(t, bob, protocol.EventUserProfileUpdated)
	got := decodeAs[map[string]any](t, ev)
	assert.Equal(t, "Alice Liddell", got["name"])

	// Someone else's record is dropped.
	writeEvent(t, bob, protocol.EventUpdateProfile, map[string]any{"_id": "alice", "name": "Mallory"})
	writeEvent(t, bob, protocol.EventTyping, protocol.TypingPayload{SenderID: "bob", ReceiverID: "alice"})
	assert.Equal(t, protocol.EventTyping, readNonPresence(t, alice).Type)
}

func TestAuthFlow(t *testing.T) {
	env := setupTestServer(t, nil)

	register := gin.H{"name": "Alice", "email": "alice@example.com", "password": "wonderland"}
	resp, body := env.request(t, http.MethodPost, "/api/auth/register", register, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, _ = env.request(t, http.MethodPost, "/api/auth/register", register, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.request(t, http.MethodPost, "/api/auth/login",
		gin.H{"email": "alice@example.com", "password": "wrong"}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = env.request(t, http.MethodPost, "/api/auth/login",
		gin.H{"email": "alice@example.com", "password": "wonderland"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var login struct {
		Token string      `json:"token"`
		User  models.User `json:"user"`
	}
	require.NoError(t, json.Unmarshal(body, &login))
	require.NotEmpty(t, login.Token)

	subject, err := env.issuer.Verify(login.Token)
	require.NoError(t, err)
	assert.Equal(t, login.User.ID, subject)

	resp, body = env.request(t, http.MethodPut, "/api/auth/update-profile",
		gin.H{"bio": "curious"}, login.Token)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var updated models.User
	require.NoError(t, json.Unmarshal(body, &updated))
	assert.Equal(t, "curious", updated.Bio)
	assert.Equal(t, "Alice", updated.Name)

	resp, _ = env.request(t, http.MethodGet, "/api/auth/all-users/someone-else", nil, login.Token)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWSTokenIdentity(t *testing.T) {
	env := setupTestServer(t, func(c *ServerConfig) { c.RequireToken = true })

	_, resp, err := env.tryDial(url.Values{"userId": {"alice"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := env.issuer.Issue("alice")
	require.NoError(t, err)

	_, resp, err = env.tryDial(url.Values{"userId": {"bob"}, "token": {token}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn := env.dial(t, url.Values{"token": {token}})
	waitOnline(t, conn, func(o []string) bool { return contains(o, "alice") })

	resp2, _ := env.request(t, http.MethodGet, "/api/auth/all-users/alice", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestHistoryMarksPartnerMessagesRead(t *testing.T) {
	env := setupTestServer(t, nil)
	ctx := context.Background()

	alice := env.connectAs(t, "alice")

	for _, text := range []string{"hi", "are you there"} {
		_, err := env.store.CreateMessage(ctx, "alice", "bob", models.Content{Text: text}, models.StatusSent)
		require.NoError(t, err)
	}

	resp, body := env.request(t, http.MethodGet, "/api/messages/bob/alice", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var msgs []models.Message
	require.NoError(t, json.Unmarshal(body, &msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].Text)

	signal := decodeAs[protocol.ReadSignal](t, readEvent(t, alice, protocol.EventMessagesRead))
	assert.Equal(t, "bob", signal.ReaderID)

	after, err := env.store.Conversation(ctx, "alice", "bob")
	require.NoError(t, err)
	for _, m := range after {
		assert.Equal(t, models.StatusRead, m.Status)
	}
}

func TestAllUsersWithMeta(t *testing.T) {
	env := setupTestServer(t, nil)
	ctx := context.Background()

	alice, err := env.store.CreateUser(ctx, "Alice", "alice@example.com", "secret1")
	require.NoError(t, err)
	bob, err := env.store.CreateUser(ctx, "Bob", "bob@example.com", "secret1")
	require.NoError(t, err)
	_, err = env.store.CreateMessage(ctx, bob.ID, alice.ID, models.Content{Text: "lunch?"}, models.StatusSent)
	require.NoError(t, err)

	resp, body := env.request(t, http.MethodGet, "/api/auth/all-users/"+alice.ID, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var users []models.UserSummary
	require.NoError(t, json.Unmarshal(body, &users))
	require.Len(t, users, 1)
	assert.Equal(t, bob.ID, users[0].ID)
	assert.Equal(t, "lunch?", users[0].LastMessage)
	assert.Equal(t, 1, users[0].UnreadCount)
}

func TestHealthAndMetrics(t *testing.T) {
	env := setupTestServer(t, nil)
	env.connectAs(t, "alice")

	resp, body := env.request(t, http.MethodGet, "/healthz", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]any
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, 1.0, health["online"])

	resp, body = env.request(t, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "flowchat_online_users 1")
	assert.Contains(t, string(body), "flowchat_events_pushed_total")
}

func TestShutdownClosesWithGoingAway(t *testing.T) {
	env := setupTestServer(t, nil)
	alice := env.connectAs(t, "alice")

	until := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	done := make(chan error, 1)
	go func() { done <- env.srv.Shutdown(context.Background(), "maintenance", until) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var err error
	for err == nil {
		_, _, err = alice.Read(ctx)
	}

	var closeErr websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.StatusGoingAway, closeErr.Code)
	assert.Equal(t, "maintenance|2030-01-02T03:04:05Z", closeErr.Reason)
	require.NoError(t, <-done)
}

func TestCloseReasonFor(t *testing.T) {
	until := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)

	assert.Equal(t, "maintenance", closeReasonFor("maintenance", time.Time{}))
	assert.Equal(t, "maintenance|2030-01-02T03:04:05Z", closeReasonFor("maintenance", until))

	long := strings.Repeat("x", 200)
	assert.Equal(t, long[:maxCloseReason], closeReasonFor(long, time.Time{}))

	got := closeReasonFor(long, until)
	assert.Len(t, got, maxCloseReason)
	assert.True(t, strings.HasSuffix(got, "|2030-01-02T03:04:05Z"))

	// 'é' is two bytes; the cut never splits one.
	accented := strings.Repeat("é", 100)
	got = closeReasonFor(accented, until)
	assert.LessOrEqual(t, len(got), maxCloseReason)
	assert.True(t, utf8.ValidString(got))
	assert.True(t, strings.HasSuffix(got, "|2030-01-02T03:04:05Z"))
}

func TestShutdownWithLongReason(t *testing.T) {
	env := setupTestServer(t, nil)
	alice := env.connectAs(t, "alice")

	until := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	done := make(chan error, 1)
	go func() { done <- env.srv.Shutdown(context.Background(), strings.Repeat("upgrade ", 40), until) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var err error
	for err == nil {
		_, _, err = alice.Read(ctx)
	}

	var closeErr websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.StatusGoingAway, closeErr.Code)
	assert.Len(t, closeErr.Reason, maxCloseReason)
	assert.True(t, strings.HasSuffix(closeErr.Reason, "|2030-01-02T03:04:05Z"))
	require.NoError(t, <-done)
}

func TestGetStats(t *testing.T) {
	env := setupTestServer(t, nil)
	env.connectAs(t, "bob")
	env.connectAs(t, "alice")

	stats := env.srv.GetStats()
	assert.Contains(t, stats, "connections=2")
	assert.Contains(t, stats, "online=2")
	assert.Contains(t, stats, "users=alice,bob")
	assert.Contains(t, stats, "started=")
}

func TestWSInboundRateLimit(t *testing.T) {
	env := setupTestServer(t, func(c *ServerConfig) {
		c.EventRate = 0.001
		c.EventBurst = 1
	})

	alice := env.connectAs(t, "alice")
	bob := env.connectAs(t, "bob")

	writeEvent(t, alice, protocol.EventTyping, protocol.TypingPayload{SenderID: "alice", ReceiverID: "bob"})
	writeEvent(t, alice, protocol.EventStopTyping, protocol.TypingPayload{SenderID: "alice", ReceiverID: "bob"})

	assert.Equal(t, protocol.EventTyping, readNonPresence(t, bob).Type)

	limited := env.srv.metrics.eventsDropped.WithLabelValues(protocol.EventStopTyping, dropRateLimited)
	require.Eventually(t, func() bool { return testutil.ToFloat64(limited) == 1 }, 5*time.Second, 10*time.Millisecond)
}
