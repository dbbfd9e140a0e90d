package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pliu/duet/internal/auth"
	"github.com/pliu/duet/internal/chat"
	"github.com/pliu/duet/internal/middleware"
	"github.com/pliu/duet/internal/models"
	"github.com/pliu/duet/internal/presence"
	"github.com/pliu/duet/internal/store/sqlstore"
	"github.com/stretchr/testify/require"
)

type chatEnv struct {
	t       *testing.T
	url     string
	store   *sqlstore.SQLStore
	tokens  *auth.Tokens
	tracker *presence.Tracker
	hub     *Hub
	server  *Server
}

func newChatEnv(t *testing.T) *chatEnv {
	t.Helper()
	log := slog.Default()
	store, err := sqlstore.New("sqlite3", ":memory:")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(log)
	go hub.Run(ctx)

	tokens := auth.NewTokens("websocket-test-secret", time.Hour)
	tracker := presence.NewTracker(log, store)
	pipeline := chat.NewPipeline(log, store, tracker, hub)
	server := NewServer(log, hub, pipeline, tracker, DefaultOptions())

	r := mux.NewRouter()
	r.Use(middleware.LoggingMiddleware(log), middleware.AuthMiddleware(tokens))
	r.HandleFunc("/ws/chat/{user_id:[0-9]+}", server.HandleChat)
	ts := httptest.NewServer(r)

	t.Cleanup(func() {
		ts.Close()
		cancel()
		waitCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		_ = server.Wait(waitCtx)
		store.Close()
	})

	return &chatEnv{
		t:       t,
		url:     "ws" + strings.TrimPrefix(ts.URL, "http"),
		store:   store,
		tokens:  tokens,
		tracker: tracker,
		hub:     hub,
		server:  server,
	}
}

func (e *chatEnv) user(name string) *models.User {
	e.t.Helper()
	u := &models.User{Username: name, Email: name + "@example.com", Password: "hash"}
	require.NoError(e.t, e.store.CreateUser(context.Background(), u))
	return u
}

// dial opens a session for user with peer and waits until it is open.
func (e *chatEnv) dial(user *models.User, peerID int) *websocket.Conn {
	e.t.Helper()
	before := e.hub.Stats().Sessions
	token, err := e.tokens.Generate(user.ID, user.Username)
	require.NoError(e.t, err)

	conn, resp, err := websocket.DefaultDialer.Dial(e.url+"/ws/chat/"+strconv.Itoa(peerID)+"?token="+token, nil)
	require.NoError(e.t, err)
	require.Equal(e.t, http.StatusSwitchingProtocols, resp.StatusCode)
	e.t.Cleanup(func() { conn.Close() })

	require.Eventually(e.t, func() bool {
		return e.hub.Stats().Sessions > before && e.tracker.IsOnline(user.ID)
	}, 2*time.Second, 5*time.Millisecond)
	return conn
}

func send(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(models.Inbound{Message: text}))
}

func next(t *testing.T, conn *websocket.Conn) models.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var evt models.Event
	require.NoError(t, conn.ReadJSON(&evt))
	return evt
}

func noEvent(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	var evt models.Event
	err := conn.ReadJSON(&evt)
	require.Error(t, err, "unexpected event %+v", evt)
}

func TestHandshake_RejectsMissingIdentity(t *testing.T) {
	req := require.New(t)
	env := newChatEnv(t)

	_, resp, err := websocket.DefaultDialer.Dial(env.url+"/ws/chat/1", nil)
	req.Error(err)
	req.NotNil(resp)
	req.Equal(http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(env.url+"/ws/chat/1?token=forged", nil)
	req.Error(err)
	req.Equal(http.StatusUnauthorized, resp.StatusCode)
	req.Equal(Stats{}, env.hub.Stats())
}

func TestOfflineReceiver_BacklogFlushedOnConnect(t *testing.T) {
	req := require.New(t)
	env := newChatEnv(t)
	alice, bob := env.user("alice"), env.user("bob")

	aliceConn := env.dial(alice, bob.ID)
	send(t, aliceConn, "hi")

	evt := next(t, aliceConn)
	req.Equal(models.EventMessage, evt.Type)
	req.Equal("hi", evt.Message)
	req.Equal(alice.ID, evt.SenderID)
	req.False(*evt.IsDelivered)
	msgID := evt.MessageID

	bobConn := env.dial(bob, alice.ID)

	evt = next(t, aliceConn)
	req.Equal(models.EventDelivered, evt.Type)
	req.Equal(msgID, evt.MessageID)

	evt = next(t, bobConn)
	req.Equal(models.EventDelivered, evt.Type)
	req.Equal(msgID, evt.MessageID)
	// The live message event was published before bob joined.
	noEvent(t, bobConn)

	stored, err := env.store.QueryMessages(context.Background(), alice.ID, bob.ID)
	req.NoError(err)
	req.True(stored[0].IsDelivered)
	req.False(stored[0].IsRead)
}

func TestBothOnline_MessageThenRead(t *testing.T) {
	req := require.New(t)
	env := newChatEnv(t)
	alice, bob := env.user("alice"), env.user("bob")

	aliceConn := env.dial(alice, bob.ID)
	bobConn := env.dial(bob, alice.ID)

	send(t, aliceConn, "  hello  ")

	evt := next(t, bobConn)
	req.Equal(models.EventMessage, evt.Type)
	req.Equal("hello", evt.Message)
	req.Equal(alice.ID, evt.SenderID)
	req.True(*evt.IsDelivered)
	req.Len(evt.Timestamp, 5)
	msgID := evt.MessageID

	evt = next(t, aliceConn)
	req.Equal(models.EventMessage, evt.Type)
	evt = next(t, aliceConn)
	req.Equal(models.EventRead, evt.Type)
	req.Equal(msgID, evt.MessageID)

	evt = next(t, bobConn)
	req.Equal(models.EventRead, evt.Type)

	stored, err := env.store.QueryMessages(context.Background(), alice.ID, bob.ID)
	req.NoError(err)
	req.True(stored[0].IsRead)
	req.True(stored[0].IsDelivered)
}

func TestOrderingWithinRoom(t *testing.T) {
	req := require.New(t)
	env := newChatEnv(t)
	alice, bob := env.user("alice"), env.user("bob")

	aliceConn := env.dial(alice, bob.ID)
	bobConn := env.dial(bob, alice.ID)

	send(t, aliceConn, "first")
	send(t, aliceConn, "second")

	var bodies []string
	for len(bodies) < 2 {
		evt := next(t, bobConn)
		if evt.Type == models.EventMessage {
			bodies = append(bodies, evt.Message)
		}
	}
	req.Equal([]string{"first", "second"}, bodies)
}

func TestMalformedAndEmptyPayloadsAreIgnored(t *testing.T) {
	req := require.New(t)
	env := newChatEnv(t)
	alice, bob := env.user("alice"), env.user("bob")
	aliceConn := env.dial(alice, bob.ID)

	req.NoError(aliceConn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	send(t, aliceConn, "   ")

	// Payloads are handled in order, so anything the first two produced
	// would arrive before this one.
	send(t, aliceConn, "still here")
	evt := next(t, aliceConn)
	req.Equal(models.EventMessage, evt.Type)
	req.Equal("still here", evt.Message)

	history, err := env.store.QueryMessages(context.Background(), alice.ID, bob.ID)
	req.NoError(err)
	req.Len(history, 1)
}

func TestUnknownPeer_ErrorToSenderOnly(t *testing.T) {
	req := require.New(t)
	env := newChatEnv(t)
	alice := env.user("alice")
	aliceConn := env.dial(alice, 4242)

	send(t, aliceConn, "anyone there?")
	evt := next(t, aliceConn)
	req.Equal(models.EventError, evt.Type)
	req.Equal(models.CodeUnknownPeer, evt.Code)

	send(t, aliceConn, "retry")
	req.Equal(models.CodeUnknownPeer, next(t, aliceConn).Code)
}

func TestStorageFailure_SendFailedToSender(t *testing.T) {
	req := require.New(t)
	env := newChatEnv(t)
	alice, bob := env.user("alice"), env.user("bob")
	aliceConn := env.dial(alice, bob.ID)

	req.NoError(env.store.Close())
	send(t, aliceConn, "lost?")

	evt := next(t, aliceConn)
	req.Equal(models.EventError, evt.Type)
	req.Equal(models.CodeSendFailed, evt.Code)
}

func TestDisconnect_OtherSessionsUnaffected(t *testing.T) {
	req := require.New(t)
	env := newChatEnv(t)
	alice, bob := env.user("alice"), env.user("bob")

	aliceConn := env.dial(alice, bob.ID)
	bobConn := env.dial(bob, alice.ID)

	// Kill bob's link without a close handshake.
	req.NoError(bobConn.UnderlyingConn().Close())
	req.Eventually(func() bool {
		return !env.tracker.IsOnline(bob.ID) && env.hub.Stats().Sessions == 1
	}, 2*time.Second, 5*time.Millisecond)

	send(t, aliceConn, "are you there")
	evt := next(t, aliceConn)
	req.Equal(models.EventMessage, evt.Type)
	req.False(*evt.IsDelivered)

	stored, err := env.store.GetUserByID(context.Background(), bob.ID)
	req.NoError(err)
	req.False(stored.IsOnline)
	req.False(stored.LastSeen.IsZero())
}

func TestSessionClose_SingleOfflineTransition(t *testing.T) {
	req := require.New(t)
	env := newChatEnv(t)
	alice, bob, carol := env.user("alice"), env.user("bob"), env.user("carol")

	// Alice has two conversations open.
	withBob := env.dial(alice, bob.ID)
	withCarol := env.dial(alice, carol.ID)

	req.NoError(withBob.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	req.Eventually(func() bool { return env.hub.Stats().Sessions == 1 }, 2*time.Second, 5*time.Millisecond)
	req.True(env.tracker.IsOnline(alice.ID))

	req.NoError(withCarol.Close())
	req.Eventually(func() bool { return !env.tracker.IsOnline(alice.ID) }, 2*time.Second, 5*time.Millisecond)
	req.Equal(0, env.tracker.Online())
}

func TestReadOnForwardDisabled(t *testing.T) {
	req := require.New(t)
	env := newChatEnv(t)
	env.server.opts.ReadOnForward = false
	alice, bob := env.user("alice"), env.user("bob")

	aliceConn := env.dial(alice, bob.ID)
	bobConn := env.dial(bob, alice.ID)

	send(t, aliceConn, "no receipts")
	req.Equal(models.EventMessage, next(t, bobConn).Type)
	req.Equal(models.EventMessage, next(t, aliceConn).Type)
	noEvent(t, aliceConn)
}

func TestEventWireFormat(t *testing.T) {
	req := require.New(t)
	data, err := json.Marshal(models.NewDeliveredEvent(3))
	req.NoError(err)
	req.JSONEq(`{"type":"delivered","message_id":3}`, string(data))

	m := &models.Message{ID: 1, SenderID: 2, Body: "x", CreatedAt: time.Date(2024, 1, 1, 7, 30, 0, 0, time.UTC)}
	data, err = json.Marshal(models.NewMessageEvent(m))
	req.NoError(err)
	req.JSONEq(`{"type":"message","message":"x","sender_id":2,"message_id":1,"timestamp":"07:30","is_delivered":false}`, string(data))
}
