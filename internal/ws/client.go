package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pliu/duet/internal/chat"
	"github.com/pliu/duet/internal/models"
	"github.com/pliu/duet/internal/room"
)

// State is the lifecycle of a session. It only moves forward.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// Client is one live connection: a user talking to exactly one peer.
type Client struct {
	id     string
	userID int
	peerID int
	room   room.Key

	hub  *Hub
	srv  *Server
	conn *websocket.Conn
	log  *slog.Logger

	// Buffered channel of outbound events. Only the hub sends on or closes it.
	send chan models.Event

	state     atomic.Int32
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
}

func newClient(srv *Server, conn *websocket.Conn, userID, peerID int) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		id:     uuid.NewString(),
		userID: userID,
		peerID: peerID,
		room:   room.NewKey(userID, peerID),
		hub:    srv.hub,
		srv:    srv,
		conn:   conn,
		send:   make(chan models.Event, srv.opts.SendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
	c.log = srv.log.With("session_id", c.id, "user_id", userID, "peer_id", peerID, "room", c.room.String())
	return c
}

func (c *Client) State() State { return State(c.state.Load()) }

// open joins the room, marks the user online and flushes the backlog the
// peer left while the user was away.
func (c *Client) open() error {
	if err := c.hub.Register(c); err != nil {
		return err
	}
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		return ErrSessionClosed
	}
	if err := c.srv.presence.SetOnline(c.ctx, c.userID, true); err != nil {
		c.log.Error("Failed to mark user online", "error", err)
	}
	if _, err := c.srv.pipeline.FlushDelivered(c.ctx, c.userID, c.peerID); err != nil {
		c.log.Error("Failed to flush backlog", "error", err)
	}
	c.log.Info("Session opened")
	return nil
}

// close is safe to call from any goroutine any number of times; only the
// first call leaves the room and, if the session had opened, marks the user
// offline.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		defer c.srv.sessions.Done()
		prev := State(c.state.Swap(int32(StateClosed)))
		c.hub.Unregister(c)
		c.conn.Close()
		c.cancel()
		if prev != StateOpen {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.srv.opts.WriteTimeout)
		defer cancel()
		if err := c.srv.presence.SetOnline(ctx, c.userID, false); err != nil {
			c.log.Error("Failed to mark user offline", "error", err)
		}
		c.log.Info("Session closed")
	})
}

// readPump reads chat payloads from the connection and hands them to the
// pipeline. It returns when the connection fails or is closed.
func (c *Client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(c.srv.opts.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.srv.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.srv.opts.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("Unexpected close", "error", err)
			}
			return
		}

		var in models.Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			c.log.Debug("Ignoring malformed payload", "error", err)
			continue
		}

		_, err = c.srv.pipeline.Send(c.ctx, c.userID, c.peerID, in.Message)
		switch {
		case err == nil, errors.Is(err, chat.ErrEmptyMessage):
		case errors.Is(err, chat.ErrUnknownPeer):
			c.notify(models.NewErrorEvent(models.CodeUnknownPeer, err))
		default:
			c.log.Error("Failed to send message", "error", err)
			c.notify(models.NewErrorEvent(models.CodeSendFailed, chat.ErrPersist))
		}
	}
}

func (c *Client) notify(evt models.Event) {
	if err := c.hub.Notify(c, evt); err != nil {
		c.log.Debug("Could not notify session", "type", evt.Type, "error", err)
	}
}

// writePump forwards hub events to the connection and keeps it alive with
// pings. A message event written to the receiver's session is marked read
// when the read-on-forward policy is enabled.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.srv.opts.pingPeriod())
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case evt, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.srv.opts.WriteTimeout))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(evt); err != nil {
				c.log.Warn("Write failed", "error", err)
				return
			}
			if c.srv.opts.ReadOnForward && evt.Type == models.EventMessage && evt.SenderID != c.userID {
				// The event already reached the client, so a closing session still records it.
				if _, err := c.srv.pipeline.MarkRead(context.WithoutCancel(c.ctx), evt.MessageID); err != nil {
					c.log.Error("Failed to mark message read", "message_id", evt.MessageID, "error", err)
				}
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.srv.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
