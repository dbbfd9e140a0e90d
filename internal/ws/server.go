package ws

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pliu/duet/internal/middleware"
	"github.com/pliu/duet/internal/models"
)

// MessagePipeline is what a session needs from the message pipeline.
type MessagePipeline interface {
	Send(ctx context.Context, senderID, receiverID int, text string) (*models.Message, error)
	FlushDelivered(ctx context.Context, userID, peerID int) ([]int, error)
	MarkRead(ctx context.Context, messageID int) (bool, error)
}

// PresenceSetter records session opens and closes.
type PresenceSetter interface {
	SetOnline(ctx context.Context, userID int, online bool) error
}

type Options struct {
	SendBuffer     int
	WriteTimeout   time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	// ReadOnForward marks a message read as soon as it is written to a
	// session of its receiver.
	ReadOnForward bool
}

func DefaultOptions() Options {
	return Options{
		SendBuffer:     256,
		WriteTimeout:   10 * time.Second,
		PongWait:       60 * time.Second,
		MaxMessageSize: 4096,
		ReadOnForward:  true,
	}
}

func (o Options) pingPeriod() time.Duration {
	return o.PongWait * 9 / 10
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// Server upgrades chat connections and runs one session per connection.
type Server struct {
	log      *slog.Logger
	hub      *Hub
	pipeline MessagePipeline
	presence PresenceSetter
	opts     Options

	sessions sync.WaitGroup
}

func NewServer(log *slog.Logger, hub *Hub, pipeline MessagePipeline, presence PresenceSetter, opts Options) *Server {
	return &Server{
		log:      log,
		hub:      hub,
		pipeline: pipeline,
		presence: presence,
		opts:     opts,
	}
}

// HandleChat serves /ws/chat/{user_id}. The caller's identity comes from
// the auth middleware; the path names the peer.
func (s *Server) HandleChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	peerID, err := strconv.Atoi(mux.Vars(r)["user_id"])
	if err != nil || peerID <= 0 {
		http.Error(w, "Invalid user id", http.StatusBadRequest)
		return
	}
	s.ServeWs(w, r, userID, peerID)
}

// ServeWs handles websocket requests from an authenticated user.
func (s *Server) ServeWs(w http.ResponseWriter, r *http.Request, userID, peerID int) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("Websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	s.sessions.Add(1)
	client := newClient(s, conn, userID, peerID)
	if err := client.open(); err != nil {
		client.log.Warn("Session rejected", "error", err)
		client.close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// Wait blocks until every session has finished its close path or ctx is
// done.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
