package ws

import (
	"context"
	"log/slog"

	"github.com/pliu/duet/internal/models"
	"github.com/pliu/duet/internal/room"
)

type publication struct {
	key room.Key
	evt models.Event
}

type notification struct {
	client *Client
	evt    models.Event
}

// Stats is a point-in-time view of the hub's membership.
type Stats struct {
	Sessions int `json:"sessions"`
	Rooms    int `json:"rooms"`
}

// Hub is the room registry and broadcast bus. A single goroutine (Run) owns
// the membership map and every client's send channel, so publications are
// handed to members in the order the hub receives them.
type Hub struct {
	log *slog.Logger

	// Registered clients, grouped by room.
	rooms map[room.Key]map[*Client]bool

	// Events to fan out to a room.
	broadcast chan publication

	// Events for a single client (errors for the sender).
	notify chan notification

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	stats chan chan Stats
	done  chan struct{}
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:        log,
		rooms:      make(map[room.Key]map[*Client]bool),
		broadcast:  make(chan publication),
		notify:     make(chan notification),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stats:      make(chan chan Stats),
		done:       make(chan struct{}),
	}
}

// Run serves the hub until ctx is cancelled. On exit every remaining client
// has its send channel closed, which makes its session shut down.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case client := <-h.register:
			members, ok := h.rooms[client.room]
			if !ok {
				members = make(map[*Client]bool)
				h.rooms[client.room] = members
			}
			members[client] = true
		case client := <-h.unregister:
			h.remove(client)
		case p := <-h.broadcast:
			for client := range h.rooms[p.key] {
				h.deliver(client, p.evt)
			}
		case n := <-h.notify:
			if h.rooms[n.client.room][n.client] {
				h.deliver(n.client, n.evt)
			}
		case reply := <-h.stats:
			s := Stats{Rooms: len(h.rooms)}
			for _, members := range h.rooms {
				s.Sessions += len(members)
			}
			reply <- s
		}
	}
}

// deliver never blocks: a client whose queue is full is dropped and its
// session tears itself down.
func (h *Hub) deliver(client *Client, evt models.Event) {
	select {
	case client.send <- evt:
	default:
		h.log.Warn("Dropping slow session", "session_id", client.id, "user_id", client.userID, "room", client.room.String())
		h.remove(client)
	}
}

func (h *Hub) remove(client *Client) {
	members, ok := h.rooms[client.room]
	if !ok || !members[client] {
		return
	}
	delete(members, client)
	close(client.send)
	if len(members) == 0 {
		delete(h.rooms, client.room)
	}
}

func (h *Hub) closeAll() {
	for key, members := range h.rooms {
		for client := range members {
			close(client.send)
		}
		delete(h.rooms, key)
	}
}

// Register joins client to its room.
func (h *Hub) Register(client *Client) error {
	select {
	case h.register <- client:
		return nil
	case <-h.done:
		return ErrHubStopped
	}
}

// Unregister removes client from its room. Removing a client that is not
// registered is a no-op.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Publish delivers evt to every client currently joined to key. An empty
// room is not an error.
func (h *Hub) Publish(key room.Key, evt models.Event) error {
	select {
	case h.broadcast <- publication{key: key, evt: evt}:
		return nil
	case <-h.done:
		return ErrHubStopped
	}
}

// Notify delivers evt to client alone, if it is still registered.
func (h *Hub) Notify(client *Client, evt models.Event) error {
	select {
	case h.notify <- notification{client: client, evt: evt}:
		return nil
	case <-h.done:
		return ErrHubStopped
	}
}

func (h *Hub) Stats() Stats {
	reply := make(chan Stats, 1)
	select {
	case h.stats <- reply:
		return <-reply
	case <-h.done:
		return Stats{}
	}
}
