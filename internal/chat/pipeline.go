// Package chat validates, stores and announces direct messages, and moves
// their delivered and read flags forward.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pliu/duet/internal/models"
	"github.com/pliu/duet/internal/room"
	"github.com/pliu/duet/internal/store"
	"github.com/samber/lo"
)

// Broadcaster fans an event out to every session joined to a room.
type Broadcaster interface {
	Publish(key room.Key, evt models.Event) error
}

// OnlineChecker reports whether a user has a live session.
type OnlineChecker interface {
	IsOnline(userID int) bool
}

type Pipeline struct {
	log      *slog.Logger
	store    store.Store
	presence OnlineChecker
	bus      Broadcaster
}

func NewPipeline(log *slog.Logger, s store.Store, presence OnlineChecker, bus Broadcaster) *Pipeline {
	return &Pipeline{log: log, store: s, presence: presence, bus: bus}
}

// Send stores a message from sender to receiver and publishes it to their
// room. The delivered flag is decided once, from the receiver's presence at
// the moment of the call.
func (p *Pipeline) Send(ctx context.Context, senderID, receiverID int, text string) (*models.Message, error) {
	body := strings.TrimSpace(text)
	if body == "" {
		return nil, ErrEmptyMessage
	}

	if _, err := p.store.GetUserByID(ctx, receiverID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: user %d", ErrUnknownPeer, receiverID)
		}
		return nil, fmt.Errorf("%w: lookup receiver: %w", ErrPersist, err)
	}

	delivered := p.presence.IsOnline(receiverID)
	m, err := p.store.CreateMessage(ctx, senderID, receiverID, body, delivered)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersist, err)
	}

	p.publish(room.NewKey(senderID, receiverID), models.NewMessageEvent(m))
	return m, nil
}

// FlushDelivered marks every undelivered message from peer to user as
// delivered and publishes one "delivered" event per message, in id order.
func (p *Pipeline) FlushDelivered(ctx context.Context, userID, peerID int) ([]int, error) {
	ids, err := p.store.UpdateDeliveredBatch(ctx, peerID, userID)
	if err != nil {
		return nil, fmt.Errorf("flush backlog from %d to %d: %w", peerID, userID, err)
	}
	key := room.NewKey(userID, peerID)
	for _, id := range ids {
		p.publish(key, models.NewDeliveredEvent(id))
	}
	if len(ids) > 0 {
		p.log.Debug("Backlog flushed", "room", key.String(), "count", len(ids))
	}
	return ids, nil
}

// MarkRead marks a message read, and delivered first when it was not. It
// reports whether the read flag actually changed. Events are published only
// for flags this call moved, so repeated calls publish nothing.
func (p *Pipeline) MarkRead(ctx context.Context, messageID int) (bool, error) {
	res, err := p.store.UpdateRead(ctx, messageID)
	if err != nil {
		return false, fmt.Errorf("mark message %d read: %w", messageID, err)
	}
	key := room.NewKey(res.Message.SenderID, res.Message.ReceiverID)
	if res.Delivered {
		p.publish(key, models.NewDeliveredEvent(messageID))
	}
	if res.Read {
		p.publish(key, models.NewReadEvent(messageID))
	}
	return res.Read, nil
}

// History returns the conversation between user and peer, oldest first,
// and marks everything the peer sent to user as read.
func (p *Pipeline) History(ctx context.Context, userID, peerID int) ([]models.Message, error) {
	if _, err := p.store.GetUserByID(ctx, peerID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: user %d", ErrUnknownPeer, peerID)
		}
		return nil, fmt.Errorf("lookup peer: %w", err)
	}

	messages, err := p.store.QueryMessages(ctx, userID, peerID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}

	unread := lo.Filter(messages, func(m models.Message, _ int) bool {
		return m.SenderID == peerID && m.ReceiverID == userID && !m.IsRead
	})
	for _, m := range unread {
		if _, err := p.MarkRead(ctx, m.ID); err != nil {
			return nil, err
		}
	}
	for i := range messages {
		m := &messages[i]
		if m.SenderID == peerID && m.ReceiverID == userID {
			m.IsDelivered, m.IsRead = true, true
		}
	}
	return messages, nil
}

func (p *Pipeline) publish(key room.Key, evt models.Event) {
	if err := p.bus.Publish(key, evt); err != nil {
		p.log.Warn("Failed to publish event", "room", key.String(), "type", evt.Type, "message_id", evt.MessageID, "error", err)
	}
}
