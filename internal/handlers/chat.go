package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/pliu/duet/internal/chat"
	"github.com/pliu/duet/internal/middleware"
	"github.com/pliu/duet/internal/models"
	"github.com/pliu/duet/internal/presence"
	"github.com/pliu/duet/internal/store"
	"github.com/samber/lo"
)

// HistoryReader returns a conversation and marks the caller's side read.
type HistoryReader interface {
	History(ctx context.Context, userID, peerID int) ([]models.Message, error)
}

// PresenceReader is the read side of the presence tracker.
type PresenceReader interface {
	IsOnline(userID int) bool
	LastSeen(userID int) (time.Time, bool)
}

type ChatHandler struct {
	Store    store.Store
	Pipeline HistoryReader
	Presence PresenceReader
	Log      *slog.Logger
}

// ListUsers returns every other user with their presence.
func (h *ChatHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	users, err := h.Store.ListUsers(r.Context(), userID)
	if err != nil {
		h.Log.Error("Failed to list users", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	now := time.Now()
	contacts := lo.Map(users, func(u models.User, _ int) models.Contact {
		return Contact(h.Presence, u, now)
	})
	writeJSON(w, http.StatusOK, contacts)
}

// Contact merges the stored user record with live presence. The tracker
// wins for users that connected since start-up; the store covers the rest.
func Contact(p PresenceReader, u models.User, now time.Time) models.Contact {
	online := p.IsOnline(u.ID)
	lastSeen := u.LastSeen
	if seen, ok := p.LastSeen(u.ID); ok {
		lastSeen = seen
	} else {
		online = false
	}
	c := models.Contact{ID: u.ID, Username: u.Username, IsOnline: online}
	if online {
		c.LastSeen = "online"
	} else {
		c.LastSeen = presence.FormatLastSeen(now, lastSeen)
	}
	return c
}

// GetChatMessages returns the conversation with the peer in the path.
func (h *ChatHandler) GetChatMessages(w http.ResponseWriter, r *http.Request) {
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

	messages, err := h.Pipeline.History(r.Context(), userID, peerID)
	if err != nil {
		if errors.Is(err, chat.ErrUnknownPeer) {
			http.Error(w, "User not found", http.StatusNotFound)
			return
		}
		h.Log.Error("Failed to load history", "user_id", userID, "peer_id", peerID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}
