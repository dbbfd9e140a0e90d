// Package presence tracks which users currently hold a live session and
// when each user was last seen.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pliu/duet/internal/store"
)

type entry struct {
	mu       sync.Mutex
	sessions int
	lastSeen time.Time
}

// Tracker counts live sessions per user. A user is online while at least
// one of their sessions is open. Every transition is written through to the
// store so other readers (the contact list) see the same state.
type Tracker struct {
	log   *slog.Logger
	store store.Store
	now   func() time.Time

	mu    sync.Mutex
	users map[int]*entry
}

func NewTracker(log *slog.Logger, s store.Store) *Tracker {
	return &Tracker{
		log:   log,
		store: s,
		now:   time.Now,
		users: make(map[int]*entry),
	}
}

func (t *Tracker) entry(userID int) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.users[userID]
	if !ok {
		e = &entry{}
		t.users[userID] = e
	}
	return e
}

// SetOnline records a session opening (online=true) or closing
// (online=false) for userID and stamps last-seen with the current time.
// Calls for the same user are serialized; calls for different users run
// concurrently.
func (t *Tracker) SetOnline(ctx context.Context, userID int, online bool) error {
	e := t.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if online {
		e.sessions++
	} else if e.sessions > 0 {
		e.sessions--
	}
	at := t.now().UTC()
	if at.After(e.lastSeen) {
		e.lastSeen = at
	}

	if err := t.store.SetPresence(ctx, userID, e.sessions > 0, e.lastSeen); err != nil {
		return fmt.Errorf("persist presence for user %d: %w", userID, err)
	}
	t.log.Debug("Presence updated", "user_id", userID, "online", e.sessions > 0, "sessions", e.sessions)
	return nil
}

func (t *Tracker) IsOnline(userID int) bool {
	t.mu.Lock()
	e, ok := t.users[userID]
	t.mu.Unlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions > 0
}

// LastSeen returns the last transition time observed by this process. The
// second result is false when the user has not connected since start-up.
func (t *Tracker) LastSeen(userID int) (time.Time, bool) {
	t.mu.Lock()
	e, ok := t.users[userID]
	t.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSeen, !e.lastSeen.IsZero()
}

// Online returns the number of users with at least one live session.
func (t *Tracker) Online() int {
	t.mu.Lock()
	entries := make([]*entry, 0, len(t.users))
	for _, e := range t.users {
		entries = append(entries, e)
	}
	t.mu.Unlock()

	n := 0
	for _, e := range entries {
		e.mu.Lock()
		if e.sessions > 0 {
			n++
		}
		e.mu.Unlock()
	}
	return n
}
