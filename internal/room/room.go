// Package room derives the broadcast group shared by the two participants
// of a conversation.
package room

import "fmt"

// Key identifies the room of an unordered pair of users. Low is always the
// smaller id, so both participants derive the same Key.
type Key struct {
	Low  int
	High int
}

// NewKey canonicalizes {a, b} into a Key.
func NewKey(a, b int) Key {
	if a > b {
		a, b = b, a
	}
	return Key{Low: a, High: b}
}

// Has reports whether userID is one of the two participants.
func (k Key) Has(userID int) bool {
	return k.Low == userID || k.High == userID
}

// Peer returns the participant that is not userID.
func (k Key) Peer(userID int) int {
	if k.Low == userID {
		return k.High
	}
	return k.Low
}

func (k Key) String() string {
	return fmt.Sprintf("chat_%d_%d", k.Low, k.High)
}
