package presence

import (
	"fmt"
	"time"
)

// recentThreshold is how long after a transition a user still counts as
// "just now" rather than "0 min ago".
const recentThreshold = 10 * time.Second

// FormatLastSeen renders the distance between now and lastSeen the way the
// contact list shows it. A zero lastSeen renders as "".
func FormatLastSeen(now, lastSeen time.Time) string {
	if lastSeen.IsZero() {
		return ""
	}
	diff := now.Sub(lastSeen)
	switch {
	case diff < recentThreshold:
		return "just now"
	case diff < time.Hour:
		return fmt.Sprintf("%d min ago", int(diff/time.Minute))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%d hour ago", int(diff/time.Hour))
	default:
		return fmt.Sprintf("%d day ago", int(diff/(24*time.Hour)))
	}
}
