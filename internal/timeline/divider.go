package timeline

import (
	"github.com/alexjbarnes/timeline-sync/internal/models"
)

// FirstUnreadKey returns the stable key of the first unread message. The
// unread counter wins; otherwise the first incoming message newer than
// the read marker is used.
func FirstUnreadKey(msgs []models.Message, unread int, readMarker int64) (string, bool) {
	if len(msgs) == 0 {
		return "", false
	}

	if unread > 0 {
		i := max(0, len(msgs)-unread)
		return msgs[i].StableKey(), true
	}

	if readMarker <= 0 {
		return "", false
	}

	for _, m := range msgs {
		if m.Anchored() && m.ID > readMarker && m.Kind != models.MessageOut {
			return m.StableKey(), true
		}
	}

	return "", false
}
