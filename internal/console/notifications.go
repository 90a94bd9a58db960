package console

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// notificationCapacity bounds the retained notification history.
const notificationCapacity = 100

// Severity classifies a user-visible notification.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Notification is one user-visible banner message. Errors are surfaced here,
// never fatal to the process.
type Notification struct {
	ID       string    `json:"id"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// notificationRing retains the most recent notifications in a bounded ring.
type notificationRing struct {
	mu    sync.Mutex
	items []Notification
	cap   int
}

func newNotificationRing(capacity int) *notificationRing {
	return &notificationRing{cap: capacity}
}

func (r *notificationRing) add(severity Severity, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, Notification{
		ID:       uuid.New().String(),
		Severity: severity,
		Message:  message,
		At:       time.Now(),
	})
	if len(r.items) > r.cap {
		r.items = r.items[len(r.items)-r.cap:]
	}
}

// list returns the retained notifications, oldest first.
func (r *notificationRing) list() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.items))
	copy(out, r.items)
	return out
}
