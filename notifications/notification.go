package notifications

import "time"

// Notification represents one user-facing event delivered by the platform.
type Notification struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Link      string         `json:"link,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Read      bool           `json:"read"`
	CreatedAt time.Time      `json:"created_at"`
}

// Handler receives delivered notifications. It is invoked once per
// notification, from push and polling alike.
type Handler func(Notification)

// pushEnvelope is the frame shape the push transport emits. Frames with a
// type other than "notification" belong to other subscribers and are skipped.
type pushEnvelope struct {
	Type         string        `json:"type"`
	Notification *Notification `json:"notification,omitempty"`
}

const pushFrameNotification = "notification"
