package notify

import (
	"lendbot/internal/domain"
)

// Delivery path names carried in results.
const (
	ChannelDM     = "dm"
	ChannelShared = "channel"
)

// Request describes one deliverable notification.
type Request struct {
	Action       domain.Action
	UserID       string
	ChatUsername string
	RequestID    string
	Device       domain.Device
	Fields       domain.Fields
}

// Result is the only outcome type of Send. Recoverable failures are folded
// into it; Send never panics through to the caller and performs no retries.
type Result struct {
	Success bool   `json:"success"`
	Channel string `json:"channel"`
	// NotificationID is the created post id (empty on failure and on the
	// dedup short-circuit).
	NotificationID string `json:"notification_id,omitempty"`
	// Message carries informational text, e.g. for the dedup short-circuit.
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Renderer is the template collaborator.
type Renderer interface {
	RenderShort(action domain.Action, username string) (string, error)
	RenderDetailed(action domain.Action, device domain.Device, fields domain.Fields) (string, error)
}

// SentNotice is published on the event bus after a successful delivery.
type SentNotice struct {
	Action         string `json:"action"`
	UserID         string `json:"user_id"`
	RequestID      string `json:"request_id"`
	Channel        string `json:"channel"`
	NotificationID string `json:"notification_id"`
}

// FailureNotice is published on the event bus for failed deliveries.
type FailureNotice struct {
	Action    string `json:"action"`
	UserID    string `json:"user_id"`
	RequestID string `json:"request_id"`
	Channel   string `json:"channel"`
	Error     string `json:"error"`
}
