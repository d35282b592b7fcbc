package bridge

import (
	"github.com/onnwee/tvyt/backend/chat"
	"github.com/onnwee/tvyt/backend/push"
)

// Event names pushed to subscribers.
const (
	EventChat    = push.EventChat
	EventError   = "error"
	EventSuccess = "success"
)

// ChatPayload is the wire shape of a chat event.
type ChatPayload struct {
	Platform string            `json:"platform"`
	Username string            `json:"username"`
	Icon     map[string]string `json:"icon"`
	Message  string            `json:"message"`
}

// StatusPayload is the wire shape of error and success events.
type StatusPayload struct {
	Message  string `json:"message"`
	Code     int    `json:"code"`
	Platform string `json:"platform,omitempty"`
}

// Broadcaster publishes one room's session output. It implements chat.Notifier.
type Broadcaster struct {
	roomID string
	pub    push.Publisher
}

// NewBroadcaster binds pub to roomID.
func NewBroadcaster(roomID string, pub push.Publisher) *Broadcaster {
	return &Broadcaster{roomID: roomID, pub: pub}
}

func (b *Broadcaster) Chat(ev chat.ChatEvent) {
	icon := make(map[string]string, 3)
	for _, name := range ev.Badges.Names() {
		icon[name] = "1"
	}
	b.pub.Publish(b.roomID, EventChat, ChatPayload{
		Platform: string(ev.Platform),
		Username: ev.Username,
		Icon:     icon,
		Message:  ev.Text,
	})
}

func (b *Broadcaster) Error(p chat.Platform, message string, code int) {
	b.pub.Publish(b.roomID, EventError, StatusPayload{Message: message, Code: code, Platform: string(p)})
}

func (b *Broadcaster) Success(p chat.Platform, message string, code int) {
	b.pub.Publish(b.roomID, EventSuccess, StatusPayload{Message: message, Code: code, Platform: string(p)})
}
