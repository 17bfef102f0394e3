package notify

import "github.com/matheus3301/chatsync/internal/settings"

const (
	// PartialLimit is the number of characters a partial notification keeps.
	PartialLimit = 50
	ellipsis     = "..."
	newMessage   = "New message"
)

// Notification is a redacted notification ready for presentation.
type Notification struct {
	Title string
	Body  string
}

// Decide applies the policy record to a message. It returns false when the
// notification must be suppressed. Unknown reveal levels are suppressed.
func Decide(rec settings.Record, senderLabel, content string) (Notification, bool) {
	if !rec.Enabled {
		return Notification{}, false
	}
	switch rec.RevealLevel {
	case settings.RevealFull:
		return Notification{Title: senderLabel, Body: content}, true
	case settings.RevealPartial:
		return Notification{Title: senderLabel, Body: partial(content)}, true
	case settings.RevealSenderOnly:
		return Notification{Title: senderLabel, Body: newMessage}, true
	case settings.RevealNone:
		return Notification{Title: newMessage, Body: ""}, true
	default:
		return Notification{}, false
	}
}

func partial(content string) string {
	r := []rune(content)
	if len(r) <= PartialLimit {
		return content
	}
	return string(r[:PartialLimit]) + ellipsis
}
