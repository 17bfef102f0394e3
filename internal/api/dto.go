package api

import (
	"time"

	"github.com/matheus3301/chatsync/internal/channel"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/settings"
)

// Status describes the daemon and its push channel.
type Status struct {
	Session   string `json:"session"`
	Identity  string `json:"identity"`
	State     string `json:"state"`
	StartedAt int64  `json:"started_at_unix_ms"`
	UptimeMS  int64  `json:"uptime_ms"`
}

// Message is the wire form of model.Message.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	ReceiverID     string `json:"receiver_id,omitempty"`
	Content        string `json:"content"`
	TimestampMS    int64  `json:"timestamp_unix_ms"`
	ClientMsgID    string `json:"client_msg_id,omitempty"`
	Status         string `json:"status"`
}

// Conversation is the wire form of model.Conversation.
type Conversation struct {
	ID                 string   `json:"id"`
	ParticipantIDs     []string `json:"participant_ids"`
	Label              string   `json:"label"`
	LastMessagePreview string   `json:"last_message_preview"`
	LastActivityMS     int64    `json:"last_activity_unix_ms,omitempty"`
	// LastSyncedMS is the newest message time merged from a history load.
	LastSyncedMS int64 `json:"last_synced_unix_ms,omitempty"`
}

// SendRequest is the body of POST /v1/conversations/:id/messages.
type SendRequest struct {
	Content string `json:"content" binding:"required"`
}

// NotificationSettings mirrors settings.Record on the wire.
type NotificationSettings struct {
	Enabled     bool   `json:"isEnabled"`
	RevealLevel string `json:"notificationType"`
}

// Event is one bus event as streamed on /v1/events.
type Event struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	OccurredMS int64  `json:"occurred_at_unix_ms"`
	Payload    any    `json:"payload,omitempty"`
}

// ChannelDrop is the payload of channel.dropped events.
type ChannelDrop struct {
	Identity string `json:"identity"`
	Error    string `json:"error,omitempty"`
}

// SendFailure is the payload of send failure events.
type SendFailure struct {
	ClientMsgID string `json:"client_msg_id"`
	Error       string `json:"error,omitempty"`
}

// eventPayload converts payloads carrying error values, which marshal as
// empty objects.
func eventPayload(p any) any {
	switch v := p.(type) {
	case channel.Drop:
		return ChannelDrop{Identity: v.Identity, Error: errString(v.Err)}
	case outbox.Failure:
		return SendFailure{ClientMsgID: v.ClientMsgID, Error: errString(v.Err)}
	}
	return p
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Error is the body of every non-2xx response.
type Error struct {
	Error string `json:"error"`
}

func toMessage(m model.Message) Message {
	return Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Content:        m.Content,
		TimestampMS:    m.Timestamp.UnixMilli(),
		ClientMsgID:    m.ClientMsgID,
		Status:         string(m.Status),
	}
}

func toMessages(ms []model.Message) []Message {
	out := make([]Message, 0, len(ms))
	for _, m := range ms {
		out = append(out, toMessage(m))
	}
	return out
}

func toConversations(cs []model.Conversation) []Conversation {
	out := make([]Conversation, 0, len(cs))
	for _, c := range cs {
		conv := Conversation{
			ID:                 c.ID,
			ParticipantIDs:     c.ParticipantIDs,
			Label:              c.Label,
			LastMessagePreview: c.LastMessagePreview,
		}
		if !c.LastActivityAt.IsZero() {
			conv.LastActivityMS = c.LastActivityAt.UnixMilli()
		}
		out = append(out, conv)
	}
	return out
}

func toSettings(r settings.Record) NotificationSettings {
	return NotificationSettings{Enabled: r.Enabled, RevealLevel: string(r.RevealLevel)}
}

// Time converts a wire timestamp back to local time.
func Time(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
