package channel

import (
	"encoding/json"

	syncerr "github.com/matheus3301/chatsync/internal/errors"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/tidwall/gjson"
)

// KindMessage is the event type of chat message frames. Frames without a
// "type" field are messages.
const KindMessage = "message"

// Event is one parsed inbound frame.
type Event struct {
	Kind    string
	Message model.Message // set when Kind is KindMessage
	Raw     json.RawMessage
}

// Handler receives parsed events. It runs on the channel's reader goroutine.
type Handler func(Event)

// Drop is the payload of a channel.dropped bus event.
type Drop struct {
	Identity string
	Err      error
}

// Parse decodes a text frame. Message frames must carry an id, a
// conversation_id and a timestamp; ids may be strings or numbers.
func Parse(data []byte) (Event, error) {
	if !gjson.ValidBytes(data) {
		return Event{}, &syncerr.MalformedEventError{Reason: "invalid json"}
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return Event{}, &syncerr.MalformedEventError{Reason: "frame is not an object"}
	}

	kind := root.Get("type").String()
	if kind == "" {
		kind = KindMessage
	}
	evt := Event{Kind: kind, Raw: append(json.RawMessage(nil), data...)}
	if kind != KindMessage {
		return evt, nil
	}

	id := root.Get("id").String()
	if id == "" {
		return Event{}, &syncerr.MalformedEventError{Reason: "missing id"}
	}
	convID := root.Get("conversation_id").String()
	if convID == "" {
		return Event{}, &syncerr.MalformedEventError{Reason: "missing conversation_id"}
	}
	ts, err := model.ParseTimestamp(root.Get("timestamp").String())
	if err != nil {
		return Event{}, &syncerr.MalformedEventError{Reason: "bad timestamp", Err: err}
	}

	evt.Message = model.Message{
		ID:             id,
		ConversationID: convID,
		SenderID:       root.Get("sender_id").String(),
		ReceiverID:     root.Get("receiver_id").String(),
		Content:        root.Get("content").String(),
		Timestamp:      ts,
		ClientMsgID:    root.Get("client_msg_id").String(),
		Status:         model.StatusConfirmed,
	}
	return evt, nil
}
