package history

import (
	"errors"
	"fmt"

	"github.com/matheus3301/chatsync/internal/model"
	"github.com/tidwall/gjson"
)

// Ids arrive as strings or numbers; gjson renders both as strings.

func decodeMessage(v gjson.Result) (model.Message, error) {
	if !v.IsObject() {
		return model.Message{}, errors.New("message is not an object")
	}
	id := v.Get("id").String()
	if id == "" {
		return model.Message{}, errors.New("message without id")
	}
	ts, err := model.ParseTimestamp(v.Get("timestamp").String())
	if err != nil {
		return model.Message{}, fmt.Errorf("message %s: %w", id, err)
	}
	return model.Message{
		ID:             id,
		ConversationID: v.Get("conversation_id").String(),
		SenderID:       v.Get("sender_id").String(),
		ReceiverID:     v.Get("receiver_id").String(),
		Content:        v.Get("content").String(),
		Timestamp:      ts,
		ClientMsgID:    v.Get("client_msg_id").String(),
		Status:         model.StatusConfirmed,
	}, nil
}

func decodeConversation(v gjson.Result) (model.Conversation, error) {
	if !v.IsObject() {
		return model.Conversation{}, errors.New("conversation is not an object")
	}
	id := v.Get("id").String()
	if id == "" {
		return model.Conversation{}, errors.New("conversation without id")
	}
	conv := model.Conversation{
		ID:                 id,
		Label:              v.Get("participant_profile.username").String(),
		LastMessagePreview: v.Get("last_message_content").String(),
	}
	for _, key := range []string{"user1_id", "user2_id"} {
		if p := v.Get(key).String(); p != "" {
			conv.ParticipantIDs = append(conv.ParticipantIDs, p)
		}
	}
	if at := v.Get("last_message_at"); at.Exists() && at.Type != gjson.Null {
		ts, err := model.ParseTimestamp(at.String())
		if err != nil {
			return model.Conversation{}, fmt.Errorf("conversation %s: %w", id, err)
		}
		conv.LastActivityAt = ts
	}
	return conv, nil
}
