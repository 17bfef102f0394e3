package model

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// MessageStatus describes where a message is in its delivery lifecycle.
type MessageStatus string

const (
	StatusConfirmed MessageStatus = "confirmed"
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusFailed    MessageStatus = "failed"
)

// Message is a single chat message. ID is unique within a conversation and
// is the only identity used for deduplication.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	ReceiverID     string
	Content        string
	Timestamp      time.Time
	ClientMsgID    string
	Status         MessageStatus
}

// Provisional reports whether the message was created locally and has not
// been replaced by a server-confirmed copy yet.
func (m Message) Provisional() bool {
	switch m.Status {
	case StatusPending, StatusSent, StatusFailed:
		return true
	}
	return false
}

// Awaiting reports whether a provisional message can still be matched
// against a server echo.
func (m Message) Awaiting() bool {
	return m.Status == StatusPending || m.Status == StatusSent
}

// WithStatus returns a copy of m with the given status.
func (m Message) WithStatus(s MessageStatus) Message {
	m.Status = s
	return m
}

// Compare orders messages by timestamp, then by ID.
func Compare(a, b Message) int {
	if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// Conversation represents a 1:1 chat.
type Conversation struct {
	ID                 string
	ParticipantIDs     []string
	Label              string
	LastMessagePreview string
	LastActivityAt     time.Time
}

// Peer returns the participant that is not localUserID, or "" if unknown.
func (c Conversation) Peer(localUserID string) string {
	for _, p := range c.ParticipantIDs {
		if p != localUserID {
			return p
		}
	}
	return ""
}

// Touch applies m to the conversation's preview and activity time when m is
// at least as recent as the current activity.
func (c *Conversation) Touch(m Message, previewLen int) {
	if m.Timestamp.Before(c.LastActivityAt) {
		return
	}
	c.LastActivityAt = m.Timestamp
	c.LastMessagePreview = Truncate(m.Content, previewLen)
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp parses RFC 3339 timestamps, the naive ISO-8601 form the
// messenger backend emits and numeric unix time. Naive timestamps are taken
// as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return UnixTimestamp(n), nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
		return UnixTimestamp(int64(f)), nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// UnixTimestamp converts unix time in seconds or milliseconds. Values above
// 1e12 are milliseconds.
func UnixTimestamp(n int64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}
