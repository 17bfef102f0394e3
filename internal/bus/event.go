package bus

import "time"

// Event kinds published by the sync layer. Subscribers filter by prefix,
// e.g. "channel." or "message.".
const (
	KindChannelState   = "channel.state_changed"
	KindChannelDropped = "channel.dropped"
	KindTimeline       = "timeline.updated"
	KindSendAck        = "message.send_ack"
	KindSendFailed     = "message.send_failed"
	KindPlatform       = "platform.event"
	KindNotification   = "notify.scheduled"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
