package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"

	"github.com/gin-gonic/gin"
)

const eventBuffer = 64

// EventStream streams bus events to clients as server-sent events.
type EventStream struct {
	bus *bus.Bus
}

// NewEventStream creates an SSE endpoint over b.
func NewEventStream(b *bus.Bus) *EventStream {
	return &EventStream{bus: b}
}

// Watch handles GET /v1/events. The kind query parameter filters by event
// kind prefix; limit ends the stream after that many events.
func (s *EventStream) Watch(c *gin.Context) {
	ch, unsub := s.bus.Subscribe(c.Query("kind"), eventBuffer)
	defer unsub()

	limit, _ := strconv.Atoi(c.Query("limit"))
	sent := 0
	done := c.Request.Context().Done()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case evt := <-ch:
			c.SSEvent(evt.Kind, Event{
				ID:         uuid.NewString(),
				Kind:       evt.Kind,
				OccurredMS: evt.Timestamp.UnixMilli(),
				Payload:    eventPayload(evt.Payload),
			})
			sent++
			return limit <= 0 || sent < limit
		case <-done:
			return false
		}
	})
}
