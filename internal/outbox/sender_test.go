package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	syncerr "github.com/matheus3301/chatsync/internal/errors"
	"github.com/matheus3301/chatsync/internal/history"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/status"
	"go.uber.org/zap"
)

// mockChannel records frames and returns a configurable error.
type mockChannel struct {
	state  status.State
	frames []any
	err    error
}

func (m *mockChannel) State() status.State { return m.state }

func (m *mockChannel) Send(_ context.Context, payload any) error {
	m.frames = append(m.frames, payload)
	return m.err
}

type mockREST struct {
	calls []history.SendRequest
	err   error
}

func (m *mockREST) PostMessage(_ context.Context, req history.SendRequest) (model.Message, error) {
	m.calls = append(m.calls, req)
	if m.err != nil {
		return model.Message{}, m.err
	}
	return model.Message{
		ID:             "server-" + req.ClientMsgID,
		ConversationID: req.ConversationID,
		Content:        req.Content,
		ClientMsgID:    req.ClientMsgID,
		Status:         model.StatusConfirmed,
	}, nil
}

func testRequest() history.SendRequest {
	return history.SendRequest{ReceiverID: "u2", ConversationID: "c1", Content: "hello", ClientMsgID: "k1"}
}

func TestAutoPrefersOpenChannel(t *testing.T) {
	b := bus.New()
	ch := &mockChannel{state: status.Open}
	rest := &mockREST{}
	s := NewSender(ch, rest, TransportAuto, b, zap.NewNop())

	acks, unsub := b.Subscribe(bus.KindSendAck, 4)
	defer unsub()

	res, err := s.Send(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}
	if res.Via != TransportChannel || res.Confirmed != nil {
		t.Errorf("result = %+v, want channel without confirmation", res)
	}
	if len(ch.frames) != 1 || len(rest.calls) != 0 {
		t.Errorf("frames=%d rest=%d, want 1 and 0", len(ch.frames), len(rest.calls))
	}

	select {
	case evt := <-acks:
		ack := evt.Payload.(Ack)
		if ack.ClientMsgID != "k1" || ack.Via != TransportChannel {
			t.Errorf("ack = %+v", ack)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for send_ack event")
	}
}

func TestAutoUsesRESTWhenChannelClosed(t *testing.T) {
	ch := &mockChannel{state: status.Disconnected}
	rest := &mockREST{}
	s := NewSender(ch, rest, TransportAuto, bus.New(), zap.NewNop())

	res, err := s.Send(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}
	if res.Via != TransportREST || res.Confirmed == nil || res.Confirmed.ID != "server-k1" {
		t.Errorf("result = %+v, want REST confirmation server-k1", res)
	}
	if len(ch.frames) != 0 {
		t.Errorf("channel got %d frames, want 0", len(ch.frames))
	}
}

func TestAutoFallsBackOnChannelError(t *testing.T) {
	ch := &mockChannel{state: status.Open, err: syncerr.ErrChannelNotOpen}
	rest := &mockREST{}
	s := NewSender(ch, rest, TransportAuto, bus.New(), zap.NewNop())

	res, err := s.Send(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}
	if res.Via != TransportREST {
		t.Errorf("via = %s, want rest", res.Via)
	}
}

func TestChannelModeDoesNotFallBack(t *testing.T) {
	b := bus.New()
	ch := &mockChannel{state: status.Disconnected, err: syncerr.ErrChannelNotOpen}
	rest := &mockREST{}
	s := NewSender(ch, rest, TransportChannel, b, zap.NewNop())

	failures, unsub := b.Subscribe(bus.KindSendFailed, 4)
	defer unsub()

	_, err := s.Send(context.Background(), testRequest())
	if !errors.Is(err, syncerr.ErrChannelNotOpen) {
		t.Fatalf("err = %v, want ErrChannelNotOpen", err)
	}
	if len(rest.calls) != 0 {
		t.Errorf("rest called %d times, want 0", len(rest.calls))
	}

	select {
	case evt := <-failures:
		f := evt.Payload.(Failure)
		if f.ClientMsgID != "k1" {
			t.Errorf("failure client_msg_id = %q, want k1", f.ClientMsgID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for send_failed event")
	}
}

func TestRESTModeFailure(t *testing.T) {
	rest := &mockREST{err: &syncerr.HistoryFetchError{StatusCode: 500, Message: "boom"}}
	s := NewSender(&mockChannel{state: status.Open}, rest, TransportREST, bus.New(), zap.NewNop())

	_, err := s.Send(context.Background(), testRequest())
	var he *syncerr.HistoryFetchError
	if !errors.As(err, &he) {
		t.Fatalf("err = %v, want HistoryFetchError", err)
	}
}

func TestParseTransport(t *testing.T) {
	tests := []struct {
		in      string
		want    Transport
		wantErr bool
	}{
		{"", TransportAuto, false},
		{"auto", TransportAuto, false},
		{"channel", TransportChannel, false},
		{"rest", TransportREST, false},
		{"carrier-pigeon", "", true},
	}
	for _, tt := range tests {
		got, err := ParseTransport(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseTransport(%q) = %q, %v", tt.in, got, err)
		}
	}
}
