package outbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/history"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/status"
	"go.uber.org/zap"
)

// Transport selects how outgoing messages leave the process.
type Transport string

const (
	// TransportAuto uses the push channel when it is open and REST otherwise.
	TransportAuto    Transport = "auto"
	TransportChannel Transport = "channel"
	TransportREST    Transport = "rest"
)

// ParseTransport validates a configured transport name. Empty means auto.
func ParseTransport(s string) (Transport, error) {
	switch t := Transport(s); t {
	case "":
		return TransportAuto, nil
	case TransportAuto, TransportChannel, TransportREST:
		return t, nil
	}
	return "", fmt.Errorf("unknown transport %q (want auto, channel or rest)", s)
}

// ChannelSender is the push channel side of the send path.
type ChannelSender interface {
	State() status.State
	Send(ctx context.Context, payload any) error
}

// RESTSender posts a message and returns the server's copy.
type RESTSender interface {
	PostMessage(ctx context.Context, req history.SendRequest) (model.Message, error)
}

// Result describes a successful send. Confirmed is set when the transport
// returned the stored message; channel sends are confirmed by their echo.
type Result struct {
	Via       Transport
	Confirmed *model.Message
}

// Ack is the payload of message.send_ack.
type Ack struct {
	ClientMsgID string
	ServerMsgID string
	Via         Transport
}

// Failure is the payload of message.send_failed.
type Failure struct {
	ClientMsgID string
	Err         error
}

// Sender delivers outgoing messages over the push channel or REST.
type Sender struct {
	channel ChannelSender
	rest    RESTSender
	mode    Transport
	bus     *bus.Bus
	logger  *zap.Logger
}

// NewSender creates a sender. Either transport may be nil when the mode
// does not need it.
func NewSender(ch ChannelSender, rest RESTSender, mode Transport, b *bus.Bus, logger *zap.Logger) *Sender {
	if mode == "" {
		mode = TransportAuto
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		channel: ch,
		rest:    rest,
		mode:    mode,
		bus:     b,
		logger:  logger.Named("outbox"),
	}
}

// Send delivers req once. Failures are published and returned; nothing is
// retried.
func (s *Sender) Send(ctx context.Context, req history.SendRequest) (Result, error) {
	res, err := s.send(ctx, req)
	if err != nil {
		s.logger.Error("failed to send message", zap.Error(err), zap.String("client_msg_id", req.ClientMsgID))
		s.bus.Publish(bus.Event{
			Kind:    bus.KindSendFailed,
			Payload: Failure{ClientMsgID: req.ClientMsgID, Err: err},
		})
		return Result{}, err
	}

	ack := Ack{ClientMsgID: req.ClientMsgID, Via: res.Via}
	if res.Confirmed != nil {
		ack.ServerMsgID = res.Confirmed.ID
	}
	s.logger.Info("message sent",
		zap.String("client_msg_id", req.ClientMsgID),
		zap.String("server_msg_id", ack.ServerMsgID),
		zap.String("via", string(res.Via)))
	s.bus.Publish(bus.Event{Kind: bus.KindSendAck, Payload: ack})
	return res, nil
}

func (s *Sender) send(ctx context.Context, req history.SendRequest) (Result, error) {
	switch s.mode {
	case TransportChannel:
		return s.viaChannel(ctx, req)
	case TransportREST:
		return s.viaREST(ctx, req)
	}

	if s.channel != nil && s.channel.State() == status.Open {
		res, err := s.viaChannel(ctx, req)
		if err == nil {
			return res, nil
		}
		if s.rest == nil {
			return Result{}, err
		}
		s.logger.Warn("channel send failed, falling back to REST",
			zap.Error(err), zap.String("client_msg_id", req.ClientMsgID))
	}
	return s.viaREST(ctx, req)
}

func (s *Sender) viaChannel(ctx context.Context, req history.SendRequest) (Result, error) {
	if s.channel == nil {
		return Result{}, errors.New("no push channel configured")
	}
	if err := s.channel.Send(ctx, req); err != nil {
		return Result{}, fmt.Errorf("send over channel: %w", err)
	}
	return Result{Via: TransportChannel}, nil
}

func (s *Sender) viaREST(ctx context.Context, req history.SendRequest) (Result, error) {
	if s.rest == nil {
		return Result{}, errors.New("no REST client configured")
	}
	m, err := s.rest.PostMessage(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("send over REST: %w", err)
	}
	return Result{Via: TransportREST, Confirmed: &m}, nil
}
