package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/matheus3301/chatsync/internal/bus"
	syncerr "github.com/matheus3301/chatsync/internal/errors"
	"github.com/matheus3301/chatsync/internal/status"
	"go.uber.org/zap"
)

const defaultReadLimit = 1 << 20

// Config holds the push endpoint settings.
type Config struct {
	// URL is the endpoint base; the identity is appended as the last path
	// segment.
	URL       string
	Header    http.Header
	ReadLimit int64
}

// link is one live websocket connection.
type link struct {
	conn      *websocket.Conn
	identity  string
	cancel    context.CancelFunc
	done      chan struct{}
	requested atomic.Bool
}

// Channel manages one logical push connection. It never reconnects on its
// own: unrequested drops are published as channel.dropped and reconnecting
// is left to the owner.
//
// mu guards link, dialCancel and the state transitions. Connect calls are
// serialized by connectMu so a second Connect observes the first's result.
type Channel struct {
	cfg     Config
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger

	connectMu sync.Mutex

	mu         sync.Mutex
	link       *link
	dialCancel context.CancelFunc
	dialDone   chan struct{}
	closed     chan struct{}

	handlerMu sync.RWMutex
	handler   Handler
}

// New creates a disconnected channel.
func New(cfg Config, b *bus.Bus, logger *zap.Logger) *Channel {
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		cfg:     cfg,
		bus:     b,
		machine: status.NewMachine(b),
		logger:  logger.Named("channel"),
	}
}

// State returns the current connection state.
func (c *Channel) State() status.State {
	return c.machine.Current()
}

// Identity returns the identity of the live connection, or "".
func (c *Channel) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == nil {
		return ""
	}
	return c.link.identity
}

// OnMessage registers the subscriber for inbound events, replacing any
// previous one.
func (c *Channel) OnMessage(h Handler) {
	c.handlerMu.Lock()
	c.handler = h
	c.handlerMu.Unlock()
}

// Connect opens the channel for identity. It is a no-op when the channel is
// already open for the same identity. An empty identity is logged and
// ignored. Dial failures are returned as *errors.TransportError.
func (c *Channel) Connect(ctx context.Context, identity string) error {
	if identity == "" {
		c.logger.Error("connect skipped: no identity")
		return nil
	}

	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	if c.link != nil && c.link.identity == identity && c.machine.Current() == status.Open {
		c.mu.Unlock()
		c.logger.Info("push channel already open", zap.String("identity", identity))
		return nil
	}
	c.mu.Unlock()

	c.Disconnect()

	c.mu.Lock()
	c.machine.Bind(identity)
	if err := c.machine.Transition(status.Connecting); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("connect: %w", err)
	}
	dialCtx, cancel := context.WithCancel(ctx)
	dialDone := make(chan struct{})
	c.dialCancel = cancel
	c.dialDone = dialDone
	c.mu.Unlock()

	defer close(dialDone)
	defer cancel()

	endpoint := c.endpoint(identity)
	c.logger.Info("connecting push channel", zap.String("identity", identity))
	conn, _, err := websocket.Dial(dialCtx, endpoint, &websocket.DialOptions{HTTPHeader: c.cfg.Header})

	c.mu.Lock()
	defer c.mu.Unlock()
	c.dialCancel = nil
	c.dialDone = nil
	if err == nil && dialCtx.Err() != nil {
		// Disconnect was called while the handshake completed.
		_ = conn.CloseNow()
		err = dialCtx.Err()
	}
	if err != nil {
		_ = c.machine.Transition(status.Closing)
		_ = c.machine.Transition(status.Disconnected)
		c.logger.Warn("push channel dial failed", zap.String("identity", identity), zap.Error(err))
		return &syncerr.TransportError{Op: "dial", Err: err}
	}

	conn.SetReadLimit(c.cfg.ReadLimit)
	readCtx, readCancel := context.WithCancel(context.Background())
	l := &link{
		conn:     conn,
		identity: identity,
		cancel:   readCancel,
		done:     make(chan struct{}),
	}
	c.link = l
	_ = c.machine.Transition(status.Open)
	go c.read(readCtx, l)

	c.logger.Info("push channel open", zap.String("identity", identity))
	return nil
}

// Send encodes payload as JSON and writes it as one text frame. It fails
// with errors.ErrChannelNotOpen unless the channel is open; nothing is
// queued.
func (c *Channel) Send(ctx context.Context, payload any) error {
	c.mu.Lock()
	l := c.link
	open := c.machine.Current() == status.Open
	c.mu.Unlock()
	if !open || l == nil {
		return syncerr.ErrChannelNotOpen
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	if err := l.conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.drop(l, err)
		return &syncerr.TransportError{Op: "send", Err: err}
	}
	return nil
}

// Disconnect closes the channel and returns once it is Disconnected. It is
// safe to call in any state.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	switch c.machine.Current() {
	case status.Disconnected:
		c.mu.Unlock()
		return
	case status.Connecting:
		// Cancel under mu so Connect's post-dial check cannot miss it.
		done := c.dialDone
		if c.dialCancel != nil {
			c.dialCancel()
		}
		c.mu.Unlock()
		if done != nil {
			<-done
		}
		return
	case status.Closing:
		closed := c.closed
		c.mu.Unlock()
		if closed != nil {
			<-closed
		}
		return
	}

	l := c.link
	c.link = nil
	l.requested.Store(true)
	closed := make(chan struct{})
	c.closed = closed
	_ = c.machine.Transition(status.Closing)
	c.mu.Unlock()

	if err := l.conn.Close(websocket.StatusNormalClosure, "disconnect"); err != nil {
		c.logger.Debug("close handshake incomplete", zap.Error(err))
	}
	l.cancel()
	<-l.done

	c.mu.Lock()
	_ = c.machine.Transition(status.Disconnected)
	c.closed = nil
	c.mu.Unlock()
	close(closed)

	c.logger.Info("push channel closed", zap.String("identity", l.identity))
}

func (c *Channel) read(ctx context.Context, l *link) {
	defer close(l.done)
	for {
		typ, data, err := l.conn.Read(ctx)
		if err != nil {
			if !l.requested.Load() {
				c.drop(l, err)
			}
			return
		}
		if typ != websocket.MessageText {
			c.logger.Warn("dropping frame",
				zap.Error(&syncerr.MalformedEventError{Reason: "binary frame"}), zap.Int("bytes", len(data)))
			continue
		}
		evt, err := Parse(data)
		if err != nil {
			c.logger.Warn("dropping frame", zap.Error(err), zap.Int("bytes", len(data)))
			continue
		}
		c.dispatch(evt)
	}
}

func (c *Channel) dispatch(evt Event) {
	c.handlerMu.RLock()
	h := c.handler
	c.handlerMu.RUnlock()
	if h == nil {
		c.logger.Debug("no subscriber for event", zap.String("kind", evt.Kind))
		return
	}
	h(evt)
}

// drop tears down l after a transport failure nobody asked for.
func (c *Channel) drop(l *link, cause error) {
	c.mu.Lock()
	if c.link != l {
		c.mu.Unlock()
		return
	}
	c.link = nil
	_ = c.machine.Transition(status.Closing)
	l.cancel()
	_ = l.conn.CloseNow()
	_ = c.machine.Transition(status.Disconnected)
	c.mu.Unlock()

	c.logger.Warn("push channel dropped", zap.String("identity", l.identity), zap.Error(cause))
	c.bus.Publish(bus.Event{
		Kind:    bus.KindChannelDropped,
		Payload: Drop{Identity: l.identity, Err: cause},
	})
}

func (c *Channel) endpoint(identity string) string {
	return strings.TrimRight(c.cfg.URL, "/") + "/" + url.PathEscape(identity)
}
