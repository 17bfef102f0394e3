package sync

import (
	"context"
	gosync "sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/channel"
	"github.com/matheus3301/chatsync/internal/history"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/outbox"
	"go.uber.org/zap"
)

type fakeHistory struct {
	mu       gosync.Mutex
	messages map[string][]model.Message
	convs    []model.Conversation
	err      error
	calls    int

	// When set, FetchMessages signals entered and waits for release.
	entered chan struct{}
	release chan struct{}

	// Per-call scripting, keyed by 1-based call number: the call reports
	// its number on started, waits on gates[n] and returns replies[n].
	started chan int
	gates   map[int]chan struct{}
	replies map[int][]model.Message
}

func (f *fakeHistory) FetchConversations(context.Context) ([]model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.convs, f.err
}

func (f *fakeHistory) FetchMessages(ctx context.Context, id string) ([]model.Message, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	entered, release := f.entered, f.release
	gate, reply, scripted := f.gates[n], f.replies[n], f.replies != nil
	started := f.started
	f.mu.Unlock()

	if scripted {
		if started != nil {
			started <- n
		}
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return append([]model.Message(nil), reply...), nil
	}

	if entered != nil {
		entered <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]model.Message(nil), f.messages[id]...), nil
}

func (f *fakeHistory) fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeChannel struct {
	mu       gosync.Mutex
	connects []string
	handler  channel.Handler
	err      error
	disc     int
}

func (f *fakeChannel) Connect(_ context.Context, identity string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, identity)
	return f.err
}

func (f *fakeChannel) Disconnect() {
	f.mu.Lock()
	f.disc++
	f.mu.Unlock()
}

func (f *fakeChannel) OnMessage(h channel.Handler) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func (f *fakeChannel) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.connects)
}

func (f *fakeChannel) push(m model.Message) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(channel.Event{Kind: channel.KindMessage, Message: m})
}

type fakeSender struct {
	send func(ctx context.Context, req history.SendRequest) (outbox.Result, error)
	reqs []history.SendRequest
}

func (f *fakeSender) Send(ctx context.Context, req history.SendRequest) (outbox.Result, error) {
	f.reqs = append(f.reqs, req)
	if f.send == nil {
		return outbox.Result{Via: outbox.TransportChannel}, nil
	}
	return f.send(ctx, req)
}

type notification struct {
	title, content string
	data           map[string]any
}

type fakeNotifier struct {
	mu    gosync.Mutex
	calls []notification
}

func (f *fakeNotifier) Notify(_ context.Context, title, content string, data map[string]any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, notification{title, content, data})
	return true
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type memKV struct {
	mu gosync.Mutex
	m  map[string][]byte
}

func (k *memKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.m[key]
	return v, ok, nil
}

func (k *memKV) Put(_ context.Context, key string, value []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.m == nil {
		k.m = make(map[string][]byte)
	}
	k.m[key] = value
	return nil
}

type harness struct {
	engine   *Engine
	bus      *bus.Bus
	history  *fakeHistory
	channel  *fakeChannel
	sender   *fakeSender
	notifier *fakeNotifier
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		bus:      bus.New(),
		history:  &fakeHistory{messages: make(map[string][]model.Message)},
		channel:  &fakeChannel{},
		sender:   &fakeSender{},
		notifier: &fakeNotifier{},
	}
	logger, _ := zap.NewDevelopment()
	h.engine = NewEngine(cfg, Deps{
		History:  h.history,
		Channel:  h.channel,
		Sender:   h.sender,
		Notifier: h.notifier,
		Bus:      h.bus,
		Logger:   logger,
	})
	h.engine.Start(context.Background())
	t.Cleanup(h.engine.Stop)
	return h
}

func (h *harness) timeline(t *testing.T, id string) []model.Message {
	t.Helper()
	msgs, err := h.engine.Timeline(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return msgs
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}
