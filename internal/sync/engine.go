package sync

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/channel"
	syncerr "github.com/matheus3301/chatsync/internal/errors"
	"github.com/matheus3301/chatsync/internal/history"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/outbox"
	"go.uber.org/zap"
)

const (
	DefaultHistoryTimeout  = 30 * time.Second
	DefaultReconcileWindow = 10 * time.Second
	DefaultPreviewLength   = 100

	localIDPrefix = "local-"
)

// Config tunes the engine. Zero durations take the defaults above; the zero
// ReconnectPolicy is disabled.
type Config struct {
	// LocalUserID identifies the signed-in user. When empty the identity
	// passed to AttachChannel is used.
	LocalUserID     string
	HistoryTimeout  time.Duration
	ReconcileWindow time.Duration
	PreviewLength   int
	Reconnect       ReconnectPolicy
}

// HistorySource fetches server state over REST.
type HistorySource interface {
	FetchConversations(ctx context.Context) ([]model.Conversation, error)
	FetchMessages(ctx context.Context, conversationID string) ([]model.Message, error)
}

// PushChannel is the engine's view of the push connection.
type PushChannel interface {
	Connect(ctx context.Context, identity string) error
	Disconnect()
	OnMessage(h channel.Handler)
}

// Sender delivers outgoing messages.
type Sender interface {
	Send(ctx context.Context, req history.SendRequest) (outbox.Result, error)
}

// Notifier presents notifications for inbound messages.
type Notifier interface {
	Notify(ctx context.Context, senderLabel, content string, data map[string]any) bool
}

// Deps are the engine's collaborators. Checkpoints and Notifier are
// optional.
type Deps struct {
	History     HistorySource
	Channel     PushChannel
	Sender      Sender
	Notifier    Notifier
	Checkpoints *Checkpoints
	Bus         *bus.Bus
	Logger      *zap.Logger
}

// TimelineUpdate is the payload of timeline.updated.
type TimelineUpdate struct {
	ConversationID string
	Len            int
}

type mergeResult int

const (
	mergeDuplicate mergeResult = iota
	mergeInserted
	mergeReconciled
)

// Engine merges REST history and push events into per-conversation
// timelines. Every timeline and conversation mutation runs on the loop
// goroutine; network I/O happens on the caller's goroutine.
type Engine struct {
	cfg         Config
	history     HistorySource
	channel     PushChannel
	sender      Sender
	notifier    Notifier
	checkpoints *Checkpoints
	bus         *bus.Bus
	logger      *zap.Logger
	now         func() time.Time

	ops     chan func()
	stopped chan struct{}
	retry   chan string
	cancel  context.CancelFunc
	wg      gosync.WaitGroup
	start   gosync.Once
	running atomic.Bool

	// attachMu serializes attach, detach and reconnect attempts.
	attachMu gosync.Mutex
	idMu     gosync.RWMutex
	identity string

	// Owned by the loop.
	timelines map[string]*Timeline
	convs     map[string]*model.Conversation
	started   map[string]uint64
	merged    map[string]uint64
}

// NewEngine creates an engine. Call Start before using it.
func NewEngine(cfg Config, deps Deps) *Engine {
	if cfg.HistoryTimeout <= 0 {
		cfg.HistoryTimeout = DefaultHistoryTimeout
	}
	if cfg.ReconcileWindow <= 0 {
		cfg.ReconcileWindow = DefaultReconcileWindow
	}
	if cfg.PreviewLength <= 0 {
		cfg.PreviewLength = DefaultPreviewLength
	}
	if deps.Bus == nil {
		deps.Bus = bus.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Engine{
		cfg:         cfg,
		history:     deps.History,
		channel:     deps.Channel,
		sender:      deps.Sender,
		notifier:    deps.Notifier,
		checkpoints: deps.Checkpoints,
		bus:         deps.Bus,
		logger:      deps.Logger.Named("sync"),
		now:         time.Now,
		ops:         make(chan func()),
		stopped:     make(chan struct{}),
		retry:       make(chan string, 1),
		timelines:   make(map[string]*Timeline),
		convs:       make(map[string]*model.Conversation),
		started:     make(map[string]uint64),
		merged:      make(map[string]uint64),
	}
}

// Start runs the event loop and the reconnect watcher until ctx is done or
// Stop is called.
func (e *Engine) Start(ctx context.Context) {
	e.start.Do(func() {
		e.running.Store(true)
		ctx, e.cancel = context.WithCancel(ctx)
		drops, unsub := e.bus.Subscribe(bus.KindChannelDropped, 16)

		e.wg.Add(2)
		go func() {
			defer e.wg.Done()
			e.loop(ctx)
		}()
		go func() {
			defer e.wg.Done()
			defer unsub()
			e.watchDrops(ctx, drops)
		}()
	})
}

// Stop stops the engine and waits for its goroutines. Later calls fail with
// errors.ErrEngineStopped. Stopping an engine that was never started marks
// it stopped and keeps a later Start from running it.
func (e *Engine) Stop() {
	e.start.Do(func() {
		e.running.Store(true)
		close(e.stopped)
	})
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.stopped)
	for {
		select {
		case op := <-e.ops:
			op()
		case <-ctx.Done():
			return
		}
	}
}

// do runs fn on the loop and waits for it. The ops channel is unbuffered,
// so a handed-off fn always completes.
func (e *Engine) do(ctx context.Context, fn func()) error {
	if !e.running.Load() {
		return syncerr.ErrEngineNotStarted
	}
	done := make(chan struct{})
	select {
	case e.ops <- func() { defer close(done); fn() }:
	case <-e.stopped:
		return syncerr.ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// LoadHistory fetches a conversation's history and merges it into the
// timeline. Messages already in the timeline, including ones pushed while
// the fetch was in flight, are kept. On failure the timeline is unchanged.
func (e *Engine) LoadHistory(ctx context.Context, conversationID string) ([]model.Message, error) {
	var gen uint64
	if err := e.do(ctx, func() {
		e.started[conversationID]++
		gen = e.started[conversationID]
	}); err != nil {
		return nil, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.HistoryTimeout)
	msgs, err := e.history.FetchMessages(fetchCtx, conversationID)
	cancel()
	if err != nil {
		err = asFetchError("load history "+conversationID, err)
		e.logger.Warn("history load failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return nil, err
	}

	var (
		snapshot []model.Message
		newest   time.Time
	)
	err = e.do(ctx, func() {
		if gen < e.merged[conversationID] {
			e.logger.Info("superseded history load merged",
				zap.String("conversation_id", conversationID),
				zap.Uint64("generation", gen),
				zap.Uint64("latest", e.merged[conversationID]))
		} else {
			e.merged[conversationID] = gen
		}

		e.ensureConversation(conversationID, model.Message{})
		changed := false
		for _, m := range msgs {
			if m.ConversationID == "" {
				m.ConversationID = conversationID
			}
			if m.ConversationID != conversationID {
				e.logger.Warn("history message for another conversation",
					zap.String("conversation_id", conversationID), zap.String("msg_id", m.ID))
				continue
			}
			if m.Timestamp.After(newest) {
				newest = m.Timestamp
			}
			if e.apply(m) != mergeDuplicate {
				changed = true
			}
		}
		if changed {
			e.publishTimeline(conversationID)
		}
		snapshot = e.timelineFor(conversationID).Messages()
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("history loaded",
		zap.String("conversation_id", conversationID),
		zap.Int("fetched", len(msgs)),
		zap.Int("timeline", len(snapshot)))

	if e.checkpoints != nil && !newest.IsZero() {
		if err := e.checkpoints.UpdateCheckpoint(ctx, conversationID, newest); err != nil {
			e.logger.Warn("failed to save checkpoint", zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}
	return snapshot, nil
}

// LastSynced returns the newest message timestamp merged from a history
// load of the conversation, as recorded in the checkpoints. ok is false when
// the conversation was never loaded or no checkpoint store is configured.
func (e *Engine) LastSynced(ctx context.Context, conversationID string) (at time.Time, ok bool, err error) {
	if e.checkpoints == nil {
		return time.Time{}, false, nil
	}
	return e.checkpoints.GetCheckpoint(ctx, conversationID)
}

// LoadConversations fetches the conversation list and upserts it into the
// tracked conversations.
func (e *Engine) LoadConversations(ctx context.Context) ([]model.Conversation, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.HistoryTimeout)
	convs, err := e.history.FetchConversations(fetchCtx)
	cancel()
	if err != nil {
		err = asFetchError("load conversations", err)
		e.logger.Warn("conversation load failed", zap.Error(err))
		return nil, err
	}

	var out []model.Conversation
	err = e.do(ctx, func() {
		for _, c := range convs {
			e.upsertConversation(c)
		}
		out = e.conversationSnapshot()
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("conversations loaded", zap.Int("count", len(convs)))
	return out, nil
}

// AttachChannel subscribes the engine to the push channel and connects it
// for identity. The identity is remembered for reconnects until
// DetachChannel.
func (e *Engine) AttachChannel(ctx context.Context, identity string) error {
	if e.channel == nil {
		return errors.New("no push channel configured")
	}
	e.attachMu.Lock()
	defer e.attachMu.Unlock()

	e.setIdentity(identity)
	e.channel.OnMessage(e.OnPushEvent)
	err := e.channel.Connect(ctx, identity)
	if err != nil && e.cfg.Reconnect.Enabled && identity != "" {
		select {
		case e.retry <- identity:
		default:
		}
	}
	return err
}

// DetachChannel disconnects the push channel and stops reconnecting.
func (e *Engine) DetachChannel() {
	if e.channel == nil {
		return
	}
	e.attachMu.Lock()
	defer e.attachMu.Unlock()
	e.setIdentity("")
	e.channel.Disconnect()
}

// OnPushEvent merges one push event. Message events from other users that
// are new to the timeline are forwarded to the notifier; other event kinds
// are republished on the bus.
func (e *Engine) OnPushEvent(evt channel.Event) {
	if evt.Kind != channel.KindMessage {
		e.bus.Publish(bus.Event{Kind: bus.KindPlatform, Payload: evt})
		return
	}

	m := evt.Message
	var (
		notify bool
		title  string
	)
	err := e.do(context.Background(), func() {
		res := e.apply(m)
		if res == mergeDuplicate {
			e.logger.Debug("duplicate push event ignored", zap.String("msg_id", m.ID))
			return
		}
		e.publishTimeline(m.ConversationID)
		if res == mergeInserted && !e.isLocal(m.SenderID) {
			notify = true
			title = m.SenderID
			if conv := e.convs[m.ConversationID]; conv != nil && conv.Label != "" {
				title = conv.Label
			}
		}
	})
	if err != nil {
		e.logger.Warn("push event dropped", zap.String("msg_id", m.ID), zap.Error(err))
		return
	}
	if notify && e.notifier != nil {
		e.notifier.Notify(context.Background(), title, m.Content, map[string]any{
			"conversation_id": m.ConversationID,
			"message_id":      m.ID,
		})
	}
}

// SendMessage inserts a provisional message, sends it and reconciles the
// result. On failure the provisional message stays in the timeline marked
// failed and the error is returned.
func (e *Engine) SendMessage(ctx context.Context, conversationID, content string) (model.Message, error) {
	if e.sender == nil {
		return model.Message{}, errors.New("no sender configured")
	}
	key := uuid.NewString()

	var (
		prov  model.Message
		known bool
	)
	if err := e.do(ctx, func() {
		conv, ok := e.convs[conversationID]
		if !ok {
			return
		}
		known = true
		local := e.localUserID()
		prov = model.Message{
			ID:             localIDPrefix + key,
			ConversationID: conversationID,
			SenderID:       local,
			ReceiverID:     conv.Peer(local),
			Content:        content,
			Timestamp:      e.now(),
			ClientMsgID:    key,
			Status:         model.StatusPending,
		}
		e.timelineFor(conversationID).Insert(prov)
		conv.Touch(prov, e.cfg.PreviewLength)
		e.publishTimeline(conversationID)
	}); err != nil {
		return model.Message{}, err
	}
	if !known {
		return model.Message{}, fmt.Errorf("send to %s: %w", conversationID, syncerr.ErrUnknownConversation)
	}

	res, sendErr := e.sender.Send(ctx, history.SendRequest{
		ReceiverID:     prov.ReceiverID,
		ConversationID: conversationID,
		Content:        content,
		ClientMsgID:    key,
	})

	var (
		out       model.Message
		delivered bool
	)
	err := e.do(context.WithoutCancel(ctx), func() {
		tl := e.timelineFor(conversationID)
		cur, pending := tl.Get(prov.ID)
		switch {
		case sendErr != nil && pending:
			out = cur.WithStatus(model.StatusFailed)
			tl.Update(out)
		case sendErr != nil:
			// The echo confirmed the message before the send call returned.
			out, delivered = tl.Find(func(m model.Message) bool { return m.ClientMsgID == key })
			if !delivered {
				out = prov.WithStatus(model.StatusFailed)
			}
		case res.Confirmed != nil:
			out = *res.Confirmed
			if out.ConversationID == "" {
				out.ConversationID = conversationID
			}
			if out.ClientMsgID == "" {
				out.ClientMsgID = key
			}
			if e.apply(out) == mergeDuplicate && pending {
				tl.Remove(prov.ID)
			}
			delivered = true
		case pending:
			out = cur.WithStatus(model.StatusSent)
			tl.Update(out)
			delivered = true
		default:
			out, _ = tl.Find(func(m model.Message) bool { return m.ClientMsgID == key })
			delivered = true
		}
		e.publishTimeline(conversationID)
	})
	if err != nil {
		return model.Message{}, err
	}
	if sendErr != nil && !delivered {
		return out, sendErr
	}
	return out, nil
}

// Timeline returns a snapshot of a conversation's timeline.
func (e *Engine) Timeline(ctx context.Context, conversationID string) ([]model.Message, error) {
	var (
		out   []model.Message
		known bool
	)
	err := e.do(ctx, func() {
		if _, known = e.convs[conversationID]; !known {
			return
		}
		if tl, ok := e.timelines[conversationID]; ok {
			out = tl.Messages()
		}
	})
	if err != nil {
		return nil, err
	}
	if !known {
		return nil, fmt.Errorf("timeline %s: %w", conversationID, syncerr.ErrUnknownConversation)
	}
	return out, nil
}

// Conversations returns the tracked conversations, most recent first.
func (e *Engine) Conversations(ctx context.Context) ([]model.Conversation, error) {
	var out []model.Conversation
	if err := e.do(ctx, func() { out = e.conversationSnapshot() }); err != nil {
		return nil, err
	}
	return out, nil
}

// apply merges a confirmed message into its timeline. A server copy of a
// local provisional message replaces it: first by client message id, then,
// for messages from the local user, by equal content within the reconcile
// window.
func (e *Engine) apply(m model.Message) mergeResult {
	conv := e.ensureConversation(m.ConversationID, m)
	tl := e.timelineFor(m.ConversationID)

	if m.ClientMsgID != "" {
		if p, ok := tl.Find(func(x model.Message) bool {
			return x.Provisional() && x.ClientMsgID == m.ClientMsgID
		}); ok {
			tl.Replace(p.ID, m)
			conv.Touch(m, e.cfg.PreviewLength)
			e.logger.Debug("provisional message confirmed", zap.String("local_id", p.ID), zap.String("msg_id", m.ID))
			return mergeReconciled
		}
	}

	if _, ok := tl.Get(m.ID); ok {
		return mergeDuplicate
	}

	if e.isLocal(m.SenderID) {
		if p, ok := tl.Find(func(x model.Message) bool {
			return x.Awaiting() && x.SenderID == m.SenderID && x.Content == m.Content &&
				within(x.Timestamp, m.Timestamp, e.cfg.ReconcileWindow)
		}); ok {
			tl.Replace(p.ID, m)
			conv.Touch(m, e.cfg.PreviewLength)
			e.logger.Debug("provisional message matched by content", zap.String("local_id", p.ID), zap.String("msg_id", m.ID))
			return mergeReconciled
		}
	}

	tl.Insert(m)
	conv.Touch(m, e.cfg.PreviewLength)
	return mergeInserted
}

func (e *Engine) timelineFor(conversationID string) *Timeline {
	tl, ok := e.timelines[conversationID]
	if !ok {
		tl = NewTimeline()
		e.timelines[conversationID] = tl
	}
	return tl
}

// ensureConversation returns the tracked conversation, creating it from m's
// participants when it is new.
func (e *Engine) ensureConversation(conversationID string, m model.Message) *model.Conversation {
	if conv, ok := e.convs[conversationID]; ok {
		return conv
	}
	conv := &model.Conversation{ID: conversationID}
	for _, p := range []string{m.SenderID, m.ReceiverID} {
		if p != "" && !slices.Contains(conv.ParticipantIDs, p) {
			conv.ParticipantIDs = append(conv.ParticipantIDs, p)
		}
	}
	e.convs[conversationID] = conv
	e.logger.Info("tracking conversation", zap.String("conversation_id", conversationID))
	return conv
}

func (e *Engine) upsertConversation(c model.Conversation) {
	conv, ok := e.convs[c.ID]
	if !ok {
		c.ParticipantIDs = slices.Clone(c.ParticipantIDs)
		e.convs[c.ID] = &c
		return
	}
	if c.Label != "" {
		conv.Label = c.Label
	}
	if len(c.ParticipantIDs) > 0 {
		conv.ParticipantIDs = slices.Clone(c.ParticipantIDs)
	}
	if c.LastActivityAt.After(conv.LastActivityAt) {
		conv.LastActivityAt = c.LastActivityAt
		conv.LastMessagePreview = c.LastMessagePreview
	}
}

func (e *Engine) conversationSnapshot() []model.Conversation {
	out := make([]model.Conversation, 0, len(e.convs))
	for _, c := range e.convs {
		cp := *c
		cp.ParticipantIDs = slices.Clone(c.ParticipantIDs)
		out = append(out, cp)
	}
	slices.SortFunc(out, func(a, b model.Conversation) int {
		if c := b.LastActivityAt.Compare(a.LastActivityAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func (e *Engine) trackedConversations(ctx context.Context) ([]string, error) {
	var ids []string
	err := e.do(ctx, func() {
		for id := range e.timelines {
			ids = append(ids, id)
		}
	})
	slices.Sort(ids)
	return ids, err
}

func (e *Engine) publishTimeline(conversationID string) {
	n := 0
	if tl, ok := e.timelines[conversationID]; ok {
		n = tl.Len()
	}
	e.bus.Publish(bus.Event{
		Kind:    bus.KindTimeline,
		Payload: TimelineUpdate{ConversationID: conversationID, Len: n},
	})
}

func (e *Engine) setIdentity(identity string) {
	e.idMu.Lock()
	e.identity = identity
	e.idMu.Unlock()
}

func (e *Engine) currentIdentity() string {
	e.idMu.RLock()
	defer e.idMu.RUnlock()
	return e.identity
}

func (e *Engine) localUserID() string {
	if e.cfg.LocalUserID != "" {
		return e.cfg.LocalUserID
	}
	return e.currentIdentity()
}

func (e *Engine) isLocal(senderID string) bool {
	local := e.localUserID()
	return local != "" && senderID == local
}

func within(a, b time.Time, window time.Duration) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= window
}

func asFetchError(op string, err error) error {
	var he *syncerr.HistoryFetchError
	if errors.As(err, &he) {
		return err
	}
	return &syncerr.HistoryFetchError{Message: op, Err: err}
}
