package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	syncerr "github.com/matheus3301/chatsync/internal/errors"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/settings"
	"github.com/matheus3301/chatsync/internal/status"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Engine is the part of the sync engine the control API drives.
type Engine interface {
	Conversations(ctx context.Context) ([]model.Conversation, error)
	LoadConversations(ctx context.Context) ([]model.Conversation, error)
	Timeline(ctx context.Context, conversationID string) ([]model.Message, error)
	LoadHistory(ctx context.Context, conversationID string) ([]model.Message, error)
	SendMessage(ctx context.Context, conversationID, content string) (model.Message, error)
	LastSynced(ctx context.Context, conversationID string) (time.Time, bool, error)
}

// ChannelState reports the push channel's state.
type ChannelState interface {
	State() status.State
	Identity() string
}

// SettingsStore reads and writes the notification policy.
type SettingsStore interface {
	Get(ctx context.Context) (settings.Record, error)
	Set(ctx context.Context, rec settings.Record) error
}

// Handler serves the daemon control API.
type Handler struct {
	session   string
	startedAt time.Time
	engine    Engine
	channel   ChannelState
	settings  SettingsStore
	logger    *zap.Logger
}

// NewHandler creates a control API handler for one session.
func NewHandler(sessionName string, engine Engine, ch ChannelState, st SettingsStore, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		session:   sessionName,
		startedAt: time.Now(),
		engine:    engine,
		channel:   ch,
		settings:  st,
		logger:    logger,
	}
}

// GetStatus handles GET /v1/status.
func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, Status{
		Session:   h.session,
		Identity:  h.channel.Identity(),
		State:     string(h.channel.State()),
		StartedAt: h.startedAt.UnixMilli(),
		UptimeMS:  time.Since(h.startedAt).Milliseconds(),
	})
}

// ListConversations handles GET /v1/conversations. With refresh=true the
// list is fetched from the history API first.
func (h *Handler) ListConversations(c *gin.Context) {
	ctx := c.Request.Context()

	var (
		convs []model.Conversation
		err   error
	)
	if c.Query("refresh") == "true" {
		_, err = h.engine.LoadConversations(ctx)
	}
	if err == nil {
		convs, err = h.engine.Conversations(ctx)
	}
	if err != nil {
		h.fail(c, "list conversations", err)
		return
	}
	out := toConversations(convs)
	for i := range out {
		at, ok, err := h.engine.LastSynced(ctx, out[i].ID)
		if err != nil {
			h.logger.Warn("reading checkpoint", zap.String("conversation_id", out[i].ID), zap.Error(err))
			continue
		}
		if ok {
			out[i].LastSyncedMS = at.UnixMilli()
		}
	}
	c.JSON(http.StatusOK, out)
}

// ListMessages handles GET /v1/conversations/:id/messages. With
// reload=true the history is fetched and merged first.
func (h *Handler) ListMessages(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	var (
		msgs []model.Message
		err  error
	)
	if c.Query("reload") == "true" {
		msgs, err = h.engine.LoadHistory(ctx, id)
	} else {
		msgs, err = h.engine.Timeline(ctx, id)
	}
	if err != nil {
		h.fail(c, "list messages", err)
		return
	}
	c.JSON(http.StatusOK, toMessages(msgs))
}

// SendMessage handles POST /v1/conversations/:id/messages.
func (h *Handler) SendMessage(c *gin.Context) {
	ctx := c.Request.Context()

	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Error{Error: err.Error()})
		return
	}

	msg, err := h.engine.SendMessage(ctx, c.Param("id"), req.Content)
	if err != nil {
		// A failed send still produced a tracked provisional message.
		if msg.ID != "" {
			c.JSON(statusFor(err), gin.H{"error": err.Error(), "message": toMessage(msg)})
			return
		}
		h.fail(c, "send message", err)
		return
	}
	c.JSON(http.StatusCreated, toMessage(msg))
}

// GetNotificationSettings handles GET /v1/settings/notifications.
func (h *Handler) GetNotificationSettings(c *gin.Context) {
	rec, err := h.settings.Get(c.Request.Context())
	if err != nil {
		h.fail(c, "read settings", err)
		return
	}
	c.JSON(http.StatusOK, toSettings(rec))
}

// PutNotificationSettings handles PUT /v1/settings/notifications.
func (h *Handler) PutNotificationSettings(c *gin.Context) {
	var req NotificationSettings
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Error{Error: err.Error()})
		return
	}
	level := settings.RevealLevel(req.RevealLevel)
	if !level.Valid() {
		err := &syncerr.PolicyConfigError{Value: req.RevealLevel}
		c.JSON(http.StatusBadRequest, Error{Error: err.Error()})
		return
	}

	rec := settings.Record{Enabled: req.Enabled, RevealLevel: level}
	if err := h.settings.Set(c.Request.Context(), rec); err != nil {
		h.fail(c, "write settings", err)
		return
	}
	c.JSON(http.StatusOK, toSettings(rec))
}

func (h *Handler) fail(c *gin.Context, op string, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.Warn(op+" failed", zap.Error(err))
	}
	c.JSON(code, Error{Error: err.Error()})
}

func statusFor(err error) int {
	var (
		fetchErr     *syncerr.HistoryFetchError
		transportErr *syncerr.TransportError
	)
	switch {
	case errors.Is(err, syncerr.ErrUnknownConversation):
		return http.StatusNotFound
	case errors.Is(err, syncerr.ErrEngineStopped), errors.Is(err, syncerr.ErrEngineNotStarted):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &fetchErr), errors.As(err, &transportErr):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
