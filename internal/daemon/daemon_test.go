package daemon

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/client"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
)

const pushFrame = `{"type":"message","id":"m1","conversation_id":"c1","sender_id":"u2",` +
	`"receiver_id":"u1","content":"hi there","timestamp":"2024-05-01T10:00:00Z"}`

// backend fakes the messenger REST API and push endpoint.
func backend(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /messenger/conversations", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"id":"c1","user1_id":"u1","user2_id":"u2",` +
			`"participant_profile":{"username":"bob"},"last_message_at":null}]`))
	})
	mux.HandleFunc("GET /messenger/conversations/{id}/messages", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})
	mux.HandleFunc("GET /ws/{identity}", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.CloseNow() }()
		_ = conn.Write(r.Context(), websocket.MessageText, []byte(pushFrame))
		// Hold the connection until the client goes away.
		_, _, _ = conn.Read(r.Context())
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testHome(t *testing.T) {
	t.Helper()
	// Short path to stay under the unix socket path limit.
	dir, err := os.MkdirTemp("/tmp", "chatsync-*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	t.Setenv(session.HomeEnv, dir)
}

func testConfig(srv *httptest.Server) *config.Config {
	cfg := config.Default()
	cfg.Server.APIURL = srv.URL
	cfg.Server.WSURL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	cfg.Log.Level = "error"
	return cfg
}

func TestDaemonLifecycle(t *testing.T) {
	testHome(t)
	srv := backend(t)

	app := fx.New(
		Module(Params{SessionName: "test", Identity: "u1", Config: testConfig(srv)}),
		fx.NopLogger,
	)
	require.NoError(t, app.Err())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, app.Start(ctx))

	c := client.New(session.SocketPath("test"))
	defer c.Close()

	require.Eventually(t, func() bool {
		st, err := c.Status(ctx)
		return err == nil && st.State == "OPEN" && st.Identity == "u1"
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		msgs, err := c.Messages(ctx, "c1", false)
		return err == nil && len(msgs) == 1 && msgs[0].ID == "m1"
	}, 5*time.Second, 20*time.Millisecond)

	var convs []api.Conversation
	require.Eventually(t, func() bool {
		var err error
		convs, err = c.Conversations(ctx, false)
		return err == nil && len(convs) == 1 && convs[0].Label == "bob"
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "hi there", convs[0].LastMessagePreview)

	_, err := c.Messages(ctx, "missing", false)
	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)

	got, err := c.SetNotificationSettings(ctx, api.NotificationSettings{Enabled: true, RevealLevel: "sender"})
	require.NoError(t, err)
	assert.True(t, got.Enabled)

	info, ok, err := lock.Inspect(session.Dir("test"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, info.Running)
	assert.Equal(t, "u1", info.Identity)

	require.NoError(t, app.Stop(ctx))

	_, err = os.Stat(session.SocketPath("test"))
	assert.True(t, os.IsNotExist(err), "socket should be removed on stop")
}

func TestSecondDaemonRefused(t *testing.T) {
	testHome(t)
	srv := backend(t)
	cfg := testConfig(srv)

	first := fx.New(Module(Params{SessionName: "dup", Config: cfg}), fx.NopLogger)
	require.NoError(t, first.Err())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, first.Start(ctx))
	defer func() { _ = first.Stop(ctx) }()

	second := fx.New(Module(Params{SessionName: "dup", Config: cfg}), fx.NopLogger)
	require.Error(t, second.Err())
	assert.Contains(t, second.Err().Error(), "session lock held")
}

func TestSettingsBoltBackend(t *testing.T) {
	testHome(t)
	srv := backend(t)
	cfg := testConfig(srv)
	cfg.Settings.Backend = config.BackendBolt

	app := fx.New(Module(Params{SessionName: "bolt", Config: cfg}), fx.NopLogger)
	require.NoError(t, app.Err())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, app.Start(ctx))

	c := client.New(session.SocketPath("bolt"))
	_, err := c.SetNotificationSettings(ctx, api.NotificationSettings{Enabled: true, RevealLevel: "partial"})
	require.NoError(t, err)
	require.NoError(t, app.Stop(ctx))

	_, err = os.Stat(session.BoltPath("bolt"))
	assert.NoError(t, err)
}
