package client

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveUnix(t *testing.T, h http.Handler) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "chatsync")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	sock := filepath.Join(dir, "d.sock")
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)

	srv := httptest.NewUnstartedServer(h)
	srv.Listener = ln
	srv.Start()
	t.Cleanup(srv.Close)
	return sock
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func TestClientRoundTrips(t *testing.T) {
	var sent api.SendRequest
	var stored api.NotificationSettings

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, api.Status{Session: "work", Identity: "u1", State: "OPEN"})
	})
	mux.HandleFunc("GET /v1/conversations", func(w http.ResponseWriter, r *http.Request) {
		label := "cached"
		if r.URL.Query().Get("refresh") == "true" {
			label = "fresh"
		}
		writeJSON(w, http.StatusOK, []api.Conversation{{ID: "c1", Label: label}})
	})
	mux.HandleFunc("GET /v1/conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []api.Message{{ID: "m1", ConversationID: r.PathValue("id")}})
	})
	mux.HandleFunc("POST /v1/conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&sent)
		writeJSON(w, http.StatusCreated, api.Message{ID: "m2", ConversationID: r.PathValue("id"), Content: sent.Content, Status: "sent"})
	})
	mux.HandleFunc("GET /v1/settings/notifications", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, stored)
	})
	mux.HandleFunc("PUT /v1/settings/notifications", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&stored)
		writeJSON(w, http.StatusOK, stored)
	})

	c := New(serveUnix(t, mux))
	defer c.Close()
	ctx := context.Background()

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "work", st.Session)
	assert.Equal(t, "OPEN", st.State)

	convs, err := c.Conversations(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "cached", convs[0].Label)
	convs, err = c.Conversations(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, "fresh", convs[0].Label)

	msgs, err := c.Messages(ctx, "c 1", false)
	require.NoError(t, err)
	assert.Equal(t, "c 1", msgs[0].ConversationID)

	msg, err := c.Send(ctx, "c1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", sent.Content)
	assert.Equal(t, "m2", msg.ID)

	_, err = c.SetNotificationSettings(ctx, api.NotificationSettings{Enabled: true, RevealLevel: "sender"})
	require.NoError(t, err)
	got, err := c.NotificationSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, api.NotificationSettings{Enabled: true, RevealLevel: "sender"}, got)
}

func TestClientAPIError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/conversations/{id}/messages", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, api.Error{Error: "unknown conversation"})
	})
	mux.HandleFunc("GET /v1/status", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	c := New(serveUnix(t, mux))
	ctx := context.Background()

	_, err := c.Messages(ctx, "nope", false)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "unknown conversation", apiErr.Message)

	_, err = c.Status(ctx)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "502 Bad Gateway", apiErr.Message)
}

func TestClientDaemonDown(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "missing.sock"))

	_, err := c.Status(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect to daemon")
}
