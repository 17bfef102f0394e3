package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/matheus3301/chatsync/internal/session"
	"go.uber.org/zap"
)

// Server serves the control API on the session's Unix domain socket.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	socketPath string
	cancel     context.CancelFunc
	logger     *zap.Logger
}

// NewServer binds the control API to the session socket.
func NewServer(p Params, handler http.Handler, logger *zap.Logger) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.SocketPath(p.SessionName)
	}

	// Clean stale socket if it exists. The session lock guarantees no
	// other daemon owns it.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}

	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	// Request contexts derive from base so Stop can end open event streams.
	base, cancel := context.WithCancel(context.Background())
	srv := &http.Server{
		Handler:     handler,
		BaseContext: func(net.Listener) context.Context { return base },
	}

	return &Server{
		httpServer: srv,
		listener:   listener,
		socketPath: socketPath,
		cancel:     cancel,
		logger:     logger,
	}, nil
}

// SocketPath returns the bound socket path.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// Start serves requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("control server starting", zap.String("socket", s.socketPath))
	err := s.httpServer.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop performs a graceful shutdown and removes the socket file.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("control server stopping")
	s.cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("control server shutdown", zap.Error(err))
	}
	_ = os.Remove(s.socketPath)
}
