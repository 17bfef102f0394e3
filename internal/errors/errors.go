package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Sync layer errors.
var (
	ErrChannelNotOpen      = errors.New("push channel is not open")
	ErrEngineNotStarted    = errors.New("sync engine not started")
	ErrEngineStopped       = errors.New("sync engine stopped")
	ErrUnknownConversation = errors.New("unknown conversation")
)

// TransportError is a push channel open or send failure. It is reported to
// the caller and never retried by the channel itself.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// HistoryFetchError is a REST failure. StatusCode is 0 for network errors.
type HistoryFetchError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *HistoryFetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("API error: %s: %v", e.Message, e.Err)
	}
	return "API error: " + e.Message
}

func (e *HistoryFetchError) Unwrap() error { return e.Err }

// Retryable reports whether repeating the request may succeed.
func (e *HistoryFetchError) Retryable() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	}
	return false
}

// MalformedEventError is an inbound frame that could not be parsed.
type MalformedEventError struct {
	Reason string
	Err    error
}

func (e *MalformedEventError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed event: %s: %v", e.Reason, e.Err)
	}
	return "malformed event: " + e.Reason
}

func (e *MalformedEventError) Unwrap() error { return e.Err }

// PolicyConfigError is a stored notification setting that is not understood.
type PolicyConfigError struct {
	Value string
	Err   error
}

func (e *PolicyConfigError) Error() string {
	return fmt.Sprintf("unrecognized notification settings %q", e.Value)
}

func (e *PolicyConfigError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a retryable history fetch failure.
func IsRetryable(err error) bool {
	var he *HistoryFetchError
	if errors.As(err, &he) {
		return he.Retryable()
	}
	return errors.Is(err, context.DeadlineExceeded)
}
