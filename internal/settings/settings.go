package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	syncerr "github.com/matheus3301/chatsync/internal/errors"
	"go.uber.org/zap"
)

// Key is the single key holding the notification policy record.
const Key = "notification_settings"

// RevealLevel controls how much message content a notification exposes.
// The set is closed; anything else is treated as suppressed.
type RevealLevel string

const (
	RevealFull       RevealLevel = "content"
	RevealPartial    RevealLevel = "partial"
	RevealSenderOnly RevealLevel = "sender"
	RevealNone       RevealLevel = "none"
)

// Levels lists every known reveal level.
var Levels = []RevealLevel{RevealFull, RevealPartial, RevealSenderOnly, RevealNone}

// Valid reports whether l is one of the known levels.
func (l RevealLevel) Valid() bool {
	switch l {
	case RevealFull, RevealPartial, RevealSenderOnly, RevealNone:
		return true
	}
	return false
}

// Record is the persisted notification policy.
type Record struct {
	Enabled     bool        `json:"isEnabled"`
	RevealLevel RevealLevel `json:"notificationType"`
}

// Default is returned when nothing has been persisted.
func Default() Record {
	return Record{Enabled: false, RevealLevel: RevealFull}
}

// Backend is an atomic single-key store. store.DB and store.Bolt satisfy it.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
}

// Store reads and writes the notification policy record. Concurrent Set
// calls are serialized; the last one to run wins.
type Store struct {
	mu      sync.Mutex
	backend Backend
	logger  *zap.Logger
}

// NewStore creates a settings store over the given backend.
func NewStore(backend Backend, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{backend: backend, logger: logger}
}

// Get returns the stored record, or Default when nothing is stored or the
// stored value cannot be decoded. An unknown reveal level is returned as is
// so the policy can fail safe on it.
func (s *Store) Get(ctx context.Context) (Record, error) {
	raw, ok, err := s.backend.Get(ctx, Key)
	if err != nil {
		return Default(), fmt.Errorf("read %s: %w", Key, err)
	}
	if !ok {
		return Default(), nil
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		s.logger.Warn("ignoring stored notification settings",
			zap.Error(&syncerr.PolicyConfigError{Value: string(raw), Err: err}))
		return Default(), nil
	}
	if !rec.RevealLevel.Valid() {
		s.logger.Warn("stored notification settings have unknown reveal level",
			zap.Error(&syncerr.PolicyConfigError{Value: string(rec.RevealLevel)}))
	}
	return rec, nil
}

// Set persists rec.
func (s *Store) Set(ctx context.Context, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %s: %w", Key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.backend.Put(ctx, Key, raw); err != nil {
		return fmt.Errorf("write %s: %w", Key, err)
	}
	s.logger.Info("notification settings updated",
		zap.Bool("enabled", rec.Enabled), zap.String("reveal_level", string(rec.RevealLevel)))
	return nil
}
