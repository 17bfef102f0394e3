package sync

import (
	"context"
	"fmt"
	"time"
)

const checkpointPrefix = "sync.checkpoint."

// KV is the key-value backend checkpoints are stored in.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
}

// Checkpoints records, per conversation, the timestamp of the newest message
// merged from a history load.
type Checkpoints struct {
	kv KV
}

// NewCheckpoints creates a checkpoint store over kv.
func NewCheckpoints(kv KV) *Checkpoints {
	return &Checkpoints{kv: kv}
}

// UpdateCheckpoint stores at for the conversation.
func (c *Checkpoints) UpdateCheckpoint(ctx context.Context, conversationID string, at time.Time) error {
	return c.kv.Put(ctx, checkpointPrefix+conversationID, []byte(at.UTC().Format(time.RFC3339Nano)))
}

// GetCheckpoint returns the stored checkpoint for the conversation.
func (c *Checkpoints) GetCheckpoint(ctx context.Context, conversationID string) (time.Time, bool, error) {
	raw, ok, err := c.kv.Get(ctx, checkpointPrefix+conversationID)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	at, err := time.Parse(time.RFC3339Nano, string(raw))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("checkpoint %s: %w", conversationID, err)
	}
	return at, true, nil
}
