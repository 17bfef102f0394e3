package sync

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/channel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	reconnectMin        = 1 * time.Second
	reconnectMax        = 60 * time.Second
	reconnectMultiplier = 2.0

	dialTimeout       = 15 * time.Second
	resyncConcurrency = 4
)

// ReconnectPolicy controls redialing after an unrequested channel drop.
// Delays grow by Multiplier from Min up to Max, plus up to 50% jitter, and
// reset after a successful connect.
type ReconnectPolicy struct {
	Enabled    bool
	Min        time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultReconnectPolicy is the enabled policy used by the daemon.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Enabled:    true,
		Min:        reconnectMin,
		Max:        reconnectMax,
		Multiplier: reconnectMultiplier,
	}
}

func (p ReconnectPolicy) normalized() ReconnectPolicy {
	if p.Min <= 0 {
		p.Min = reconnectMin
	}
	if p.Max < p.Min {
		p.Max = max(reconnectMax, p.Min)
	}
	if p.Multiplier < 1 {
		p.Multiplier = reconnectMultiplier
	}
	return p
}

func (p ReconnectPolicy) next(d time.Duration) time.Duration {
	return min(time.Duration(float64(d)*p.Multiplier), p.Max)
}

func jittered(d time.Duration) time.Duration {
	if half := int64(d / 2); half > 0 {
		return d + time.Duration(rand.Int64N(half))
	}
	return d
}

// watchDrops redials the attached identity whenever its channel drops.
func (e *Engine) watchDrops(ctx context.Context, drops <-chan bus.Event) {
	for {
		var identity string
		select {
		case <-ctx.Done():
			return
		case evt := <-drops:
			d, ok := evt.Payload.(channel.Drop)
			if !ok {
				continue
			}
			identity = d.Identity
		case identity = <-e.retry:
		}

		if !e.cfg.Reconnect.Enabled {
			e.logger.Info("push channel down, reconnect disabled", zap.String("identity", identity))
			continue
		}
		if identity == "" || identity != e.currentIdentity() {
			continue
		}
		e.reconnect(ctx, identity)
	}
}

func (e *Engine) reconnect(ctx context.Context, identity string) {
	p := e.cfg.Reconnect.normalized()
	backoff := p.Min
	for attempt := 1; ; attempt++ {
		wait := jittered(backoff)
		e.logger.Info("reconnecting push channel",
			zap.String("identity", identity),
			zap.Int("attempt", attempt),
			zap.Duration("delay", wait))

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		ok, stop := e.redial(ctx, identity)
		if stop {
			return
		}
		if ok {
			e.logger.Info("push channel reconnected", zap.String("identity", identity), zap.Int("attempts", attempt))
			e.resync(ctx)
			return
		}
		backoff = p.next(backoff)
	}
}

// redial connects once. stop is true when the identity was detached or
// replaced while waiting.
func (e *Engine) redial(ctx context.Context, identity string) (ok, stop bool) {
	e.attachMu.Lock()
	defer e.attachMu.Unlock()
	if e.currentIdentity() != identity {
		return false, true
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := e.channel.Connect(dialCtx, identity); err != nil {
		e.logger.Warn("reconnect failed", zap.String("identity", identity), zap.Error(err))
		return false, ctx.Err() != nil
	}
	return true, false
}

// resync reloads every tracked conversation to fill the gap left by the
// outage.
func (e *Engine) resync(ctx context.Context) {
	ids, err := e.trackedConversations(ctx)
	if err != nil {
		return
	}
	var g errgroup.Group
	g.SetLimit(resyncConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			if since, ok, err := e.LastSynced(ctx, id); err != nil {
				e.logger.Warn("reading checkpoint", zap.String("conversation_id", id), zap.Error(err))
			} else if ok {
				e.logger.Info("resyncing conversation",
					zap.String("conversation_id", id),
					zap.Time("since", since),
					zap.Duration("gap", e.now().Sub(since)))
			}
			if _, err := e.LoadHistory(ctx, id); err != nil {
				e.logger.Warn("resync failed", zap.String("conversation_id", id), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	e.logger.Info("resync complete", zap.Int("conversations", len(ids)))
}
