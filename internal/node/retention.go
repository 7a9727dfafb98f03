package node

import (
	"context"
	"log/slog"
	"time"
)

// Retention is the single-use retention policy.  A node that finished
// its one task is released once it has been idle for IdleTimeout; so is
// an online node that never received work within IdleTimeout.
type Retention struct {
	inv         *Inventory
	idleTimeout func() time.Duration
	logger      *slog.Logger
}

// NewRetention creates the policy for inv.  A zero idleTimeout releases
// used nodes on the next check.
func NewRetention(inv *Inventory, idleTimeout time.Duration, logger *slog.Logger) *Retention {
	return &Retention{
		inv:         inv,
		idleTimeout: func() time.Duration { return idleTimeout },
		logger:      logger,
	}
}

// Follow makes the policy read its idle timeout from fn on every check,
// so that configuration saves apply to nodes already running.
func (r *Retention) Follow(fn func() time.Duration) *Retention {
	r.idleTimeout = fn
	return r
}

// Check terminates every node the policy has released and returns how
// many were terminated.
func (r *Retention) Check(ctx context.Context) int {
	now := r.inv.now()
	idleTimeout := r.idleTimeout()
	terminated := 0

	for _, w := range r.inv.List() {
		if !releasable(w, now, idleTimeout) {
			continue
		}
		r.logger.Debug("retention releasing node",
			slog.String("node", w.Name),
			slog.String("state", string(w.State)),
			slog.Duration("idle", now.Sub(w.IdleSince)),
		)
		// The node may have started a task since List.
		stillReleasable := func(cur Worker) bool { return releasable(cur, now, idleTimeout) }
		if r.inv.TerminateIf(ctx, w.Name, stillReleasable) {
			terminated++
		}
	}
	return terminated
}

func releasable(w Worker, now time.Time, idleTimeout time.Duration) bool {
	switch w.State {
	case StateIdlePendingRemoval:
		return now.Sub(w.IdleSince) >= idleTimeout
	case StateOnline:
		// Never-used nodes get the full timeout even when it is zero.
		return w.TasksStarted == 0 && idleTimeout > 0 && now.Sub(w.IdleSince) >= idleTimeout
	default:
		return false
	}
}

// Run calls Check every interval until ctx is done.
func (r *Retention) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Check(ctx); n > 0 {
				r.logger.Info("retention released nodes", slog.Int("count", n))
			}
		}
	}
}
