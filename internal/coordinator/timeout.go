// ABOUTME: Result timeout policy: escalates sessions stuck waiting on an agent
// ABOUTME: Runs as a periodic sweep because the bus has no cancellation

package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/2389/coven-concierge/internal/session"
)

// Run sweeps for timed out sessions every SweepInterval until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := c.SweepTimeouts(ctx); n > 0 {
				c.logger.Info("escalated timed out sessions", "count", n)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// SweepTimeouts escalates every active session that has waited longer than
// ResultTimeout for a sentiment, intent or business agent result. It
// returns the number of sessions escalated.
func (c *Coordinator) SweepTimeouts(ctx context.Context) int {
	now := c.now()
	escalated := 0

	for _, id := range c.store.IDs() {
		snap, err := c.store.Snapshot(id)
		if err != nil || !c.timedOut(&snap, now) {
			continue
		}

		var stage session.Stage
		var waited time.Duration
		updated, err := c.store.Update(id, func(s *session.Session) error {
			// Re-check under the session lock; the result may have just arrived.
			if !c.timedOut(s, now) {
				return fmt.Errorf("%w: result arrived", ErrDuplicateSignal)
			}
			stage = s.Awaiting
			waited = now.Sub(s.AwaitingSince)
			return s.Escalate(ReasonAgentTimeout, now)
		})
		if err != nil {
			continue
		}

		c.bump(func(s *Stats) { s.Timeouts++ })
		c.logger.Warn("result timed out, escalating",
			"session_id", id,
			"awaiting", stage,
			"waited", waited)

		if err := c.publishEscalation(ctx, updated, ReasonAgentTimeout, map[string]any{
			"awaiting": string(stage),
			"waited":   waited.String(),
		}); err != nil {
			c.logger.Error("publishing timeout escalation", "session_id", id, "error", err)
		}
		escalated++
	}

	return escalated
}

func (c *Coordinator) timedOut(s *session.Session, now time.Time) bool {
	return s.Status == session.StatusActive &&
		s.Awaiting != session.StageNone &&
		now.Sub(s.AwaitingSince) >= c.cfg.ResultTimeout
}
