// Package dispatch paces reply fragments out to their conversation. Each
// fragment carries a delay measured from the start of delivery, not from the
// previous fragment, so a slow recipient never compounds the schedule.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/avasile/kaiwa/internal/kaiwa/reply"
)

// Recipient receives the paced fragments of one conversation. Delivery
// targets may vanish mid-schedule (agent deleted, room gone); implementations
// report that as an error and the scheduler drops the rest of the batch.
type Recipient interface {
	Deliver(ctx context.Context, conversationID, text string) error
}

// Scheduler delivers decoded reply batches on their delay schedule. One
// goroutine per in-flight batch; batches for the same conversation do not
// queue behind each other because the orchestrator already serialises them.
type Scheduler struct {
	recipient Recipient
	logger    *slog.Logger

	// sleep is injectable for tests. It returns ctx.Err() when the context
	// ends before the duration elapses.
	sleep func(ctx context.Context, d time.Duration) error

	wg sync.WaitGroup
}

// New creates a Scheduler delivering to the recipient.
func New(recipient Recipient, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		recipient: recipient,
		logger:    logger,
		sleep:     sleepCtx,
	}
}

// Dispatch schedules the fragments for delivery and returns immediately.
// The batch is already persisted; delivery is fire-and-forget from the
// caller's point of view.
func (s *Scheduler) Dispatch(ctx context.Context, conversationID, batchID string, frags []reply.Fragment) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.deliver(ctx, conversationID, batchID, frags)
	}()
}

// Wait blocks until every in-flight batch has finished delivering. Used at
// shutdown.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) deliver(ctx context.Context, conversationID, batchID string, frags []reply.Fragment) {
	start := time.Now()
	for i, frag := range frags {
		due := start.Add(time.Duration(frag.DelaySeconds) * time.Second)
		if wait := time.Until(due); wait > 0 {
			if err := s.sleep(ctx, wait); err != nil {
				s.logger.Warn("delivery cancelled",
					"conversation_id", conversationID,
					"batch_id", batchID,
					"delivered", i,
					"total", len(frags))
				return
			}
		}
		if err := s.recipient.Deliver(ctx, conversationID, frag.Text); err != nil {
			s.logger.Warn("delivery failed, dropping rest of batch",
				"conversation_id", conversationID,
				"batch_id", batchID,
				"fragment", i,
				"error", err)
			return
		}
	}
	s.logger.Debug("batch delivered",
		"conversation_id", conversationID,
		"batch_id", batchID,
		"fragments", len(frags))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
