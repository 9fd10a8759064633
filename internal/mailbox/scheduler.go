// Package mailbox implements per-user serialization of inbound turns. Each
// active user owns one mailbox (a FIFO of pending turns) drained by exactly
// one worker goroutine, so turns for the same user never interleave while
// unrelated users proceed fully in parallel.
package mailbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"relaybot/internal/domain"
	"relaybot/internal/metrics"
)

// TurnHandler processes one dequeued turn. It must contain its own error
// handling: whatever happens inside, control returns to the scheduler and the
// next queued turn proceeds.
type TurnHandler func(ctx context.Context, turn domain.Turn)

// Suppressor is checked before each dequeued turn starts; suppressed turns
// are discarded as if they had completed.
type Suppressor interface {
	Contains(userID string) bool
}

type box struct {
	queue      []domain.Turn
	processing bool
}

// Scheduler owns the UserID → mailbox map. All map mutation happens under one
// mutex so enqueue and worker start are atomic: two workers can never start
// for the same user.
type Scheduler struct {
	mu    sync.Mutex
	boxes map[string]*box

	handler    TurnHandler
	suppressor Suppressor
	logger     *slog.Logger

	// turnTimeout bounds one turn's processing. Zero disables the bound and
	// a stuck turn stalls only its own user's mailbox.
	turnTimeout time.Duration

	wg sync.WaitGroup
}

// New creates a scheduler dispatching turns to handler.
func New(handler TurnHandler, suppressor Suppressor, turnTimeout time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		boxes:       make(map[string]*box),
		handler:     handler,
		suppressor:  suppressor,
		logger:      logger,
		turnTimeout: turnTimeout,
	}
}

// Enqueue appends a turn to its user's mailbox, creating the mailbox on first
// use. If no worker is draining that mailbox yet, one is started; otherwise
// the existing worker will pick the turn up in arrival order.
func (s *Scheduler) Enqueue(ctx context.Context, turn domain.Turn) {
	user := turn.UserID()

	s.mu.Lock()
	b, ok := s.boxes[user]
	if !ok {
		b = &box{}
		s.boxes[user] = b
	}
	b.queue = append(b.queue, turn)
	start := !b.processing
	if start {
		b.processing = true
	}
	s.mu.Unlock()

	if start {
		metrics.ActiveMailboxes.Inc()
		s.wg.Add(1)
		go s.drain(ctx, user)
	}
}

// drain is the single logical worker for one user. It runs until the queue
// empties, then removes the mailbox under the same lock that guards enqueue,
// so a concurrent Enqueue either lands in this drain or starts a fresh one.
func (s *Scheduler) drain(ctx context.Context, user string) {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		b := s.boxes[user]
		if len(b.queue) == 0 {
			delete(s.boxes, user)
			s.mu.Unlock()
			metrics.ActiveMailboxes.Dec()
			return
		}
		turn := b.queue[0]
		b.queue = b.queue[1:]
		s.mu.Unlock()

		if s.suppressor != nil && s.suppressor.Contains(user) {
			metrics.TurnsSuppressed.Inc()
			s.logger.Info("turn discarded, user suppressed", "user", user)
			continue
		}

		s.runTurn(ctx, turn)
	}
}

func (s *Scheduler) runTurn(ctx context.Context, turn domain.Turn) {
	if s.turnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.turnTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("turn handler panic", "user", turn.UserID(), "panic", r)
		}
	}()

	s.handler(ctx, turn)

	if err := ctx.Err(); err != nil {
		s.logger.Warn("turn ended with expired context", "user", turn.UserID(), "err", err)
	}
}

// Active reports whether a mailbox currently exists for the user. Exposed for
// observability: a drained user reads as inactive again.
func (s *Scheduler) Active(user string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.boxes[user]
	return ok
}

// ActiveMailboxes returns the number of users with a live mailbox.
func (s *Scheduler) ActiveMailboxes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.boxes)
}

// Wait blocks until every started worker has drained. Used on shutdown and in
// tests; new enqueues during Wait are still honored by their workers.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
