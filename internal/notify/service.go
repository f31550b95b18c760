// Package notify delivers rendered notification chunks to subscribers.
//
// Unlike a fire-and-forget pipeline, delivery here is synchronous: the watch
// runner gates its commit on per-recipient success, so every send must be
// acknowledged before the next chunk goes out and errors must surface to the
// caller.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	kit "watchbot/internal/transport"
	logx "watchbot/pkg/logx"
)

// DeliveryError is a platform-level send failure for one recipient. The watch
// runner treats it as grounds to abort the topic's commit.
type DeliveryError struct {
	UserID int64
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %d: %v", e.UserID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

type Config struct {
	// RatePerSec is the global outbound send budget (Telegram throttles bots).
	RatePerSec int
}

type Service struct {
	log     logx.Logger
	adapter kit.Adapter

	mu      sync.Mutex
	limiter *rate.Limiter
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{log: log, adapter: adapter}
	s.Apply(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 3
	}
	s.mu.Lock()
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	s.mu.Unlock()
}

func (s *Service) lim() *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limiter
}

// Deliver resolves the subscriber and sends every chunk in order, each one
// acknowledged before the next. A resolution miss returns
// transport.ErrRecipientNotFound (wrapped); any send failure returns a
// *DeliveryError, including when it happens mid-message.
func (s *Service) Deliver(ctx context.Context, userID int64, chunks []string) error {
	rcpt, err := s.adapter.ResolveUser(ctx, userID)
	if err != nil {
		if errors.Is(err, kit.ErrRecipientNotFound) {
			return err
		}
		return &DeliveryError{UserID: userID, Err: err}
	}

	to := kit.ChatTarget{ChatID: rcpt.ChatID}
	for i, chunk := range chunks {
		if err := s.lim().Wait(ctx); err != nil {
			return &DeliveryError{UserID: userID, Err: err}
		}
		if err := s.adapter.SendText(ctx, to, chunk, &kit.SendOptions{DisablePreview: true}); err != nil {
			return &DeliveryError{UserID: userID, Err: fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), err)}
		}
	}
	s.log.Debug("delivered", logx.Int64("user", userID), logx.Int("chunks", len(chunks)))
	return nil
}

// NotifyAdmins sends a short operational notice to every admin. Best-effort:
// failures are logged and swallowed, and the whole attempt is bounded so it
// can never stall a poll cycle.
func (s *Service) NotifyAdmins(ctx context.Context, adminIDs []int64, text string) {
	if len(adminIDs) == 0 {
		return
	}
	nctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for _, id := range adminIDs {
		if err := s.Deliver(nctx, id, []string{text}); err != nil {
			s.log.Warn("admin notice failed", logx.Int64("admin", id), logx.Err(err))
		}
	}
}
