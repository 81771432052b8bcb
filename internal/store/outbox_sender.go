// Package store provides the OutboxSender for processing outgoing messages.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// OutboxSendFunc is the callback that performs the actual message send.
// It receives the outbox message and should return an error if sending failed.
// Return a *DeferError to reschedule without consuming an attempt, or wrap
// the error with Permanent to stop retrying.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

// DeferError postpones a message until Until. It is not a failure.
type DeferError struct {
	Until  time.Time
	Reason string
}

func (e *DeferError) Error() string {
	return fmt.Sprintf("deferred until %s: %s", e.Until.Format(time.RFC3339), e.Reason)
}

// PermanentError marks a send failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the OutboxSender abandons the message.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Default retry policy for failed sends.
const (
	DefaultOutboxMaxAttempts = 5
	DefaultOutboxBackoffBase = 10 * time.Second
	DefaultOutboxBackoffCap  = 15 * time.Minute
)

// DefaultOutboxBackoff doubles from 10s per previous attempt, capped at 15m.
func DefaultOutboxBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := DefaultOutboxBackoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= DefaultOutboxBackoffCap {
			return DefaultOutboxBackoffCap
		}
	}
	return d
}

// SenderOpts holds configuration for an OutboxSender.
type SenderOpts struct {
	MaxAttempts    int
	Backoff        func(attempt int) time.Duration
	StaleThreshold time.Duration
	ClaimLimit     int
}

// SenderOption defines a configuration option for an OutboxSender.
type SenderOption func(*SenderOpts)

// WithMaxAttempts sets how many failed sends abandon a message.
func WithMaxAttempts(n int) SenderOption {
	return func(o *SenderOpts) { o.MaxAttempts = n }
}

// WithBackoff sets the retry delay as a function of prior failed attempts.
func WithBackoff(fn func(attempt int) time.Duration) SenderOption {
	return func(o *SenderOpts) { o.Backoff = fn }
}

// WithStaleThreshold sets how long a sending message may stay locked before
// RecoverStaleMessages requeues it.
func WithStaleThreshold(d time.Duration) SenderOption {
	return func(o *SenderOpts) { o.StaleThreshold = d }
}

// WithClaimLimit sets the batch size per poll.
func WithClaimLimit(n int) SenderOption {
	return func(o *SenderOpts) { o.ClaimLimit = n }
}

// OutboxSender periodically claims due outbox messages and attempts to send them.
type OutboxSender struct {
	repo           OutboxRepo
	sendFunc       OutboxSendFunc
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	maxAttempts    int
	backoff        func(attempt int) time.Duration
}

// NewOutboxSender creates a new OutboxSender.
func NewOutboxSender(repo OutboxRepo, sendFunc OutboxSendFunc, pollInterval time.Duration, opts ...SenderOption) *OutboxSender {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	cfg := SenderOpts{
		MaxAttempts:    DefaultOutboxMaxAttempts,
		Backoff:        DefaultOutboxBackoff,
		StaleThreshold: 5 * time.Minute,
		ClaimLimit:     10,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &OutboxSender{
		repo:           repo,
		sendFunc:       sendFunc,
		pollInterval:   pollInterval,
		staleThreshold: cfg.StaleThreshold,
		claimLimit:     cfg.ClaimLimit,
		maxAttempts:    cfg.MaxAttempts,
		backoff:        cfg.Backoff,
	}
}

// RecoverStaleMessages requeues messages stuck in sending state (crash recovery).
// Called at startup and periodically by the maintenance scheduler.
func (s *OutboxSender) RecoverStaleMessages() error {
	staleBefore := time.Now().Add(-s.staleThreshold)
	n, err := s.repo.RequeueStaleSendingMessages(staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued stale messages", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	slog.Info("OutboxSender.Run: starting outbox sender", "pollInterval", s.pollInterval)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopping")
			return
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll claims and processes one batch of due messages.
func (s *OutboxSender) Poll(ctx context.Context) {
	now := time.Now()
	msgs, err := s.repo.ClaimDueOutboxMessages(now, s.claimLimit)
	if err != nil {
		slog.Error("OutboxSender.poll: claim failed", "error", err)
		return
	}

	for _, msg := range msgs {
		slog.Debug("OutboxSender.poll: sending message", "id", msg.ID, "recipient", msg.Recipient, "kind", msg.Kind)
		s.settle(msg, s.sendFunc(ctx, msg), now)
	}
}

func (s *OutboxSender) settle(msg OutboxMessage, sendErr error, now time.Time) {
	var deferErr *DeferError
	var permErr *PermanentError
	var err error

	switch {
	case sendErr == nil:
		err = s.repo.MarkOutboxMessageSent(msg.ID)
		slog.Debug("OutboxSender.poll: message sent", "id", msg.ID, "recipient", msg.Recipient)
	case errors.As(sendErr, &deferErr):
		slog.Info("OutboxSender.poll: send deferred", "id", msg.ID, "until", deferErr.Until, "reason", deferErr.Reason)
		err = s.repo.DeferOutboxMessage(msg.ID, deferErr.Reason, deferErr.Until)
	case errors.As(sendErr, &permErr):
		slog.Error("OutboxSender.poll: send failed permanently", "id", msg.ID, "error", sendErr)
		err = s.repo.AbandonOutboxMessage(msg.ID, sendErr.Error())
	case msg.Attempts+1 >= s.maxAttempts:
		slog.Error("OutboxSender.poll: max attempts reached", "id", msg.ID, "attempts", msg.Attempts+1, "error", sendErr)
		err = s.repo.AbandonOutboxMessage(msg.ID, fmt.Sprintf("max attempts reached: %v", sendErr))
	default:
		nextAttempt := now.Add(s.backoff(msg.Attempts))
		slog.Warn("OutboxSender.poll: send failed, will retry", "id", msg.ID, "attempt", msg.Attempts+1, "nextAttempt", nextAttempt, "error", sendErr)
		err = s.repo.FailOutboxMessage(msg.ID, sendErr.Error(), nextAttempt)
	}
	if err != nil {
		slog.Error("OutboxSender.poll: settle message error", "id", msg.ID, "error", err)
	}
}
