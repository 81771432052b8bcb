// Package policy decides when WaGate may message a user.
//
// Every phone number has a conversation window. Inbound messages open it for
// 24 hours; the first inbound message also opens a 72 hour free entry period
// that is never extended. Proactive (business-initiated) sends are further
// limited to business hours, a daily cap, a minimum spacing and a short guard
// after the user's last message. TryProactiveSend checks and records a send
// in one serialized step per phone number, so concurrent schedulers cannot
// both pass the cap.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/WaGate/internal/models"
	"github.com/BTreeMap/WaGate/internal/store"
)

// Denial reasons.
const (
	ReasonOutsideHours   = "outside business hours"
	ReasonNoConversation = "no conversation"
	ReasonWindowClosed   = "window closed"
	ReasonDailyLimit     = "daily limit reached"
	ReasonMinInterval    = "min interval not elapsed"
	ReasonRecentInbound  = "recent inbound activity"
)

// ErrNoConversation is returned when recording a send for a phone number
// that never wrote to the business.
var ErrNoConversation = errors.New("no conversation window for phone number")

// dayLayout keys the daily counter by calendar day in the policy timezone.
const dayLayout = "2006-01-02"

// Engine evaluates and records window policy against a WindowRepo.
type Engine struct {
	repo  store.WindowRepo
	cfg   Config
	loc   *time.Location
	start time.Duration
	end   time.Duration
}

// Snapshot is a point-in-time view of a phone number's policy state.
type Snapshot struct {
	Phone    string                     `json:"phone"`
	State    models.WindowState         `json:"state"`
	Window   *models.ConversationWindow `json:"window,omitempty"`
	Decision models.Decision            `json:"decision"`
	CanReply bool                       `json:"can_reply"`
	NextSlot *time.Time                 `json:"next_slot,omitempty"`
}

// New creates an Engine. cfg is validated.
func New(repo store.WindowRepo, cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	loc, err := loadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	start, _ := parseClock(cfg.BusinessStart)
	end, _ := parseClock(cfg.BusinessEnd)
	slog.Debug("policy.New: engine configured", "timezone", loc.String(), "start", cfg.BusinessStart, "end", cfg.BusinessEnd,
		"daily_limit", cfg.DailyLimit, "min_interval", cfg.MinInterval, "inbound_guard", cfg.InboundGuard,
		"free_entry", !cfg.DisableFreeEntry)
	return &Engine{repo: repo, cfg: cfg, loc: loc, start: start, end: end}, nil
}

// Config returns the engine's policy.
func (e *Engine) Config() Config { return e.cfg }

// Location returns the policy timezone.
func (e *Engine) Location() *time.Location { return e.loc }

// RecordInbound applies an inbound user message received at at. The first
// message creates the window and its free entry period. Later messages move
// the window forward; an event older than the last one seen is ignored so
// out-of-order webhook delivery cannot shrink the window.
func (e *Engine) RecordInbound(ctx context.Context, phone string, at time.Time) (*models.ConversationWindow, error) {
	at = at.UTC()
	w, err := e.repo.UpdateWindow(ctx, phone, func(cur *models.ConversationWindow) (*models.ConversationWindow, error) {
		if cur == nil {
			w := &models.ConversationWindow{
				FirstInboundAt:  at,
				LastInboundAt:   at,
				WindowExpiresAt: at.Add(e.cfg.SessionWindow),
			}
			if !e.cfg.DisableFreeEntry {
				free := at.Add(e.cfg.FreeEntryWindow)
				w.FreeEntryExpiresAt = &free
			}
			return w, nil
		}
		if !at.After(cur.LastInboundAt) {
			return nil, store.ErrSkipUpdate
		}
		cur.LastInboundAt = at
		cur.WindowExpiresAt = at.Add(e.cfg.SessionWindow)
		return cur, nil
	})
	if err != nil {
		return nil, fmt.Errorf("record inbound for %s: %w", phone, err)
	}
	slog.Debug("policy.RecordInbound", "phone", phone, "at", at, "window_expires_at", w.WindowExpiresAt)
	return w, nil
}

// Authorize reports whether a proactive send to phone is allowed at now. It
// does not record anything; use TryProactiveSend to send.
func (e *Engine) Authorize(ctx context.Context, phone string, now time.Time) (models.Decision, error) {
	w, err := e.repo.GetWindow(ctx, phone)
	if err != nil {
		return models.Decision{}, fmt.Errorf("authorize %s: %w", phone, err)
	}
	return e.Evaluate(w, now), nil
}

// RecordProactiveSend counts a proactive send at now, resetting the counter
// first when the calendar day rolled over.
func (e *Engine) RecordProactiveSend(ctx context.Context, phone string, now time.Time) error {
	_, err := e.repo.UpdateWindow(ctx, phone, func(cur *models.ConversationWindow) (*models.ConversationWindow, error) {
		if cur == nil {
			return nil, ErrNoConversation
		}
		return e.applySend(cur, now), nil
	})
	if err != nil {
		return fmt.Errorf("record proactive send for %s: %w", phone, err)
	}
	return nil
}

// TryProactiveSend authorizes and, when allowed, records a proactive send as
// one atomic step. The counter is consumed before the message goes out; use
// ReserveProactiveSend when the slot must be handed back on a transient
// delivery failure.
func (e *Engine) TryProactiveSend(ctx context.Context, phone string, now time.Time) (models.Decision, error) {
	decision, _, err := e.ReserveProactiveSend(ctx, phone, now)
	return decision, err
}

// Grant is a consumed proactive slot. It remembers the counters it replaced
// so ReleaseProactiveSend can restore them.
type Grant struct {
	Phone  string
	SentAt time.Time

	prevCount           int
	prevCountDate       string
	prevLastProactiveAt *time.Time
}

// ReserveProactiveSend is TryProactiveSend that also returns the consumed
// slot. The grant is nil when the send was denied.
func (e *Engine) ReserveProactiveSend(ctx context.Context, phone string, now time.Time) (models.Decision, *Grant, error) {
	var decision models.Decision
	var grant *Grant
	_, err := e.repo.UpdateWindow(ctx, phone, func(cur *models.ConversationWindow) (*models.ConversationWindow, error) {
		decision = e.Evaluate(cur, now)
		if !decision.Allowed {
			return nil, store.ErrSkipUpdate
		}
		g := &Grant{Phone: phone, SentAt: now.UTC(), prevCount: cur.ProactiveCount, prevCountDate: cur.ProactiveCountDate}
		if cur.LastProactiveAt != nil {
			last := *cur.LastProactiveAt
			g.prevLastProactiveAt = &last
		}
		grant = g
		return e.applySend(cur, now), nil
	})
	if err != nil {
		return models.Decision{}, nil, fmt.Errorf("try proactive send for %s: %w", phone, err)
	}
	slog.Debug("policy.TryProactiveSend", "phone", phone, "allowed", decision.Allowed, "reason", decision.Reason)
	return decision, grant, nil
}

// ReleaseProactiveSend hands a reserved slot back. When no other send was
// recorded since, the counters are restored exactly; otherwise only the
// daily count is decremented so the later send keeps its spacing.
func (e *Engine) ReleaseProactiveSend(ctx context.Context, g *Grant) error {
	if g == nil {
		return nil
	}
	_, err := e.repo.UpdateWindow(ctx, g.Phone, func(cur *models.ConversationWindow) (*models.ConversationWindow, error) {
		if cur == nil {
			return nil, store.ErrSkipUpdate
		}
		if cur.LastProactiveAt != nil && sameInstant(*cur.LastProactiveAt, g.SentAt) {
			cur.ProactiveCount = g.prevCount
			cur.ProactiveCountDate = g.prevCountDate
			cur.LastProactiveAt = g.prevLastProactiveAt
			return cur, nil
		}
		if cur.ProactiveCountDate == e.dayKey(g.SentAt) && cur.ProactiveCount > 0 {
			cur.ProactiveCount--
			return cur, nil
		}
		return nil, store.ErrSkipUpdate
	})
	if err != nil {
		return fmt.Errorf("release proactive send for %s: %w", g.Phone, err)
	}
	slog.Debug("policy.ReleaseProactiveSend", "phone", g.Phone, "sent_at", g.SentAt)
	return nil
}

// CanReply reports whether a free-form reply is allowed at now: the session
// window or free entry period must be open. Business hours and caps do not
// apply to replies.
func (e *Engine) CanReply(ctx context.Context, phone string, now time.Time) (models.Decision, error) {
	w, err := e.repo.GetWindow(ctx, phone)
	if err != nil {
		return models.Decision{}, fmt.Errorf("can reply %s: %w", phone, err)
	}
	return e.replyDecision(w, now), nil
}

// Inspect returns the full policy view for phone at now.
func (e *Engine) Inspect(ctx context.Context, phone string, now time.Time) (Snapshot, error) {
	w, err := e.repo.GetWindow(ctx, phone)
	if err != nil {
		return Snapshot{}, fmt.Errorf("inspect %s: %w", phone, err)
	}
	snap := Snapshot{
		Phone:    phone,
		State:    e.State(w, now),
		Window:   w,
		Decision: e.Evaluate(w, now),
		CanReply: e.replyDecision(w, now).Allowed,
	}
	if next := e.NextSlot(w, now); !next.IsZero() {
		snap.NextSlot = &next
	}
	return snap, nil
}

// State returns the observable window state at now.
func (e *Engine) State(w *models.ConversationWindow, now time.Time) models.WindowState {
	switch {
	case w == nil:
		return models.WindowUnengaged
	case now.Before(w.WindowExpiresAt):
		return models.WindowOpen
	default:
		return models.WindowClosed
	}
}

// Evaluate applies the proactive send rules to w at now.
func (e *Engine) Evaluate(w *models.ConversationWindow, now time.Time) models.Decision {
	if !e.InBusinessHours(now) {
		return models.Deny(ReasonOutsideHours)
	}
	if w == nil {
		return models.Deny(ReasonNoConversation)
	}
	if !e.inSession(w, now) {
		return models.Deny(ReasonWindowClosed)
	}
	if e.countOn(w, now) >= e.cfg.DailyLimit {
		return models.Deny(ReasonDailyLimit)
	}
	if w.LastProactiveAt != nil && now.Sub(*w.LastProactiveAt) < e.cfg.MinInterval {
		return models.Deny(ReasonMinInterval)
	}
	if now.Sub(w.LastInboundAt) < e.cfg.InboundGuard {
		return models.Deny(ReasonRecentInbound)
	}
	return models.Allow()
}

// NextSlot returns the earliest time at or after now when the time-based
// rules allow a proactive send to w, or the zero time if the session and
// free entry period end before any such slot.
func (e *Engine) NextSlot(w *models.ConversationWindow, now time.Time) time.Time {
	if w == nil {
		return time.Time{}
	}
	t := now
	// Each rule only moves t forward; a few passes reach a fixed point.
	for i := 0; i < 8; i++ {
		next := t
		if w.LastProactiveAt != nil {
			next = later(next, w.LastProactiveAt.Add(e.cfg.MinInterval))
		}
		next = later(next, w.LastInboundAt.Add(e.cfg.InboundGuard))
		if e.countOn(w, next) >= e.cfg.DailyLimit {
			local := next.In(e.loc)
			next = time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, e.loc)
		}
		next = e.nextBusinessOpen(next)
		if next.Equal(t) {
			break
		}
		t = next
	}
	if !t.Before(e.sessionEnd(w)) {
		return time.Time{}
	}
	return t
}

// InBusinessHours reports whether t falls in [start, end) local time.
func (e *Engine) InBusinessHours(t time.Time) bool {
	tod := timeOfDay(t.In(e.loc))
	return tod >= e.start && tod < e.end
}

func (e *Engine) replyDecision(w *models.ConversationWindow, now time.Time) models.Decision {
	switch {
	case w == nil:
		return models.Deny(ReasonNoConversation)
	case e.inSession(w, now):
		return models.Allow()
	default:
		return models.Deny(ReasonWindowClosed)
	}
}

func (e *Engine) applySend(w *models.ConversationWindow, now time.Time) *models.ConversationWindow {
	day := e.dayKey(now)
	if w.ProactiveCountDate != day {
		w.ProactiveCount = 0
		w.ProactiveCountDate = day
	}
	w.ProactiveCount++
	sent := now.UTC()
	w.LastProactiveAt = &sent
	return w
}

// sameInstant tolerates the sub-microsecond truncation of SQL timestamps.
func sameInstant(a, b time.Time) bool {
	return a.Sub(b).Abs() < time.Microsecond
}

func (e *Engine) inSession(w *models.ConversationWindow, now time.Time) bool {
	return now.Before(e.sessionEnd(w))
}

// sessionEnd is the later of the window expiry and the free entry expiry.
func (e *Engine) sessionEnd(w *models.ConversationWindow) time.Time {
	end := w.WindowExpiresAt
	if w.FreeEntryExpiresAt != nil {
		end = later(end, *w.FreeEntryExpiresAt)
	}
	return end
}

func (e *Engine) countOn(w *models.ConversationWindow, t time.Time) int {
	if w.ProactiveCountDate != e.dayKey(t) {
		return 0
	}
	return w.ProactiveCount
}

func (e *Engine) dayKey(t time.Time) string {
	return t.In(e.loc).Format(dayLayout)
}

// nextBusinessOpen returns t if it is inside business hours, otherwise the
// next opening time.
func (e *Engine) nextBusinessOpen(t time.Time) time.Time {
	local := t.In(e.loc)
	tod := timeOfDay(local)
	if tod >= e.start && tod < e.end {
		return t
	}
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, e.loc)
	if tod < e.start {
		return midnight.Add(e.start)
	}
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, e.loc).Add(e.start)
}

func timeOfDay(t time.Time) time.Duration {
	return time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second +
		time.Duration(t.Nanosecond())
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
