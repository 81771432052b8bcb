package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/WaGate/internal/models"
	"github.com/BTreeMap/WaGate/internal/policy"
	"github.com/BTreeMap/WaGate/internal/store"
	"github.com/BTreeMap/WaGate/internal/whatsapp"
)

// Constants for CloudService configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for receipt and response channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds how long an event waits for a slow consumer before it is dropped
	DefaultChannelTimeout = 100 * time.Millisecond
	// DefaultOutboxPollInterval is how often queued proactive messages are checked
	DefaultOutboxPollInterval = 5 * time.Second
	// policyRecheckDelay is used when the policy denies a send but reports no later slot
	policyRecheckDelay = time.Minute
)

// Opts holds configuration options for CloudService.
type Opts struct {
	Now           func() time.Time
	PollInterval  time.Duration
	SenderOptions []store.SenderOption
}

// Option configures a CloudService.
type Option func(*Opts)

// WithClock replaces time.Now, used by tests.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// WithPollInterval sets how often the outbox is polled.
func WithPollInterval(d time.Duration) Option {
	return func(o *Opts) { o.PollInterval = d }
}

// WithSenderOptions passes options through to the outbox sender.
func WithSenderOptions(opts ...store.SenderOption) Option {
	return func(o *Opts) { o.SenderOptions = append(o.SenderOptions, opts...) }
}

// CloudService implements Service on top of the WhatsApp Cloud API.
type CloudService struct {
	client    whatsapp.Sender
	policy    *policy.Engine
	st        store.Store
	outbox    *store.OutboxSender
	now       func() time.Time
	receipts  chan models.Receipt
	responses chan models.Response

	mu      sync.RWMutex
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Compile-time check that CloudService implements Service.
var _ Service = (*CloudService)(nil)

// NewCloudService wires client, policy engine and store together.
func NewCloudService(client whatsapp.Sender, engine *policy.Engine, st store.Store, opts ...Option) *CloudService {
	cfg := Opts{Now: time.Now, PollInterval: DefaultOutboxPollInterval}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &CloudService{
		client:    client,
		policy:    engine,
		st:        st,
		now:       cfg.Now,
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
	}
	senderOpts := append([]store.SenderOption{store.WithMaxAttempts(whatsapp.MaxAttempts)}, cfg.SenderOptions...)
	s.outbox = store.NewOutboxSender(st, s.Dispatch, cfg.PollInterval, senderOpts...)
	return s
}

// Outbox returns the sender that drains queued proactive messages.
func (s *CloudService) Outbox() *store.OutboxSender { return s.outbox }

func (s *CloudService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return whatsapp.CanonicalizeRecipient(recipient)
}

// Start recovers messages left in sending state and starts the outbox loop.
func (s *CloudService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrServiceStopped
	}
	if s.cancel != nil {
		return nil
	}
	if err := s.outbox.RecoverStaleMessages(); err != nil {
		return fmt.Errorf("recover outbox: %w", err)
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.outbox.Run(ctx)
	}()
	slog.Info("CloudService.Start: outbox sender started")
	return nil
}

// Stop stops the outbox loop and closes the event channels. It is safe to
// call more than once.
func (s *CloudService) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	s.mu.Lock()
	close(s.receipts)
	close(s.responses)
	s.mu.Unlock()
	slog.Info("CloudService.Stop: stopped and channels closed")
	return nil
}

func (s *CloudService) Receipts() <-chan models.Receipt { return s.receipts }

func (s *CloudService) Responses() <-chan models.Response { return s.responses }

func (s *CloudService) isStopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped
}

// SendReply sends msg to a user inside their session window. Business hours
// and proactive caps do not apply to replies.
func (s *CloudService) SendReply(ctx context.Context, to string, msg whatsapp.Message) (string, error) {
	if s.isStopped() {
		return "", ErrServiceStopped
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return "", err
	}
	decision, err := s.policy.CanReply(ctx, canonical, s.now())
	if err != nil {
		return "", err
	}
	if !decision.Allowed {
		slog.Info("CloudService.SendReply: reply denied", "to", canonical, "reason", decision.Reason)
		return "", &DeniedError{Decision: decision}
	}

	id, err := s.client.Send(ctx, msg.Build(canonical))
	if err != nil {
		slog.Error("CloudService.SendReply: send failed", "to", canonical, "kind", msg.Kind(), "error", err)
		return "", err
	}
	s.recordSent(id, canonical)
	slog.Info("CloudService.SendReply: reply sent", "to", canonical, "kind", msg.Kind(), "message_id", id)
	return id, nil
}

// QueueProactive validates msg for to and enqueues it in the outbox. A
// repeated dedupeKey returns the pending message instead of a new one.
func (s *CloudService) QueueProactive(ctx context.Context, to string, msg whatsapp.Message, dedupeKey string) (string, error) {
	if s.isStopped() {
		return "", ErrServiceStopped
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(msg.Build(canonical))
	if err != nil {
		return "", fmt.Errorf("encode outbox payload: %w", err)
	}
	id, err := s.st.EnqueueOutboxMessage(canonical, msg.Kind(), string(payload), dedupeKey)
	if err != nil {
		return "", fmt.Errorf("enqueue proactive message: %w", err)
	}
	slog.Info("CloudService.QueueProactive: message queued", "id", id, "to", canonical, "kind", msg.Kind(), "dedupe_key", dedupeKey)
	return id, nil
}

// Window returns the policy snapshot for phone.
func (s *CloudService) Window(ctx context.Context, phone string) (policy.Snapshot, error) {
	canonical, err := s.ValidateAndCanonicalizeRecipient(phone)
	if err != nil {
		return policy.Snapshot{}, err
	}
	return s.policy.Inspect(ctx, canonical, s.now())
}

// Dispatch sends one outbox message. It is the outbox sender's send
// function: a policy denial defers the message to the next allowed slot, or
// abandons it when the window cannot cover one; Cloud API failures are
// retried only when their diagnosis is retryable, and a retryable failure
// hands its policy slot back.
func (s *CloudService) Dispatch(ctx context.Context, msg store.OutboxMessage) error {
	var wire whatsapp.WireMessage
	if err := json.Unmarshal([]byte(msg.PayloadJSON), &wire); err != nil {
		return store.Permanent(fmt.Errorf("decode outbox payload: %w", err))
	}

	now := s.now()
	decision, grant, err := s.policy.ReserveProactiveSend(ctx, msg.Recipient, now)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return s.deferDenied(ctx, msg.Recipient, decision, now)
	}

	id, err := s.client.Send(ctx, wire)
	if err != nil {
		if whatsapp.IsRetryable(err) {
			// The retry is paced by the outbox backoff, not the min interval.
			if rerr := s.policy.ReleaseProactiveSend(ctx, grant); rerr != nil {
				slog.Error("CloudService.Dispatch: release policy slot failed", "id", msg.ID, "to", msg.Recipient, "error", rerr)
			}
			return err
		}
		if whatsapp.IsPolicyBlocked(err) {
			slog.Warn("CloudService.Dispatch: blocked by WhatsApp policy, template required", "id", msg.ID, "to", msg.Recipient, "error", err)
		}
		return store.Permanent(err)
	}
	s.recordSent(id, msg.Recipient)
	slog.Info("CloudService.Dispatch: proactive message sent", "id", msg.ID, "to", msg.Recipient, "message_id", id)
	return nil
}

func (s *CloudService) deferDenied(ctx context.Context, phone string, decision models.Decision, now time.Time) error {
	w, err := s.st.GetWindow(ctx, phone)
	if err != nil {
		return err
	}
	next := s.policy.NextSlot(w, now)
	if next.IsZero() {
		return store.Permanent(&DeniedError{Decision: decision})
	}
	if !next.After(now) {
		next = now.Add(policyRecheckDelay)
	}
	return &store.DeferError{Until: next, Reason: decision.Reason}
}

// HandleWebhook applies every message and status in payload. Processing
// continues past individual failures; the joined error makes the caller
// answer non-2xx so WhatsApp redelivers. Messages from a malformed sender
// are logged and skipped.
func (s *CloudService) HandleWebhook(ctx context.Context, payload *whatsapp.WebhookPayload) error {
	var errs []error
	for _, m := range payload.Messages() {
		if err := s.HandleInbound(ctx, m); err != nil {
			errs = append(errs, err)
		}
	}
	for _, u := range payload.Statuses() {
		if err := s.HandleStatus(u); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HandleInbound records an inbound message. The window update is applied
// first and is idempotent; the dedup record then guards the stored response
// so a redelivered webhook is not emitted twice.
func (s *CloudService) HandleInbound(ctx context.Context, m whatsapp.InboundMessage) error {
	from, err := s.ValidateAndCanonicalizeRecipient(m.From)
	if err != nil {
		// Redelivery cannot fix a malformed sender, so it is dropped.
		slog.Warn("CloudService.HandleInbound: dropping message with invalid sender", "message_id", m.ID, "from", m.From, "error", err)
		return nil
	}
	at := whatsapp.ParseTimestamp(m.Timestamp)
	if at.IsZero() {
		at = s.now()
	}

	if _, err := s.policy.RecordInbound(ctx, from, at); err != nil {
		return err
	}
	isNew, err := s.st.RecordInbound(m.ID, from)
	if err != nil {
		return fmt.Errorf("dedup inbound %s: %w", m.ID, err)
	}
	if !isNew {
		slog.Debug("CloudService.HandleInbound: duplicate message ignored", "message_id", m.ID, "from", from)
		return nil
	}

	kind, body, replyID := m.Content()
	resp := models.Response{MessageID: m.ID, From: from, Kind: kind, Body: body, ReplyID: replyID, Time: at.Unix()}
	if err := s.st.AddResponse(resp); err != nil {
		return fmt.Errorf("store response %s: %w", m.ID, err)
	}
	if err := s.st.MarkProcessed(m.ID); err != nil {
		slog.Warn("CloudService.HandleInbound: mark processed failed", "message_id", m.ID, "error", err)
	}
	s.emitResponse(resp)
	slog.Debug("CloudService.HandleInbound: message recorded", "message_id", m.ID, "from", from, "kind", kind)
	return nil
}

// HandleStatus stores a delivery status update.
func (s *CloudService) HandleStatus(u whatsapp.StatusUpdate) error {
	status := models.MessageStatus(u.Status)
	if !models.IsValidMessageStatus(status) {
		slog.Debug("CloudService.HandleStatus: ignoring status", "status", u.Status, "message_id", u.ID)
		return nil
	}
	r := models.Receipt{MessageID: u.ID, To: u.RecipientID, Status: status, Time: whatsapp.ParseTimestamp(u.Timestamp).Unix()}
	if len(u.Errors) > 0 {
		r.ErrorCode = u.Errors[0].Code
		d := whatsapp.Classify(0, r.ErrorCode, 0)
		slog.Warn("CloudService.HandleStatus: delivery failed", "message_id", u.ID, "to", u.RecipientID,
			"code", r.ErrorCode, "title", u.Errors[0].Title, "verdict", d.Verdict, "hint", d.Hint)
	}
	if err := s.st.AddReceipt(r); err != nil {
		return fmt.Errorf("store receipt %s: %w", u.ID, err)
	}
	s.emitReceipt(r)
	return nil
}

func (s *CloudService) recordSent(id, to string) {
	r := models.Receipt{MessageID: id, To: to, Status: models.MessageStatusSent, Time: s.now().Unix()}
	if err := s.st.AddReceipt(r); err != nil {
		slog.Error("CloudService: store sent receipt failed", "message_id", id, "error", err)
	}
	s.emitReceipt(r)
}

func (s *CloudService) emitReceipt(r models.Receipt) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	select {
	case s.receipts <- r:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("CloudService receipts channel blocked, dropping receipt", "message_id", r.MessageID, "timeout", DefaultChannelTimeout)
	}
}

func (s *CloudService) emitResponse(r models.Response) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	select {
	case s.responses <- r:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("CloudService responses channel blocked, dropping response", "message_id", r.MessageID, "timeout", DefaultChannelTimeout)
	}
}
