package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

const (
	SubscriberStatusBoard      = "status-board"
	SubscriberRecipientNotices = "recipient-notices"

	DispatchStatusSent    = "sent"
	DispatchStatusFailed  = "failed"
	DispatchStatusSkipped = "skipped"
)

type DispatchStats struct {
	Claimed   int
	Delivered int
	Retried   int
	Failed    int
}

// StatusSubscriberRegistry holds named subscribers, invoked in name order.
type StatusSubscriberRegistry struct {
	mu          sync.RWMutex
	subscribers map[string]StatusSubscriber
	order       []string
}

func NewStatusSubscriberRegistry() *StatusSubscriberRegistry {
	return &StatusSubscriberRegistry{
		subscribers: make(map[string]StatusSubscriber),
		order:       make([]string, 0),
	}
}

func (r *StatusSubscriberRegistry) Register(name string, subscriber StatusSubscriber) {
	if r == nil || subscriber == nil {
		return
	}
	key := strings.TrimSpace(name)
	if key == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subscribers == nil {
		r.subscribers = make(map[string]StatusSubscriber)
	}
	if _, exists := r.subscribers[key]; !exists {
		r.order = append(r.order, key)
		sort.Strings(r.order)
	}
	r.subscribers[key] = subscriber
}

func (r *StatusSubscriberRegistry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func (r *StatusSubscriberRegistry) Subscribers() []StatusSubscriber {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]StatusSubscriber, 0, len(r.order))
	for _, key := range r.order {
		if subscriber := r.subscribers[key]; subscriber != nil {
			out = append(out, subscriber)
		}
	}
	return out
}

// StatusDispatcher drains the status outbox into subscribers. Events are
// acked only after every subscriber accepted them, so delivery is at least
// once.
type StatusDispatcher struct {
	outbox   StatusOutbox
	registry *StatusSubscriberRegistry
	config   NotifierConfig
	logger   Logger
	now      func() time.Time
}

type StatusDispatcherOption func(*StatusDispatcher)

func WithStatusDispatcherLogger(logger Logger) StatusDispatcherOption {
	return func(d *StatusDispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func WithStatusDispatcherClock(now func() time.Time) StatusDispatcherOption {
	return func(d *StatusDispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

func NewStatusDispatcher(
	outbox StatusOutbox,
	registry *StatusSubscriberRegistry,
	config NotifierConfig,
	opts ...StatusDispatcherOption,
) (*StatusDispatcher, error) {
	if outbox == nil {
		return nil, fmt.Errorf("core: status outbox is required")
	}
	defaults := DefaultConfig().Notifier
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	if registry == nil {
		registry = NewStatusSubscriberRegistry()
	}
	d := &StatusDispatcher{
		outbox:   outbox,
		registry: registry,
		config:   config,
		logger:   glog.Nop(),
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d, nil
}

func (d *StatusDispatcher) DispatchPending(ctx context.Context, batchSize int) (DispatchStats, error) {
	if d == nil || d.outbox == nil {
		return DispatchStats{}, fmt.Errorf("core: status dispatcher is not configured")
	}
	limit := batchSize
	if limit <= 0 {
		limit = d.config.BatchSize
	}
	events, err := d.outbox.ClaimBatch(ctx, limit)
	if err != nil {
		return DispatchStats{}, err
	}

	stats := DispatchStats{Claimed: len(events)}
	var dispatchErr error
	for _, event := range events {
		if err := d.dispatchOne(ctx, event); err != nil {
			if retryErr := d.retryEvent(ctx, event, err); retryErr != nil {
				dispatchErr = joinErrors(dispatchErr, retryErr)
			}
			if event.DispatchAttempts+1 >= d.config.MaxAttempts {
				stats.Failed++
				d.logger.Error("status event dropped after max attempts",
					"event_id", event.ID, "redemption_id", event.RedemptionID, "error", err.Error())
			} else {
				stats.Retried++
			}
			dispatchErr = joinErrors(dispatchErr, err)
			continue
		}
		if err := d.outbox.Ack(ctx, strings.TrimSpace(event.ID)); err != nil {
			dispatchErr = joinErrors(dispatchErr, err)
			continue
		}
		stats.Delivered++
	}

	return stats, dispatchErr
}

// Run dispatches on every tick until ctx is done.
func (d *StatusDispatcher) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := d.DispatchPending(ctx, 0); err != nil {
			d.logger.Warn("status dispatch incomplete", "error", err.Error())
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (d *StatusDispatcher) dispatchOne(ctx context.Context, event StatusEvent) error {
	for i, subscriber := range d.registry.Subscribers() {
		if err := subscriber.HandleStatus(ctx, event); err != nil {
			return fmt.Errorf("core: status subscriber %d failed for event %q: %w", i, event.ID, err)
		}
	}
	return nil
}

func (d *StatusDispatcher) retryEvent(ctx context.Context, event StatusEvent, cause error) error {
	attempt := event.DispatchAttempts
	if attempt+1 >= d.config.MaxAttempts {
		return d.outbox.Retry(ctx, strings.TrimSpace(event.ID), cause, time.Time{})
	}
	nextAttemptAt := d.now().Add(d.nextBackoffDelay(attempt + 1))
	return d.outbox.Retry(ctx, strings.TrimSpace(event.ID), cause, nextAttemptAt)
}

func (d *StatusDispatcher) nextBackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(d.config.InitialBackoff)
	multiplier := math.Pow(2, float64(attempt-1))
	next := time.Duration(base * multiplier)
	if next < 0 {
		return d.config.MaxBackoff
	}
	if next > d.config.MaxBackoff {
		return d.config.MaxBackoff
	}
	return next
}

func joinErrors(existing error, next error) error {
	if existing == nil {
		return next
	}
	if next == nil {
		return existing
	}
	return fmt.Errorf("%w; %v", existing, next)
}

// StatusBoard keeps the latest published state per redemption for status
// polling. Older or repeated events are ignored.
type StatusBoard struct {
	mu     sync.RWMutex
	latest map[string]StatusEvent
}

func NewStatusBoard() *StatusBoard {
	return &StatusBoard{latest: make(map[string]StatusEvent)}
}

func (b *StatusBoard) HandleStatus(_ context.Context, event StatusEvent) error {
	id := strings.TrimSpace(event.RedemptionID)
	if id == "" {
		return fmt.Errorf("core: status event redemption id is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if current, ok := b.latest[id]; ok && current.Seq >= event.Seq {
		return nil
	}
	b.latest[id] = event
	return nil
}

func (b *StatusBoard) Latest(redemptionID string) (StatusEvent, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	event, ok := b.latest[strings.TrimSpace(redemptionID)]
	return event, ok
}

// OperationSubmitter runs delivery operations; *SessionSerializer satisfies it.
type OperationSubmitter interface {
	Submit(ctx context.Context, identity string, op Operation) Outcome
}

// RecipientNoticeSubscriber messages the recipient through the delivery
// session when their redemption reaches a state worth telling them about.
type RecipientNoticeSubscriber struct {
	Name      string
	Submitter OperationSubmitter
	Ledger    DispatchLedger
}

func NewRecipientNoticeSubscriber(submitter OperationSubmitter, ledger DispatchLedger) *RecipientNoticeSubscriber {
	return &RecipientNoticeSubscriber{
		Name:      SubscriberRecipientNotices,
		Submitter: submitter,
		Ledger:    ledger,
	}
}

func (n *RecipientNoticeSubscriber) HandleStatus(ctx context.Context, event StatusEvent) error {
	if n == nil || n.Submitter == nil || n.Ledger == nil {
		return fmt.Errorf("core: recipient notice subscriber dependencies are required")
	}
	text := RecipientNotice(event.State, event.Note)
	recipient := strings.TrimSpace(event.RecipientIdentity)
	if text == "" || recipient == "" {
		return nil
	}
	name := strings.TrimSpace(n.Name)
	if name == "" {
		name = SubscriberRecipientNotices
	}
	key := noticeIdempotencyKey(name, event, recipient)
	seen, err := n.Ledger.Seen(ctx, key)
	if err != nil {
		return err
	}
	if seen {
		return nil
	}

	outcome := n.Submitter.Submit(ctx, recipient, SendMessageOperation(text))
	record := DispatchRecord{
		EventID:        strings.TrimSpace(event.ID),
		Subscriber:     name,
		RedemptionID:   strings.TrimSpace(event.RedemptionID),
		State:          event.State,
		RecipientKey:   recipient,
		IdempotencyKey: key,
		Status:         DispatchStatusSent,
	}
	switch outcome.Kind {
	case OutcomeSuccess:
	case OutcomePermanent:
		// nothing a retry can fix; keep the record so it is not attempted again
		record.Status = DispatchStatusSkipped
		record.Error = outcome.Reason
	default:
		record.Status = DispatchStatusFailed
		record.Error = outcome.Reason
	}
	if err := n.Ledger.Record(ctx, record); err != nil {
		return err
	}
	if record.Status == DispatchStatusFailed {
		return fmt.Errorf("core: recipient notice failed: %s", outcome.Reason)
	}
	return nil
}

// RecipientNotice returns the message for state, or "" when the recipient is
// not messaged.
func RecipientNotice(state RedemptionState, note string) string {
	switch state {
	case StateContactConfirmed:
		return "Thanks for accepting the contact request. Your item is on its way."
	case StateCompleted:
		return "Your item has been delivered. Enjoy!"
	case StateFailed:
		note = strings.TrimSpace(note)
		if note == "" {
			return "We could not deliver your item. Please contact support."
		}
		return "We could not deliver your item (" + note + "). Please contact support."
	default:
		return ""
	}
}

func noticeIdempotencyKey(subscriber string, event StatusEvent, recipient string) string {
	raw := strings.Join([]string{
		subscriber,
		strings.TrimSpace(event.RedemptionID),
		string(event.State),
		strconv.Itoa(event.Seq),
		recipient,
	}, "|")
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// MemoryDispatchLedger treats failed records as unseen so they are retried.
type MemoryDispatchLedger struct {
	mu      sync.Mutex
	records map[string]DispatchRecord
}

func NewMemoryDispatchLedger() *MemoryDispatchLedger {
	return &MemoryDispatchLedger{records: make(map[string]DispatchRecord)}
}

func (l *MemoryDispatchLedger) Seen(_ context.Context, idempotencyKey string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	record, ok := l.records[strings.TrimSpace(idempotencyKey)]
	return ok && record.Status != DispatchStatusFailed, nil
}

func (l *MemoryDispatchLedger) Record(_ context.Context, record DispatchRecord) error {
	key := strings.TrimSpace(record.IdempotencyKey)
	if key == "" {
		return fmt.Errorf("core: dispatch idempotency key is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[key] = record
	return nil
}

func (l *MemoryDispatchLedger) Records() []DispatchRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]DispatchRecord, 0, len(l.records))
	for _, record := range l.records {
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	return out
}

// StatusSubscribers builds the default subscriber set: the status board and,
// unless suppressed, recipient notices over the service's session.
func (s *Service) StatusSubscribers(board *StatusBoard, ledger DispatchLedger) *StatusSubscriberRegistry {
	registry := NewStatusSubscriberRegistry()
	if board != nil {
		registry.Register(SubscriberStatusBoard, board)
	}
	if s != nil && !s.config.Workflow.SuppressRecipientNotices && s.serializer != nil && ledger != nil {
		registry.Register(SubscriberRecipientNotices, NewRecipientNoticeSubscriber(s.serializer, ledger))
	}
	return registry
}

// NewStatusDispatcher wires a dispatcher over the service's outbox.
func (s *Service) NewStatusDispatcher(registry *StatusSubscriberRegistry) (*StatusDispatcher, error) {
	if s == nil || s.outbox == nil {
		return nil, fmt.Errorf("core: redemption store does not provide a status outbox")
	}
	return NewStatusDispatcher(s.outbox, registry, s.config.Notifier,
		WithStatusDispatcherLogger(s.namedLogger("redemptions.notifier")),
		WithStatusDispatcherClock(s.now),
	)
}

var (
	_ StatusSubscriber   = (*StatusBoard)(nil)
	_ StatusSubscriber   = (*RecipientNoticeSubscriber)(nil)
	_ DispatchLedger     = (*MemoryDispatchLedger)(nil)
	_ OperationSubmitter = (*SessionSerializer)(nil)
)
