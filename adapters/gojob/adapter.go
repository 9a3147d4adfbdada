// Package gojob moves redemption advances onto a go-job queue: the retry
// scheduler enqueues one advance job per due redemption and a worker drains
// them through the service.
package gojob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-redemptions/core"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
)

const (
	JobIDAdvance       = "redemptions.advance"
	ParamRedemptionID  = "redemption_id"
	defaultLockedDelay = 5 * time.Second
)

// RetryPolicy bounds queue retries so a failing advance cannot loop forever.
type RetryPolicy struct {
	MaxAttempts     int
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

// NormalizeAttempt enforces bounded retry behavior for a nack operation.
func (p RetryPolicy) NormalizeAttempt(opts queue.NackOptions, attempt int) queue.NackOptions {
	out := opts
	out.Reason = strings.TrimSpace(out.Reason)
	if out.Delay < 0 {
		out.Delay = 0
	}
	if p.MaxDelay > 0 && out.Delay > p.MaxDelay {
		out.Delay = p.MaxDelay
	}
	if out.DeadLetter {
		out.Requeue = false
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		out.Requeue = false
		if p.DeadLetterOnMax || out.DeadLetter {
			out.DeadLetter = true
		}
	}
	if !out.Requeue && !out.DeadLetter {
		out.Requeue = true
	}
	return out
}

// AdvanceMessage builds the queue message for one advance of redemptionID.
func AdvanceMessage(redemptionID string) *job.ExecutionMessage {
	redemptionID = strings.TrimSpace(redemptionID)
	return &job.ExecutionMessage{
		JobID:      JobIDAdvance,
		ScriptPath: JobIDAdvance,
		Parameters: map[string]any{ParamRedemptionID: redemptionID},
	}
}

// RedemptionIDFrom extracts the redemption id from an advance message.
func RedemptionIDFrom(msg *job.ExecutionMessage) (string, error) {
	if msg == nil {
		return "", fmt.Errorf("gojob: execution message is required")
	}
	if strings.TrimSpace(msg.JobID) != JobIDAdvance {
		return "", fmt.Errorf("gojob: unexpected job id %q", msg.JobID)
	}
	raw, ok := msg.Parameters[ParamRedemptionID]
	if !ok {
		return "", fmt.Errorf("gojob: %s parameter is required", ParamRedemptionID)
	}
	id, ok := raw.(string)
	if !ok || strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("gojob: %s parameter must be a non-empty string", ParamRedemptionID)
	}
	return strings.TrimSpace(id), nil
}

// AdvanceDispatcher implements core.AdvanceDispatcher over a go-job enqueuer.
type AdvanceDispatcher struct {
	enqueuer queue.Enqueuer
}

func NewAdvanceDispatcher(enqueuer queue.Enqueuer) *AdvanceDispatcher {
	return &AdvanceDispatcher{enqueuer: enqueuer}
}

func (d *AdvanceDispatcher) DispatchAdvance(ctx context.Context, redemptionID string) error {
	if d == nil || d.enqueuer == nil {
		return fmt.Errorf("gojob: enqueuer is not configured")
	}
	if strings.TrimSpace(redemptionID) == "" {
		return fmt.Errorf("gojob: redemption id is required")
	}
	return d.enqueuer.Enqueue(ctx, AdvanceMessage(redemptionID))
}

// Advancer is the part of the service a worker needs.
type Advancer interface {
	Advance(ctx context.Context, redemptionID string) (core.AdvanceResult, error)
}

type WorkerOption func(*AdvanceWorker)

func WithRetryPolicy(policy RetryPolicy) WorkerOption {
	return func(w *AdvanceWorker) {
		w.policy = policy
	}
}

func WithWorkerHook(hook worker.Hook) WorkerOption {
	return func(w *AdvanceWorker) {
		if hook != nil {
			w.hooks = append(w.hooks, hook)
		}
	}
}

// WithLockedDelay sets how long a job whose redemption is leased elsewhere
// waits before it is redelivered.
func WithLockedDelay(delay time.Duration) WorkerOption {
	return func(w *AdvanceWorker) {
		if delay > 0 {
			w.lockedDelay = delay
		}
	}
}

func WithWorkerClock(now func() time.Time) WorkerOption {
	return func(w *AdvanceWorker) {
		if now != nil {
			w.now = now
		}
	}
}

// AdvanceWorker consumes advance jobs and runs them through an Advancer.
// Failed advances are nacked under the retry policy; a held lease is
// requeued without counting as an attempt.
type AdvanceWorker struct {
	dequeuer    queue.Dequeuer
	advancer    Advancer
	policy      RetryPolicy
	hooks       []worker.Hook
	lockedDelay time.Duration
	now         func() time.Time

	mu       sync.Mutex
	attempts map[string]int
}

func NewAdvanceWorker(dequeuer queue.Dequeuer, advancer Advancer, opts ...WorkerOption) (*AdvanceWorker, error) {
	if dequeuer == nil {
		return nil, fmt.Errorf("gojob: dequeuer is required")
	}
	if advancer == nil {
		return nil, fmt.Errorf("gojob: advancer is required")
	}
	w := &AdvanceWorker{
		dequeuer:    dequeuer,
		advancer:    advancer,
		lockedDelay: defaultLockedDelay,
		now:         func() time.Time { return time.Now().UTC() },
		attempts:    map[string]int{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w, nil
}

// ProcessNext dequeues and handles a single delivery.
func (w *AdvanceWorker) ProcessNext(ctx context.Context) error {
	if w == nil {
		return fmt.Errorf("gojob: worker is not configured")
	}
	delivery, err := w.dequeuer.Dequeue(ctx)
	if err != nil {
		return err
	}
	if delivery == nil {
		return nil
	}
	return w.handle(ctx, delivery)
}

// Run processes deliveries until ctx is done.
func (w *AdvanceWorker) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := w.ProcessNext(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
	}
}

func (w *AdvanceWorker) handle(ctx context.Context, delivery queue.Delivery) error {
	msg := delivery.Message()
	redemptionID, err := RedemptionIDFrom(msg)
	if err != nil {
		// malformed jobs never succeed
		return delivery.Nack(ctx, queue.NackOptions{DeadLetter: true, Reason: err.Error()})
	}

	attempt := w.attempt(redemptionID) + 1
	startedAt := w.now()
	event := worker.Event{Message: msg, Delivery: delivery, Attempt: attempt, StartedAt: startedAt}
	w.emit(func(h worker.Hook) { h.OnStart(ctx, event) })

	_, advanceErr := w.advancer.Advance(ctx, redemptionID)
	event.Duration = w.now().Sub(startedAt)
	if advanceErr == nil {
		w.reset(redemptionID)
		w.emit(func(h worker.Hook) { h.OnSuccess(ctx, event) })
		return delivery.Ack(ctx)
	}

	event.Err = advanceErr
	if core.IsLockHeld(advanceErr) {
		event.Delay = w.lockedDelay
		w.emit(func(h worker.Hook) { h.OnRetry(ctx, event) })
		return delivery.Nack(ctx, queue.NackOptions{
			Delay:   w.lockedDelay,
			Requeue: true,
			Reason:  "redemption leased by another worker",
		})
	}

	w.record(redemptionID, attempt)
	opts := w.policy.NormalizeAttempt(queue.NackOptions{
		Delay:   backoff(attempt),
		Requeue: true,
		Reason:  advanceErr.Error(),
	}, attempt)
	event.Delay = opts.Delay
	if opts.Requeue {
		w.emit(func(h worker.Hook) { h.OnRetry(ctx, event) })
	} else {
		w.reset(redemptionID)
		w.emit(func(h worker.Hook) { h.OnFailure(ctx, event) })
	}
	return delivery.Nack(ctx, opts)
}

func (w *AdvanceWorker) emit(fn func(worker.Hook)) {
	for _, hook := range w.hooks {
		fn(hook)
	}
}

func (w *AdvanceWorker) attempt(id string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.attempts[id]
}

func (w *AdvanceWorker) record(id string, attempt int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.attempts[id] = attempt
}

func (w *AdvanceWorker) reset(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.attempts, id)
}

func backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 8 {
		attempt = 8
	}
	return time.Second << (attempt - 1)
}

// AdvanceEvent is the redemption view of a worker event.
type AdvanceEvent struct {
	RedemptionID string
	Attempt      int
	Delay        time.Duration
	Err          error
	StartedAt    time.Time
	Duration     time.Duration
}

// AdvanceHook observes advance jobs without depending on go-job types.
type AdvanceHook interface {
	OnStart(ctx context.Context, event AdvanceEvent)
	OnSuccess(ctx context.Context, event AdvanceEvent)
	OnFailure(ctx context.Context, event AdvanceEvent)
	OnRetry(ctx context.Context, event AdvanceEvent)
}

// WorkerHookAdapter exposes an AdvanceHook as a go-job worker.Hook.
type WorkerHookAdapter struct {
	hook AdvanceHook
}

func NewWorkerHookAdapter(hook AdvanceHook) *WorkerHookAdapter {
	return &WorkerHookAdapter{hook: hook}
}

func (a *WorkerHookAdapter) OnStart(ctx context.Context, event worker.Event) {
	if a == nil || a.hook == nil {
		return
	}
	a.hook.OnStart(ctx, mapWorkerEvent(event))
}

func (a *WorkerHookAdapter) OnSuccess(ctx context.Context, event worker.Event) {
	if a == nil || a.hook == nil {
		return
	}
	a.hook.OnSuccess(ctx, mapWorkerEvent(event))
}

func (a *WorkerHookAdapter) OnFailure(ctx context.Context, event worker.Event) {
	if a == nil || a.hook == nil {
		return
	}
	a.hook.OnFailure(ctx, mapWorkerEvent(event))
}

func (a *WorkerHookAdapter) OnRetry(ctx context.Context, event worker.Event) {
	if a == nil || a.hook == nil {
		return
	}
	a.hook.OnRetry(ctx, mapWorkerEvent(event))
}

func mapWorkerEvent(event worker.Event) AdvanceEvent {
	message := event.Message
	if message == nil && event.Delivery != nil {
		message = event.Delivery.Message()
	}
	id, _ := RedemptionIDFrom(message)
	return AdvanceEvent{
		RedemptionID: id,
		Attempt:      event.Attempt,
		Delay:        event.Delay,
		Err:          event.Err,
		StartedAt:    event.StartedAt,
		Duration:     event.Duration,
	}
}

var (
	_ core.AdvanceDispatcher = (*AdvanceDispatcher)(nil)
	_ worker.Hook            = (*WorkerHookAdapter)(nil)
)
