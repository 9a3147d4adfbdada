package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

type AdvanceResult struct {
	RedemptionID string
	From         RedemptionState
	State        RedemptionState
	Changed      bool
	NoOp         bool
}

// Advance runs the next step of a redemption under its lease. It is the
// entry point for the retry scheduler and queue workers; a lease held by
// another worker returns ErrLockHeld without waiting.
func (s *Service) Advance(ctx context.Context, redemptionID string) (result AdvanceResult, err error) {
	startedAt := time.Now().UTC()
	redemptionID = strings.TrimSpace(redemptionID)
	fields := map[string]any{"redemption_id": redemptionID}
	defer func() {
		fields["state"] = string(result.State)
		s.observeOperation(ctx, startedAt, "advance", err, fields)
	}()

	leaseCtx, release, err := s.lease(ctx, redemptionID, 0)
	if err != nil {
		err = s.mapError(err)
		return AdvanceResult{RedemptionID: redemptionID}, err
	}
	defer release()

	r, err := s.store.Get(leaseCtx, redemptionID)
	if err != nil {
		err = s.mapError(err)
		return AdvanceResult{RedemptionID: redemptionID}, err
	}
	result = AdvanceResult{RedemptionID: r.ID, From: r.State, State: r.State}
	if r.State.Terminal() || s.deliveryInFlight(r) {
		s.logNoOp(ctx, r, "advance")
		result.NoOp = true
		return result, nil
	}

	if err = s.step(leaseCtx, &r); err != nil {
		err = s.mapError(err)
	}
	result.State = r.State
	result.Changed = r.State != result.From
	return result, err
}

func (s *Service) step(ctx context.Context, r *Redemption) error {
	now := s.now()
	if r.State.AwaitingContact() && r.Deadline != nil && !now.Before(*r.Deadline) {
		return s.fail(ctx, r, ReasonContactTimeout)
	}
	switch r.State {
	case StateCreated:
		return s.requestContact(ctx, r)
	case StateContactRequested:
		return s.pollContact(ctx, r)
	case StateContactConfirmed:
		return s.deliver(ctx, r)
	case StateGoodDelivering:
		// the delivering worker is gone; the outcome is unknown and the step
		// is never repeated automatically
		return s.fail(ctx, r, ReasonDeliveryUnknown)
	default:
		return nil
	}
}

// requestContact reserves the code and asks the platform to add the
// recipient as a contact.
func (s *Service) requestContact(ctx context.Context, r *Redemption) error {
	if handled, err := s.reserve(ctx, r); handled || err != nil {
		return err
	}

	r.Attempts++
	outcome := s.serializer.Submit(ctx, r.RecipientIdentity, RequestContactOperation())
	s.recordStep(ctx, StepContactRequest, outcome)
	now := s.now()
	switch outcome.Kind {
	case OutcomeSuccess:
		if err := r.TransitionTo(StateContactRequested, noteContactRequested, now); err != nil {
			return err
		}
		r.NextRetryAt = s.nextPollAt(now, r.Deadline)
		return s.save(ctx, r, StateCreated)
	case OutcomePermanent:
		return s.fail(ctx, r, outcome.Reason)
	default:
		return s.retryLater(ctx, r, s.config.ContactRequestPolicy(), outcome.Reason)
	}
}

// pollContact checks whether the recipient accepted the contact request. A
// negative answer is not a failure and does not consume the retry budget.
func (s *Service) pollContact(ctx context.Context, r *Redemption) error {
	r.Attempts++
	outcome := s.serializer.Submit(ctx, r.RecipientIdentity, IsContactOperation())
	s.recordStep(ctx, StepContactPoll, outcome)
	now := s.now()
	switch outcome.Kind {
	case OutcomeSuccess:
		isContact, _ := outcome.Data.(bool)
		if !isContact {
			r.Attempts = 0
			r.NextRetryAt = s.nextPollAt(now, r.Deadline)
			return s.save(ctx, r, r.State)
		}
		if err := r.TransitionTo(StateContactConfirmed, noteContactConfirmed, now); err != nil {
			return err
		}
		return s.deliver(ctx, r)
	case OutcomePermanent:
		return s.fail(ctx, r, outcome.Reason)
	default:
		return s.retryLater(ctx, r, s.config.ContactPollPolicy(), outcome.Reason)
	}
}

// deliveryInFlight reports a GoodDelivering record whose worker may still be
// waiting on the platform. Its NextRetryAt outlasts the worker's lease.
func (s *Service) deliveryInFlight(r Redemption) bool {
	return r.State == StateGoodDelivering && r.NextRetryAt != nil && s.now().Before(*r.NextRetryAt)
}

// deliver moves a ContactConfirmed redemption through GoodDelivering. The
// GoodDelivering record is persisted before the platform call so a crash
// leaves evidence that delivery may have happened. ctx carries the lease
// deadline.
func (s *Service) deliver(ctx context.Context, r *Redemption) error {
	if handled, err := s.reserve(ctx, r); handled || err != nil {
		return err
	}

	now := s.now()
	if err := r.TransitionTo(StateGoodDelivering, noteDelivering, now); err != nil {
		return err
	}
	r.NextRetryAt = timePtr(now.Add(s.config.Scheduler.LeaseTTL))
	if err := s.save(ctx, r, StateContactConfirmed); err != nil {
		return err
	}
	delivering := cloneRedemption(*r)

	r.Attempts++
	outcome := s.serializer.Submit(ctx, r.RecipientIdentity, DeliverGoodOperation(r.GoodRef))
	s.recordStep(ctx, StepDelivery, outcome)

	if !outcome.OK() {
		return s.fail(ctx, r, "delivery failed: "+outcome.Reason)
	}

	if receipt, ok := outcome.Data.(Receipt); ok {
		r.ReceiptID = receipt.ID
	}
	if err := r.TransitionTo(StateCompleted, noteDelivered, s.now()); err != nil {
		return err
	}
	writeCtx, cancel := writeContext(ctx)
	completed, err := s.store.Complete(writeCtx, *r)
	cancel()
	if err != nil {
		if errors.Is(err, ErrCodeConflict) || errors.Is(err, ErrCodeAlreadyConsumed) {
			*r = delivering
			return s.fail(ctx, r, ReasonCodeConsumed)
		}
		*r = delivering
		return err
	}
	s.recordTransition(ctx, StateGoodDelivering, completed.State)
	*r = completed
	return nil
}

// reserve asserts the redemption's hold on its code. handled reports that the
// redemption was failed because the code is gone.
func (s *Service) reserve(ctx context.Context, r *Redemption) (handled bool, err error) {
	err = s.ledger.Reserve(ctx, r.Code, r.ID)
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, ErrCodeAlreadyConsumed), errors.Is(err, ErrCodeReserved):
		return true, s.fail(ctx, r, ReasonCodeConsumed)
	case errors.Is(err, ErrCodeNotFound):
		return true, s.fail(ctx, r, ReasonCodeMissing)
	default:
		if r.Version > 0 && r.State == StateContactConfirmed {
			r.NextRetryAt = timePtr(s.now())
			if saveErr := s.save(ctx, r, StateContactRequested); saveErr != nil {
				return true, errors.Join(err, saveErr)
			}
		}
		return true, fmt.Errorf("core: reserve code for %s: %w", r.ID, err)
	}
}

// retryLater records a transient failure, or fails the redemption once the
// step's budget is spent.
func (s *Service) retryLater(ctx context.Context, r *Redemption, policy RetryPolicy, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "transient failure"
	}
	if policy.Exhausted(r.Attempts) {
		return s.fail(ctx, r, ReasonMaxRetriesExceeded+": "+reason)
	}
	now := s.now()
	r.RecordRetry(reason, policy.NextRetryAt(now, r.Attempts, r.Deadline), now)
	return s.save(ctx, r, r.State)
}

// fail moves r to Failed and applies the code reuse policy. A redemption
// whose delivery outcome is unknown always keeps its reservation.
func (s *Service) fail(ctx context.Context, r *Redemption, reason string) error {
	from := r.State
	if err := r.TransitionTo(StateFailed, reason, s.now()); err != nil {
		return err
	}
	if err := s.save(ctx, r, from); err != nil {
		return err
	}
	if s.config.Workflow.CodeReusePolicy != CodeReuseRelease || reason == ReasonDeliveryUnknown {
		return nil
	}
	writeCtx, cancel := writeContext(ctx)
	defer cancel()
	if err := s.ledger.Release(writeCtx, r.Code, r.ID); err != nil {
		s.logWarn(ctx, "code release failed", map[string]any{
			"redemption_id": r.ID,
			"code":          r.Code,
			"error":         err.Error(),
		})
	}
	return nil
}

func (s *Service) save(ctx context.Context, r *Redemption, from RedemptionState) error {
	writeCtx, cancel := writeContext(ctx)
	defer cancel()
	saved, err := s.store.Save(writeCtx, *r)
	if err != nil {
		return err
	}
	if from != saved.State {
		s.recordTransition(ctx, from, saved.State)
	}
	*r = saved
	return nil
}

func (s *Service) nextPollAt(now time.Time, deadline *time.Time) *time.Time {
	next := now.Add(s.config.Workflow.ContactPollInterval)
	if deadline != nil && deadline.Before(next) {
		next = *deadline
	}
	return timePtr(next)
}

// ConfirmContactAndProceed is the operator assertion that the contact step
// is done. It is authoritative over platform polling.
func (s *Service) ConfirmContactAndProceed(ctx context.Context, redemptionID string) (result AdvanceResult, err error) {
	startedAt := time.Now().UTC()
	redemptionID = strings.TrimSpace(redemptionID)
	fields := map[string]any{"redemption_id": redemptionID}
	defer func() {
		fields["state"] = string(result.State)
		s.observeOperation(ctx, startedAt, "confirm_contact", err, fields)
	}()

	leaseCtx, r, release, err := s.lockForOperator(ctx, redemptionID)
	if err != nil {
		err = s.mapError(err)
		return AdvanceResult{RedemptionID: redemptionID}, err
	}
	defer release()

	result = AdvanceResult{RedemptionID: r.ID, From: r.State, State: r.State}
	if r.State.AwaitingContact() && r.Deadline != nil && !s.now().Before(*r.Deadline) {
		if err = s.fail(leaseCtx, &r, ReasonContactTimeout); err != nil {
			err = s.mapError(err)
			return result, err
		}
		result.State = r.State
		result.Changed = true
		err = s.mapError(rejectTransition(r, ReasonContactTimeout))
		return result, err
	}
	switch r.State {
	case StateContactConfirmed, StateGoodDelivering, StateCompleted, StateFailed:
		s.logNoOp(ctx, r, "confirm_contact")
		result.NoOp = true
		return result, nil
	case StateCreated:
		err = s.mapError(rejectTransition(r, "contact has not been requested yet"))
		return result, err
	}

	if s.config.Workflow.VerifyManualConfirmation {
		outcome := s.serializer.Submit(leaseCtx, r.RecipientIdentity, IsContactOperation())
		s.recordStep(ctx, StepContactPoll, outcome)
		if !outcome.OK() {
			err = s.mapError(fmt.Errorf("%w: contact check: %s", ErrSessionUnavailable, outcome.Reason))
			return result, err
		}
		if isContact, _ := outcome.Data.(bool); !isContact {
			err = s.mapError(rejectTransition(r, "platform does not report the recipient as a contact"))
			return result, err
		}
	}

	if err = r.TransitionTo(StateContactConfirmed, noteContactConfirmedByOps, s.now()); err != nil {
		err = s.mapError(err)
		return result, err
	}
	if err = s.deliver(leaseCtx, &r); err != nil {
		err = s.mapError(err)
	}
	result.State = r.State
	result.Changed = true
	return result, err
}

// RetryFailed re-enters a failed redemption at Created when its code can
// still be claimed by it.
func (s *Service) RetryFailed(ctx context.Context, redemptionID string) (result AdvanceResult, err error) {
	startedAt := time.Now().UTC()
	redemptionID = strings.TrimSpace(redemptionID)
	fields := map[string]any{"redemption_id": redemptionID}
	defer func() {
		fields["state"] = string(result.State)
		s.observeOperation(ctx, startedAt, "retry_failed", err, fields)
	}()

	leaseCtx, r, release, err := s.lockForOperator(ctx, redemptionID)
	if err != nil {
		err = s.mapError(err)
		return AdvanceResult{RedemptionID: redemptionID}, err
	}
	defer release()

	result = AdvanceResult{RedemptionID: r.ID, From: r.State, State: r.State}
	if r.State != StateFailed {
		err = s.mapError(rejectTransition(r, "only failed redemptions can be retried"))
		return result, err
	}
	code, err := s.ledger.GetCode(leaseCtx, r.Code)
	if err != nil {
		if errors.Is(err, ErrCodeNotFound) {
			err = s.mapError(rejectTransition(r, ReasonCodeMissing))
			return result, err
		}
		err = s.mapError(err)
		return result, err
	}
	if code.Consumed {
		err = s.mapError(rejectTransition(r, ReasonCodeConsumed))
		return result, err
	}
	if !code.Available(r.ID) {
		err = s.mapError(rejectTransition(r, "code is reserved by another redemption"))
		return result, err
	}

	now := s.now()
	if err = r.TransitionTo(StateCreated, ReasonRetryRequested, now); err != nil {
		err = s.mapError(err)
		return result, err
	}
	r.Deadline = timePtr(now.Add(s.config.Workflow.ContactTimeout))
	r.NextRetryAt = timePtr(now)
	if err = s.save(leaseCtx, &r, StateFailed); err != nil {
		err = s.mapError(err)
		return result, err
	}
	result.State = r.State
	result.Changed = true

	if s.advanceDispatcher != nil {
		if dispatchErr := s.advanceDispatcher.DispatchAdvance(ctx, r.ID); dispatchErr != nil {
			s.logWarn(ctx, "advance dispatch failed; scheduler will pick redemption up", map[string]any{
				"redemption_id": r.ID,
				"error":         dispatchErr.Error(),
			})
		}
	}
	return result, nil
}

// CancelRedemption fails a redemption that has not reached delivery.
func (s *Service) CancelRedemption(ctx context.Context, redemptionID string, reason string) (result AdvanceResult, err error) {
	startedAt := time.Now().UTC()
	redemptionID = strings.TrimSpace(redemptionID)
	fields := map[string]any{"redemption_id": redemptionID}
	defer func() {
		fields["state"] = string(result.State)
		s.observeOperation(ctx, startedAt, "cancel_redemption", err, fields)
	}()

	leaseCtx, r, release, err := s.lockForOperator(ctx, redemptionID)
	if err != nil {
		err = s.mapError(err)
		return AdvanceResult{RedemptionID: redemptionID}, err
	}
	defer release()

	result = AdvanceResult{RedemptionID: r.ID, From: r.State, State: r.State}
	if r.State.Terminal() {
		err = s.mapError(rejectTransition(r, "redemption already finished"))
		return result, err
	}
	if r.State == StateGoodDelivering {
		err = s.mapError(rejectTransition(r, "delivery is in progress"))
		return result, err
	}
	note := ReasonCancelledPrefix
	if reason = strings.TrimSpace(reason); reason != "" {
		note += ": " + reason
	}
	if err = s.fail(leaseCtx, &r, note); err != nil {
		err = s.mapError(err)
		return result, err
	}
	result.State = r.State
	result.Changed = true
	return result, nil
}

func (s *Service) lockForOperator(ctx context.Context, redemptionID string) (context.Context, Redemption, func(), error) {
	if redemptionID == "" {
		return nil, Redemption{}, nil, fmt.Errorf("core: redemption id is required")
	}
	leaseCtx, release, err := s.lease(ctx, redemptionID, s.config.Scheduler.LockWait)
	if err != nil {
		return nil, Redemption{}, nil, err
	}
	r, err := s.store.Get(leaseCtx, redemptionID)
	if err != nil {
		release()
		return nil, Redemption{}, nil, err
	}
	return leaseCtx, r, release, nil
}

// lease takes the redemption's lease. The returned context ends before the
// lease expires so no platform call starts or waits past it; release cancels
// it and frees the lease.
func (s *Service) lease(ctx context.Context, redemptionID string, wait time.Duration) (context.Context, func(), error) {
	ttl := s.config.Scheduler.LeaseTTL
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	handle, acquiredAt, err := acquireWithWait(ctx, s.locker, redemptionID, ttl, wait)
	if err != nil {
		return nil, nil, err
	}
	leaseCtx, cancel := context.WithDeadline(ctx, acquiredAt.Add(ttl-ttl/leaseMarginDivisor))
	release := func() {
		cancel()
		s.unlock(ctx, handle, redemptionID)
	}
	return leaseCtx, release, nil
}

// writeContext detaches record writes from the lease deadline. Stale writes
// are rejected by the store's version check.
func writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
}

func (s *Service) unlock(ctx context.Context, handle LockHandle, redemptionID string) {
	if handle == nil {
		return
	}
	if err := handle.Unlock(context.WithoutCancel(ctx)); err != nil {
		s.logWarn(ctx, "redemption lease release failed", map[string]any{
			"redemption_id": redemptionID,
			"error":         err.Error(),
		})
	}
}

func (s *Service) logNoOp(ctx context.Context, r Redemption, trigger string) {
	s.logDebug(ctx, "trigger ignored", map[string]any{
		"redemption_id": r.ID,
		"state":         string(r.State),
		"trigger":       trigger,
	})
}

func (s *Service) recordStep(ctx context.Context, step Step, outcome Outcome) {
	s.recordCounter(ctx, MetricStepTotal, 1, map[string]string{
		"step":    string(step),
		"outcome": string(outcome.Kind),
	})
}

func (s *Service) recordTransition(ctx context.Context, from RedemptionState, to RedemptionState) {
	s.recordCounter(ctx, MetricTransitionTotal, 1, map[string]string{
		"from": string(from),
		"to":   string(to),
	})
}
