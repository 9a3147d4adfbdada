package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

func textCode(t *testing.T, err error) string {
	t.Helper()
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		t.Fatalf("expected go-errors envelope, got %T: %v", err, err)
	}
	return richErr.TextCode
}

func TestWorkflow_HappyPathCompletesAndConsumesCode(t *testing.T) {
	h := newHarness(t, testConfig())
	id := h.submit(t, testCode, testIdentity)

	if got := h.get(t, id).State; got != StateCreated {
		t.Fatalf("expected created after submit, got %s", got)
	}

	stats := h.tick(t)
	if stats.Scanned != 1 || stats.Changed != 1 {
		t.Fatalf("unexpected first tick stats: %+v", stats)
	}
	if got := h.get(t, id).State; got != StateContactRequested {
		t.Fatalf("expected contact_requested after one tick, got %s", got)
	}

	h.cap.setContact(testIdentity, true)
	h.clock.Advance(31 * time.Second)
	h.tick(t)

	r := h.get(t, id)
	if r.State != StateCompleted {
		t.Fatalf("expected completed, got %s (%s)", r.State, r.LastError)
	}
	if r.ReceiptID == "" || r.CompletedAt == nil {
		t.Fatalf("expected receipt and completion time, got %+v", r)
	}
	want := []RedemptionState{StateCreated, StateContactRequested, StateContactConfirmed, StateGoodDelivering, StateCompleted}
	if got := transitionStates(r); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("unexpected transitions %v", got)
	}
	if err := ValidateHistory(r.History); err != nil {
		t.Fatalf("history invalid: %v", err)
	}

	code := h.code(t, testCode)
	if !code.Consumed || code.CommittedBy != id {
		t.Fatalf("expected code consumed by %s, got %+v", id, code)
	}
	if pending := h.store.OutboxCounts()[outboxPending]; pending != len(want) {
		t.Fatalf("expected %d pending status events, got %d", len(want), pending)
	}
}

func TestWorkflow_SubmitConsumedCodeIsRejectedWithoutRecord(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	if err := h.store.Reserve(ctx, testCode, "earlier"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := h.store.Commit(ctx, testCode, "earlier"); err != nil {
		t.Fatalf("commit: %v", err)
	}

	_, err := h.svc.SubmitRedemption(ctx, SubmitRedemptionRequest{Code: testCode, RawIdentity: testIdentity})
	if err == nil {
		t.Fatalf("expected rejection for consumed code")
	}
	if code := textCode(t, err); code != RedemptionErrorCodeConsumed {
		t.Fatalf("expected consumed text code, got %q", code)
	}
	records, err := h.store.List(ctx, RedemptionFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected no redemption records, got %d", len(records))
	}
	if request, _, _ := h.cap.counts(); request != 0 {
		t.Fatalf("expected capability untouched, got %d contact requests", request)
	}
}

func TestWorkflow_SubmitRejections(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		identity string
		textCode string
	}{
		{name: "malformed code", code: "a!", identity: testIdentity, textCode: RedemptionErrorRejected},
		{name: "unknown code", code: "ZZZZ-0000", identity: testIdentity, textCode: RedemptionErrorCodeNotFound},
		{name: "missing identity", code: testCode, identity: "   ", textCode: RedemptionErrorRejected},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, testConfig())
			_, err := h.svc.SubmitRedemption(context.Background(), SubmitRedemptionRequest{Code: tc.code, RawIdentity: tc.identity})
			if err == nil {
				t.Fatalf("expected rejection")
			}
			if code := textCode(t, err); code != tc.textCode {
				t.Fatalf("expected %q, got %q", tc.textCode, code)
			}
			counts, _ := h.store.CountByState(context.Background())
			if len(counts) != 0 {
				t.Fatalf("expected no records, got %v", counts)
			}
		})
	}
}

func TestWorkflow_SubmitNormalizesCode(t *testing.T) {
	h := newHarness(t, testConfig())
	id := h.submit(t, "  abcd-1234 ", testIdentity)
	if got := h.get(t, id).Code; got != testCode {
		t.Fatalf("expected normalized code, got %q", got)
	}
}

type denyLimiter struct{ keys []string }

func (l *denyLimiter) Allow(key string) bool {
	l.keys = append(l.keys, key)
	return false
}

func TestWorkflow_SubmitRateLimited(t *testing.T) {
	limiter := &denyLimiter{}
	h := newHarness(t, testConfig(), WithSubmissionLimiter(limiter))
	_, err := h.svc.SubmitRedemption(context.Background(), SubmitRedemptionRequest{
		Code:        testCode,
		RawIdentity: testIdentity,
		ClientKey:   "203.0.113.7",
	})
	if err == nil {
		t.Fatalf("expected rate limit rejection")
	}
	if code := textCode(t, err); code != RedemptionErrorRateLimited {
		t.Fatalf("expected rate limited code, got %q", code)
	}
	if len(limiter.keys) != 1 || limiter.keys[0] != "203.0.113.7" {
		t.Fatalf("expected limiter keyed by client key, got %v", limiter.keys)
	}
}

func TestWorkflow_SubmitInactiveGoodRejected(t *testing.T) {
	catalog := NewMemoryStore()
	if _, err := catalog.PutGood(context.Background(), Good{Ref: testGood, Name: "Hat", Active: false}); err != nil {
		t.Fatalf("put good: %v", err)
	}
	h := newHarness(t, testConfig(), WithGoodCatalog(catalog))

	_, err := h.svc.SubmitRedemption(context.Background(), SubmitRedemptionRequest{Code: testCode, RawIdentity: testIdentity})
	if err == nil {
		t.Fatalf("expected good-unavailable rejection")
	}
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) || !strings.Contains(richErr.Message, string(RejectionGoodUnavailable)) {
		t.Fatalf("expected good-unavailable reason, got %v", err)
	}
}

func TestWorkflow_TransientFailuresThenSuccessRecordsTries(t *testing.T) {
	h := newHarness(t, testConfig())
	h.cap.requestErrs = []error{
		TransientFailure("rate limited", nil),
		TransientFailure("rate limited", nil),
		TransientFailure("timeout", nil),
	}
	h.cap.setContact(testIdentity, true)
	id := h.submit(t, testCode, testIdentity)

	for i := 0; i < 3; i++ {
		h.tick(t)
		r := h.get(t, id)
		if r.State != StateCreated {
			t.Fatalf("expected created while retrying, got %s", r.State)
		}
		if r.LastError == "" || r.NextRetryAt == nil {
			t.Fatalf("expected retry to be recorded, got %+v", r)
		}
		h.clock.Advance(time.Minute)
	}
	h.tick(t)
	r := h.get(t, id)
	if r.State != StateContactRequested {
		t.Fatalf("expected contact_requested on fourth try, got %s", r.State)
	}
	if got := lastTransitionAttempts(r, StateContactRequested); got != 4 {
		t.Fatalf("expected 4 tries recorded for contact request, got %d", got)
	}

	h.clock.Advance(31 * time.Second)
	h.tick(t)
	if got := h.get(t, id).State; got != StateCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
	if err := ValidateHistory(h.get(t, id).History); err != nil {
		t.Fatalf("history invalid: %v", err)
	}
}

func TestWorkflow_PermanentDeliveryFailureThenOperatorRetry(t *testing.T) {
	h := newHarness(t, testConfig())
	h.cap.setContact(testIdentity, true)
	h.cap.deliverErrs = []error{PermanentFailure("platform refused the gift", nil)}
	id := h.submit(t, testCode, testIdentity)

	h.drain(t, 31*time.Second, 5)
	r := h.get(t, id)
	if r.State != StateFailed {
		t.Fatalf("expected failed, got %s", r.State)
	}
	if !strings.Contains(r.LastError, "platform refused the gift") {
		t.Fatalf("expected reason preserved, got %q", r.LastError)
	}
	if _, _, deliver := h.cap.counts(); deliver != 1 {
		t.Fatalf("expected exactly one delivery attempt, got %d", deliver)
	}
	code := h.code(t, testCode)
	if code.Consumed || code.ReservedBy != "" {
		t.Fatalf("expected code unconsumed and released, got %+v", code)
	}

	result, err := h.svc.RetryFailed(context.Background(), id)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if !result.Changed || result.State != StateCreated {
		t.Fatalf("unexpected retry result %+v", result)
	}

	h.drain(t, 31*time.Second, 5)
	r = h.get(t, id)
	if r.State != StateCompleted {
		t.Fatalf("expected completed after operator retry, got %s (%s)", r.State, r.LastError)
	}
	if _, _, deliver := h.cap.counts(); deliver != 2 {
		t.Fatalf("expected a fresh delivery attempt, got %d total", deliver)
	}
	if err := ValidateHistory(r.History); err != nil {
		t.Fatalf("history invalid: %v", err)
	}
}

func TestWorkflow_TransientDeliveryFailureIsNotRetried(t *testing.T) {
	h := newHarness(t, testConfig())
	h.cap.setContact(testIdentity, true)
	h.cap.deliverErrs = []error{TransientFailure("gateway timeout", nil)}
	id := h.submit(t, testCode, testIdentity)

	h.drain(t, time.Minute, 10)
	if got := h.get(t, id).State; got != StateFailed {
		t.Fatalf("expected failed, got %s", got)
	}
	if _, _, deliver := h.cap.counts(); deliver != 1 {
		t.Fatalf("expected delivery attempted once, got %d", deliver)
	}
}

func TestWorkflow_ConcurrentSubmissionsConsumeOnce(t *testing.T) {
	for _, n := range []int{2, 8} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			h := newHarness(t, testConfig())
			h.cap.callDelay = time.Millisecond
			ids := make([]string, 0, n)
			for i := 0; i < n; i++ {
				identity := fmt.Sprintf("7656119800000%04d", i)
				h.cap.setContact(identity, true)
				ids = append(ids, h.submit(t, testCode, identity))
			}

			h.drain(t, 31*time.Second, 10)

			completed, failed := 0, 0
			for _, id := range ids {
				r := h.get(t, id)
				switch r.State {
				case StateCompleted:
					completed++
				case StateFailed:
					failed++
					if r.LastError != ReasonCodeConsumed {
						t.Fatalf("expected %q, got %q", ReasonCodeConsumed, r.LastError)
					}
				default:
					t.Fatalf("redemption %s left in %s", id, r.State)
				}
			}
			if completed != 1 || failed != n-1 {
				t.Fatalf("expected 1 completed and %d failed, got %d/%d", n-1, completed, failed)
			}
			if _, _, deliver := h.cap.counts(); deliver != 1 {
				t.Fatalf("expected one delivery, got %d", deliver)
			}
			if h.cap.maxInFlight != 1 {
				t.Fatalf("expected serialized capability calls, saw %d concurrent", h.cap.maxInFlight)
			}
		})
	}
}

func TestWorkflow_CommitConflictFailsLoserAfterDelivery(t *testing.T) {
	clock := newTestClock()
	memory := NewMemoryStore()
	memory.SetClock(clock.Now)
	capability := newFakeCapability()
	capability.setContact(testIdentity, true)
	svc, err := NewService(testConfig(),
		WithRedemptionStore(conflictingStore{memory}),
		WithCodeLedger(memory),
		WithDeliveryCapability(capability),
		WithClock(clock.Now),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	defer svc.Close(context.Background())
	if _, err := memory.IssueCodes(context.Background(), IssueCodesInput{GoodRef: testGood, Codes: []string{testCode}}); err != nil {
		t.Fatalf("issue: %v", err)
	}
	out, err := svc.SubmitRedemption(context.Background(), SubmitRedemptionRequest{Code: testCode, RawIdentity: testIdentity})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := svc.Advance(context.Background(), out.RedemptionID); err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
		clock.Advance(31 * time.Second)
	}

	r, _ := memory.Get(context.Background(), out.RedemptionID)
	if r.State != StateFailed || r.LastError != ReasonCodeConsumed {
		t.Fatalf("expected failed with %q, got %s %q", ReasonCodeConsumed, r.State, r.LastError)
	}
	code, _ := memory.GetCode(context.Background(), testCode)
	if code.Consumed {
		t.Fatalf("expected code to stay unconsumed")
	}
}

func TestWorkflow_ReservationPrecedesDelivery(t *testing.T) {
	t.Run("delivery sees reservation", func(t *testing.T) {
		h := newHarness(t, testConfig())
		h.cap.setContact(testIdentity, true)
		id := h.submit(t, testCode, testIdentity)
		var violations atomic.Int32
		h.cap.beforeDeliver = func(string) {
			code, err := h.store.GetCode(context.Background(), testCode)
			if err != nil || code.ReservedBy != id {
				violations.Add(1)
			}
		}
		h.drain(t, 31*time.Second, 5)
		if violations.Load() != 0 {
			t.Fatalf("delivery ran without a reservation")
		}
	})

	t.Run("unavailable ledger blocks the workflow", func(t *testing.T) {
		store := NewMemoryStore()
		ledger := &scriptedLedger{CodeLedger: store, reserveErr: errors.New("ledger unavailable")}
		h := newHarness(t, testConfig(), WithRedemptionStore(store), WithCodeLedger(ledger))
		if _, err := store.IssueCodes(context.Background(), IssueCodesInput{GoodRef: testGood, Codes: []string{testCode}}); err != nil {
			t.Fatalf("issue: %v", err)
		}
		store.SetClock(h.clock.Now)
		h.store = store
		h.cap.setContact(testIdentity, true)
		id := h.submit(t, testCode, testIdentity)

		stats := h.tick(t)
		if stats.Failed != 1 {
			t.Fatalf("expected failed advance, got %+v", stats)
		}
		if got := h.get(t, id).State; got != StateCreated {
			t.Fatalf("expected created, got %s", got)
		}
		request, _, deliver := h.cap.counts()
		if request != 0 || deliver != 0 {
			t.Fatalf("expected no capability calls, got request=%d deliver=%d", request, deliver)
		}
	})

	t.Run("reservation held elsewhere fails fast", func(t *testing.T) {
		store := NewMemoryStore()
		ledger := &scriptedLedger{CodeLedger: store, reserveErr: fmt.Errorf("%w: held", ErrCodeReserved)}
		h := newHarness(t, testConfig(), WithRedemptionStore(store), WithCodeLedger(ledger))
		if _, err := store.IssueCodes(context.Background(), IssueCodesInput{GoodRef: testGood, Codes: []string{testCode}}); err != nil {
			t.Fatalf("issue: %v", err)
		}
		store.SetClock(h.clock.Now)
		h.store = store
		id := h.submit(t, testCode, testIdentity)
		h.tick(t)
		r := h.get(t, id)
		if r.State != StateFailed || r.LastError != ReasonCodeConsumed {
			t.Fatalf("expected failed with %q, got %s %q", ReasonCodeConsumed, r.State, r.LastError)
		}
		if _, _, deliver := h.cap.counts(); deliver != 0 {
			t.Fatalf("expected no delivery")
		}
	})
}

func TestWorkflow_TerminalRedemptionIgnoresTriggers(t *testing.T) {
	h := newHarness(t, testConfig())
	h.cap.setContact(testIdentity, true)
	id := h.submit(t, testCode, testIdentity)
	h.drain(t, 31*time.Second, 5)

	before := h.get(t, id)
	if before.State != StateCompleted {
		t.Fatalf("expected completed, got %s", before.State)
	}
	outboxBefore := h.store.OutboxCounts()

	result, err := h.svc.ConfirmContactAndProceed(context.Background(), id)
	if err != nil {
		t.Fatalf("confirm on completed: %v", err)
	}
	if !result.NoOp || result.Changed {
		t.Fatalf("expected no-op result, got %+v", result)
	}
	result, err = h.svc.Advance(context.Background(), id)
	if err != nil || !result.NoOp {
		t.Fatalf("expected advance no-op, got %+v %v", result, err)
	}

	after := h.get(t, id)
	if len(after.History) != len(before.History) || after.Version != before.Version {
		t.Fatalf("expected no new history, before=%d after=%d", len(before.History), len(after.History))
	}
	if _, _, deliver := h.cap.counts(); deliver != 1 {
		t.Fatalf("expected no new delivery, got %d", deliver)
	}
	if fmt.Sprint(h.store.OutboxCounts()) != fmt.Sprint(outboxBefore) {
		t.Fatalf("expected no new status events")
	}
}

func TestWorkflow_ContactTimeoutReleasesCode(t *testing.T) {
	cfg := testConfig()
	cfg.Workflow.ContactTimeout = time.Hour
	h := newHarness(t, cfg)
	id := h.submit(t, testCode, testIdentity)
	h.tick(t)

	h.clock.Advance(2 * time.Hour)
	h.tick(t)
	r := h.get(t, id)
	if r.State != StateFailed || r.LastError != ReasonContactTimeout {
		t.Fatalf("expected timeout failure, got %s %q", r.State, r.LastError)
	}
	if code := h.code(t, testCode); code.ReservedBy != "" {
		t.Fatalf("expected code released under release policy, got %+v", code)
	}
	h.submit(t, testCode, "76561198000000099")
}

func TestWorkflow_ContactTimeoutRetainsCode(t *testing.T) {
	cfg := testConfig()
	cfg.Workflow.ContactTimeout = time.Hour
	cfg.Workflow.CodeReusePolicy = CodeReuseRetain
	h := newHarness(t, cfg)
	id := h.submit(t, testCode, testIdentity)
	h.tick(t)
	h.clock.Advance(2 * time.Hour)
	h.tick(t)

	if code := h.code(t, testCode); code.ReservedBy != id {
		t.Fatalf("expected reservation retained by %s, got %+v", id, code)
	}
	second := h.submit(t, testCode, "76561198000000099")
	h.tick(t)
	r := h.get(t, second)
	if r.State != StateFailed || r.LastError != ReasonCodeConsumed {
		t.Fatalf("expected second redemption to fail on retained code, got %s %q", r.State, r.LastError)
	}
}

func TestWorkflow_NegativePollsDoNotSpendRetryBudget(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.ContactPoll.MaxAttempts = 2
	h := newHarness(t, cfg)
	id := h.submit(t, testCode, testIdentity)
	h.tick(t)
	for i := 0; i < 5; i++ {
		h.clock.Advance(31 * time.Second)
		h.tick(t)
	}
	r := h.get(t, id)
	if r.State != StateContactRequested {
		t.Fatalf("expected still awaiting contact, got %s", r.State)
	}
	if _, polls, _ := h.cap.counts(); polls != 5 {
		t.Fatalf("expected 5 polls, got %d", polls)
	}
}

func TestWorkflow_DeliveryOutcomeUnknownAfterCrash(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	now := h.clock.Now()
	if err := h.store.Reserve(ctx, testCode, "crashed"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	r := Redemption{
		ID:                "crashed",
		Code:              testCode,
		GoodRef:           testGood,
		RecipientIdentity: testIdentity,
		State:             StateCreated,
		CreatedAt:         now,
	}
	r.appendHistory(HistoryTransition, noteSubmitted, 0, now)
	for _, state := range []RedemptionState{StateContactRequested, StateContactConfirmed, StateGoodDelivering} {
		if err := r.TransitionTo(state, "", now); err != nil {
			t.Fatalf("transition: %v", err)
		}
	}
	r.NextRetryAt = timePtr(now.Add(-time.Second))
	if _, err := h.store.Create(ctx, r); err != nil {
		t.Fatalf("create: %v", err)
	}

	h.tick(t)
	got := h.get(t, "crashed")
	if got.State != StateFailed || got.LastError != ReasonDeliveryUnknown {
		t.Fatalf("expected delivery unknown failure, got %s %q", got.State, got.LastError)
	}
	if _, _, deliver := h.cap.counts(); deliver != 0 {
		t.Fatalf("expected no redelivery, got %d", deliver)
	}
	if code := h.code(t, testCode); code.ReservedBy != "crashed" {
		t.Fatalf("expected reservation kept for manual review, got %+v", code)
	}
}

func TestWorkflow_ConfirmContactAndProceed(t *testing.T) {
	t.Run("operator confirmation is authoritative", func(t *testing.T) {
		h := newHarness(t, testConfig())
		id := h.submit(t, testCode, testIdentity)
		h.tick(t)

		result, err := h.svc.ConfirmContactAndProceed(context.Background(), id)
		if err != nil {
			t.Fatalf("confirm: %v", err)
		}
		if result.State != StateCompleted || !result.Changed {
			t.Fatalf("unexpected result %+v", result)
		}
		r := h.get(t, id)
		found := false
		for _, entry := range r.History {
			if entry.State == StateContactConfirmed && entry.Note == noteContactConfirmedByOps {
				found = true
			}
		}
		if !found {
			t.Fatalf("expected operator confirmation in history: %+v", r.History)
		}
	})

	t.Run("rejected before contact request", func(t *testing.T) {
		h := newHarness(t, testConfig())
		id := h.submit(t, testCode, testIdentity)
		_, err := h.svc.ConfirmContactAndProceed(context.Background(), id)
		if err == nil {
			t.Fatalf("expected rejection")
		}
		if code := textCode(t, err); code != RedemptionErrorTransitionRejected {
			t.Fatalf("expected transition rejected, got %q", code)
		}
	})

	t.Run("verification consults the platform", func(t *testing.T) {
		cfg := testConfig()
		cfg.Workflow.VerifyManualConfirmation = true
		h := newHarness(t, cfg)
		id := h.submit(t, testCode, testIdentity)
		h.tick(t)
		if _, err := h.svc.ConfirmContactAndProceed(context.Background(), id); err == nil {
			t.Fatalf("expected rejection while platform reports no contact")
		}
		if got := h.get(t, id).State; got != StateContactRequested {
			t.Fatalf("expected state unchanged, got %s", got)
		}
		h.cap.setContact(testIdentity, true)
		if _, err := h.svc.ConfirmContactAndProceed(context.Background(), id); err != nil {
			t.Fatalf("confirm: %v", err)
		}
		if got := h.get(t, id).State; got != StateCompleted {
			t.Fatalf("expected completed, got %s", got)
		}
	})

	t.Run("failed redemption ignores confirmation", func(t *testing.T) {
		h := newHarness(t, testConfig())
		ctx := context.Background()
		id := h.submit(t, testCode, testIdentity)
		h.tick(t)
		if _, err := h.svc.CancelRedemption(ctx, id, "wrong account"); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		before := h.get(t, id)

		result, err := h.svc.ConfirmContactAndProceed(ctx, id)
		if err != nil {
			t.Fatalf("confirm on failed: %v", err)
		}
		if !result.NoOp || result.Changed || result.State != StateFailed {
			t.Fatalf("expected no-op result, got %+v", result)
		}
		after := h.get(t, id)
		if len(after.History) != len(before.History) || after.Version != before.Version {
			t.Fatalf("expected history untouched, before=%d after=%d", len(before.History), len(after.History))
		}
		if _, _, deliver := h.cap.counts(); deliver != 0 {
			t.Fatalf("expected no delivery, got %d", deliver)
		}
		status, err := h.svc.GetStatus(ctx, id)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if !strings.Contains(status.NextStep, "retry") {
			t.Fatalf("expected next step to point at an operator retry, got %q", status.NextStep)
		}
	})

	t.Run("expired contact window fails instead of delivering", func(t *testing.T) {
		h := newHarness(t, testConfig())
		id := h.submit(t, testCode, testIdentity)
		h.tick(t)
		if got := h.get(t, id).State; got != StateContactRequested {
			t.Fatalf("expected contact requested, got %s", got)
		}
		h.clock.Advance(25 * time.Hour)

		result, err := h.svc.ConfirmContactAndProceed(context.Background(), id)
		if err == nil {
			t.Fatalf("expected rejection after the contact window closed")
		}
		if code := textCode(t, err); code != RedemptionErrorTransitionRejected {
			t.Fatalf("expected transition rejected, got %q", code)
		}
		if result.State != StateFailed || !result.Changed {
			t.Fatalf("unexpected result %+v", result)
		}
		r := h.get(t, id)
		if r.State != StateFailed || r.LastError != ReasonContactTimeout {
			t.Fatalf("expected contact timeout failure, got %s %q", r.State, r.LastError)
		}
		if _, _, deliver := h.cap.counts(); deliver != 0 {
			t.Fatalf("expected no delivery, got %d", deliver)
		}
		code := h.code(t, testCode)
		if code.Consumed || code.ReservedBy != "" {
			t.Fatalf("expected code released and unconsumed, got %+v", code)
		}
	})
}

func TestWorkflow_SecondTriggerWaitsForInFlightDelivery(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduler.LeaseTTL = 200 * time.Millisecond
	cfg.Session.OperationTimeout = 150 * time.Millisecond
	h := newHarness(t, cfg)
	h.cap.setContact(testIdentity, true)
	id := h.submit(t, testCode, testIdentity)
	h.tick(t)
	if got := h.get(t, id).State; got != StateContactRequested {
		t.Fatalf("expected contact requested, got %s", got)
	}

	// poll plus delivery outlast the lease
	h.cap.mu.Lock()
	h.cap.callDelay = 120 * time.Millisecond
	h.cap.mu.Unlock()

	type advanceOut struct {
		result AdvanceResult
		err    error
	}
	first := make(chan advanceOut, 1)
	go func() {
		result, err := h.svc.Advance(context.Background(), id)
		first <- advanceOut{result: result, err: err}
	}()

	time.Sleep(210 * time.Millisecond)
	second, err := h.svc.Advance(context.Background(), id)
	if err != nil {
		t.Fatalf("second advance: %v", err)
	}
	if !second.NoOp || second.State != StateGoodDelivering {
		t.Fatalf("expected second trigger to leave the in-flight delivery alone, got %+v", second)
	}

	out := <-first
	if out.err != nil {
		t.Fatalf("first advance: %v", out.err)
	}
	if out.result.State != StateCompleted {
		t.Fatalf("expected first advance to complete, got %+v", out.result)
	}
	r := h.get(t, id)
	if r.State != StateCompleted || r.LastError != "" {
		t.Fatalf("expected completed, got %s %q", r.State, r.LastError)
	}
	if _, _, deliver := h.cap.counts(); deliver != 1 {
		t.Fatalf("expected one delivery, got %d", deliver)
	}
	if code := h.code(t, testCode); !code.Consumed {
		t.Fatalf("expected code consumed, got %+v", code)
	}
}

func TestWorkflow_RetryFailedRules(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	id := h.submit(t, testCode, testIdentity)

	if _, err := h.svc.RetryFailed(ctx, id); err == nil {
		t.Fatalf("expected rejection for non-failed redemption")
	} else if code := textCode(t, err); code != RedemptionErrorTransitionRejected {
		t.Fatalf("expected transition rejected, got %q", code)
	}

	if _, err := h.svc.CancelRedemption(ctx, id, "wrong account"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	winner := h.submit(t, testCode, "76561198000000077")
	h.cap.setContact("76561198000000077", true)
	h.drain(t, 31*time.Second, 5)
	if got := h.get(t, winner).State; got != StateCompleted {
		t.Fatalf("expected second redemption completed, got %s", got)
	}

	if _, err := h.svc.RetryFailed(ctx, id); err == nil {
		t.Fatalf("expected rejection once the code is consumed")
	}
	if got := h.get(t, id).State; got != StateFailed {
		t.Fatalf("expected failed redemption untouched, got %s", got)
	}
}

func TestWorkflow_CancelRedemption(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	id := h.submit(t, testCode, testIdentity)

	result, err := h.svc.CancelRedemption(ctx, id, "duplicate order")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if result.State != StateFailed {
		t.Fatalf("expected failed, got %s", result.State)
	}
	if got := h.get(t, id).LastError; got != "cancelled: duplicate order" {
		t.Fatalf("unexpected last error %q", got)
	}
	if _, err := h.svc.CancelRedemption(ctx, id, "again"); err == nil {
		t.Fatalf("expected rejection for terminal redemption")
	}
}

func TestWorkflow_StatusHidesRetryInternals(t *testing.T) {
	h := newHarness(t, testConfig())
	h.cap.requestErrs = []error{TransientFailure("platform busy", nil)}
	id := h.submit(t, testCode, testIdentity)
	h.tick(t)

	status, err := h.svc.GetStatus(context.Background(), id)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status.Status != StatusPending || status.LastError != "platform busy" {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.Message == "" || status.NextStep == "" {
		t.Fatalf("expected human readable status text")
	}
	if len(status.History) != 2 {
		t.Fatalf("expected submit and retry entries, got %d", len(status.History))
	}

	if _, err := h.svc.GetStatus(context.Background(), "missing"); err == nil {
		t.Fatalf("expected not found")
	} else if code := textCode(t, err); code != RedemptionErrorNotFound {
		t.Fatalf("expected not found text code, got %q", code)
	}
}

func TestWorkflow_StatsListingAndRecent(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	if _, err := h.svc.IssueCodes(ctx, IssueCodesInput{GoodRef: testGood, Codes: []string{"efgh-5678", "IJKL-9012"}}); err != nil {
		t.Fatalf("issue: %v", err)
	}
	first := h.submit(t, testCode, testIdentity)
	h.clock.Advance(time.Second)
	h.submit(t, "EFGH-5678", testIdentity)
	h.clock.Advance(time.Second)
	h.submit(t, "IJKL-9012", "76561198000000002")
	if _, err := h.svc.CancelRedemption(ctx, first, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	stats, err := h.svc.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.ByState[StateCreated] != 2 || stats.ByStatus[StatusFailed] != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	recent, err := h.svc.RecentByRecipient(ctx, testIdentity, 0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 || recent[0].Code != "EFGH-5678" {
		t.Fatalf("expected newest first for recipient, got %+v", recent)
	}

	failed, err := h.svc.ListRedemptions(ctx, RedemptionFilter{State: StateFailed})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(failed) != 1 || failed[0].RedemptionID != first {
		t.Fatalf("expected cancelled redemption in failed list, got %+v", failed)
	}

	codeStats, err := h.svc.CodeStats(ctx, testGood)
	if err != nil {
		t.Fatalf("code stats: %v", err)
	}
	if codeStats.Total != 3 || codeStats.Available != 3 {
		t.Fatalf("unexpected code stats %+v", codeStats)
	}
}

func TestWorkflow_IssueAndValidateCodes(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	result, err := h.svc.IssueCodes(ctx, IssueCodesInput{GoodRef: testGood, Codes: []string{"new-0001", testCode, "NEW-0001"}})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if len(result.Issued) != 1 || result.Issued[0] != "NEW-0001" {
		t.Fatalf("unexpected issued %v", result.Issued)
	}
	if len(result.Duplicates) != 1 || result.Duplicates[0] != testCode {
		t.Fatalf("unexpected duplicates %v", result.Duplicates)
	}
	if _, err := h.svc.IssueCodes(ctx, IssueCodesInput{GoodRef: testGood, Codes: []string{"??"}}); err == nil {
		t.Fatalf("expected invalid code format error")
	}

	validation, err := h.svc.ValidateCode(ctx, "new-0001")
	if err != nil || !validation.Valid || validation.GoodRef != testGood {
		t.Fatalf("expected valid code, got %+v %v", validation, err)
	}
	validation, err = h.svc.ValidateCode(ctx, "NOPE-0000")
	if err != nil || validation.Valid || validation.Reason != RejectionUnknownCode {
		t.Fatalf("expected unknown code, got %+v %v", validation, err)
	}
}

type recordingDispatcher struct {
	ids []string
}

func (d *recordingDispatcher) DispatchAdvance(_ context.Context, id string) error {
	d.ids = append(d.ids, id)
	return nil
}

func TestWorkflow_SubmitDispatchesAdvance(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	h := newHarness(t, testConfig(), WithAdvanceDispatcher(dispatcher))
	id := h.submit(t, testCode, testIdentity)
	if len(dispatcher.ids) != 1 || dispatcher.ids[0] != id {
		t.Fatalf("expected advance dispatch for %s, got %v", id, dispatcher.ids)
	}
}
