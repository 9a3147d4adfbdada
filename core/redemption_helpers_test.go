package core

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

const (
	testCode     = "ABCD-1234"
	testGood     = "good-hat"
	testIdentity = "76561198000000001"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeCapability scripts platform answers. Error queues are consumed in
// order; an empty queue means success.
type fakeCapability struct {
	mu sync.Mutex

	requestErrs   []error
	isContactErrs []error
	deliverErrs   []error
	contacts      map[string]bool

	requestCalls   int
	isContactCalls int
	deliverCalls   int
	messages       []string

	inFlight    int
	maxInFlight int
	callDelay   time.Duration

	beforeDeliver func(identity string)
}

func newFakeCapability() *fakeCapability {
	return &fakeCapability{contacts: make(map[string]bool)}
}

func (f *fakeCapability) enter() {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	delay := f.callDelay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
}

func (f *fakeCapability) leave() {
	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
}

func popErr(queue *[]error) error {
	if len(*queue) == 0 {
		return nil
	}
	err := (*queue)[0]
	*queue = (*queue)[1:]
	return err
}

func (f *fakeCapability) RequestContact(_ context.Context, _ string) error {
	f.enter()
	defer f.leave()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requestCalls++
	return popErr(&f.requestErrs)
}

func (f *fakeCapability) IsContact(_ context.Context, identity string) (bool, error) {
	f.enter()
	defer f.leave()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.isContactCalls++
	if err := popErr(&f.isContactErrs); err != nil {
		return false, err
	}
	return f.contacts[identity], nil
}

func (f *fakeCapability) DeliverGood(_ context.Context, identity string, goodRef string) (Receipt, error) {
	f.enter()
	defer f.leave()
	f.mu.Lock()
	hook := f.beforeDeliver
	f.mu.Unlock()
	if hook != nil {
		hook(identity)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliverCalls++
	if err := popErr(&f.deliverErrs); err != nil {
		return Receipt{}, err
	}
	return Receipt{ID: fmt.Sprintf("rcpt-%s-%d", goodRef, f.deliverCalls)}, nil
}

func (f *fakeCapability) SendMessage(_ context.Context, identity string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, identity+": "+text)
	return nil
}

func (f *fakeCapability) setContact(identity string, value bool) {
	f.mu.Lock()
	f.contacts[identity] = value
	f.mu.Unlock()
}

func (f *fakeCapability) counts() (request, isContact, deliver int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requestCalls, f.isContactCalls, f.deliverCalls
}

type testHarness struct {
	svc       *Service
	store     *MemoryStore
	clock     *testClock
	cap       *fakeCapability
	scheduler *RetryScheduler
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Retry.ContactRequest = StepRetryConfig{MaxAttempts: 5, InitialBackoff: time.Second, MaxBackoff: 10 * time.Second}
	cfg.Retry.ContactPoll = StepRetryConfig{MaxAttempts: 5, InitialBackoff: time.Second, MaxBackoff: 10 * time.Second}
	return cfg
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *testHarness {
	t.Helper()
	clock := newTestClock()
	store := NewMemoryStore()
	store.SetClock(clock.Now)
	capability := newFakeCapability()

	base := []Option{
		WithRedemptionStore(store),
		WithCodeLedger(store),
		WithDeliveryCapability(capability),
		WithClock(clock.Now),
	}
	svc, err := NewService(cfg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() {
		_ = svc.Close(context.Background())
	})
	scheduler, err := svc.NewRetryScheduler()
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	if _, err := store.IssueCodes(context.Background(), IssueCodesInput{GoodRef: testGood, Codes: []string{testCode}}); err != nil {
		t.Fatalf("issue codes: %v", err)
	}
	return &testHarness{svc: svc, store: store, clock: clock, cap: capability, scheduler: scheduler}
}

func (h *testHarness) submit(t *testing.T, code string, identity string) string {
	t.Helper()
	out, err := h.svc.SubmitRedemption(context.Background(), SubmitRedemptionRequest{Code: code, RawIdentity: identity})
	if err != nil {
		t.Fatalf("submit redemption: %v", err)
	}
	return out.RedemptionID
}

func (h *testHarness) tick(t *testing.T) TickStats {
	t.Helper()
	stats, err := h.scheduler.Tick(context.Background())
	if err != nil {
		t.Fatalf("scheduler tick: %v", err)
	}
	return stats
}

// drain ticks, advancing the clock between ticks, until nothing is due.
func (h *testHarness) drain(t *testing.T, step time.Duration, maxTicks int) {
	t.Helper()
	for i := 0; i < maxTicks; i++ {
		if stats := h.tick(t); stats.Scanned == 0 {
			return
		}
		h.clock.Advance(step)
	}
}

func (h *testHarness) get(t *testing.T, id string) Redemption {
	t.Helper()
	r, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get redemption %s: %v", id, err)
	}
	return r
}

func (h *testHarness) code(t *testing.T, code string) RedemptionCode {
	t.Helper()
	record, err := h.store.GetCode(context.Background(), code)
	if err != nil {
		t.Fatalf("get code %s: %v", code, err)
	}
	return record
}

func transitionStates(r Redemption) []RedemptionState {
	out := make([]RedemptionState, 0, len(r.History))
	for _, entry := range r.History {
		if entry.Kind == HistoryTransition {
			out = append(out, entry.State)
		}
	}
	return out
}

func lastTransitionAttempts(r Redemption, state RedemptionState) int {
	for i := len(r.History) - 1; i >= 0; i-- {
		entry := r.History[i]
		if entry.Kind == HistoryTransition && entry.State == state {
			return entry.Attempts
		}
	}
	return -1
}

type scriptedLedger struct {
	CodeLedger
	reserveErr error
}

func (l *scriptedLedger) Reserve(ctx context.Context, code string, redemptionID string) error {
	if l.reserveErr != nil {
		return l.reserveErr
	}
	return l.CodeLedger.Reserve(ctx, code, redemptionID)
}

type conflictingStore struct {
	*MemoryStore
}

func (s conflictingStore) Complete(context.Context, Redemption) (Redemption, error) {
	return Redemption{}, fmt.Errorf("%w: lost the race", ErrCodeConflict)
}
