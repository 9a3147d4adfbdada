package scripted

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-redemptions/core"
)

const (
	steamID = "76561197960287930"
	goodRef = "game-1"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestCapability_AcceptsAfterPolls(t *testing.T) {
	capability := New(Config{AcceptAfter: 2})
	ctx := context.Background()
	if err := capability.RequestContact(ctx, steamID); err != nil {
		t.Fatalf("request: %v", err)
	}
	for i := 0; i < 2; i++ {
		if ok, _ := capability.IsContact(ctx, steamID); ok {
			t.Fatalf("poll %d: accepted too early", i)
		}
	}
	if ok, _ := capability.IsContact(ctx, steamID); !ok {
		t.Fatalf("expected contact after two polls")
	}
	if ok, _ := capability.IsContact(ctx, "76561197960265729"); ok {
		t.Fatalf("identity without a request must not become a contact")
	}
}

func TestCapability_DeliveryRules(t *testing.T) {
	capability := New(Config{Goods: []string{goodRef}})
	ctx := context.Background()

	_, err := capability.DeliverGood(ctx, steamID, goodRef)
	var deliveryErr *core.DeliveryError
	if !errors.As(err, &deliveryErr) || deliveryErr.Kind != core.FailurePermanent {
		t.Fatalf("expected permanent failure for non-contact, got %v", err)
	}

	capability.AddContact(steamID)
	if _, err := capability.DeliverGood(ctx, steamID, "other"); err == nil {
		t.Fatalf("expected unknown good to fail")
	}
	receipt, err := capability.DeliverGood(ctx, steamID, goodRef)
	if err != nil || receipt.ID == "" {
		t.Fatalf("expected receipt, got %+v %v", receipt, err)
	}
	if deliveries := capability.Deliveries(); len(deliveries) != 1 || deliveries[0].ReceiptID != receipt.ID {
		t.Fatalf("unexpected deliveries %+v", deliveries)
	}
}

func TestCapability_ScriptedFailuresAndSessionDrop(t *testing.T) {
	capability := New(Config{})
	ctx := context.Background()
	capability.Fail(core.OperationRequestContact, core.TransientFailure("busy", nil))
	if err := capability.RequestContact(ctx, steamID); err == nil {
		t.Fatalf("expected scripted failure")
	}
	if err := capability.RequestContact(ctx, steamID); err != nil {
		t.Fatalf("expected script to be consumed, got %v", err)
	}

	capability.DropSession()
	if _, err := capability.IsContact(ctx, steamID); !errors.Is(err, core.ErrSessionLost) {
		t.Fatalf("expected session lost, got %v", err)
	}
	capability.FailConnect(errors.New("login refused"))
	if err := capability.Connect(ctx); err == nil {
		t.Fatalf("expected scripted connect failure")
	}
	if capability.Calls(core.OperationRequestContact) != 2 || capability.Connects() != 1 {
		t.Fatalf("unexpected call counts")
	}
}

func TestCapability_DetectsOverlappingCalls(t *testing.T) {
	capability := New(Config{Latency: 100 * time.Millisecond})
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = capability.IsContact(context.Background(), steamID)
		}()
	}
	wg.Wait()
	if capability.Violations() != 1 {
		t.Fatalf("expected one overlapping call, got %d", capability.Violations())
	}
}

func TestCapability_DrivesServiceToCompletion(t *testing.T) {
	capability := New(Config{AcceptAfter: 1, Goods: []string{goodRef}, Latency: time.Millisecond})
	clock := &stepClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	svc, err := core.NewService(core.Config{}, core.WithDeliveryCapability(capability), core.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	defer svc.Close(context.Background())

	ctx := context.Background()
	if _, err := svc.IssueCodes(ctx, core.IssueCodesInput{GoodRef: goodRef, Codes: []string{"abcd-1234"}}); err != nil {
		t.Fatalf("issue codes: %v", err)
	}
	const callers = 4
	ids := make([]string, 0, callers)
	for i := 0; i < callers; i++ {
		out, err := svc.SubmitRedemption(ctx, core.SubmitRedemptionRequest{Code: "ABCD-1234", RawIdentity: steamID})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		ids = append(ids, out.RedemptionID)
	}

	scheduler, err := svc.NewRetryScheduler()
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	for i := 0; i < 10; i++ {
		if _, err := scheduler.Tick(ctx); err != nil {
			t.Fatalf("tick: %v", err)
		}
		clock.Advance(time.Minute)
	}

	completed := 0
	for _, id := range ids {
		status, err := svc.GetStatus(ctx, id)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if status.State == core.StateCompleted {
			completed++
		} else if status.State != core.StateFailed {
			t.Fatalf("expected terminal redemption, got %s", status.State)
		}
	}
	if completed != 1 || len(capability.Deliveries()) != 1 {
		t.Fatalf("expected exactly one delivery, got %d completed and %d deliveries", completed, len(capability.Deliveries()))
	}
	if capability.Violations() != 0 {
		t.Fatalf("service made %d overlapping session calls", capability.Violations())
	}
}
