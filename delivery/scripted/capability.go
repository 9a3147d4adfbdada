// Package scripted provides an in-process DeliveryCapability whose behaviour
// is driven by a script. It backs local runs and tests.
package scripted

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-redemptions/core"
	"github.com/google/uuid"
)

var ErrConcurrentUse = errors.New("scripted: concurrent session use")

type Message struct {
	Identity string
	Text     string
}

type Delivery struct {
	Identity  string
	GoodRef   string
	ReceiptID string
}

type Config struct {
	// AcceptAfter is how many IsContact polls after a contact request report
	// false before the recipient accepts. Negative never accepts.
	AcceptAfter int
	// Goods limits deliverable refs; empty allows any.
	Goods []string
	// Latency is spent inside every call, outside the internal lock.
	Latency time.Duration
}

type Capability struct {
	mu          sync.Mutex
	cfg         Config
	goods       map[string]struct{}
	contacts    map[string]bool
	pending     map[string]int
	failures    map[string][]error
	connectErrs []error
	dropNext    bool
	inFlight    int
	violations  int
	connects    int
	calls       map[string]int
	deliveries  []Delivery
	messages    []Message
}

func New(cfg Config) *Capability {
	goods := map[string]struct{}{}
	for _, ref := range cfg.Goods {
		if ref = strings.TrimSpace(ref); ref != "" {
			goods[ref] = struct{}{}
		}
	}
	return &Capability{
		cfg:      cfg,
		goods:    goods,
		contacts: map[string]bool{},
		pending:  map[string]int{},
		failures: map[string][]error{},
		calls:    map[string]int{},
	}
}

// AddContact marks identity as an existing contact.
func (c *Capability) AddContact(identity string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contacts[identity] = true
	delete(c.pending, identity)
}

func (c *Capability) RemoveContact(identity string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.contacts, identity)
}

// Fail queues errors returned by the next calls of operation, one per call.
func (c *Capability) Fail(operation string, errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[operation] = append(c.failures[operation], errs...)
}

// FailConnect queues errors returned by the next Connect calls.
func (c *Capability) FailConnect(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectErrs = append(c.connectErrs, errs...)
}

// DropSession makes the next capability call report a lost session.
func (c *Capability) DropSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropNext = true
}

func (c *Capability) Connect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if len(c.connectErrs) > 0 {
		err := c.connectErrs[0]
		c.connectErrs = c.connectErrs[1:]
		return err
	}
	return nil
}

func (c *Capability) RequestContact(ctx context.Context, identity string) error {
	release, err := c.enter(ctx, core.OperationRequestContact)
	if err != nil {
		return err
	}
	defer release()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.contacts[identity] {
		if _, ok := c.pending[identity]; !ok {
			c.pending[identity] = 0
		}
	}
	return nil
}

func (c *Capability) IsContact(ctx context.Context, identity string) (bool, error) {
	release, err := c.enter(ctx, core.OperationIsContact)
	if err != nil {
		return false, err
	}
	defer release()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.contacts[identity] {
		return true, nil
	}
	polls, ok := c.pending[identity]
	if !ok || c.cfg.AcceptAfter < 0 {
		return false, nil
	}
	if polls >= c.cfg.AcceptAfter {
		c.contacts[identity] = true
		delete(c.pending, identity)
		return true, nil
	}
	c.pending[identity] = polls + 1
	return false, nil
}

func (c *Capability) DeliverGood(ctx context.Context, identity string, goodRef string) (core.Receipt, error) {
	release, err := c.enter(ctx, core.OperationDeliverGood)
	if err != nil {
		return core.Receipt{}, err
	}
	defer release()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.contacts[identity] {
		return core.Receipt{}, core.PermanentFailure("recipient is not a contact", nil)
	}
	if len(c.goods) > 0 {
		if _, ok := c.goods[goodRef]; !ok {
			return core.Receipt{}, core.PermanentFailure(fmt.Sprintf("good %q is not deliverable", goodRef), nil)
		}
	}
	receipt := core.Receipt{
		ID:   uuid.NewString(),
		Data: map[string]any{"good_ref": goodRef, "identity": identity},
	}
	c.deliveries = append(c.deliveries, Delivery{Identity: identity, GoodRef: goodRef, ReceiptID: receipt.ID})
	return receipt, nil
}

func (c *Capability) SendMessage(ctx context.Context, identity string, text string) error {
	release, err := c.enter(ctx, core.OperationSendMessage)
	if err != nil {
		return err
	}
	defer release()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, Message{Identity: identity, Text: text})
	return nil
}

// enter records the call and returns any scripted failure for it.
func (c *Capability) enter(ctx context.Context, operation string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[operation]++
	if c.inFlight > 0 {
		c.violations++
		return nil, ErrConcurrentUse
	}
	if c.dropNext {
		c.dropNext = false
		return nil, core.SessionLost("scripted session dropped")
	}
	if queued := c.failures[operation]; len(queued) > 0 {
		c.failures[operation] = queued[1:]
		if queued[0] != nil {
			return nil, queued[0]
		}
	}
	c.inFlight++
	if latency := c.cfg.Latency; latency > 0 {
		c.mu.Unlock()
		timer := time.NewTimer(latency)
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
		timer.Stop()
		c.mu.Lock()
	}
	return func() {
		c.mu.Lock()
		c.inFlight--
		c.mu.Unlock()
	}, nil
}

func (c *Capability) Calls(operation string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[operation]
}

func (c *Capability) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

// Violations counts calls that overlapped another in-flight call.
func (c *Capability) Violations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.violations
}

func (c *Capability) Deliveries() []Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Delivery(nil), c.deliveries...)
}

func (c *Capability) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages...)
}

var (
	_ core.DeliveryCapability = (*Capability)(nil)
	_ core.RecipientMessenger = (*Capability)(nil)
	_ core.SessionConnector   = (*Capability)(nil)
)
