package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// DeliveryCapability is the third-party platform integration. It represents a
// single logical session and must not be called concurrently; callers go
// through SessionSerializer.
type DeliveryCapability interface {
	RequestContact(ctx context.Context, identity string) error
	IsContact(ctx context.Context, identity string) (bool, error)
	DeliverGood(ctx context.Context, identity string, goodRef string) (Receipt, error)
}

// RecipientMessenger is implemented by capabilities that can message the
// recipient over the same session.
type RecipientMessenger interface {
	SendMessage(ctx context.Context, identity string, text string) error
}

// SessionConnector is implemented by capabilities whose session must be
// (re)established before use.
type SessionConnector interface {
	Connect(ctx context.Context) error
}

type Receipt struct {
	ID   string
	Data map[string]any
}

type FailureKind string

const (
	FailureTransient FailureKind = "transient"
	FailurePermanent FailureKind = "permanent"
)

type DeliveryError struct {
	Kind   FailureKind
	Reason string
	Err    error
}

func (e *DeliveryError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("core: %s delivery failure: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("core: %s delivery failure: %s", e.Kind, e.Reason)
}

func (e *DeliveryError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func TransientFailure(reason string, cause error) error {
	return &DeliveryError{Kind: FailureTransient, Reason: strings.TrimSpace(reason), Err: cause}
}

func PermanentFailure(reason string, cause error) error {
	return &DeliveryError{Kind: FailurePermanent, Reason: strings.TrimSpace(reason), Err: cause}
}

// SessionLost marks err as a loss of the shared session.
func SessionLost(reason string) error {
	return fmt.Errorf("%w: %s", ErrSessionLost, strings.TrimSpace(reason))
}

type OutcomeKind string

const (
	OutcomeSuccess   OutcomeKind = "success"
	OutcomeTransient OutcomeKind = "transient_failure"
	OutcomePermanent OutcomeKind = "permanent_failure"
)

type Outcome struct {
	Kind   OutcomeKind
	Data   any
	Reason string
}

func (o Outcome) OK() bool {
	return o.Kind == OutcomeSuccess
}

func successOutcome(data any) Outcome {
	return Outcome{Kind: OutcomeSuccess, Data: data}
}

func transientOutcome(reason string) Outcome {
	return Outcome{Kind: OutcomeTransient, Reason: strings.TrimSpace(reason)}
}

func permanentOutcome(reason string) Outcome {
	return Outcome{Kind: OutcomePermanent, Reason: strings.TrimSpace(reason)}
}

func classifyFailure(err error) Outcome {
	var deliveryErr *DeliveryError
	if errors.As(err, &deliveryErr) {
		reason := deliveryErr.Reason
		if reason == "" && deliveryErr.Err != nil {
			reason = deliveryErr.Err.Error()
		}
		if deliveryErr.Kind == FailurePermanent {
			return permanentOutcome(reason)
		}
		return transientOutcome(reason)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return transientOutcome("operation timed out")
	}
	return transientOutcome(err.Error())
}

// Operation is one unit of work executed on the delivery session.
// Idempotent operations interrupted by a session loss are replayed after
// recovery; the others fail transient.
type Operation struct {
	Name       string
	Idempotent bool
	Run        func(ctx context.Context, capability DeliveryCapability, identity string) (any, error)
}

const (
	OperationRequestContact = "request_contact"
	OperationIsContact      = "is_contact"
	OperationDeliverGood    = "deliver_good"
	OperationSendMessage    = "send_message"
)

func RequestContactOperation() Operation {
	return Operation{
		Name:       OperationRequestContact,
		Idempotent: true,
		Run: func(ctx context.Context, capability DeliveryCapability, identity string) (any, error) {
			return nil, capability.RequestContact(ctx, identity)
		},
	}
}

func IsContactOperation() Operation {
	return Operation{
		Name:       OperationIsContact,
		Idempotent: true,
		Run: func(ctx context.Context, capability DeliveryCapability, identity string) (any, error) {
			return capability.IsContact(ctx, identity)
		},
	}
}

func DeliverGoodOperation(goodRef string) Operation {
	return Operation{
		Name:       OperationDeliverGood,
		Idempotent: false,
		Run: func(ctx context.Context, capability DeliveryCapability, identity string) (any, error) {
			return capability.DeliverGood(ctx, identity, goodRef)
		},
	}
}

func SendMessageOperation(text string) Operation {
	return Operation{
		Name:       OperationSendMessage,
		Idempotent: true,
		Run: func(ctx context.Context, capability DeliveryCapability, identity string) (any, error) {
			messenger, ok := capability.(RecipientMessenger)
			if !ok {
				return nil, PermanentFailure("capability cannot message recipients", nil)
			}
			return nil, messenger.SendMessage(ctx, identity, text)
		},
	}
}
