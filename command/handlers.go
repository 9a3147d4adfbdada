package command

import (
	"context"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-redemptions/core"
)

// MutatingService is the write side of core.RedemptionService.
type MutatingService interface {
	SubmitRedemption(ctx context.Context, req core.SubmitRedemptionRequest) (core.SubmitRedemptionResult, error)
	ConfirmContactAndProceed(ctx context.Context, redemptionID string) (core.AdvanceResult, error)
	RetryFailed(ctx context.Context, redemptionID string) (core.AdvanceResult, error)
	CancelRedemption(ctx context.Context, redemptionID string, reason string) (core.AdvanceResult, error)
	Advance(ctx context.Context, redemptionID string) (core.AdvanceResult, error)
	IssueCodes(ctx context.Context, in core.IssueCodesInput) (core.IssueCodesResult, error)
}

// GoodsService manages the goods catalog.
type GoodsService interface {
	PutGood(ctx context.Context, in core.PutGoodInput) (core.Good, error)
	DeactivateGood(ctx context.Context, ref string) (core.Good, error)
	DeleteGood(ctx context.Context, ref string) error
}

type SubmitRedemptionCommand struct {
	service MutatingService
}

func NewSubmitRedemptionCommand(service MutatingService) *SubmitRedemptionCommand {
	return &SubmitRedemptionCommand{service: service}
}

func (c *SubmitRedemptionCommand) Execute(ctx context.Context, msg SubmitRedemptionMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: submit redemption service is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	out, err := c.service.SubmitRedemption(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type ConfirmContactCommand struct {
	service MutatingService
}

func NewConfirmContactCommand(service MutatingService) *ConfirmContactCommand {
	return &ConfirmContactCommand{service: service}
}

func (c *ConfirmContactCommand) Execute(ctx context.Context, msg ConfirmContactMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: confirm contact service is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	out, err := c.service.ConfirmContactAndProceed(ctx, msg.RedemptionID)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type RetryFailedCommand struct {
	service MutatingService
}

func NewRetryFailedCommand(service MutatingService) *RetryFailedCommand {
	return &RetryFailedCommand{service: service}
}

func (c *RetryFailedCommand) Execute(ctx context.Context, msg RetryFailedMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: retry service is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	out, err := c.service.RetryFailed(ctx, msg.RedemptionID)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type CancelRedemptionCommand struct {
	service MutatingService
}

func NewCancelRedemptionCommand(service MutatingService) *CancelRedemptionCommand {
	return &CancelRedemptionCommand{service: service}
}

func (c *CancelRedemptionCommand) Execute(ctx context.Context, msg CancelRedemptionMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: cancel service is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	out, err := c.service.CancelRedemption(ctx, msg.RedemptionID, msg.Reason)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type AdvanceRedemptionCommand struct {
	service MutatingService
}

func NewAdvanceRedemptionCommand(service MutatingService) *AdvanceRedemptionCommand {
	return &AdvanceRedemptionCommand{service: service}
}

func (c *AdvanceRedemptionCommand) Execute(ctx context.Context, msg AdvanceRedemptionMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: advance service is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	out, err := c.service.Advance(ctx, msg.RedemptionID)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type IssueCodesCommand struct {
	service MutatingService
}

func NewIssueCodesCommand(service MutatingService) *IssueCodesCommand {
	return &IssueCodesCommand{service: service}
}

func (c *IssueCodesCommand) Execute(ctx context.Context, msg IssueCodesMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: issue codes service is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	out, err := c.service.IssueCodes(ctx, msg.Input)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type PutGoodCommand struct {
	service GoodsService
}

func NewPutGoodCommand(service GoodsService) *PutGoodCommand {
	return &PutGoodCommand{service: service}
}

func (c *PutGoodCommand) Execute(ctx context.Context, msg PutGoodMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: goods service is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	out, err := c.service.PutGood(ctx, msg.Input)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type DeactivateGoodCommand struct {
	service GoodsService
}

func NewDeactivateGoodCommand(service GoodsService) *DeactivateGoodCommand {
	return &DeactivateGoodCommand{service: service}
}

func (c *DeactivateGoodCommand) Execute(ctx context.Context, msg DeactivateGoodMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: goods service is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	out, err := c.service.DeactivateGood(ctx, msg.GoodRef)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type DeleteGoodCommand struct {
	service GoodsService
}

func NewDeleteGoodCommand(service GoodsService) *DeleteGoodCommand {
	return &DeleteGoodCommand{service: service}
}

func (c *DeleteGoodCommand) Execute(ctx context.Context, msg DeleteGoodMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: goods service is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	return c.service.DeleteGood(ctx, msg.GoodRef)
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
