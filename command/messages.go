package command

import (
	"strings"

	"github.com/goliatone/go-redemptions/core"
)

const (
	TypeSubmitRedemption  = "redemptions.command.submit"
	TypeConfirmContact    = "redemptions.command.contact.confirm"
	TypeRetryFailed       = "redemptions.command.retry_failed"
	TypeCancelRedemption  = "redemptions.command.cancel"
	TypeAdvanceRedemption = "redemptions.command.advance"
	TypeIssueCodes        = "redemptions.command.codes.issue"
	TypePutGood           = "redemptions.command.goods.put"
	TypeDeactivateGood    = "redemptions.command.goods.deactivate"
	TypeDeleteGood        = "redemptions.command.goods.delete"
)

type SubmitRedemptionMessage struct {
	Request core.SubmitRedemptionRequest
}

func (SubmitRedemptionMessage) Type() string { return TypeSubmitRedemption }

// Validate only checks presence; format and identity rules are the service's.
func (m SubmitRedemptionMessage) Validate() error {
	if strings.TrimSpace(m.Request.Code) == "" {
		return commandValidationError("code", "code is required")
	}
	if strings.TrimSpace(m.Request.RawIdentity) == "" {
		return commandValidationError("raw_identity", "recipient identity is required")
	}
	return nil
}

type ConfirmContactMessage struct {
	RedemptionID string
}

func (ConfirmContactMessage) Type() string { return TypeConfirmContact }

func (m ConfirmContactMessage) Validate() error {
	return validateRedemptionID(m.RedemptionID)
}

type RetryFailedMessage struct {
	RedemptionID string
}

func (RetryFailedMessage) Type() string { return TypeRetryFailed }

func (m RetryFailedMessage) Validate() error {
	return validateRedemptionID(m.RedemptionID)
}

type CancelRedemptionMessage struct {
	RedemptionID string
	Reason       string
}

func (CancelRedemptionMessage) Type() string { return TypeCancelRedemption }

func (m CancelRedemptionMessage) Validate() error {
	return validateRedemptionID(m.RedemptionID)
}

// AdvanceRedemptionMessage runs one workflow step; queue workers send it.
type AdvanceRedemptionMessage struct {
	RedemptionID string
}

func (AdvanceRedemptionMessage) Type() string { return TypeAdvanceRedemption }

func (m AdvanceRedemptionMessage) Validate() error {
	return validateRedemptionID(m.RedemptionID)
}

type IssueCodesMessage struct {
	Input core.IssueCodesInput
}

func (IssueCodesMessage) Type() string { return TypeIssueCodes }

func (m IssueCodesMessage) Validate() error {
	if strings.TrimSpace(m.Input.GoodRef) == "" {
		return commandValidationError("good_ref", "good ref is required")
	}
	if len(m.Input.Codes) == 0 {
		return commandValidationError("codes", "at least one code is required")
	}
	return nil
}

type PutGoodMessage struct {
	Input core.PutGoodInput
}

func (PutGoodMessage) Type() string { return TypePutGood }

func (m PutGoodMessage) Validate() error {
	return validateGoodRef(m.Input.Ref)
}

type DeactivateGoodMessage struct {
	GoodRef string
}

func (DeactivateGoodMessage) Type() string { return TypeDeactivateGood }

func (m DeactivateGoodMessage) Validate() error {
	return validateGoodRef(m.GoodRef)
}

type DeleteGoodMessage struct {
	GoodRef string
}

func (DeleteGoodMessage) Type() string { return TypeDeleteGood }

func (m DeleteGoodMessage) Validate() error {
	return validateGoodRef(m.GoodRef)
}

func validateGoodRef(ref string) error {
	if strings.TrimSpace(ref) == "" {
		return commandValidationError("good_ref", "good ref is required")
	}
	return nil
}

func validateRedemptionID(id string) error {
	if strings.TrimSpace(id) == "" {
		return commandValidationError("redemption_id", "redemption id is required")
	}
	return nil
}
