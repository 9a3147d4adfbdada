package query

import (
	"strings"

	"github.com/goliatone/go-redemptions/core"
)

const (
	TypeGetRedemptionStatus = "redemptions.query.status.get"
	TypeListRedemptions     = "redemptions.query.list"
	TypeRedemptionStats     = "redemptions.query.stats"
	TypeCodeStats           = "redemptions.query.codes.stats"
	TypeValidateCode        = "redemptions.query.codes.validate"
	TypeSessionStatus       = "redemptions.query.session.status"
	TypeListGoods           = "redemptions.query.goods.list"
	TypeSystemStatus        = "redemptions.query.system.status"
)

type GetRedemptionStatusMessage struct {
	RedemptionID string
}

func (GetRedemptionStatusMessage) Type() string { return TypeGetRedemptionStatus }

func (m GetRedemptionStatusMessage) Validate() error {
	if strings.TrimSpace(m.RedemptionID) == "" {
		return queryValidationError("redemption_id", "redemption id is required")
	}
	return nil
}

// ListRedemptionsMessage lists by filter. A RawIdentity switches to the
// recipient's most recent redemptions.
type ListRedemptionsMessage struct {
	State       string
	Code        string
	RawIdentity string
	Limit       int
	NewestFirst bool
}

func (ListRedemptionsMessage) Type() string { return TypeListRedemptions }

func (m ListRedemptionsMessage) Validate() error {
	if m.Limit < 0 {
		return queryValidationError("limit", "limit must be >= 0")
	}
	if strings.TrimSpace(m.State) != "" {
		if _, err := core.ParseRedemptionState(m.State); err != nil {
			return queryValidationError("state", err.Error())
		}
	}
	return nil
}

func (m ListRedemptionsMessage) filter() core.RedemptionFilter {
	filter := core.RedemptionFilter{
		Code:        strings.TrimSpace(m.Code),
		Limit:       m.Limit,
		NewestFirst: m.NewestFirst,
	}
	if state, err := core.ParseRedemptionState(m.State); err == nil {
		filter.State = state
	}
	return filter
}

type RedemptionStatsMessage struct{}

func (RedemptionStatsMessage) Type() string { return TypeRedemptionStats }

func (RedemptionStatsMessage) Validate() error { return nil }

type CodeStatsMessage struct {
	GoodRef string
}

func (CodeStatsMessage) Type() string { return TypeCodeStats }

func (m CodeStatsMessage) Validate() error {
	if strings.TrimSpace(m.GoodRef) == "" {
		return queryValidationError("good_ref", "good ref is required")
	}
	return nil
}

type ValidateCodeMessage struct {
	Code string
}

func (ValidateCodeMessage) Type() string { return TypeValidateCode }

func (m ValidateCodeMessage) Validate() error {
	if strings.TrimSpace(m.Code) == "" {
		return queryValidationError("code", "code is required")
	}
	return nil
}

type SessionStatusMessage struct{}

func (SessionStatusMessage) Type() string { return TypeSessionStatus }

func (SessionStatusMessage) Validate() error { return nil }

type ListGoodsMessage struct{}

func (ListGoodsMessage) Type() string { return TypeListGoods }

func (ListGoodsMessage) Validate() error { return nil }

type SystemStatusMessage struct{}

func (SystemStatusMessage) Type() string { return TypeSystemStatus }

func (SystemStatusMessage) Validate() error { return nil }
