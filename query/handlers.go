package query

import (
	"context"
	"strings"

	"github.com/goliatone/go-redemptions/core"
)

type StatusReader interface {
	GetStatus(ctx context.Context, redemptionID string) (core.RedemptionStatus, error)
}

type RedemptionLister interface {
	ListRedemptions(ctx context.Context, filter core.RedemptionFilter) ([]core.RedemptionStatus, error)
	RecentByRecipient(ctx context.Context, rawIdentity string, limit int) ([]core.RedemptionStatus, error)
}

type StatsReader interface {
	Stats(ctx context.Context) (core.RedemptionStats, error)
	CodeStats(ctx context.Context, goodRef string) (core.CodeStats, error)
}

type CodeValidator interface {
	ValidateCode(ctx context.Context, code string) (core.CodeValidation, error)
}

type SessionReader interface {
	SessionStatus() core.SessionStatus
}

type GoodsReader interface {
	ListGoods(ctx context.Context) ([]core.GoodSummary, error)
	SystemStatus(ctx context.Context) (core.SystemStatus, error)
}

// ReadService is the read side of core.RedemptionService.
type ReadService interface {
	StatusReader
	RedemptionLister
	StatsReader
	CodeValidator
	SessionReader
}

type GetRedemptionStatusQuery struct {
	reader StatusReader
}

func NewGetRedemptionStatusQuery(reader StatusReader) *GetRedemptionStatusQuery {
	return &GetRedemptionStatusQuery{reader: reader}
}

func (q *GetRedemptionStatusQuery) Query(ctx context.Context, msg GetRedemptionStatusMessage) (core.RedemptionStatus, error) {
	if q == nil || q.reader == nil {
		return core.RedemptionStatus{}, queryDependencyError("query: status reader is required")
	}
	if err := msg.Validate(); err != nil {
		return core.RedemptionStatus{}, err
	}
	return q.reader.GetStatus(ctx, msg.RedemptionID)
}

type ListRedemptionsQuery struct {
	reader RedemptionLister
}

func NewListRedemptionsQuery(reader RedemptionLister) *ListRedemptionsQuery {
	return &ListRedemptionsQuery{reader: reader}
}

func (q *ListRedemptionsQuery) Query(ctx context.Context, msg ListRedemptionsMessage) ([]core.RedemptionStatus, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: redemption lister is required")
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	if raw := strings.TrimSpace(msg.RawIdentity); raw != "" {
		return q.reader.RecentByRecipient(ctx, raw, msg.Limit)
	}
	return q.reader.ListRedemptions(ctx, msg.filter())
}

type RedemptionStatsQuery struct {
	reader StatsReader
}

func NewRedemptionStatsQuery(reader StatsReader) *RedemptionStatsQuery {
	return &RedemptionStatsQuery{reader: reader}
}

func (q *RedemptionStatsQuery) Query(ctx context.Context, _ RedemptionStatsMessage) (core.RedemptionStats, error) {
	if q == nil || q.reader == nil {
		return core.RedemptionStats{}, queryDependencyError("query: stats reader is required")
	}
	return q.reader.Stats(ctx)
}

type CodeStatsQuery struct {
	reader StatsReader
}

func NewCodeStatsQuery(reader StatsReader) *CodeStatsQuery {
	return &CodeStatsQuery{reader: reader}
}

func (q *CodeStatsQuery) Query(ctx context.Context, msg CodeStatsMessage) (core.CodeStats, error) {
	if q == nil || q.reader == nil {
		return core.CodeStats{}, queryDependencyError("query: stats reader is required")
	}
	if err := msg.Validate(); err != nil {
		return core.CodeStats{}, err
	}
	return q.reader.CodeStats(ctx, msg.GoodRef)
}

type ValidateCodeQuery struct {
	validator CodeValidator
}

func NewValidateCodeQuery(validator CodeValidator) *ValidateCodeQuery {
	return &ValidateCodeQuery{validator: validator}
}

func (q *ValidateCodeQuery) Query(ctx context.Context, msg ValidateCodeMessage) (core.CodeValidation, error) {
	if q == nil || q.validator == nil {
		return core.CodeValidation{}, queryDependencyError("query: code validator is required")
	}
	if err := msg.Validate(); err != nil {
		return core.CodeValidation{}, err
	}
	return q.validator.ValidateCode(ctx, msg.Code)
}

type SessionStatusQuery struct {
	reader SessionReader
}

func NewSessionStatusQuery(reader SessionReader) *SessionStatusQuery {
	return &SessionStatusQuery{reader: reader}
}

func (q *SessionStatusQuery) Query(_ context.Context, _ SessionStatusMessage) (core.SessionStatus, error) {
	if q == nil || q.reader == nil {
		return core.SessionStatus{}, queryDependencyError("query: session reader is required")
	}
	return q.reader.SessionStatus(), nil
}

type ListGoodsQuery struct {
	reader GoodsReader
}

func NewListGoodsQuery(reader GoodsReader) *ListGoodsQuery {
	return &ListGoodsQuery{reader: reader}
}

func (q *ListGoodsQuery) Query(ctx context.Context, _ ListGoodsMessage) ([]core.GoodSummary, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: goods reader is required")
	}
	return q.reader.ListGoods(ctx)
}

type SystemStatusQuery struct {
	reader GoodsReader
}

func NewSystemStatusQuery(reader GoodsReader) *SystemStatusQuery {
	return &SystemStatusQuery{reader: reader}
}

func (q *SystemStatusQuery) Query(ctx context.Context, _ SystemStatusMessage) (core.SystemStatus, error) {
	if q == nil || q.reader == nil {
		return core.SystemStatus{}, queryDependencyError("query: goods reader is required")
	}
	return q.reader.SystemStatus(ctx)
}
