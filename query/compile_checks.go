package query

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-redemptions/core"
)

var (
	_ gocmd.Querier[GetRedemptionStatusMessage, core.RedemptionStatus] = (*GetRedemptionStatusQuery)(nil)
	_ gocmd.Querier[ListRedemptionsMessage, []core.RedemptionStatus]   = (*ListRedemptionsQuery)(nil)
	_ gocmd.Querier[RedemptionStatsMessage, core.RedemptionStats]      = (*RedemptionStatsQuery)(nil)
	_ gocmd.Querier[CodeStatsMessage, core.CodeStats]                  = (*CodeStatsQuery)(nil)
	_ gocmd.Querier[ValidateCodeMessage, core.CodeValidation]          = (*ValidateCodeQuery)(nil)
	_ gocmd.Querier[SessionStatusMessage, core.SessionStatus]          = (*SessionStatusQuery)(nil)
	_ gocmd.Querier[ListGoodsMessage, []core.GoodSummary]              = (*ListGoodsQuery)(nil)
	_ gocmd.Querier[SystemStatusMessage, core.SystemStatus]            = (*SystemStatusQuery)(nil)
)
