package command

import gocmd "github.com/goliatone/go-command"

var (
	_ gocmd.Commander[SubmitRedemptionMessage]  = (*SubmitRedemptionCommand)(nil)
	_ gocmd.Commander[ConfirmContactMessage]    = (*ConfirmContactCommand)(nil)
	_ gocmd.Commander[RetryFailedMessage]       = (*RetryFailedCommand)(nil)
	_ gocmd.Commander[CancelRedemptionMessage]  = (*CancelRedemptionCommand)(nil)
	_ gocmd.Commander[AdvanceRedemptionMessage] = (*AdvanceRedemptionCommand)(nil)
	_ gocmd.Commander[IssueCodesMessage]        = (*IssueCodesCommand)(nil)
	_ gocmd.Commander[PutGoodMessage]           = (*PutGoodCommand)(nil)
	_ gocmd.Commander[DeactivateGoodMessage]    = (*DeactivateGoodCommand)(nil)
	_ gocmd.Commander[DeleteGoodMessage]        = (*DeleteGoodCommand)(nil)
)
