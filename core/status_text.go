package core

// StatusMessage is the human-readable line shown alongside the coarse status.
func StatusMessage(state RedemptionState) string {
	switch state {
	case StateCreated:
		return "Your code was accepted and is queued for processing."
	case StateContactRequested:
		return "A contact request was sent to your account."
	case StateContactConfirmed:
		return "Contact confirmed. Preparing your item."
	case StateGoodDelivering:
		return "Your item is being delivered."
	case StateCompleted:
		return "Your item was delivered."
	case StateFailed:
		return "The redemption could not be completed."
	default:
		return ""
	}
}

// NextStepHint tells the recipient what, if anything, they need to do.
func NextStepHint(state RedemptionState) string {
	switch state {
	case StateCreated:
		return "No action needed."
	case StateContactRequested:
		return "Accept the contact request on the platform to continue."
	case StateContactConfirmed, StateGoodDelivering:
		return "No action needed. Delivery is in progress."
	case StateCompleted:
		return "Check your inventory on the platform."
	case StateFailed:
		return "Contact support with your redemption id. An operator can retry it while the code is unused."
	default:
		return ""
	}
}
