package core

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	RedemptionErrorBadInput           = "REDEMPTION_BAD_INPUT"
	RedemptionErrorRejected           = "REDEMPTION_REJECTED"
	RedemptionErrorCodeConsumed       = "REDEMPTION_CODE_CONSUMED"
	RedemptionErrorCodeNotFound       = "REDEMPTION_CODE_NOT_FOUND"
	RedemptionErrorGoodNotFound       = "REDEMPTION_GOOD_NOT_FOUND"
	RedemptionErrorGoodInUse          = "REDEMPTION_GOOD_IN_USE"
	RedemptionErrorNotFound           = "REDEMPTION_NOT_FOUND"
	RedemptionErrorTransitionRejected = "REDEMPTION_TRANSITION_REJECTED"
	RedemptionErrorLocked             = "REDEMPTION_LOCKED"
	RedemptionErrorConflict           = "REDEMPTION_CONFLICT"
	RedemptionErrorRateLimited        = "REDEMPTION_RATE_LIMITED"
	RedemptionErrorSessionUnavailable = "REDEMPTION_SESSION_UNAVAILABLE"
	RedemptionErrorInternal           = "REDEMPTION_INTERNAL_ERROR"
)

var (
	ErrCodeNotFound        = errors.New("core: code not found")
	ErrCodeAlreadyConsumed = errors.New("core: code already consumed")
	ErrCodeReserved        = errors.New("core: code reserved by another redemption")
	ErrCodeConflict        = errors.New("core: code commit conflict")
	ErrCodeExists          = errors.New("core: code already issued")
	ErrGoodNotFound        = errors.New("core: good not found")
	ErrGoodInUse           = errors.New("core: good still has unused codes")
	ErrRedemptionNotFound  = errors.New("core: redemption not found")
	ErrInvalidTransition   = errors.New("core: invalid redemption transition")
	ErrVersionConflict     = errors.New("core: redemption version conflict")
	ErrLockHeld            = errors.New("core: redemption lock already held")
	ErrSessionLost         = errors.New("core: delivery session lost")
	ErrSessionUnavailable  = errors.New("core: delivery session unavailable")
	ErrSerializerClosed    = errors.New("core: session serializer closed")
)

type RejectionReason string

const (
	RejectionMalformedCode   RejectionReason = "malformed-code"
	RejectionUnknownCode     RejectionReason = "unknown-code"
	RejectionCodeConsumed    RejectionReason = "code-consumed"
	RejectionGoodUnavailable RejectionReason = "good-unavailable"
	RejectionInvalidIdentity RejectionReason = "invalid-identity"
	RejectionRateLimited     RejectionReason = "rate-limited"
)

// RejectionError is an input error surfaced to the submitter. It never
// creates a redemption record.
type RejectionError struct {
	Reason  RejectionReason
	Message string
	Cause   error
}

func Reject(reason RejectionReason, message string) *RejectionError {
	return &RejectionError{Reason: reason, Message: strings.TrimSpace(message)}
}

func (e *RejectionError) Error() string {
	if e == nil {
		return ""
	}
	message := e.Message
	if message == "" {
		message = string(e.Reason)
	}
	if e.Cause != nil {
		return fmt.Sprintf("core: redemption rejected (%s): %s: %v", e.Reason, message, e.Cause)
	}
	return fmt.Sprintf("core: redemption rejected (%s): %s", e.Reason, message)
}

func (e *RejectionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func (e *RejectionError) ToServiceError() *goerrors.Error {
	if e == nil {
		return nil
	}
	switch e.Reason {
	case RejectionRateLimited:
		return goerrors.Wrap(e, goerrors.CategoryRateLimit, e.Error()).
			WithCode(http.StatusTooManyRequests).
			WithTextCode(RedemptionErrorRateLimited)
	case RejectionCodeConsumed:
		return goerrors.Wrap(e, goerrors.CategoryConflict, e.Error()).
			WithCode(http.StatusConflict).
			WithTextCode(RedemptionErrorCodeConsumed)
	case RejectionUnknownCode:
		return goerrors.Wrap(e, goerrors.CategoryNotFound, e.Error()).
			WithCode(http.StatusNotFound).
			WithTextCode(RedemptionErrorCodeNotFound)
	default:
		return goerrors.Wrap(e, goerrors.CategoryBadInput, e.Error()).
			WithCode(http.StatusBadRequest).
			WithTextCode(RedemptionErrorRejected)
	}
}

// TransitionRejectedError reports that an operator action does not apply to
// the redemption's current state.
type TransitionRejectedError struct {
	RedemptionID string
	State        RedemptionState
	Reason       string
}

func (e *TransitionRejectedError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Reason) != "" {
		return fmt.Sprintf("core: redemption %s rejected in state %s: %s", e.RedemptionID, e.State, e.Reason)
	}
	return fmt.Sprintf("core: redemption %s rejected in state %s", e.RedemptionID, e.State)
}

func (e *TransitionRejectedError) ToServiceError() *goerrors.Error {
	if e == nil {
		return nil
	}
	return goerrors.New(e.Error(), goerrors.CategoryConflict).
		WithCode(http.StatusConflict).
		WithTextCode(RedemptionErrorTransitionRejected)
}

func rejectTransition(r Redemption, reason string) error {
	return &TransitionRejectedError{RedemptionID: r.ID, State: r.State, Reason: reason}
}

func serviceErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureServiceErrorEnvelope(richErr)
	}
	var rejection *RejectionError
	if errors.As(err, &rejection) {
		return ensureServiceErrorEnvelope(rejection.ToServiceError())
	}
	var transition *TransitionRejectedError
	if errors.As(err, &transition) {
		return ensureServiceErrorEnvelope(transition.ToServiceError())
	}

	switch {
	case errors.Is(err, ErrRedemptionNotFound):
		return newServiceError(err.Error(), goerrors.CategoryNotFound, RedemptionErrorNotFound)
	case errors.Is(err, ErrCodeNotFound):
		return newServiceError(err.Error(), goerrors.CategoryNotFound, RedemptionErrorCodeNotFound)
	case errors.Is(err, ErrGoodNotFound):
		return newServiceError(err.Error(), goerrors.CategoryNotFound, RedemptionErrorGoodNotFound)
	case errors.Is(err, ErrCodeAlreadyConsumed), errors.Is(err, ErrCodeConflict), errors.Is(err, ErrCodeReserved):
		return newServiceError(err.Error(), goerrors.CategoryConflict, RedemptionErrorCodeConsumed)
	case errors.Is(err, ErrGoodInUse):
		return newServiceError(err.Error(), goerrors.CategoryConflict, RedemptionErrorGoodInUse)
	case errors.Is(err, ErrLockHeld):
		return newServiceError(err.Error(), goerrors.CategoryConflict, RedemptionErrorLocked)
	case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrCodeExists):
		return newServiceError(err.Error(), goerrors.CategoryConflict, RedemptionErrorConflict)
	case errors.Is(err, ErrInvalidTransition):
		return newServiceError(err.Error(), goerrors.CategoryConflict, RedemptionErrorTransitionRejected)
	case errors.Is(err, ErrSessionUnavailable), errors.Is(err, ErrSessionLost), errors.Is(err, ErrSerializerClosed):
		return newServiceError(err.Error(), goerrors.CategoryExternal, RedemptionErrorSessionUnavailable)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "throttl"):
		return newServiceError(err.Error(), goerrors.CategoryRateLimit, RedemptionErrorRateLimited)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"):
		return newServiceError(err.Error(), goerrors.CategoryBadInput, RedemptionErrorBadInput)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureServiceErrorEnvelope(mapped)
}

func newServiceError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureServiceErrorEnvelope(
		goerrors.New(message, category).
			WithTextCode(textCode),
	)
}

func ensureServiceErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = serviceHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultServiceTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultServiceTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return RedemptionErrorBadInput
	case goerrors.CategoryNotFound:
		return RedemptionErrorNotFound
	case goerrors.CategoryConflict:
		return RedemptionErrorConflict
	case goerrors.CategoryRateLimit:
		return RedemptionErrorRateLimited
	case goerrors.CategoryExternal:
		return RedemptionErrorSessionUnavailable
	default:
		return RedemptionErrorInternal
	}
}

func serviceHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
