package redemptions

import (
	"github.com/goliatone/go-redemptions/core"
	"github.com/goliatone/go-redemptions/identity"
	"github.com/goliatone/go-redemptions/ratelimit"
)

type Config = core.Config

type Option = core.Option

type Service = core.Service

type ServiceDependencies = core.ServiceDependencies
type DeliveryCapability = core.DeliveryCapability
type RedemptionStore = core.RedemptionStore
type CodeLedger = core.CodeLedger
type CodeAdministrator = core.CodeAdministrator
type GoodCatalog = core.GoodCatalog
type RedemptionLocker = core.RedemptionLocker
type IdentityResolver = core.IdentityResolver
type AdvanceDispatcher = core.AdvanceDispatcher
type DispatchLedger = core.DispatchLedger
type StatusSubscriber = core.StatusSubscriber

type Redemption = core.Redemption
type RedemptionState = core.RedemptionState
type RedemptionStatus = core.RedemptionStatus
type RedemptionFilter = core.RedemptionFilter
type Good = core.Good

type SubmitRedemptionRequest = core.SubmitRedemptionRequest
type SubmitRedemptionResult = core.SubmitRedemptionResult
type AdvanceResult = core.AdvanceResult
type IssueCodesInput = core.IssueCodesInput
type IssueCodesResult = core.IssueCodesResult
type CodeValidation = core.CodeValidation
type PutGoodInput = core.PutGoodInput
type GoodSummary = core.GoodSummary
type SystemStatus = core.SystemStatus

var (
	WithLogger             = core.WithLogger
	WithLoggerProvider     = core.WithLoggerProvider
	WithMetricsRecorder    = core.WithMetricsRecorder
	WithErrorFactory       = core.WithErrorFactory
	WithErrorMapper        = core.WithErrorMapper
	WithPersistenceClient  = core.WithPersistenceClient
	WithRepositoryFactory  = core.WithRepositoryFactory
	WithConfigProvider     = core.WithConfigProvider
	WithOptionsResolver    = core.WithOptionsResolver
	WithRedemptionStore    = core.WithRedemptionStore
	WithCodeLedger         = core.WithCodeLedger
	WithCodeAdministrator  = core.WithCodeAdministrator
	WithGoodCatalog        = core.WithGoodCatalog
	WithIdentityResolver   = core.WithIdentityResolver
	WithDeliveryCapability = core.WithDeliveryCapability
	WithSessionSerializer  = core.WithSessionSerializer
	WithRedemptionLocker   = core.WithRedemptionLocker
	WithSubmissionLimiter  = core.WithSubmissionLimiter
	WithCallPacer          = core.WithCallPacer
	WithAdvanceDispatcher  = core.WithAdvanceDispatcher
	WithClock              = core.WithClock
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

// NewService builds a service with the platform identity resolver and the
// submission and session limits from cfg. Options passed by the caller are
// applied afterwards and win.
func NewService(cfg Config, opts ...Option) (*Service, error) {
	return core.NewService(cfg, append(defaultOptions(cfg), opts...)...)
}

func Setup(cfg Config, opts ...Option) (*Service, error) {
	return NewService(cfg, opts...)
}

func defaultOptions(cfg Config) []Option {
	opts := []Option{core.WithIdentityResolver(identity.DefaultResolver())}
	if limiter := ratelimit.NewSubmissionLimiter(cfg.Submission); limiter != nil {
		opts = append(opts, core.WithSubmissionLimiter(limiter))
	}
	if pacer := ratelimit.NewSessionPacer(cfg.Session); pacer != nil {
		opts = append(opts, core.WithCallPacer(pacer))
	}
	return opts
}
