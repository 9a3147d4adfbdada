package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

// CodeLedger is the authority over code consumption. Reserve is idempotent
// for the holding redemption; Commit requires the reservation and flips
// consumed exactly once.
type CodeLedger interface {
	GetCode(ctx context.Context, code string) (RedemptionCode, error)
	Reserve(ctx context.Context, code string, redemptionID string) error
	Release(ctx context.Context, code string, redemptionID string) error
	Commit(ctx context.Context, code string, redemptionID string) error
}

type IssueCodesInput struct {
	GoodRef  string
	Codes    []string
	BatchID  string
	IssuedBy string
}

type IssueCodesResult struct {
	BatchID    string
	Issued     []string
	Duplicates []string
}

type CodeStats struct {
	GoodRef   string
	Total     int
	Consumed  int
	Reserved  int
	Available int
	UsageRate float64
}

type CodeAdministrator interface {
	IssueCodes(ctx context.Context, in IssueCodesInput) (IssueCodesResult, error)
	CodeStats(ctx context.Context, goodRef string) (CodeStats, error)
}

type GoodCatalog interface {
	GetGood(ctx context.Context, ref string) (Good, error)
}

// GoodAdministrator is a catalog operators can write to. PutGood inserts or
// replaces by ref.
type GoodAdministrator interface {
	GoodCatalog
	PutGood(ctx context.Context, good Good) (Good, error)
	ListGoods(ctx context.Context) ([]Good, error)
	DeleteGood(ctx context.Context, ref string) error
}

type RedemptionFilter struct {
	State             RedemptionState
	Code              string
	RecipientIdentity string
	// CreatedAfter keeps redemptions created strictly after it when set.
	CreatedAfter time.Time
	Limit        int
	NewestFirst  bool
}

// RedemptionStore persists redemptions. Save and Complete apply optimistic
// concurrency on Version, append history entries newer than the stored ones,
// and enqueue one StatusEvent per appended transition in the same unit of
// work. Complete additionally commits the code for the redemption and fails
// with ErrCodeConflict when the ledger refuses.
type RedemptionStore interface {
	Create(ctx context.Context, r Redemption) (Redemption, error)
	Get(ctx context.Context, id string) (Redemption, error)
	Save(ctx context.Context, r Redemption) (Redemption, error)
	Complete(ctx context.Context, r Redemption) (Redemption, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]Redemption, error)
	List(ctx context.Context, filter RedemptionFilter) ([]Redemption, error)
	CountByState(ctx context.Context) (map[RedemptionState]int, error)
}

type IdentityResolver interface {
	Resolve(ctx context.Context, raw string) (string, error)
}

type LockHandle interface {
	Unlock(ctx context.Context) error
}

type RedemptionLocker interface {
	Acquire(ctx context.Context, redemptionID string, ttl time.Duration) (LockHandle, error)
}

type StatusEvent struct {
	ID                string
	RedemptionID      string
	State             RedemptionState
	Note              string
	RecipientIdentity string
	Seq               int
	Attempts          int
	OccurredAt        time.Time
	// DispatchAttempts counts earlier failed deliveries of this event.
	DispatchAttempts int
}

type StatusOutbox interface {
	Enqueue(ctx context.Context, event StatusEvent) error
	ClaimBatch(ctx context.Context, limit int) ([]StatusEvent, error)
	Ack(ctx context.Context, eventID string) error
	Retry(ctx context.Context, eventID string, cause error, nextAttemptAt time.Time) error
}

type StatusSubscriber interface {
	HandleStatus(ctx context.Context, event StatusEvent) error
}

type StatusSubscriberFunc func(ctx context.Context, event StatusEvent) error

func (f StatusSubscriberFunc) HandleStatus(ctx context.Context, event StatusEvent) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

type DispatchRecord struct {
	EventID        string
	Subscriber     string
	RedemptionID   string
	State          RedemptionState
	RecipientKey   string
	IdempotencyKey string
	Status         string
	Error          string
}

type DispatchLedger interface {
	Seen(ctx context.Context, idempotencyKey string) (bool, error)
	Record(ctx context.Context, record DispatchRecord) error
}

type SubmissionLimiter interface {
	Allow(key string) bool
}

// CallPacer spaces calls to the delivery session. *rate.Limiter satisfies it.
type CallPacer interface {
	Wait(ctx context.Context) error
}

// AdvanceDispatcher hands due redemption ids to an external work queue.
type AdvanceDispatcher interface {
	DispatchAdvance(ctx context.Context, redemptionID string) error
}

type StoreProvider interface {
	RedemptionStore() RedemptionStore
	CodeLedger() CodeLedger
}

type RepositoryStoreFactory interface {
	BuildStores(persistenceClient any) (StoreProvider, error)
}

// RedemptionService is the surface exposed to command, query and transport
// layers.
type RedemptionService interface {
	SubmitRedemption(ctx context.Context, req SubmitRedemptionRequest) (SubmitRedemptionResult, error)
	GetStatus(ctx context.Context, redemptionID string) (RedemptionStatus, error)
	ConfirmContactAndProceed(ctx context.Context, redemptionID string) (AdvanceResult, error)
	RetryFailed(ctx context.Context, redemptionID string) (AdvanceResult, error)
	CancelRedemption(ctx context.Context, redemptionID string, reason string) (AdvanceResult, error)
	Advance(ctx context.Context, redemptionID string) (AdvanceResult, error)
	ValidateCode(ctx context.Context, code string) (CodeValidation, error)
	IssueCodes(ctx context.Context, in IssueCodesInput) (IssueCodesResult, error)
	CodeStats(ctx context.Context, goodRef string) (CodeStats, error)
	Stats(ctx context.Context) (RedemptionStats, error)
	ListRedemptions(ctx context.Context, filter RedemptionFilter) ([]RedemptionStatus, error)
	RecentByRecipient(ctx context.Context, rawIdentity string, limit int) ([]RedemptionStatus, error)
	SessionStatus() SessionStatus
	ReconnectSession(ctx context.Context) error
	PutGood(ctx context.Context, in PutGoodInput) (Good, error)
	DeactivateGood(ctx context.Context, ref string) (Good, error)
	DeleteGood(ctx context.Context, ref string) error
	ListGoods(ctx context.Context) ([]GoodSummary, error)
	SystemStatus(ctx context.Context) (SystemStatus, error)
}
