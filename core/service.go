package core

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/google/uuid"
)

const defaultRecentLimit = 5

var codePattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9-]{2,63}$`)

type Service struct {
	config            Config
	logger            Logger
	loggerProvider    LoggerProvider
	metricsRecorder   MetricsRecorder
	errorFactory      ErrorFactory
	errorMapper       ErrorMapper
	persistenceClient any
	repositoryFactory any
	configProvider    ConfigProvider
	optionsResolver   OptionsResolver
	store             RedemptionStore
	ledger            CodeLedger
	codeAdmin         CodeAdministrator
	goods             GoodCatalog
	outbox            StatusOutbox
	identityResolver  IdentityResolver
	serializer        *SessionSerializer
	ownsSerializer    bool
	locker            RedemptionLocker
	limiter           SubmissionLimiter
	advanceDispatcher AdvanceDispatcher
	now               func() time.Time
}

type ServiceDependencies struct {
	Logger            Logger
	LoggerProvider    LoggerProvider
	MetricsRecorder   MetricsRecorder
	ErrorFactory      ErrorFactory
	ErrorMapper       ErrorMapper
	PersistenceClient any
	RepositoryFactory any
	ConfigProvider    ConfigProvider
	OptionsResolver   OptionsResolver
	RedemptionStore   RedemptionStore
	CodeLedger        CodeLedger
	CodeAdministrator CodeAdministrator
	GoodCatalog       GoodCatalog
	StatusOutbox      StatusOutbox
	IdentityResolver  IdentityResolver
	SessionSerializer *SessionSerializer
	RedemptionLocker  RedemptionLocker
	SubmissionLimiter SubmissionLimiter
	AdvanceDispatcher AdvanceDispatcher
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	builder := defaultServiceBuilder(cfg)
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	provider, logger := glog.Resolve("redemptions", builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)
	if provider != nil {
		if named := provider.GetLogger("redemptions"); named != nil {
			logger = glog.Ensure(named)
		}
	}

	if builder.errorFactory == nil {
		builder.errorFactory = goerrors.New
	}
	if builder.metricsRecorder == nil {
		builder.metricsRecorder = NopMetricsRecorder{}
	}
	if builder.errorMapper == nil {
		builder.errorMapper = defaultErrorMapper
	}
	if builder.configProvider == nil {
		builder.configProvider = NewCfgxConfigProvider(nil)
	}
	if builder.optionsResolver == nil {
		builder.optionsResolver = GoOptionsResolver{}
	}
	if builder.clock == nil {
		builder.clock = func() time.Time { return time.Now().UTC() }
	}

	defaults := DefaultConfig()
	loaded, err := builder.configProvider.Load(context.Background(), defaults)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	finalConfig, err := builder.optionsResolver.Resolve(defaults, loaded, builder.runtimeConfig)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}

	if builder.redemptionStore == nil && builder.codeLedger == nil && builder.repositoryFactory != nil {
		if storeFactory, ok := builder.repositoryFactory.(RepositoryStoreFactory); ok {
			stores, buildErr := storeFactory.BuildStores(builder.persistenceClient)
			if buildErr != nil {
				return nil, mapBuildError(builder.errorMapper, buildErr)
			}
			if stores != nil {
				builder.redemptionStore = stores.RedemptionStore()
				builder.codeLedger = stores.CodeLedger()
			}
		} else if stores, ok := builder.repositoryFactory.(StoreProvider); ok {
			builder.redemptionStore = stores.RedemptionStore()
			builder.codeLedger = stores.CodeLedger()
		}
		if builder.goodCatalog == nil {
			if catalog, ok := builder.repositoryFactory.(interface{ GoodCatalog() GoodCatalog }); ok {
				builder.goodCatalog = catalog.GoodCatalog()
			}
		}
	}
	if builder.redemptionStore == nil && builder.codeLedger == nil {
		memory := NewMemoryStore()
		builder.redemptionStore = memory
		builder.codeLedger = memory
	}
	if builder.redemptionStore == nil || builder.codeLedger == nil {
		return nil, mapBuildError(builder.errorMapper,
			fmt.Errorf("core: redemption store and code ledger must be configured together"))
	}
	if builder.codeAdmin == nil {
		if admin, ok := builder.codeLedger.(CodeAdministrator); ok {
			builder.codeAdmin = admin
		}
	}
	var outbox StatusOutbox
	if candidate, ok := builder.redemptionStore.(StatusOutbox); ok {
		outbox = candidate
	}
	if builder.identityResolver == nil {
		builder.identityResolver = TrimmedIdentityResolver{}
	}
	if builder.locker == nil {
		builder.locker = NewMemoryRedemptionLocker()
	}

	ownsSerializer := false
	if builder.serializer == nil {
		if builder.capability == nil {
			return nil, mapBuildError(builder.errorMapper,
				fmt.Errorf("core: delivery capability or session serializer is required"))
		}
		serializerLogger := logger
		if provider != nil {
			if named := provider.GetLogger("redemptions.serializer"); named != nil {
				serializerLogger = glog.Ensure(named)
			}
		}
		serializer, buildErr := NewSessionSerializer(builder.capability, finalConfig.Session,
			WithSerializerLogger(serializerLogger),
			WithSerializerPacer(builder.pacer),
			WithSerializerClock(builder.clock),
		)
		if buildErr != nil {
			return nil, mapBuildError(builder.errorMapper, buildErr)
		}
		builder.serializer = serializer
		ownsSerializer = true
	}

	return &Service{
		config:            finalConfig,
		logger:            logger,
		loggerProvider:    provider,
		metricsRecorder:   builder.metricsRecorder,
		errorFactory:      builder.errorFactory,
		errorMapper:       builder.errorMapper,
		persistenceClient: builder.persistenceClient,
		repositoryFactory: builder.repositoryFactory,
		configProvider:    builder.configProvider,
		optionsResolver:   builder.optionsResolver,
		store:             builder.redemptionStore,
		ledger:            builder.codeLedger,
		codeAdmin:         builder.codeAdmin,
		goods:             builder.goodCatalog,
		outbox:            outbox,
		identityResolver:  builder.identityResolver,
		serializer:        builder.serializer,
		ownsSerializer:    ownsSerializer,
		locker:            builder.locker,
		limiter:           builder.limiter,
		advanceDispatcher: builder.advanceDispatcher,
		now:               builder.clock,
	}, nil
}

func Setup(cfg Config, opts ...Option) (*Service, error) {
	return NewService(cfg, opts...)
}

func mapBuildError(mapper ErrorMapper, err error) error {
	if err == nil {
		return nil
	}
	if mapper == nil {
		return err
	}
	mapped := mapper(err)
	if mapped == nil {
		return err
	}
	return mapped
}

func (s *Service) Config() Config {
	if s == nil {
		return Config{}
	}
	return s.config
}

func (s *Service) Dependencies() ServiceDependencies {
	if s == nil {
		return ServiceDependencies{}
	}
	return ServiceDependencies{
		Logger:            s.logger,
		LoggerProvider:    s.loggerProvider,
		MetricsRecorder:   s.metricsRecorder,
		ErrorFactory:      s.errorFactory,
		ErrorMapper:       s.errorMapper,
		PersistenceClient: s.persistenceClient,
		RepositoryFactory: s.repositoryFactory,
		ConfigProvider:    s.configProvider,
		OptionsResolver:   s.optionsResolver,
		RedemptionStore:   s.store,
		CodeLedger:        s.ledger,
		CodeAdministrator: s.codeAdmin,
		GoodCatalog:       s.goods,
		StatusOutbox:      s.outbox,
		IdentityResolver:  s.identityResolver,
		SessionSerializer: s.serializer,
		RedemptionLocker:  s.locker,
		SubmissionLimiter: s.limiter,
		AdvanceDispatcher: s.advanceDispatcher,
	}
}

// Close stops the session serializer when the service created it.
func (s *Service) Close(ctx context.Context) error {
	if s == nil || !s.ownsSerializer || s.serializer == nil {
		return nil
	}
	return s.serializer.Close(ctx)
}

type SubmitRedemptionRequest struct {
	Code        string
	RawIdentity string
	// ClientKey scopes submission rate limiting; the raw identity is used when empty.
	ClientKey string
}

type SubmitRedemptionResult struct {
	RedemptionID string
	State        RedemptionState
	Status       Status
	Message      string
}

// SubmitRedemption validates the code and identity and records a new
// redemption in Created. Input errors are returned as rejections and never
// create a record.
func (s *Service) SubmitRedemption(ctx context.Context, req SubmitRedemptionRequest) (result SubmitRedemptionResult, err error) {
	startedAt := time.Now().UTC()
	code := NormalizeCode(req.Code)
	fields := map[string]any{
		"code": code,
	}
	defer func() {
		s.observeOperation(ctx, startedAt, "submit_redemption", err, fields)
	}()

	if s.limiter != nil {
		key := strings.TrimSpace(req.ClientKey)
		if key == "" {
			key = strings.TrimSpace(req.RawIdentity)
		}
		if !s.limiter.Allow(key) {
			err = s.mapError(Reject(RejectionRateLimited, "too many submissions, try again later"))
			return SubmitRedemptionResult{}, err
		}
	}
	if !ValidCodeFormat(code) {
		err = s.mapError(Reject(RejectionMalformedCode, "code format is invalid"))
		return SubmitRedemptionResult{}, err
	}

	record, err := s.checkCode(ctx, code)
	if err != nil {
		err = s.mapError(err)
		return SubmitRedemptionResult{}, err
	}
	fields["good_ref"] = record.GoodRef

	identity, err := s.resolveIdentity(ctx, req.RawIdentity)
	if err != nil {
		err = s.mapError(err)
		return SubmitRedemptionResult{}, err
	}

	now := s.now()
	deadline := now.Add(s.config.Workflow.ContactTimeout)
	redemption := Redemption{
		ID:                uuid.NewString(),
		Code:              code,
		GoodRef:           record.GoodRef,
		RecipientIdentity: identity,
		RawIdentity:       strings.TrimSpace(req.RawIdentity),
		State:             StateCreated,
		NextRetryAt:       timePtr(now),
		Deadline:          timePtr(deadline),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	redemption.appendHistory(HistoryTransition, noteSubmitted, 0, now)

	created, err := s.store.Create(ctx, redemption)
	if err != nil {
		err = s.mapError(err)
		return SubmitRedemptionResult{}, err
	}
	fields["redemption_id"] = created.ID
	fields["state"] = string(created.State)

	if s.advanceDispatcher != nil {
		if dispatchErr := s.advanceDispatcher.DispatchAdvance(ctx, created.ID); dispatchErr != nil {
			s.logWarn(ctx, "advance dispatch failed; scheduler will pick redemption up", map[string]any{
				"redemption_id": created.ID,
				"error":         dispatchErr.Error(),
			})
		}
	}

	return SubmitRedemptionResult{
		RedemptionID: created.ID,
		State:        created.State,
		Status:       created.State.Status(),
		Message:      StatusMessage(created.State),
	}, nil
}

// checkCode returns the ledger record when the code may start a redemption.
func (s *Service) checkCode(ctx context.Context, code string) (RedemptionCode, error) {
	record, err := s.ledger.GetCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrCodeNotFound) {
			return RedemptionCode{}, Reject(RejectionUnknownCode, "code is not recognised")
		}
		return RedemptionCode{}, err
	}
	if record.Consumed {
		return RedemptionCode{}, Reject(RejectionCodeConsumed, "code has already been redeemed")
	}
	if s.goods != nil {
		good, goodErr := s.goods.GetGood(ctx, record.GoodRef)
		if goodErr != nil {
			if errors.Is(goodErr, ErrGoodNotFound) {
				return RedemptionCode{}, Reject(RejectionGoodUnavailable, "the item for this code is not available")
			}
			return RedemptionCode{}, goodErr
		}
		if !good.Active {
			return RedemptionCode{}, Reject(RejectionGoodUnavailable, "the item for this code is not available")
		}
	}
	return record, nil
}

func (s *Service) resolveIdentity(ctx context.Context, raw string) (string, error) {
	identity, err := s.identityResolver.Resolve(ctx, raw)
	if err != nil {
		var rejection *RejectionError
		if errors.As(err, &rejection) {
			return "", rejection
		}
		var richErr *goerrors.Error
		if goerrors.As(err, &richErr) && richErr.Category != goerrors.CategoryBadInput &&
			richErr.Category != goerrors.CategoryValidation && richErr.Category != goerrors.CategoryNotFound {
			return "", err
		}
		return "", &RejectionError{Reason: RejectionInvalidIdentity, Message: "recipient identity could not be resolved", Cause: err}
	}
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return "", Reject(RejectionInvalidIdentity, "recipient identity could not be resolved")
	}
	return identity, nil
}

type CodeValidation struct {
	Code    string
	Valid   bool
	GoodRef string
	Reason  RejectionReason
	Message string
}

// ValidateCode reports whether code could start a redemption right now.
func (s *Service) ValidateCode(ctx context.Context, code string) (validation CodeValidation, err error) {
	startedAt := time.Now().UTC()
	code = NormalizeCode(code)
	fields := map[string]any{"code": code}
	defer func() {
		s.observeOperation(ctx, startedAt, "validate_code", err, fields)
	}()

	validation = CodeValidation{Code: code}
	if !ValidCodeFormat(code) {
		validation.Reason = RejectionMalformedCode
		validation.Message = "code format is invalid"
		return validation, nil
	}
	record, checkErr := s.checkCode(ctx, code)
	if checkErr != nil {
		var rejection *RejectionError
		if errors.As(checkErr, &rejection) {
			validation.Reason = rejection.Reason
			validation.Message = rejection.Message
			return validation, nil
		}
		err = s.mapError(checkErr)
		return CodeValidation{}, err
	}
	validation.Valid = true
	validation.GoodRef = record.GoodRef
	return validation, nil
}

// IssueCodes imports operator-generated code strings for a good.
func (s *Service) IssueCodes(ctx context.Context, in IssueCodesInput) (result IssueCodesResult, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"good_ref": strings.TrimSpace(in.GoodRef),
		"count":    len(in.Codes),
	}
	defer func() {
		s.observeOperation(ctx, startedAt, "issue_codes", err, fields)
	}()

	if s.codeAdmin == nil {
		err = s.mapError(fmt.Errorf("core: code administrator is not configured"))
		return IssueCodesResult{}, err
	}
	in.GoodRef = strings.TrimSpace(in.GoodRef)
	if in.GoodRef == "" {
		err = s.mapError(fmt.Errorf("core: good ref is required"))
		return IssueCodesResult{}, err
	}
	if len(in.Codes) == 0 {
		err = s.mapError(fmt.Errorf("core: at least one code is required"))
		return IssueCodesResult{}, err
	}
	seen := make(map[string]struct{}, len(in.Codes))
	normalized := make([]string, 0, len(in.Codes))
	for _, raw := range in.Codes {
		code := NormalizeCode(raw)
		if !ValidCodeFormat(code) {
			err = s.mapError(fmt.Errorf("core: invalid code format %q", raw))
			return IssueCodesResult{}, err
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		normalized = append(normalized, code)
	}
	in.Codes = normalized

	result, err = s.codeAdmin.IssueCodes(ctx, in)
	if err != nil {
		err = s.mapError(err)
		return IssueCodesResult{}, err
	}
	fields["issued"] = len(result.Issued)
	fields["duplicates"] = len(result.Duplicates)
	return result, nil
}

func (s *Service) CodeStats(ctx context.Context, goodRef string) (stats CodeStats, err error) {
	if s.codeAdmin == nil {
		return CodeStats{}, s.mapError(fmt.Errorf("core: code administrator is not configured"))
	}
	stats, err = s.codeAdmin.CodeStats(ctx, goodRef)
	if err != nil {
		return CodeStats{}, s.mapError(err)
	}
	return stats, nil
}

type StatusHistoryEntry struct {
	State RedemptionState
	At    time.Time
	Note  string
}

// RedemptionStatus is the caller-facing view of a redemption. Attempt counts
// and retry timing stay internal.
type RedemptionStatus struct {
	RedemptionID string
	Code         string
	GoodRef      string
	State        RedemptionState
	Status       Status
	Message      string
	NextStep     string
	LastError    string
	ReceiptID    string
	History      []StatusHistoryEntry
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

func (s *Service) GetStatus(ctx context.Context, redemptionID string) (status RedemptionStatus, err error) {
	redemptionID = strings.TrimSpace(redemptionID)
	if redemptionID == "" {
		return RedemptionStatus{}, s.mapError(fmt.Errorf("core: redemption id is required"))
	}
	r, err := s.store.Get(ctx, redemptionID)
	if err != nil {
		return RedemptionStatus{}, s.mapError(err)
	}
	return statusFromRedemption(r), nil
}

func statusFromRedemption(r Redemption) RedemptionStatus {
	history := make([]StatusHistoryEntry, 0, len(r.History))
	for _, entry := range r.History {
		history = append(history, StatusHistoryEntry{State: entry.State, At: entry.At, Note: entry.Note})
	}
	return RedemptionStatus{
		RedemptionID: r.ID,
		Code:         r.Code,
		GoodRef:      r.GoodRef,
		State:        r.State,
		Status:       r.State.Status(),
		Message:      StatusMessage(r.State),
		NextStep:     NextStepHint(r.State),
		LastError:    r.LastError,
		ReceiptID:    r.ReceiptID,
		History:      history,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		CompletedAt:  cloneTime(r.CompletedAt),
	}
}

func (s *Service) ListRedemptions(ctx context.Context, filter RedemptionFilter) (statuses []RedemptionStatus, err error) {
	if filter.Code != "" {
		filter.Code = NormalizeCode(filter.Code)
	}
	if filter.State != "" && !filter.State.Valid() {
		return nil, s.mapError(fmt.Errorf("core: invalid redemption state %q", filter.State))
	}
	records, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, s.mapError(err)
	}
	statuses = make([]RedemptionStatus, 0, len(records))
	for _, r := range records {
		statuses = append(statuses, statusFromRedemption(r))
	}
	return statuses, nil
}

// RecentByRecipient lists the newest redemptions for a raw identity.
func (s *Service) RecentByRecipient(ctx context.Context, rawIdentity string, limit int) ([]RedemptionStatus, error) {
	identity, err := s.resolveIdentity(ctx, rawIdentity)
	if err != nil {
		return nil, s.mapError(err)
	}
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	return s.ListRedemptions(ctx, RedemptionFilter{
		RecipientIdentity: identity,
		Limit:             limit,
		NewestFirst:       true,
	})
}

type RedemptionStats struct {
	Total    int
	ByState  map[RedemptionState]int
	ByStatus map[Status]int
}

func (s *Service) Stats(ctx context.Context) (RedemptionStats, error) {
	counts, err := s.store.CountByState(ctx)
	if err != nil {
		return RedemptionStats{}, s.mapError(err)
	}
	stats := RedemptionStats{
		ByState:  make(map[RedemptionState]int, len(AllRedemptionStates)),
		ByStatus: make(map[Status]int),
	}
	for _, state := range AllRedemptionStates {
		count := counts[state]
		stats.ByState[state] = count
		stats.ByStatus[state.Status()] += count
		stats.Total += count
	}
	return stats, nil
}

func (s *Service) SessionStatus() SessionStatus {
	if s == nil || s.serializer == nil {
		return SessionStatus{}
	}
	return s.serializer.Status()
}

// ReconnectSession forces a session check through the serializer queue.
func (s *Service) ReconnectSession(ctx context.Context) (err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{}
	defer func() {
		s.observeOperation(ctx, startedAt, "reconnect_session", err, fields)
	}()
	if err = s.serializer.Reconnect(ctx); err != nil {
		err = s.mapError(err)
		return err
	}
	return nil
}

// StatusOutbox exposes the transactional outbox when the store provides one.
func (s *Service) StatusOutbox() StatusOutbox {
	if s == nil {
		return nil
	}
	return s.outbox
}

func (s *Service) SessionSerializer() *SessionSerializer {
	if s == nil {
		return nil
	}
	return s.serializer
}

func (s *Service) mapError(err error) error {
	if err == nil {
		return nil
	}
	if s == nil || s.errorMapper == nil {
		return err
	}
	mapped := s.errorMapper(err)
	if mapped == nil {
		return err
	}
	return mapped
}

func (s *Service) namedLogger(name string) Logger {
	if s == nil {
		return glog.Nop()
	}
	if s.loggerProvider != nil {
		if named := s.loggerProvider.GetLogger(name); named != nil {
			return glog.Ensure(named)
		}
	}
	return glog.Ensure(s.logger)
}

func NormalizeCode(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

func ValidCodeFormat(code string) bool {
	return codePattern.MatchString(code)
}

// TrimmedIdentityResolver accepts any non-empty identity as-is.
type TrimmedIdentityResolver struct{}

func (TrimmedIdentityResolver) Resolve(_ context.Context, raw string) (string, error) {
	identity := strings.TrimSpace(raw)
	if identity == "" {
		return "", Reject(RejectionInvalidIdentity, "recipient identity is required")
	}
	return identity, nil
}
