package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-config/cfgx"
	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	opts "github.com/goliatone/go-options"
)

type ErrorFactory func(message string, category ...goerrors.Category) *goerrors.Error

type ErrorMapper func(err error) *goerrors.Error

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

type serviceBuilder struct {
	runtimeConfig     Config
	logger            Logger
	loggerProvider    LoggerProvider
	metricsRecorder   MetricsRecorder
	errorFactory      ErrorFactory
	errorMapper       ErrorMapper
	persistenceClient any
	repositoryFactory any
	configProvider    ConfigProvider
	optionsResolver   OptionsResolver
	redemptionStore   RedemptionStore
	codeLedger        CodeLedger
	codeAdmin         CodeAdministrator
	goodCatalog       GoodCatalog
	identityResolver  IdentityResolver
	capability        DeliveryCapability
	serializer        *SessionSerializer
	locker            RedemptionLocker
	limiter           SubmissionLimiter
	pacer             CallPacer
	advanceDispatcher AdvanceDispatcher
	clock             func() time.Time
}

type Option func(*serviceBuilder)

func WithLogger(logger Logger) Option {
	return func(b *serviceBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider LoggerProvider) Option {
	return func(b *serviceBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(b *serviceBuilder) {
		b.metricsRecorder = recorder
	}
}

func WithErrorFactory(factory ErrorFactory) Option {
	return func(b *serviceBuilder) {
		b.errorFactory = factory
	}
}

func WithErrorMapper(mapper ErrorMapper) Option {
	return func(b *serviceBuilder) {
		b.errorMapper = mapper
	}
}

func WithPersistenceClient(client any) Option {
	return func(b *serviceBuilder) {
		b.persistenceClient = client
	}
}

func WithRepositoryFactory(factory any) Option {
	return func(b *serviceBuilder) {
		b.repositoryFactory = factory
	}
}

func WithConfigProvider(provider ConfigProvider) Option {
	return func(b *serviceBuilder) {
		b.configProvider = provider
	}
}

func WithOptionsResolver(resolver OptionsResolver) Option {
	return func(b *serviceBuilder) {
		b.optionsResolver = resolver
	}
}

func WithRedemptionStore(store RedemptionStore) Option {
	return func(b *serviceBuilder) {
		b.redemptionStore = store
	}
}

func WithCodeLedger(ledger CodeLedger) Option {
	return func(b *serviceBuilder) {
		b.codeLedger = ledger
	}
}

func WithCodeAdministrator(admin CodeAdministrator) Option {
	return func(b *serviceBuilder) {
		b.codeAdmin = admin
	}
}

func WithGoodCatalog(catalog GoodCatalog) Option {
	return func(b *serviceBuilder) {
		b.goodCatalog = catalog
	}
}

func WithIdentityResolver(resolver IdentityResolver) Option {
	return func(b *serviceBuilder) {
		b.identityResolver = resolver
	}
}

func WithDeliveryCapability(capability DeliveryCapability) Option {
	return func(b *serviceBuilder) {
		b.capability = capability
	}
}

func WithSessionSerializer(serializer *SessionSerializer) Option {
	return func(b *serviceBuilder) {
		b.serializer = serializer
	}
}

func WithRedemptionLocker(locker RedemptionLocker) Option {
	return func(b *serviceBuilder) {
		b.locker = locker
	}
}

func WithSubmissionLimiter(limiter SubmissionLimiter) Option {
	return func(b *serviceBuilder) {
		b.limiter = limiter
	}
}

func WithCallPacer(pacer CallPacer) Option {
	return func(b *serviceBuilder) {
		b.pacer = pacer
	}
}

// WithAdvanceDispatcher hands new redemptions to a work queue right away
// instead of waiting for the next scheduler tick.
func WithAdvanceDispatcher(dispatcher AdvanceDispatcher) Option {
	return func(b *serviceBuilder) {
		b.advanceDispatcher = dispatcher
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *serviceBuilder) {
		b.clock = now
	}
}

func defaultServiceBuilder(runtime Config) serviceBuilder {
	loggerProvider, logger := glog.Resolve("redemptions", nil, nil)
	return serviceBuilder{
		runtimeConfig:   runtime,
		loggerProvider:  loggerProvider,
		logger:          logger,
		metricsRecorder: NopMetricsRecorder{},
		errorFactory:    goerrors.New,
		errorMapper:     defaultErrorMapper,
		configProvider:  NewCfgxConfigProvider(nil),
		optionsResolver: GoOptionsResolver{},
	}
}

func defaultErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	return serviceErrorMapper(err)
}

type staticRawConfigLoader struct {
	Values map[string]any
}

func (l staticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

func NewStaticRawConfigLoader(values map[string]any) RawConfigLoader {
	return staticRawConfigLoader{Values: values}
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = staticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	defaultLayer := configToLayerMap(defaults, true)
	loadedLayer := configToLayerMap(loaded, false)
	runtimeLayer := configToLayerMap(runtime, false)

	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			defaultLayer,
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			loadedLayer,
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			runtimeLayer,
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

// layerBuilder collects non-zero values unless includeZero is set.
type layerBuilder struct {
	includeZero bool
	values      map[string]any
}

func (l layerBuilder) put(key string, value any, zero bool) {
	if l.includeZero || !zero {
		l.values[key] = value
	}
}

func (l layerBuilder) section(parent map[string]any, key string) {
	if len(l.values) > 0 || l.includeZero {
		parent[key] = l.values
	}
}

func newLayer(includeZero bool) layerBuilder {
	return layerBuilder{includeZero: includeZero, values: map[string]any{}}
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.ServiceName) != "" {
		layer["service_name"] = cfg.ServiceName
	}

	workflow := newLayer(includeZero)
	workflow.put("contact_timeout", cfg.Workflow.ContactTimeout, cfg.Workflow.ContactTimeout == 0)
	workflow.put("contact_poll_interval", cfg.Workflow.ContactPollInterval, cfg.Workflow.ContactPollInterval == 0)
	workflow.put("code_reuse_policy", string(cfg.Workflow.CodeReusePolicy), cfg.Workflow.CodeReusePolicy == "")
	workflow.put("verify_manual_confirmation", cfg.Workflow.VerifyManualConfirmation, !cfg.Workflow.VerifyManualConfirmation)
	workflow.put("suppress_recipient_notices", cfg.Workflow.SuppressRecipientNotices, !cfg.Workflow.SuppressRecipientNotices)
	workflow.section(layer, "workflow")

	retry := newLayer(includeZero)
	stepLayer(retry, "contact_request", cfg.Retry.ContactRequest, includeZero)
	stepLayer(retry, "contact_poll", cfg.Retry.ContactPoll, includeZero)
	retry.section(layer, "retry")

	scheduler := newLayer(includeZero)
	scheduler.put("workers", cfg.Scheduler.Workers, cfg.Scheduler.Workers == 0)
	scheduler.put("tick_interval", cfg.Scheduler.TickInterval, cfg.Scheduler.TickInterval == 0)
	scheduler.put("batch_size", cfg.Scheduler.BatchSize, cfg.Scheduler.BatchSize == 0)
	scheduler.put("lease_ttl", cfg.Scheduler.LeaseTTL, cfg.Scheduler.LeaseTTL == 0)
	scheduler.put("lock_wait", cfg.Scheduler.LockWait, cfg.Scheduler.LockWait == 0)
	scheduler.section(layer, "scheduler")

	session := newLayer(includeZero)
	session.put("queue_size", cfg.Session.QueueSize, cfg.Session.QueueSize == 0)
	session.put("operation_timeout", cfg.Session.OperationTimeout, cfg.Session.OperationTimeout == 0)
	session.put("reconnect_max_attempts", cfg.Session.ReconnectMaxAttempts, cfg.Session.ReconnectMaxAttempts == 0)
	session.put("reconnect_base_delay", cfg.Session.ReconnectBaseDelay, cfg.Session.ReconnectBaseDelay == 0)
	session.put("reconnect_max_delay", cfg.Session.ReconnectMaxDelay, cfg.Session.ReconnectMaxDelay == 0)
	session.put("calls_per_second", cfg.Session.CallsPerSecond, cfg.Session.CallsPerSecond == 0)
	session.put("burst", cfg.Session.Burst, cfg.Session.Burst == 0)
	session.section(layer, "session")

	notifier := newLayer(includeZero)
	notifier.put("batch_size", cfg.Notifier.BatchSize, cfg.Notifier.BatchSize == 0)
	notifier.put("max_attempts", cfg.Notifier.MaxAttempts, cfg.Notifier.MaxAttempts == 0)
	notifier.put("initial_backoff", cfg.Notifier.InitialBackoff, cfg.Notifier.InitialBackoff == 0)
	notifier.put("max_backoff", cfg.Notifier.MaxBackoff, cfg.Notifier.MaxBackoff == 0)
	notifier.section(layer, "notifier")

	submission := newLayer(includeZero)
	submission.put("per_minute", cfg.Submission.PerMinute, cfg.Submission.PerMinute == 0)
	submission.put("burst", cfg.Submission.Burst, cfg.Submission.Burst == 0)
	submission.section(layer, "submission")

	database := newLayer(includeZero)
	database.put("driver", cfg.Database.Driver, strings.TrimSpace(cfg.Database.Driver) == "")
	database.put("dsn", cfg.Database.DSN, strings.TrimSpace(cfg.Database.DSN) == "")
	database.put("debug", cfg.Database.Debug, !cfg.Database.Debug)
	database.section(layer, "database")

	return layer
}

func stepLayer(parent layerBuilder, key string, step StepRetryConfig, includeZero bool) {
	layer := newLayer(includeZero)
	layer.put("max_attempts", step.MaxAttempts, step.MaxAttempts == 0)
	layer.put("initial_backoff", step.InitialBackoff, step.InitialBackoff == 0)
	layer.put("max_backoff", step.MaxBackoff, step.MaxBackoff == 0)
	if len(layer.values) > 0 || includeZero {
		parent.values[key] = layer.values
	}
}

// ConfigToMap exposes the layer map used by the options resolver so raw
// loaders can feed typed values back through cfgx.
func ConfigToMap(cfg Config) map[string]any {
	return configToLayerMap(cfg, false)
}
