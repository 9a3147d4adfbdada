package gologger

import (
	"context"

	"github.com/goliatone/go-redemptions/adapters/gojob"

	job "github.com/goliatone/go-job"
	glog "github.com/goliatone/go-logger/glog"
)

const DefaultLoggerName = "redemptions"

// Resolve uses deterministic precedence provider > logger > nop.
func Resolve(name string, provider glog.LoggerProvider, logger glog.Logger) (glog.LoggerProvider, glog.Logger) {
	if name == "" {
		name = DefaultLoggerName
	}
	return glog.Resolve(name, provider, logger)
}

// ToJobProvider maps a glog provider to the go-job logger provider contract.
func ToJobProvider(provider glog.LoggerProvider) job.LoggerProvider {
	if provider == nil {
		return nil
	}
	return job.GoLoggerProvider(provider)
}

// ToJobLogger maps a glog logger to the go-job logger contract.
func ToJobLogger(logger glog.Logger) job.Logger {
	if logger == nil {
		return nil
	}
	return job.GoLogger(logger)
}

// ResolveForJob resolves glog logger/provider then returns equivalent go-job adapters.
func ResolveForJob(
	name string,
	provider glog.LoggerProvider,
	logger glog.Logger,
) (glog.LoggerProvider, glog.Logger, job.LoggerProvider, job.Logger) {
	resolvedProvider, resolvedLogger := Resolve(name, provider, logger)
	return resolvedProvider, resolvedLogger, ToJobProvider(resolvedProvider), ToJobLogger(resolvedLogger)
}

// AdvanceLogHook logs advance job lifecycle events.
type AdvanceLogHook struct {
	logger glog.Logger
}

func NewAdvanceLogHook(logger glog.Logger) *AdvanceLogHook {
	return &AdvanceLogHook{logger: glog.Ensure(logger)}
}

func (h *AdvanceLogHook) OnStart(ctx context.Context, event gojob.AdvanceEvent) {
	h.log(ctx).Debug("advance started", eventArgs(event)...)
}

func (h *AdvanceLogHook) OnSuccess(ctx context.Context, event gojob.AdvanceEvent) {
	h.log(ctx).Debug("advance finished", eventArgs(event)...)
}

func (h *AdvanceLogHook) OnFailure(ctx context.Context, event gojob.AdvanceEvent) {
	h.log(ctx).Error("advance dead-lettered", eventArgs(event)...)
}

func (h *AdvanceLogHook) OnRetry(ctx context.Context, event gojob.AdvanceEvent) {
	h.log(ctx).Warn("advance retry scheduled", eventArgs(event)...)
}

func (h *AdvanceLogHook) log(ctx context.Context) glog.Logger {
	if h == nil || h.logger == nil {
		return glog.Nop()
	}
	if ctx == nil {
		return h.logger
	}
	return h.logger.WithContext(ctx)
}

func eventArgs(event gojob.AdvanceEvent) []any {
	args := []any{
		"redemption_id", event.RedemptionID,
		"attempt", event.Attempt,
	}
	if event.Delay > 0 {
		args = append(args, "delay", event.Delay.String())
	}
	if event.Duration > 0 {
		args = append(args, "duration_ms", event.Duration.Milliseconds())
	}
	if event.Err != nil {
		args = append(args, "error", event.Err.Error())
	}
	return args
}

var _ gojob.AdvanceHook = (*AdvanceLogHook)(nil)
