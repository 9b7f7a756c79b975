package gologger

import (
	"context"

	"github.com/goliatone/go-billing-sync/core"

	job "github.com/goliatone/go-job"
	glog "github.com/goliatone/go-logger/glog"
)

// Resolve uses deterministic precedence provider > logger > nop.
func Resolve(name string, provider glog.LoggerProvider, logger glog.Logger) (glog.LoggerProvider, glog.Logger) {
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

// DispatchHook logs dispatch delivery lifecycle transitions through the
// resolved pipeline logger. The ingest worker installs it around its queue
// consumption loop.
type DispatchHook struct {
	logger glog.Logger
}

func NewDispatchHook(logger glog.Logger) *DispatchHook {
	_, resolved := Resolve("dispatch", nil, logger)
	return &DispatchHook{logger: resolved}
}

func (h *DispatchHook) OnStart(ctx context.Context, event core.JobWorkerEvent) {
	core.LogInfo(ctx, h.logger, "dispatch delivery started", hookFields(event))
}

func (h *DispatchHook) OnSuccess(ctx context.Context, event core.JobWorkerEvent) {
	core.LogInfo(ctx, h.logger, "dispatch delivery succeeded", hookFields(event))
}

func (h *DispatchHook) OnFailure(ctx context.Context, event core.JobWorkerEvent) {
	core.LogError(ctx, h.logger, "dispatch delivery failed", hookFields(event))
}

func (h *DispatchHook) OnRetry(ctx context.Context, event core.JobWorkerEvent) {
	core.LogInfo(ctx, h.logger, "dispatch delivery retrying", hookFields(event))
}

func hookFields(event core.JobWorkerEvent) map[string]any {
	fields := map[string]any{
		"attempt":  event.Attempt,
		"duration": event.Duration.String(),
	}
	if event.Message != nil {
		fields["job_id"] = event.Message.JobID
		fields["idempotency_key"] = event.Message.IdempotencyKey
	}
	if event.Err != nil {
		fields["error"] = event.Err.Error()
	}
	return fields
}

var _ core.JobWorkerHook = (*DispatchHook)(nil)
