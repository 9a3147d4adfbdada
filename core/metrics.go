package core

import "context"

const (
	MetricStepTotal       = "redemptions.step.total"
	MetricTransitionTotal = "redemptions.transition.total"
)

// OperationCounterName is the counter recorded for every service operation.
func OperationCounterName(operation string) string {
	return "redemptions." + operation + ".total"
}

// OperationDurationName is the duration histogram for a service operation.
func OperationDurationName(operation string) string {
	return "redemptions." + operation + ".duration_ms"
}

type NopMetricsRecorder struct{}

func (NopMetricsRecorder) IncCounter(context.Context, string, int64, map[string]string) {}

func (NopMetricsRecorder) ObserveHistogram(context.Context, string, float64, map[string]string) {}

func cloneTags(tags map[string]string) map[string]string {
	copied := make(map[string]string, len(tags))
	for key, value := range tags {
		copied[key] = value
	}
	return copied
}

var _ MetricsRecorder = NopMetricsRecorder{}
