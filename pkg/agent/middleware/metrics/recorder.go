// Package metrics records model-call metrics through a pluggable Recorder.
package metrics

import (
	"context"
	"time"
)

// Recorder receives model-call observations.
type Recorder interface {
	ObserveRequest(model, operation string, promptTokens, completionTokens int, success bool, errorType string, duration time.Duration)
	IncThrottle(model, reason string)
	ObserveQueueWait(model string, duration time.Duration)
}

type nopRecorder struct{}

// Nop returns a recorder that discards everything.
func Nop() Recorder {
	return nopRecorder{}
}

func (nopRecorder) ObserveRequest(string, string, int, int, bool, string, time.Duration) {}

func (nopRecorder) IncThrottle(string, string) {}

func (nopRecorder) ObserveQueueWait(string, time.Duration) {}

type operationKey struct{}

// WithOperation labels model calls made under ctx (for example with the
// workflow node issuing them).
func WithOperation(ctx context.Context, operation string) context.Context {
	return context.WithValue(ctx, operationKey{}, operation)
}

// OperationFrom returns the label set by WithOperation, or "unknown".
func OperationFrom(ctx context.Context) string {
	if op, ok := ctx.Value(operationKey{}).(string); ok && op != "" {
		return op
	}
	return "unknown"
}
