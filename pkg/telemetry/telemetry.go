// Package telemetry defines the product analytics sink. Handlers emit
// named points with string, numeric, and indexed dimensions; sinks fan
// them out to whatever analytics backend is configured. Emission is
// always fire-and-forget: a failing sink never fails a request.
package telemetry

import (
	"context"

	"github.com/capsulehub/capsuled/internal/logger"
)

// Point is a single analytics datapoint.
type Point struct {
	// Name identifies the event, e.g. "bundle_import" or "proxy_fetch".
	Name string

	// Blobs are string dimensions in a stable, per-event order.
	Blobs []string

	// Doubles are numeric dimensions in a stable, per-event order.
	Doubles []float64

	// Indexes are the sampled dimension keys (at most one is used).
	Indexes []string
}

// Sink receives analytics points.
type Sink interface {
	Track(ctx context.Context, p Point)
}

// LogSink writes points to the structured log at debug level.
type LogSink struct{}

// NewLogSink creates a sink that logs points.
func NewLogSink() *LogSink {
	return &LogSink{}
}

// Track logs the point.
func (s *LogSink) Track(ctx context.Context, p Point) {
	logger.DebugCtx(ctx, "analytics point",
		"event", p.Name,
		"blobs", p.Blobs,
		"doubles", p.Doubles,
	)
}

// NopSink discards all points.
type NopSink struct{}

// Track does nothing.
func (NopSink) Track(context.Context, Point) {}
