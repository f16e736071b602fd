// Package observe provides application-wide observability primitives for
// rtpbridge: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all rtpbridge metrics.
const meterName = "github.com/MrWong99/rtpbridge"

// Drop reasons used with [Metrics.RecordDrop].
const (
	DropShort     = "short"     // datagram not longer than the RTP header
	DropBacklog   = "backlog"   // call loop could not keep up with the socket
	DropUnlearned = "unlearned" // outbound audio before endpoint and payload type are known
	DropSpeech    = "speech"    // speech session refused inbound audio
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- RTP leg ---

	// PacketsReceived counts datagrams accepted from the telephony leg.
	PacketsReceived metric.Int64Counter

	// PacketsSent counts paced RTP packets written to the telephony leg.
	PacketsSent metric.Int64Counter

	// BytesReceived counts inbound payload bytes forwarded to the model.
	BytesReceived metric.Int64Counter

	// Dropped counts discarded inbound datagrams and outbound chunks. Use
	// with attribute.String("reason", ...), one of the Drop* constants.
	Dropped metric.Int64Counter

	// --- Turn taking ---

	// TurnsRequested counts responses requested from the model. Use with
	// attribute.String("trigger", "silence"|"greeting").
	TurnsRequested metric.Int64Counter

	// CommitsSkipped counts turns where the caller audio was below the
	// minimum commit size.
	CommitsSkipped metric.Int64Counter

	// ResponseTimeouts counts response deadlines that expired without a
	// completion event.
	ResponseTimeouts metric.Int64Counter

	// ResponseLatency tracks the time from a response request to the first
	// audio delta.
	ResponseLatency metric.Float64Histogram

	// --- Speech transport ---

	// SpeechErrors counts error events and failed writes. Use with
	// attribute.String("kind", ...).
	SpeechErrors metric.Int64Counter

	// --- Calls ---

	// ActiveCalls tracks the number of live calls (zero or one).
	ActiveCalls metric.Int64UpDownCounter

	// CallDuration tracks the wall time of finished calls.
	CallDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for realtime speech latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 0.75, 1, 1.5, 2, 3, 5,
}

// callBuckets covers calls from a few seconds to an hour.
var callBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.PacketsReceived, err = m.Int64Counter("rtpbridge.rtp.packets_received",
		metric.WithDescription("Total RTP datagrams accepted from the telephony leg."),
	); err != nil {
		return nil, err
	}
	if met.PacketsSent, err = m.Int64Counter("rtpbridge.rtp.packets_sent",
		metric.WithDescription("Total paced RTP packets sent to the telephony leg."),
	); err != nil {
		return nil, err
	}
	if met.BytesReceived, err = m.Int64Counter("rtpbridge.rtp.bytes_received",
		metric.WithDescription("Total inbound payload bytes forwarded to the speech model."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.Dropped, err = m.Int64Counter("rtpbridge.dropped",
		metric.WithDescription("Total discarded datagrams and audio chunks by reason."),
	); err != nil {
		return nil, err
	}
	if met.TurnsRequested, err = m.Int64Counter("rtpbridge.turn.requested",
		metric.WithDescription("Total responses requested from the speech model by trigger."),
	); err != nil {
		return nil, err
	}
	if met.CommitsSkipped, err = m.Int64Counter("rtpbridge.turn.commits_skipped",
		metric.WithDescription("Total turns whose caller audio was too short to commit."),
	); err != nil {
		return nil, err
	}
	if met.ResponseTimeouts, err = m.Int64Counter("rtpbridge.turn.response_timeouts",
		metric.WithDescription("Total response deadlines that expired without completion."),
	); err != nil {
		return nil, err
	}
	if met.SpeechErrors, err = m.Int64Counter("rtpbridge.speech.errors",
		metric.WithDescription("Total speech transport errors by kind."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.ResponseLatency, err = m.Float64Histogram("rtpbridge.turn.response_latency",
		metric.WithDescription("Time from response request to first synthesised audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("rtpbridge.call.duration",
		metric.WithDescription("Wall time of finished calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("rtpbridge.active_calls",
		metric.WithDescription("Number of live calls."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("rtpbridge.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordDrop records one discarded datagram or chunk with the given reason.
func (m *Metrics) RecordDrop(ctx context.Context, reason string) {
	m.Dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordReceived records one accepted inbound datagram carrying n payload bytes.
func (m *Metrics) RecordReceived(ctx context.Context, n int) {
	m.PacketsReceived.Add(ctx, 1)
	m.BytesReceived.Add(ctx, int64(n))
}

// RecordTurn records a response request with the given trigger.
func (m *Metrics) RecordTurn(ctx context.Context, trigger string) {
	m.TurnsRequested.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
}

// RecordSpeechError records a speech transport error of the given kind.
func (m *Metrics) RecordSpeechError(ctx context.Context, kind string) {
	m.SpeechErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordResponseLatency records the delay between a response request and its
// first audio.
func (m *Metrics) RecordResponseLatency(ctx context.Context, d time.Duration) {
	m.ResponseLatency.Record(ctx, d.Seconds())
}

// RecordCallEnd decrements ActiveCalls and records the call's duration.
func (m *Metrics) RecordCallEnd(ctx context.Context, d time.Duration, reason string) {
	m.ActiveCalls.Add(ctx, -1)
	m.CallDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("reason", reason)))
}
