package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// StreamMetrics instruments the balance stream client. All methods are
// nil-receiver safe so components can run without telemetry wired.
type StreamMetrics struct {
	reconnects        metric.Int64Counter
	messages          metric.Int64Counter
	messageSize       metric.Int64Histogram
	handshakeDuration metric.Float64Histogram
	escalations       metric.Int64Counter
	storeUpdates      metric.Int64Counter
	watchedAccounts   metric.Int64Gauge
}

// NewStreamMetrics registers the stream client instruments on the global
// meter provider.
func NewStreamMetrics() *StreamMetrics {
	meter := otel.Meter("balancesync.stream")
	m := new(StreamMetrics)
	m.reconnects, _ = meter.Int64Counter("stream.reconnects",
		metric.WithDescription("Connection attempts grouped by result"),
		metric.WithUnit("{attempt}"))
	m.messages, _ = meter.Int64Counter("stream.messages",
		metric.WithDescription("Inbound stream messages grouped by type"),
		metric.WithUnit("{message}"))
	m.messageSize, _ = meter.Int64Histogram("stream.message.size",
		metric.WithDescription("Inbound stream message size"),
		metric.WithUnit("By"))
	m.handshakeDuration, _ = meter.Float64Histogram("stream.handshake.duration",
		metric.WithDescription("Subscribe handshake duration"),
		metric.WithUnit("ms"))
	m.escalations, _ = meter.Int64Counter("stream.staleness.escalations",
		metric.WithDescription("Staleness recoveries grouped by escalation step"),
		metric.WithUnit("{escalation}"))
	m.storeUpdates, _ = meter.Int64Counter("stream.store.updates",
		metric.WithDescription("Balance store updates applied"),
		metric.WithUnit("{update}"))
	m.watchedAccounts, _ = meter.Int64Gauge("stream.watched.accounts",
		metric.WithDescription("Accounts currently watched by the client"),
		metric.WithUnit("{account}"))
	return m
}

// RecordReconnect counts a connection attempt outcome ("success", "error",
// "credential_error", "exhausted").
func (m *StreamMetrics) RecordReconnect(ctx context.Context, result string) {
	if m == nil || m.reconnects == nil {
		return
	}
	m.reconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordMessage counts an inbound message and its payload size.
func (m *StreamMetrics) RecordMessage(ctx context.Context, messageType string, size int) {
	if m == nil {
		return
	}
	if m.messages != nil {
		m.messages.Add(ctx, 1, metric.WithAttributes(attribute.String("type", messageType)))
	}
	if m.messageSize != nil && size > 0 {
		m.messageSize.Record(ctx, int64(size))
	}
}

// RecordHandshake records the duration of a subscribe handshake and its result
// ("ok", "error", "timeout").
func (m *StreamMetrics) RecordHandshake(ctx context.Context, elapsed time.Duration, result string) {
	if m == nil || m.handshakeDuration == nil {
		return
	}
	m.handshakeDuration.Record(ctx, float64(elapsed.Milliseconds()),
		metric.WithAttributes(attribute.String("result", result)))
}

// RecordEscalation counts a staleness recovery by step ("resubscribe",
// "reconnect").
func (m *StreamMetrics) RecordEscalation(ctx context.Context, step string) {
	if m == nil || m.escalations == nil {
		return
	}
	m.escalations.Add(ctx, 1, metric.WithAttributes(attribute.String("step", step)))
}

// RecordStoreUpdate counts one applied balance update.
func (m *StreamMetrics) RecordStoreUpdate(ctx context.Context, degraded bool) {
	if m == nil || m.storeUpdates == nil {
		return
	}
	m.storeUpdates.Add(ctx, 1, metric.WithAttributes(attribute.Bool("degraded", degraded)))
}

// SetWatchedAccounts records the current watched-account count.
func (m *StreamMetrics) SetWatchedAccounts(ctx context.Context, n int) {
	if m == nil || m.watchedAccounts == nil {
		return
	}
	m.watchedAccounts.Record(ctx, int64(n))
}
