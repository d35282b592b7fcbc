// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	SessionTransitions *prometheus.CounterVec // labels: platform, status
	ReconnectAttempts  *prometheus.CounterVec // labels: platform
	ChatEvents         *prometheus.CounterVec // labels: platform
	TokenRefreshes     *prometheus.CounterVec // labels: platform, result
	PushDropped        prometheus.Counter

	// Gauges
	SessionsActive  *prometheus.GaugeVec // labels: platform
	PushSubscribers prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bridge_session_transitions_total", Help: "Platform session state transitions"}, []string{"platform", "status"})
		ReconnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bridge_reconnect_attempts_total", Help: "Scheduled reconnect attempts"}, []string{"platform"})
		ChatEvents = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bridge_chat_events_total", Help: "Chat messages received from upstream platforms"}, []string{"platform"})
		TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bridge_token_refreshes_total", Help: "OAuth refresh attempts by outcome"}, []string{"platform", "result"})
		PushDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "push_events_dropped_total", Help: "Events dropped because a subscriber buffer was full"})
		SessionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "bridge_sessions_live", Help: "Sessions currently live"}, []string{"platform"})
		PushSubscribers = promauto.NewGauge(prometheus.GaugeOpts{Name: "push_subscribers", Help: "Connected push subscribers"})
	})
}

// RecordTransition counts a session entering status.
func RecordTransition(platform, status string) {
	if SessionTransitions != nil {
		SessionTransitions.WithLabelValues(platform, status).Inc()
	}
}

// RecordReconnect counts one scheduled reconnect attempt.
func RecordReconnect(platform string) {
	if ReconnectAttempts != nil {
		ReconnectAttempts.WithLabelValues(platform).Inc()
	}
}

// RecordChatEvent counts one inbound chat message.
func RecordChatEvent(platform string) {
	if ChatEvents != nil {
		ChatEvents.WithLabelValues(platform).Inc()
	}
}

// RecordTokenRefresh counts a refresh attempt as success or failure.
func RecordTokenRefresh(platform string, ok bool) {
	if TokenRefreshes == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	TokenRefreshes.WithLabelValues(platform, result).Inc()
}

// AddLiveSessions adjusts the live-session gauge for platform by delta.
func AddLiveSessions(platform string, delta int) {
	if SessionsActive != nil {
		SessionsActive.WithLabelValues(platform).Add(float64(delta))
	}
}

// AddSubscribers adjusts the push subscriber gauge by delta.
func AddSubscribers(delta int) {
	if PushSubscribers != nil {
		PushSubscribers.Add(float64(delta))
	}
}

// RecordDropped counts one event dropped for a slow subscriber.
func RecordDropped() {
	if PushDropped != nil {
		PushDropped.Inc()
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context carrying the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
