// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	EventsReceived      *prometheus.CounterVec
	CommandsDispatched  *prometheus.CounterVec
	SessionReconnects   *prometheus.CounterVec
	SubscribeFailures   *prometheus.CounterVec
	WebhookDeliveries   *prometheus.CounterVec
	LinkGuardActions    *prometheus.CounterVec
	ChatSendsFailed     prometheus.Counter
	AnnouncementsPosted prometheus.Counter

	// Histograms (seconds)
	DispatchDuration prometheus.Observer
	ChatSendDuration prometheus.Observer

	// Gauges
	SessionsLiveGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bot_events_received_total", Help: "Normalized platform events received, by kind"}, []string{"kind"})
		CommandsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bot_commands_dispatched_total", Help: "Command dispatch attempts, by outcome"}, []string{"outcome"})
		SessionReconnects = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bot_eventsub_reconnects_total", Help: "EventSub session reconnect attempts, by session label"}, []string{"session"})
		SubscribeFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bot_eventsub_subscribe_failures_total", Help: "EventSub subscription creation failures, by topic type"}, []string{"topic"})
		WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bot_webhook_deliveries_total", Help: "Webhook deliveries, by result (ok, bad_signature, bad_body)"}, []string{"result"})
		LinkGuardActions = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bot_linkguard_actions_total", Help: "Link guard moderation actions, by action"}, []string{"action"})
		ChatSendsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_chat_sends_failed_total", Help: "Outbound chat messages that failed to send"})
		AnnouncementsPosted = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_announcements_posted_total", Help: "Timed announcements posted"})
		DispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "bot_dispatch_duration_seconds", Help: "Command dispatch duration seconds", Buckets: prometheus.DefBuckets})
		ChatSendDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "bot_chat_send_duration_seconds", Help: "Outbound chat send duration seconds", Buckets: prometheus.DefBuckets})
		SessionsLiveGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "bot_eventsub_sessions_live", Help: "EventSub sessions currently in the live state"})
	})
}

// CountEvent increments the received-events counter for a kind (nil-safe before Init).
func CountEvent(kind string) {
	if EventsReceived != nil {
		EventsReceived.WithLabelValues(kind).Inc()
	}
}

// CountDispatch increments the dispatch counter for an outcome (ok, forbidden, cooldown, ...).
func CountDispatch(outcome string) {
	if CommandsDispatched != nil {
		CommandsDispatched.WithLabelValues(outcome).Inc()
	}
}

// CountWebhook increments the webhook delivery counter for a result.
func CountWebhook(result string) {
	if WebhookDeliveries != nil {
		WebhookDeliveries.WithLabelValues(result).Inc()
	}
}

// CountLinkGuard increments the link guard action counter.
func CountLinkGuard(action string) {
	if LinkGuardActions != nil {
		LinkGuardActions.WithLabelValues(action).Inc()
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
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
