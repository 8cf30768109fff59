// Package telemetry provides observability with Prometheus metrics and structured logging.
package telemetry

import (
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gateway
type Metrics struct {
	// HTTP request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Gateway JSON-RPC metrics
	GatewayRequests *prometheus.CounterVec
	GatewaySessions prometheus.Gauge

	// Tool metrics
	ToolCalls       *prometheus.CounterVec
	ToolSearches    *prometheus.CounterVec
	UpstreamLatency *prometheus.HistogramVec
	UpstreamErrors  *prometheus.CounterVec

	// Catalog sync metrics
	CatalogSyncs        *prometheus.CounterVec
	CatalogSyncDuration *prometheus.HistogramVec
	CatalogToolsChanged *prometheus.CounterVec

	// OAuth2 metrics
	OAuth2Refreshes *prometheus.CounterVec

	// Billing metrics
	WebhookEvents *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpgate_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"route", "method", "status"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mcpgate_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"route", "method"},
		),

		RequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mcpgate_requests_in_flight",
				Help: "Number of requests currently being processed",
			},
		),

		GatewayRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpgate_gateway_requests_total",
				Help: "Total JSON-RPC requests at the gateway by method and outcome",
			},
			[]string{"rpc_method", "outcome"},
		),

		GatewaySessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mcpgate_gateway_open_sessions",
				Help: "Number of live gateway sessions",
			},
		),

		ToolCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpgate_tool_calls_total",
				Help: "Total proxied tool calls",
			},
			[]string{"mcp_server", "status"},
		),

		ToolSearches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpgate_tool_searches_total",
				Help: "Total SEARCH_TOOLS invocations",
			},
			[]string{"ranked"}, // "intent" or "name"
		),

		UpstreamLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mcpgate_upstream_latency_seconds",
				Help:    "Upstream MCP call latency in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"mcp_server", "rpc_method"},
		),

		UpstreamErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpgate_upstream_errors_total",
				Help: "Total upstream MCP errors",
			},
			[]string{"mcp_server", "error_type"},
		),

		CatalogSyncs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpgate_catalog_syncs_total",
				Help: "Total tool catalog sync runs",
			},
			[]string{"mcp_server", "status"},
		),

		CatalogSyncDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mcpgate_catalog_sync_duration_seconds",
				Help:    "Tool catalog sync duration in seconds",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"mcp_server"},
		),

		CatalogToolsChanged: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpgate_catalog_tools_changed_total",
				Help: "Tool catalog changes applied by kind",
			},
			[]string{"mcp_server", "kind"}, // created, deleted, updated, reembedded
		),

		OAuth2Refreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpgate_oauth2_refreshes_total",
				Help: "Total OAuth2 token refreshes",
			},
			[]string{"outcome"},
		),

		WebhookEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpgate_stripe_webhook_events_total",
				Help: "Total Stripe webhook events by type and outcome",
			},
			[]string{"event_type", "outcome"},
		),
	}
}

// Handler returns an HTTP handler for Prometheus metrics
func Handler() http.Handler {
	return promhttp.Handler()
}

// NewLogger builds the process-wide slog logger from config values
func NewLogger(format, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if format == "pretty" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
