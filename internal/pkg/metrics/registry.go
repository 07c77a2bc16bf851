package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Token Manager Metrics
var (
	// TokenRefreshes tracks token endpoint fetches by outcome
	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gqlgate_token_refreshes_total",
			Help: "Total token endpoint fetches by status",
		},
		[]string{"status"},
	)

	// TokenCacheHits tracks token requests served from the in-memory cache
	TokenCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gqlgate_token_cache_hits_total",
			Help: "Total token requests answered from cache without a fetch",
		},
	)

	// TokenCacheClears tracks explicit cache invalidations (logout)
	TokenCacheClears = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gqlgate_token_cache_clears_total",
			Help: "Total explicit token cache clears",
		},
	)

	// TokenRefreshDuration tracks token fetch latency
	TokenRefreshDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:                            "gqlgate_token_refresh_duration_ms",
			Help:                            "Token endpoint fetch duration in milliseconds",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 1 * time.Hour,
		},
	)
)

// GraphQL HTTP Metrics
var (
	// GraphQLRequests tracks GraphQL HTTP requests by operation kind and status
	GraphQLRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gqlgate_graphql_requests_total",
			Help: "Total GraphQL HTTP requests by operation kind and status",
		},
		[]string{"operation", "status"},
	)

	// GraphQLDuration tracks GraphQL HTTP request latency
	GraphQLDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:                            "gqlgate_graphql_request_duration_ms",
			Help:                            "GraphQL HTTP request duration in milliseconds",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 1 * time.Hour,
		},
		[]string{"operation"},
	)

	// GraphQLErrors tracks GraphQL failures by error class
	GraphQLErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gqlgate_graphql_errors_total",
			Help: "Total GraphQL request failures by operation kind and error type",
		},
		[]string{"operation", "error_type"},
	)
)

// WebSocket Transport Metrics
var (
	// WSConnects tracks websocket connection attempts by outcome
	WSConnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gqlgate_ws_connects_total",
			Help: "Total websocket connection attempts by status",
		},
		[]string{"status"},
	)

	// WSReconnects tracks reconnection cycles after a dropped connection
	WSReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gqlgate_ws_reconnects_total",
			Help: "Total websocket reconnection cycles",
		},
	)

	// WSConnected tracks current connection state (0=disconnected, 1=connected)
	WSConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gqlgate_ws_connected",
			Help: "Websocket connection state (0=disconnected, 1=connected)",
		},
	)

	// ActiveSubscriptions tracks currently registered subscriptions
	ActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gqlgate_ws_active_subscriptions",
			Help: "Number of active GraphQL subscriptions",
		},
	)
)
