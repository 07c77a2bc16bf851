package metrics

import (
	"strings"
	"time"
)

// RecordGraphQLRequest records HTTP-path GraphQL metrics consistently.
// operation: "query" or "mutation"
// duration: time taken for the round trip
// err: error from the request (nil if successful)
func RecordGraphQLRequest(operation string, duration time.Duration, err error) {
	GraphQLDuration.WithLabelValues(operation).Observe(float64(duration.Milliseconds()))

	status := "success"
	if err != nil {
		status = "error"
		GraphQLErrors.WithLabelValues(operation, classifyGraphQLError(err)).Inc()
	}
	GraphQLRequests.WithLabelValues(operation, status).Inc()
}

// RecordTokenRefresh records a token endpoint fetch outcome.
func RecordTokenRefresh(duration time.Duration, err error) {
	TokenRefreshDuration.Observe(float64(duration.Milliseconds()))

	status := "success"
	if err != nil {
		status = "failure"
	}
	TokenRefreshes.WithLabelValues(status).Inc()
}

// classifyGraphQLError categorizes request errors for metrics
func classifyGraphQLError(err error) string {
	if err == nil {
		return "none"
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "graphql:"):
		return "graphql"
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return "timeout"
	case strings.Contains(errStr, "connection") || strings.Contains(errStr, "connect") || strings.Contains(errStr, "refused"):
		return "connection"
	case strings.Contains(errStr, "status"):
		return "http_status"
	case strings.Contains(errStr, "decode") || strings.Contains(errStr, "unmarshal") || strings.Contains(errStr, "json"):
		return "decode"
	default:
		return "other"
	}
}
