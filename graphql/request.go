package graphql

import (
	"encoding/json"
	"strings"
)

// RequestOption adjusts a single query or mutation call.
type RequestOption func(*requestOptions)

type requestOptions struct {
	headers  map[string]string
	skipAuth bool
}

func newRequestOptions(opts []RequestOption) *requestOptions {
	ro := &requestOptions{}
	for _, opt := range opts {
		opt(ro)
	}
	return ro
}

// WithHeader sets a header for this request only, overriding defaults and
// the authorization header.
func WithHeader(key, value string) RequestOption {
	return func(ro *requestOptions) {
		if ro.headers == nil {
			ro.headers = make(map[string]string)
		}
		ro.headers[key] = value
	}
}

// SkipAuth sends the request without an authorization header regardless of
// the cached token state.
func SkipAuth() RequestOption {
	return func(ro *requestOptions) {
		ro.skipAuth = true
	}
}

// Error is a single entry of a GraphQL error array.
type Error struct {
	Message    string                     `json:"message"`
	Path       []any                      `json:"path,omitempty"`
	Extensions map[string]json.RawMessage `json:"extensions,omitempty"`
}

// Errors is the error array of a GraphQL response. A response carrying
// errors fails the whole call.
type Errors []Error

func (e Errors) Error() string {
	if len(e) == 0 {
		return "graphql: unknown error"
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Message
	}
	return "graphql: " + strings.Join(msgs, "; ")
}

// response is the GraphQL HTTP response envelope.
type response struct {
	Data   json.RawMessage `json:"data"`
	Errors Errors          `json:"errors,omitempty"`
}
