package graphql

import (
	"context"
	"encoding/json"
	"sync"
)

// QueryHandle is a two-phase wrapper around one query: construction does no
// I/O, Execute and Refetch run the call and update the Loading/Data/Err
// slots. A second Refetch while one is pending is allowed; whichever call
// resolves last wins, there is no request cancellation.
type QueryHandle struct {
	client *Client
	doc    string
	vars   map[string]any
	opts   []RequestOption

	mu      sync.Mutex
	loading bool
	data    json.RawMessage
	err     error
}

// NewQueryHandle constructs a handle without triggering any network call.
func NewQueryHandle(client *Client, doc string, vars map[string]any, opts ...RequestOption) *QueryHandle {
	return &QueryHandle{
		client: client,
		doc:    doc,
		vars:   vars,
		opts:   opts,
	}
}

// RunQuery constructs a handle and starts the first fetch immediately,
// which is the default the surrounding application expects. Loading is
// true before RunQuery returns.
func RunQuery(ctx context.Context, client *Client, doc string, vars map[string]any, opts ...RequestOption) *QueryHandle {
	h := NewQueryHandle(client, doc, vars, opts...)
	h.mu.Lock()
	h.loading = true
	h.mu.Unlock()
	go h.Execute(ctx)
	return h
}

// Execute runs the query and blocks until it completes. Errors are
// captured into the Err slot, not returned; the handle is the recovery
// boundary.
func (h *QueryHandle) Execute(ctx context.Context) {
	h.mu.Lock()
	h.loading = true
	h.mu.Unlock()

	var out json.RawMessage
	err := h.client.Query(ctx, h.doc, h.vars, &out, h.opts...)

	h.mu.Lock()
	h.loading = false
	if err != nil {
		h.err = err
	} else {
		h.data = out
		h.err = nil
	}
	h.mu.Unlock()
}

// Refetch repeats the call, updating the same slots.
func (h *QueryHandle) Refetch(ctx context.Context) {
	h.Execute(ctx)
}

// Loading reports whether a call is currently in flight.
func (h *QueryHandle) Loading() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loading
}

// Data returns the most recent successful result, nil before the first
// success.
func (h *QueryHandle) Data() json.RawMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.data
}

// Err returns the error of the most recent failed call, nil after a
// success.
func (h *QueryHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// SubscriptionHandle owns one subscription with scoped-resource
// discipline: Start acquires, Stop releases, both idempotent. A transport
// error deactivates the handle without auto-restart; the caller decides
// whether to Start again.
type SubscriptionHandle struct {
	client *Client
	doc    string
	vars   map[string]any

	mu     sync.Mutex
	active bool
	stop   func()
	data   json.RawMessage
	err    error
}

// NewSubscriptionHandle constructs a handle without opening the
// subscription.
func NewSubscriptionHandle(client *Client, doc string, vars map[string]any) *SubscriptionHandle {
	return &SubscriptionHandle{
		client: client,
		doc:    doc,
		vars:   vars,
	}
}

// RunSubscription constructs a handle and starts it immediately.
func RunSubscription(client *Client, doc string, vars map[string]any) *SubscriptionHandle {
	h := NewSubscriptionHandle(client, doc, vars)
	h.Start()
	return h
}

// Start opens the subscription. Calling Start on an active handle is a
// no-op.
func (h *SubscriptionHandle) Start() {
	h.mu.Lock()
	if h.active {
		h.mu.Unlock()
		return
	}
	h.active = true
	h.err = nil
	h.mu.Unlock()

	stop := h.client.Subscribe(h.doc, h.vars, Handlers{
		Next: func(data json.RawMessage) {
			h.mu.Lock()
			h.data = data
			h.mu.Unlock()
		},
		Error: func(err error) {
			h.mu.Lock()
			h.err = err
			h.active = false
			h.stop = nil
			h.mu.Unlock()
		},
		Complete: func() {
			h.mu.Lock()
			h.active = false
			h.stop = nil
			h.mu.Unlock()
		},
	})

	h.mu.Lock()
	if !h.active {
		// Errored or completed while the subscribe was being set up
		h.mu.Unlock()
		stop()
		return
	}
	h.stop = stop
	h.mu.Unlock()
}

// Stop closes the subscription. Safe to call repeatedly; the second and
// later calls are no-ops.
func (h *SubscriptionHandle) Stop() {
	h.mu.Lock()
	stop := h.stop
	h.stop = nil
	h.active = false
	h.mu.Unlock()

	if stop != nil {
		stop()
	}
}

// IsActive reports whether the subscription is currently running.
func (h *SubscriptionHandle) IsActive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

// Data returns the most recent payload received.
func (h *SubscriptionHandle) Data() json.RawMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.data
}

// Err returns the error that deactivated the handle, if any.
func (h *SubscriptionHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}
