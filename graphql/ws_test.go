package graphql

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestReconnectDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: 1 * time.Second},
		{attempt: 1, want: 2 * time.Second},
		{attempt: 2, want: 4 * time.Second},
		{attempt: 3, want: 8 * time.Second},
		{attempt: 4, want: 16 * time.Second},
		{attempt: 5, want: 16 * time.Second},
		{attempt: 10, want: 16 * time.Second},
	}

	for _, tt := range tests {
		if got := ReconnectDelay(tt.attempt); got != tt.want {
			t.Errorf("ReconnectDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestRun_BackoffSequenceBeforeTerminalFailure(t *testing.T) {
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		http.Error(w, "no websocket here", http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	w := newWSClient("ws"+strings.TrimPrefix(srv.URL, "http"),
		func(context.Context) map[string]any { return nil }, discardLogger(), false)

	var mu sync.Mutex
	var delays []time.Duration
	w.sleep = func(d time.Duration) {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
	}

	errs := make(chan error, 1)
	w.subscribe(`subscription { tick }`, nil, Handlers{
		Next:  func(json.RawMessage) { t.Error("next should not fire") },
		Error: func(err error) { errs <- err },
	})
	go w.run()

	select {
	case err := <-errs:
		if err == nil {
			t.Fatal("expected a terminal error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for terminal failure")
	}

	// The 16s cap must be reached before the transport gives up
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}
	mu.Lock()
	got := append([]time.Duration(nil), delays...)
	mu.Unlock()
	if len(got) != len(want) {
		t.Fatalf("observed delays %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delay %d = %v, want %v", i, got[i], want[i])
		}
	}

	// Initial dial plus one dial after each backoff
	if n := dials.Load(); n != int32(len(want)+1) {
		t.Errorf("expected %d dials, got %d", len(want)+1, n)
	}
	if !w.isDead() {
		t.Error("expected the transport to be marked dead")
	}
}

// wsRecorder collects what the fake subscription server observed.
type wsRecorder struct {
	mu       sync.Mutex
	inits    []json.RawMessage
	frames   chan wsMessage
	connects atomic.Int32
}

func (r *wsRecorder) initPayload(t *testing.T) json.RawMessage {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		if len(r.inits) > 0 {
			payload := r.inits[0]
			r.mu.Unlock()
			return payload
		}
		r.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no connection_init received")
	return nil
}

func (r *wsRecorder) nextFrame(t *testing.T) wsMessage {
	t.Helper()
	select {
	case msg := <-r.frames:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return wsMessage{}
	}
}

// newWSServer runs a minimal graphql-transport-ws server: it acks
// connection_init and hands every other frame to onMessage.
func newWSServer(t *testing.T, onMessage func(conn *websocket.Conn, msg wsMessage)) (string, *wsRecorder) {
	t.Helper()
	rec := &wsRecorder{frames: make(chan wsMessage, 16)}
	upgrader := websocket.Upgrader{Subprotocols: []string{"graphql-transport-ws"}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		rec.connects.Add(1)
		defer conn.Close()

		for {
			var msg wsMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Type == msgConnectionInit {
				rec.mu.Lock()
				rec.inits = append(rec.inits, msg.Payload)
				rec.mu.Unlock()
				if err := conn.WriteJSON(wsMessage{Type: msgConnectionAck}); err != nil {
					return
				}
				continue
			}
			select {
			case rec.frames <- msg:
			default:
			}
			if onMessage != nil {
				onMessage(conn, msg)
			}
		}
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http"), rec
}

func newWSTestClient(t *testing.T, wsURL string, withTokens bool) *Client {
	t.Helper()
	cfg := Config{
		HTTPURL:        "http://graphql.invalid/v1/graphql",
		WSURL:          wsURL,
		DefaultHeaders: map[string]string{"X-Hasura-Role": "user"},
	}
	var c *Client
	var err error
	if withTokens {
		c, err = New(cfg, newTokenManager(t, "abc"), discardLogger())
	} else {
		c, err = New(cfg, nil, discardLogger())
	}
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	t.Cleanup(c.Dispose)
	return c
}

func TestSubscribe_NoEndpointConfigured(t *testing.T) {
	c, err := New(Config{HTTPURL: "http://graphql.invalid/v1/graphql"}, nil, discardLogger())
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	stop := c.Subscribe(`subscription { tick }`, nil, Handlers{
		Next: func(json.RawMessage) { t.Error("next should never fire") },
	})
	if stop == nil {
		t.Fatal("expected a no-op stop function, got nil")
	}
	// Calling it must be harmless, repeatedly
	stop()
	stop()
}

func TestSubscribe_ReceivesNextAndComplete(t *testing.T) {
	wsURL, _ := newWSServer(t, func(conn *websocket.Conn, msg wsMessage) {
		if msg.Type != msgSubscribe {
			return
		}
		// WriteJSON would compact the raw payload; send the frame verbatim so
		// the payload bytes reach the client exactly as written here.
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"id":"`+msg.ID+`","type":"next","payload":{"data": {"tick": 1}}}`))
		conn.WriteJSON(wsMessage{ID: msg.ID, Type: msgComplete})
	})
	c := newWSTestClient(t, wsURL, false)

	next := make(chan json.RawMessage, 1)
	complete := make(chan struct{}, 1)
	stop := c.Subscribe(`subscription { tick }`, nil, Handlers{
		Next:     func(d json.RawMessage) { next <- d },
		Complete: func() { complete <- struct{}{} },
	})
	defer stop()

	select {
	case data := <-next:
		if string(data) != `{"tick": 1}` {
			t.Errorf("unexpected payload: %s", data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for next payload")
	}

	select {
	case <-complete:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
}

func TestSubscribe_ConnectionInitCarriesAuth(t *testing.T) {
	wsURL, rec := newWSServer(t, nil)
	c := newWSTestClient(t, wsURL, true)

	stop := c.Subscribe(`subscription { tick }`, nil, Handlers{Next: func(json.RawMessage) {}})
	defer stop()

	var payload struct {
		Headers map[string]string `json:"headers"`
	}
	if err := json.Unmarshal(rec.initPayload(t), &payload); err != nil {
		t.Fatalf("failed to decode init payload: %v", err)
	}
	if got := payload.Headers["authorization"]; got != "Bearer abc" {
		t.Errorf("expected bearer token in connection params, got %q", got)
	}
	if got := payload.Headers["x-hasura-role"]; got != "user" {
		t.Errorf("expected default header in connection params, got %q", got)
	}
}

func TestUnsubscribe_SendsComplete(t *testing.T) {
	wsURL, rec := newWSServer(t, nil)
	c := newWSTestClient(t, wsURL, false)

	stop := c.Subscribe(`subscription { tick }`, nil, Handlers{Next: func(json.RawMessage) {}})

	sub := rec.nextFrame(t)
	if sub.Type != msgSubscribe {
		t.Fatalf("expected a subscribe frame, got %q", sub.Type)
	}

	stop()
	frame := rec.nextFrame(t)
	if frame.Type != msgComplete {
		t.Fatalf("expected a complete frame after stop, got %q", frame.Type)
	}
	if frame.ID != sub.ID {
		t.Errorf("complete frame has id %q, want %q", frame.ID, sub.ID)
	}
}

func TestSubscribe_ServerErrorEndsSubscription(t *testing.T) {
	wsURL, _ := newWSServer(t, func(conn *websocket.Conn, msg wsMessage) {
		if msg.Type != msgSubscribe {
			return
		}
		conn.WriteJSON(wsMessage{ID: msg.ID, Type: msgError, Payload: []byte(`[{"message": "unauthorized"}]`)})
	})
	c := newWSTestClient(t, wsURL, false)

	errs := make(chan error, 1)
	stop := c.Subscribe(`subscription { tick }`, nil, Handlers{
		Next:  func(json.RawMessage) { t.Error("next should not fire") },
		Error: func(err error) { errs <- err },
	})
	defer stop()

	select {
	case err := <-errs:
		gqlErrs, ok := err.(Errors)
		if !ok {
			t.Fatalf("expected graphql.Errors, got %T", err)
		}
		if len(gqlErrs) != 1 || gqlErrs[0].Message != "unauthorized" {
			t.Errorf("unexpected error payload: %v", gqlErrs)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for subscription error")
	}
}

func TestDispose_AllowsLazyReconnect(t *testing.T) {
	wsURL, rec := newWSServer(t, nil)
	c := newWSTestClient(t, wsURL, false)

	stop := c.Subscribe(`subscription { tick }`, nil, Handlers{Next: func(json.RawMessage) {}})
	rec.nextFrame(t) // subscribe frame: the connection is up
	stop()

	c.Dispose()

	// A new subscribe after dispose establishes a fresh connection
	stop = c.Subscribe(`subscription { tick }`, nil, Handlers{Next: func(json.RawMessage) {}})
	defer stop()

	deadline := time.Now().Add(5 * time.Second)
	for rec.connects.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected a second connection after dispose, got %d", rec.connects.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
