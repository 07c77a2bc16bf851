package graphql

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestQueryHandle_ConstructionDoesNoIO(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Write([]byte(`{"data": {}}`))
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{HTTPURL: srv.URL}, nil, discardLogger(), WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	h := NewQueryHandle(c, `{ ping }`, nil)
	if h.Loading() {
		t.Error("expected a fresh handle to not be loading")
	}
	if h.Data() != nil || h.Err() != nil {
		t.Error("expected a fresh handle to carry no data or error")
	}
	if n := requests.Load(); n != 0 {
		t.Errorf("expected no network calls on construction, got %d", n)
	}
}

func TestRunQuery_LoadingLifecycle(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte(`{"data": {"ping": "pong"}}`))
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{HTTPURL: srv.URL}, nil, discardLogger(), WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	h := RunQuery(context.Background(), c, `{ ping }`, nil)
	if !h.Loading() {
		t.Error("expected loading to be true before the response arrives")
	}
	if h.Data() != nil {
		t.Error("expected no data while loading")
	}

	close(release)
	waitFor(t, "the query to finish", func() bool { return !h.Loading() })

	if err := h.Err(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	var out struct {
		Ping string `json:"ping"`
	}
	if err := json.Unmarshal(h.Data(), &out); err != nil {
		t.Fatalf("failed to decode handle data: %v", err)
	}
	if out.Ping != "pong" {
		t.Errorf("unexpected data: %s", h.Data())
	}
}

func TestQueryHandle_RefetchReplacesData(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Write([]byte(`{"data": {"count": 1}}`))
			return
		}
		w.Write([]byte(`{"data": {"count": 2}}`))
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{HTTPURL: srv.URL}, nil, discardLogger(), WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	h := NewQueryHandle(c, `{ count }`, nil)
	h.Execute(context.Background())
	if string(h.Data()) != `{"count": 1}` {
		t.Fatalf("unexpected first result: %s", h.Data())
	}

	h.Refetch(context.Background())
	if string(h.Data()) != `{"count": 2}` {
		t.Errorf("unexpected refetched result: %s", h.Data())
	}
}

func TestQueryHandle_ErrorCapturedThenClearedOnSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"data": {"ping": "pong"}}`))
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{HTTPURL: srv.URL}, nil, discardLogger(), WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	h := NewQueryHandle(c, `{ ping }`, nil)
	h.Execute(context.Background())
	if h.Err() == nil {
		t.Fatal("expected the first call's error to be captured")
	}

	h.Refetch(context.Background())
	if err := h.Err(); err != nil {
		t.Errorf("expected the error to clear after a success, got %v", err)
	}
	if h.Data() == nil {
		t.Error("expected data after the successful refetch")
	}
}

func TestSubscriptionHandle_Lifecycle(t *testing.T) {
	wsURL, _ := newWSServer(t, func(conn *websocket.Conn, msg wsMessage) {
		if msg.Type != msgSubscribe {
			return
		}
		// WriteJSON would compact the raw payload; send the frame verbatim so
		// the payload bytes reach the client exactly as written here.
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"id":"`+msg.ID+`","type":"next","payload":{"data": {"tick": 1}}}`))
	})
	c := newWSTestClient(t, wsURL, false)

	h := NewSubscriptionHandle(c, `subscription { tick }`, nil)
	if h.IsActive() {
		t.Error("expected a fresh handle to be inactive")
	}

	h.Start()
	if !h.IsActive() {
		t.Error("expected the handle to be active after Start")
	}
	h.Start() // no-op on an active handle

	waitFor(t, "the first payload", func() bool { return h.Data() != nil })
	if string(h.Data()) != `{"tick": 1}` {
		t.Errorf("unexpected payload: %s", h.Data())
	}

	h.Stop()
	if h.IsActive() {
		t.Error("expected the handle to be inactive after Stop")
	}
	h.Stop() // second Stop is a no-op
}

func TestSubscriptionHandle_ErrorDeactivatesWithoutRestart(t *testing.T) {
	var subscribes atomic.Int32
	wsURL, _ := newWSServer(t, func(conn *websocket.Conn, msg wsMessage) {
		if msg.Type != msgSubscribe {
			return
		}
		subscribes.Add(1)
		conn.WriteJSON(wsMessage{ID: msg.ID, Type: msgError, Payload: []byte(`[{"message": "denied"}]`)})
	})
	c := newWSTestClient(t, wsURL, false)

	h := RunSubscription(c, `subscription { tick }`, nil)
	waitFor(t, "the handle to deactivate", func() bool { return !h.IsActive() })

	if h.Err() == nil {
		t.Fatal("expected the transport error to be captured")
	}

	// No auto-restart: the server never sees a second subscribe
	time.Sleep(50 * time.Millisecond)
	if n := subscribes.Load(); n != 1 {
		t.Errorf("expected exactly one subscribe, got %d", n)
	}
}
