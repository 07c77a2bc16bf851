package graphql

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gqlgate/gqlgate/internal/pkg/idgen"
	"github.com/gqlgate/gqlgate/internal/pkg/logger"
	"github.com/gqlgate/gqlgate/internal/pkg/metrics"
)

// graphql-transport-ws message types
const (
	msgConnectionInit = "connection_init"
	msgConnectionAck  = "connection_ack"
	msgPing           = "ping"
	msgPong           = "pong"
	msgSubscribe      = "subscribe"
	msgNext           = "next"
	msgError          = "error"
	msgComplete       = "complete"
)

const (
	// maxConnectRetries bounds consecutive retries after a failed dial
	// before the transport gives up and fails all registered
	// subscriptions. The delay before the final retry reaches the 16s
	// backoff cap.
	maxConnectRetries = 5

	baseReconnectDelay = 1000 * time.Millisecond
	maxReconnectDelay  = 16000 * time.Millisecond

	handshakeTimeout = 15 * time.Second
	writeWait        = 10 * time.Second
)

// ReconnectDelay returns the backoff before retry number attempt
// (0-based): 1s, 2s, 4s, 8s, capped at 16s thereafter.
func ReconnectDelay(attempt int) time.Duration {
	d := baseReconnectDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxReconnectDelay {
			return maxReconnectDelay
		}
	}
	return d
}

// wsMessage is the graphql-transport-ws wire frame.
type wsMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Handlers receive events for one subscription. Next is required; Error
// and Complete are optional. An absent Error handler means transport
// errors are logged and the subscription just goes inactive.
type Handlers struct {
	Next     func(data json.RawMessage)
	Error    func(err error)
	Complete func()
}

type subscription struct {
	id       string
	query    string
	vars     map[string]any
	handlers Handlers
	sentOn   *websocket.Conn // connection this sub was last announced on, guarded by wsClient.mu
}

// wsClient is the shared subscription transport. It is created lazily on
// first Subscribe, maintains one websocket connection for all
// subscriptions, and replays active subscriptions after a reconnect.
type wsClient struct {
	url    string
	dialer *websocket.Dialer
	params func(ctx context.Context) map[string]any
	log    *slog.Logger
	debug  bool
	sleep  func(time.Duration) // reconnect backoff wait, swapped out in tests

	wmu sync.Mutex // serializes writes to the connection

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[string]*subscription
	closed bool
	dead   bool
}

func newWSClient(url string, params func(ctx context.Context) map[string]any, log *slog.Logger, debug bool) *wsClient {
	return &wsClient{
		url: url,
		dialer: &websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
			Subprotocols:     []string{"graphql-transport-ws"},
		},
		params: params,
		log:    logger.WithComponent(log, "graphql-ws"),
		debug:  debug,
		sleep:  time.Sleep,
		subs:   make(map[string]*subscription),
	}
}

// Subscribe starts a GraphQL subscription and returns a stop function that
// tears down only this subscription, not the shared connection. When no
// websocket endpoint is configured the returned function is a no-op and a
// warning is logged.
func (c *Client) Subscribe(doc string, vars map[string]any, h Handlers) func() {
	if c.cfg.WSURL == "" {
		c.log.Warn("subscribe called but no websocket endpoint is configured")
		return func() {}
	}

	c.wsMu.Lock()
	if c.ws == nil || c.ws.isDead() {
		c.ws = newWSClient(c.cfg.WSURL, c.connectionParams, c.log, c.cfg.Debug)
		go c.ws.run()
	}
	ws := c.ws
	c.wsMu.Unlock()

	id := ws.subscribe(doc, vars, h)
	return func() { ws.unsubscribe(id) }
}

// Dispose tears down the shared websocket connection entirely. A later
// Subscribe re-establishes a fresh connection lazily.
func (c *Client) Dispose() {
	c.wsMu.Lock()
	ws := c.ws
	c.ws = nil
	c.wsMu.Unlock()
	if ws != nil {
		ws.close()
	}
}

// connectionParams builds the connection_init payload. Invoked per
// connection attempt, so reconnections always carry a fresh token.
func (c *Client) connectionParams(ctx context.Context) map[string]any {
	headers := make(map[string]string, len(c.headers)+1)
	for k, v := range c.headers {
		headers[k] = v
	}
	if c.tokens != nil {
		if tok, ok := c.tokens.Token(ctx); ok {
			headers["authorization"] = "Bearer " + tok
		}
	}
	return map[string]any{"headers": headers}
}

func (w *wsClient) subscribe(doc string, vars map[string]any, h Handlers) string {
	id := idgen.GenerateID()
	sub := &subscription{id: id, query: doc, vars: vars, handlers: h}

	w.mu.Lock()
	w.subs[id] = sub
	conn := w.conn
	if conn != nil {
		sub.sentOn = conn
	}
	w.mu.Unlock()
	metrics.ActiveSubscriptions.Inc()

	if conn != nil {
		if err := w.send(conn, w.subscribeMessage(sub)); err != nil {
			// The read loop notices the broken connection and the
			// subscription is replayed after reconnect.
			w.log.Debug("subscribe write failed, will replay after reconnect", "id", id, "error", err)
		}
	}
	return id
}

func (w *wsClient) unsubscribe(id string) {
	w.mu.Lock()
	_, ok := w.subs[id]
	if ok {
		delete(w.subs, id)
	}
	conn := w.conn
	w.mu.Unlock()
	if !ok {
		return
	}
	metrics.ActiveSubscriptions.Dec()

	if conn != nil {
		if err := w.send(conn, wsMessage{ID: id, Type: msgComplete}); err != nil {
			w.log.Debug("complete write failed", "id", id, "error", err)
		}
	}
}

// close tears down the transport and drops all subscriptions without
// delivering events. Idempotent.
func (w *wsClient) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	conn := w.conn
	w.conn = nil
	dropped := len(w.subs)
	w.subs = make(map[string]*subscription)
	w.mu.Unlock()

	metrics.ActiveSubscriptions.Sub(float64(dropped))
	if conn != nil {
		conn.Close()
	}
	w.log.Debug("websocket transport disposed", "dropped_subscriptions", dropped)
}

func (w *wsClient) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *wsClient) isDead() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dead || w.closed
}

// run is the connection loop: dial with capped exponential backoff, replay
// subscriptions, then read until the connection drops. A failed dial is
// retried up to maxConnectRetries times, sleeping ReconnectDelay(0..4)
// between dials, so the 16s cap is reached before giving up. The retry
// counter resets after every successful connection.
func (w *wsClient) run() {
	retries := 0
	for {
		if w.isClosed() {
			return
		}

		conn, err := w.connect()
		if err != nil {
			metrics.WSConnects.WithLabelValues("failure").Inc()
			if retries >= maxConnectRetries {
				w.fail(fmt.Errorf("websocket connection failed after %d retries: %w", retries, err))
				return
			}
			delay := ReconnectDelay(retries)
			retries++
			w.log.Warn("websocket connect failed", "retry", retries, "retry_in", delay, "error", err)
			w.sleep(delay)
			continue
		}

		metrics.WSConnects.WithLabelValues("success").Inc()
		metrics.WSConnected.Set(1)
		retries = 0

		if !w.adopt(conn) {
			// Disposed while the dial was in flight
			conn.Close()
			return
		}
		w.resubscribe(conn)
		w.readLoop(conn)

		metrics.WSConnected.Set(0)
		w.dropConn(conn)
		if w.isClosed() {
			return
		}
		metrics.WSReconnects.Inc()
		w.log.Info("websocket disconnected, reconnecting")
	}
}

// connect dials the endpoint and performs the connection_init /
// connection_ack handshake. The connection params provider runs per
// attempt so the payload carries a current token.
func (w *wsClient) connect() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()

	conn, _, err := w.dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	init := wsMessage{Type: msgConnectionInit}
	if payload, err := json.Marshal(w.params(ctx)); err == nil {
		init.Payload = payload
	}
	if err := w.send(conn, init); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connection_init failed: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			conn.Close()
			return nil, fmt.Errorf("handshake read failed: %w", err)
		}
		if msg.Type == msgConnectionAck {
			break
		}
		if msg.Type == msgPing {
			if err := w.send(conn, wsMessage{Type: msgPong}); err != nil {
				conn.Close()
				return nil, err
			}
			continue
		}
		conn.Close()
		return nil, fmt.Errorf("unexpected message %q before connection_ack", msg.Type)
	}
	conn.SetReadDeadline(time.Time{})

	if w.debug {
		w.log.Debug("websocket connection established", "url", w.url)
	}
	return conn, nil
}

func (w *wsClient) adopt(conn *websocket.Conn) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	w.conn = conn
	return true
}

func (w *wsClient) dropConn(conn *websocket.Conn) {
	w.mu.Lock()
	if w.conn == conn {
		w.conn = nil
	}
	w.mu.Unlock()
	conn.Close()
}

// resubscribe replays registered subscriptions on a fresh connection,
// skipping any already announced on it via the subscribe fast path.
func (w *wsClient) resubscribe(conn *websocket.Conn) {
	w.mu.Lock()
	subs := make([]*subscription, 0, len(w.subs))
	for _, sub := range w.subs {
		if sub.sentOn == conn {
			continue
		}
		sub.sentOn = conn
		subs = append(subs, sub)
	}
	w.mu.Unlock()

	for _, sub := range subs {
		if err := w.send(conn, w.subscribeMessage(sub)); err != nil {
			w.log.Debug("resubscribe write failed", "id", sub.id, "error", err)
			return
		}
	}
}

// fail marks the transport dead and delivers the terminal error to every
// registered subscription.
func (w *wsClient) fail(err error) {
	w.mu.Lock()
	w.dead = true
	subs := w.subs
	w.subs = make(map[string]*subscription)
	w.mu.Unlock()

	metrics.ActiveSubscriptions.Sub(float64(len(subs)))
	w.log.Error("websocket transport failed", "error", err)
	for _, sub := range subs {
		if sub.handlers.Error != nil {
			sub.handlers.Error(err)
		}
	}
}

func (w *wsClient) readLoop(conn *websocket.Conn) {
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case msgNext:
			w.dispatchNext(msg.ID, msg.Payload)
		case msgError:
			w.dispatchError(msg.ID, msg.Payload)
		case msgComplete:
			w.dispatchComplete(msg.ID)
		case msgPing:
			if err := w.send(conn, wsMessage{Type: msgPong}); err != nil {
				return
			}
		default:
			w.log.Debug("ignoring unknown websocket message", "type", msg.Type)
		}
	}
}

// dispatchNext forwards an execution result to the subscription's Next
// handler. Field-level errors inside the result go to the Error handler
// without ending the subscription.
func (w *wsClient) dispatchNext(id string, payload json.RawMessage) {
	sub := w.lookup(id)
	if sub == nil {
		return
	}

	var result response
	if err := json.Unmarshal(payload, &result); err != nil {
		w.log.Debug("failed to decode next payload", "id", id, "error", err)
		return
	}
	if len(result.Errors) > 0 {
		if sub.handlers.Error != nil {
			sub.handlers.Error(result.Errors)
		} else {
			w.log.Error("subscription returned errors", "id", id, "error", result.Errors)
		}
		return
	}
	if sub.handlers.Next != nil {
		sub.handlers.Next(result.Data)
	}
}

// dispatchError terminates the subscription with a server-side error.
func (w *wsClient) dispatchError(id string, payload json.RawMessage) {
	sub := w.remove(id)
	if sub == nil {
		return
	}

	var errs Errors
	if err := json.Unmarshal(payload, &errs); err != nil || len(errs) == 0 {
		errs = Errors{{Message: string(payload)}}
	}
	if sub.handlers.Error != nil {
		sub.handlers.Error(errs)
	} else {
		w.log.Error("subscription failed", "id", id, "error", errs)
	}
}

func (w *wsClient) dispatchComplete(id string) {
	sub := w.remove(id)
	if sub == nil {
		return
	}
	if sub.handlers.Complete != nil {
		sub.handlers.Complete()
	}
}

func (w *wsClient) lookup(id string) *subscription {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.subs[id]
}

func (w *wsClient) remove(id string) *subscription {
	w.mu.Lock()
	sub, ok := w.subs[id]
	if ok {
		delete(w.subs, id)
	}
	w.mu.Unlock()
	if !ok {
		return nil
	}
	metrics.ActiveSubscriptions.Dec()
	return sub
}

func (w *wsClient) subscribeMessage(sub *subscription) wsMessage {
	payload, _ := json.Marshal(struct {
		Query     string         `json:"query"`
		Variables map[string]any `json:"variables,omitempty"`
	}{Query: sub.query, Variables: sub.vars})
	return wsMessage{ID: sub.id, Type: msgSubscribe, Payload: payload}
}

func (w *wsClient) send(conn *websocket.Conn, msg wsMessage) error {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}
