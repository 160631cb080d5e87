package runova

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// wireEnvelope is the server-to-client frame.
type wireEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// wireCommand is the client-to-server frame.
type wireCommand struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	RequestID string `json:"requestId,omitempty"`
}

type subscribePayload struct {
	Collection string `json:"collection"`
	Query      Query  `json:"query"`
}

type unsubscribePayload struct {
	SubscriptionID string `json:"subscriptionId"`
}

type wireDocument struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

type snapshotPayload struct {
	SubscriptionID string         `json:"subscriptionId"`
	Documents      []wireDocument `json:"documents"`
}

type wireErrorPayload struct {
	Message string `json:"message"`
}

// ============================================================================
// Configuration
// ============================================================================

// SubscribeConfig tunes the realtime connection behind Subscribe.
type SubscribeConfig struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
}

func (c *SubscribeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
}

// realtimeState is the connection state.
type realtimeState string

const (
	stateDisconnected realtimeState = "disconnected"
	stateConnecting   realtimeState = "connecting"
	stateConnected    realtimeState = "connected"
	stateReconnecting realtimeState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(cfg *SubscribeConfig) *reconnector {
	return &reconnector{
		baseDelay:   cfg.ReconnectBaseDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay returns the exponential backoff with jitter. The attempt count
// resets after a connection that held for over a minute.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// Realtime client
// ============================================================================

// realtimeClient multiplexes document subscriptions over one WebSocket to
// the backend. Connection is established lazily on the first subscription;
// live subscriptions are re-issued after every reconnect, which is why
// snapshot delivery is at-least-once.
type realtimeClient struct {
	baseURL string
	token   string
	cfg     *SubscribeConfig
	logger  *slog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            realtimeState
	intentionalClose bool
	cancelFn         context.CancelFunc
	nextID           int
	subs             map[string]*wsSubscription

	recon *reconnector
}

// wsSubscription is one live query subscription on the shared connection.
type wsSubscription struct {
	id         string
	collection string
	query      Query
	ch         chan []Document

	// mu orders deliveries against finish so a snapshot racing teardown is
	// dropped, never sent into a closed channel.
	mu   sync.Mutex
	done bool
}

// deliver hands a snapshot to the consumer. The channel is small and
// drop-oldest: a slow consumer only ever misses intermediate snapshots, the
// latest one always lands. Snapshots racing finish are dropped.
func (s *wsSubscription) deliver(docs []Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	for {
		select {
		case s.ch <- docs:
			return
		default:
		}
		// Channel full: drop the stale buffered snapshot and retry.
		select {
		case <-s.ch:
		default:
		}
	}
}

// finish ends the snapshot channel. Idempotent. Taking mu guarantees no
// deliver is mid-send when the channel closes.
func (s *wsSubscription) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	close(s.ch)
}

func newRealtimeClient(baseURL, token string, cfg *SubscribeConfig, logger *slog.Logger) *realtimeClient {
	c := *cfg
	c.defaults()
	return &realtimeClient{
		baseURL: baseURL,
		token:   token,
		cfg:     &c,
		logger:  logger,
		state:   stateDisconnected,
		subs:    make(map[string]*wsSubscription),
		recon:   newReconnector(&c),
	}
}

// subscribe registers a query subscription, connecting first if needed.
func (rc *realtimeClient) subscribe(ctx context.Context, collection string, q Query) (*Subscription, error) {
	if err := rc.connect(ctx); err != nil {
		return nil, err
	}

	rc.mu.Lock()
	rc.nextID++
	sub := &wsSubscription{
		id:         fmt.Sprintf("sub-%d", rc.nextID),
		collection: collection,
		query:      q,
		ch:         make(chan []Document, 1),
	}
	rc.subs[sub.id] = sub
	rc.mu.Unlock()

	if err := rc.send(ctx, &wireCommand{
		Type:      "subscribe",
		Payload:   subscribePayload{Collection: collection, Query: q},
		RequestID: sub.id,
	}); err != nil {
		rc.removeSub(sub)
		return nil, fmt.Errorf("%w: subscribe: %v", ErrRemoteUnavailable, err)
	}

	return &Subscription{
		ch: sub.ch,
		cancel: func() {
			rc.unsubscribe(sub)
		},
	}, nil
}

// unsubscribe is idempotent and tolerates a dead connection: the local
// registration always goes away, the server notification is best effort.
func (rc *realtimeClient) unsubscribe(sub *wsSubscription) {
	rc.removeSub(sub)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rc.send(ctx, &wireCommand{
		Type:    "unsubscribe",
		Payload: unsubscribePayload{SubscriptionID: sub.id},
	}); err != nil {
		rc.logger.Debug("unsubscribe not delivered", "subscription", sub.id, "error", err)
	}
}

func (rc *realtimeClient) removeSub(sub *wsSubscription) {
	rc.mu.Lock()
	delete(rc.subs, sub.id)
	rc.mu.Unlock()
	sub.finish()
}

// connect dials the realtime endpoint and waits for the authenticated
// handshake. Already-connected calls return immediately.
func (rc *realtimeClient) connect(ctx context.Context) error {
	rc.mu.Lock()
	if rc.state == stateConnected || rc.state == stateConnecting {
		rc.mu.Unlock()
		return nil
	}
	rc.state = stateConnecting
	rc.intentionalClose = false
	rc.mu.Unlock()

	wsURL := strings.Replace(rc.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/v1/watch?token=" + rc.token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		rc.setState(stateDisconnected)
		return fmt.Errorf("%w: websocket dial: %v", ErrRemoteUnavailable, err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		rc.setState(stateDisconnected)
		return fmt.Errorf("%w: read handshake: %v", ErrRemoteUnavailable, err)
	}
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		rc.setState(stateDisconnected)
		return fmt.Errorf("%w: expected 'authenticated', got '%s'", ErrUnauthenticated, env.Type)
	}

	rc.mu.Lock()
	rc.conn = conn
	rc.state = stateConnected
	rc.mu.Unlock()
	rc.recon.markConnected()

	connCtx, cancel := context.WithCancel(context.Background())
	rc.mu.Lock()
	rc.cancelFn = cancel
	rc.mu.Unlock()

	go rc.readLoop(connCtx, conn)

	return nil
}

// close tears down the connection and ends every live subscription.
func (rc *realtimeClient) close() {
	rc.mu.Lock()
	rc.intentionalClose = true
	if rc.cancelFn != nil {
		rc.cancelFn()
		rc.cancelFn = nil
	}
	conn := rc.conn
	rc.conn = nil
	rc.state = stateDisconnected
	subs := make([]*wsSubscription, 0, len(rc.subs))
	for _, s := range rc.subs {
		subs = append(subs, s)
	}
	rc.mu.Unlock()

	for _, s := range subs {
		rc.removeSub(s)
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client close")
	}
}

func (rc *realtimeClient) send(ctx context.Context, cmd *wireCommand) error {
	rc.mu.Lock()
	conn := rc.conn
	rc.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (rc *realtimeClient) setState(s realtimeState) {
	rc.mu.Lock()
	rc.state = s
	rc.mu.Unlock()
}

func (rc *realtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rc.mu.Lock()
			intentional := rc.intentionalClose
			rc.state = stateDisconnected
			if rc.conn == conn {
				rc.conn = nil
			}
			rc.mu.Unlock()
			if intentional {
				return
			}

			rc.logger.Warn("realtime connection lost", "error", err)
			if rc.cfg.AutoReconnect && rc.recon.shouldReconnect() {
				rc.scheduleReconnect(ctx)
			} else {
				rc.close()
			}
			return
		}

		var env wireEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		rc.dispatch(env)
	}
}

func (rc *realtimeClient) dispatch(env wireEnvelope) {
	switch env.Type {
	case "snapshot":
		var p snapshotPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		rc.mu.Lock()
		sub := rc.subs[p.SubscriptionID]
		rc.mu.Unlock()
		if sub == nil {
			// Subscription closed while the snapshot was in flight.
			return
		}
		docs := make([]Document, 0, len(p.Documents))
		for _, wd := range p.Documents {
			d := Document(wd.Fields)
			if d == nil {
				d = Document{}
			}
			d["id"] = wd.ID
			docs = append(docs, d)
		}
		sub.deliver(docs)

	case "error":
		var p wireErrorPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			rc.logger.Warn("realtime server error", "message", p.Message)
		}
	}
}

// scheduleReconnect retries the connection with backoff and re-issues every
// live subscription once it lands.
func (rc *realtimeClient) scheduleReconnect(ctx context.Context) {
	for rc.cfg.AutoReconnect && rc.recon.shouldReconnect() {
		delay := rc.recon.nextDelay()
		rc.setState(stateReconnecting)
		rc.logger.Info("realtime reconnecting", "attempt", rc.recon.attempt, "delay", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}

		if err := rc.connect(context.Background()); err != nil {
			continue
		}

		rc.mu.Lock()
		subs := make([]*wsSubscription, 0, len(rc.subs))
		for _, s := range rc.subs {
			subs = append(subs, s)
		}
		rc.mu.Unlock()

		resubCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		for _, s := range subs {
			if err := rc.send(resubCtx, &wireCommand{
				Type:      "subscribe",
				Payload:   subscribePayload{Collection: s.collection, Query: s.query},
				RequestID: s.id,
			}); err != nil {
				rc.logger.Warn("resubscribe failed", "subscription", s.id, "error", err)
			}
		}
		cancel()
		return
	}

	// Out of attempts: every consumer sees its channel close.
	rc.close()
}
