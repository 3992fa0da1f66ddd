package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Event Payload Types
// ============================================================================

// AuthenticatedPayload is sent once the realtime connection is authenticated.
type AuthenticatedPayload struct {
	ActorID string `json:"actorId"`
}

// RowChangePayload carries one message row change.
type RowChangePayload struct {
	ConversationID string      `json:"conversationId"`
	Kind           string      `json:"kind"`
	Record         wireMessage `json:"record"`
}

// TypingIndicatorPayload is sent when a participant starts typing.
type TypingIndicatorPayload struct {
	ConversationID string `json:"conversationId"`
	ActorID        string `json:"actorId"`
	IsTyping       bool   `json:"isTyping"`
}

// CutoffChangedPayload is sent when an actor clears a conversation's history.
type CutoffChangedPayload struct {
	ConversationID  string    `json:"conversationId"`
	ActorID         string    `json:"actorId"`
	HistoryCutoffAt time.Time `json:"historyCutoffAt"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// RealtimeErrorPayload is sent when a server-side error occurs.
type RealtimeErrorPayload struct {
	Message string `json:"message"`
}

// RealtimeEnvelope is the wire format for all realtime events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command.
type RealtimeCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime client.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	Logger               *zerolog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

type eventDispatcher struct {
	mu             sync.RWMutex
	onTyping       []func(TypingSignal)
	onError        []func(RealtimeErrorPayload)
	onConnected    []func()
	onDisconnected []func(string)
	onReconnecting []func(int, time.Duration)
}

func (d *eventDispatcher) dispatchTyping(p TypingIndicatorPayload) {
	if !p.IsTyping {
		return
	}
	sig := TypingSignal{
		ConversationID: ConversationID(p.ConversationID),
		ActorID:        ActorID(p.ActorID),
		At:             time.Now(),
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, h := range d.onTyping {
		go h(sig)
	}
}

func (d *eventDispatcher) dispatchError(p RealtimeErrorPayload) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, h := range d.onError {
		go h(p)
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (d *eventDispatcher) emitDisconnected(reason string) {
	d.mu.RLock()
	handlers := append([]func(string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(reason)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
	}
}

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

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	// A connection that stayed up for a minute earns a fresh backoff.
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
// RealtimeClient
// ============================================================================

// RealtimeClient is the WebSocket push feed: row changes per joined
// conversation, typing indicators and cutoff changes. It reconnects with
// exponential backoff and rejoins every subscribed conversation.
type RealtimeClient struct {
	baseURL string
	config  *RealtimeConfig
	log     zerolog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	cancelFn         context.CancelFunc

	dispatcher *eventDispatcher
	recon      *reconnector
	feed       *Broadcaster
	cutoffs    *CutoffNotifier

	requestCounter atomic.Int64
	pendingPings   map[string]chan PongPayload
	pendingMu      sync.Mutex
}

var _ TypingTransport = (*RealtimeClient)(nil)

// NewRealtimeClient creates a client for the realtime endpoint under
// baseURL. Call Connect to establish the connection.
func NewRealtimeClient(baseURL string, config *RealtimeConfig) *RealtimeClient {
	cfg := *config
	return newRealtimeClient(strings.TrimRight(baseURL, "/"), &cfg)
}

func newRealtimeClient(baseURL string, cfg *RealtimeConfig) *RealtimeClient {
	cfg.defaults()
	rt := &RealtimeClient{
		baseURL:      baseURL,
		config:       cfg,
		log:          cfg.Logger.With().Str("component", "realtime").Logger(),
		state:        StateDisconnected,
		dispatcher:   &eventDispatcher{},
		recon:        newReconnector(cfg),
		feed:         NewBroadcaster(),
		cutoffs:      NewCutoffNotifier(),
		pendingPings: make(map[string]chan PongPayload),
	}
	rt.feed.onEmpty = rt.leave
	return rt
}

// OnTyping registers a handler for typing indicators.
func (rt *RealtimeClient) OnTyping(h func(TypingSignal)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onTyping = append(rt.dispatcher.onTyping, h)
	rt.dispatcher.mu.Unlock()
}

// OnError registers a handler for server errors.
func (rt *RealtimeClient) OnError(h func(RealtimeErrorPayload)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onError = append(rt.dispatcher.onError, h)
	rt.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (rt *RealtimeClient) OnConnected(h func()) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onConnected = append(rt.dispatcher.onConnected, h)
	rt.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (rt *RealtimeClient) OnDisconnected(h func(reason string)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onDisconnected = append(rt.dispatcher.onDisconnected, h)
	rt.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (rt *RealtimeClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onReconnecting = append(rt.dispatcher.onReconnecting, h)
	rt.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (rt *RealtimeClient) State() RealtimeState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

func (rt *RealtimeClient) wsURL() string {
	u := strings.Replace(rt.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	u += "/realtime/v1/websocket"
	if rt.config.Token != "" {
		u += "?token=" + url.QueryEscape(rt.config.Token)
	}
	return u
}

// Connect dials the realtime endpoint and waits for authentication.
func (rt *RealtimeClient) Connect(ctx context.Context) error {
	rt.mu.Lock()
	if rt.state == StateConnected || rt.state == StateConnecting {
		rt.mu.Unlock()
		return nil
	}
	rt.state = StateConnecting
	rt.intentionalClose = false
	rt.mu.Unlock()

	fail := func(err error) error {
		rt.mu.Lock()
		rt.state = StateDisconnected
		rt.mu.Unlock()
		return err
	}

	conn, _, err := websocket.Dial(ctx, rt.wsURL(), nil)
	if err != nil {
		return fail(fmt.Errorf("%w: websocket dial: %w", ErrNetwork, err))
	}
	conn.SetReadLimit(1 << 20)

	// The first frame must be "authenticated".
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return fail(fmt.Errorf("%w: read auth message: %w", ErrNetwork, err))
	}
	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		return fail(fmt.Errorf("%w: expected 'authenticated', got '%s'", ErrPermissionDenied, env.Type))
	}

	connCtx, cancel := context.WithCancel(context.Background())
	rt.mu.Lock()
	rt.conn = conn
	rt.state = StateConnected
	rt.cancelFn = cancel
	rt.mu.Unlock()
	rt.recon.markConnected()

	rt.log.Debug().Msg("Realtime connected")
	rt.dispatcher.emitConnected()

	go rt.readLoop(connCtx, conn)
	go rt.heartbeatLoop(connCtx)

	for _, conv := range rt.feed.Conversations() {
		if err := rt.join(ctx, conv); err != nil {
			rt.log.Warn().Err(err).Str("conversation_id", string(conv)).Msg("Rejoin failed")
		}
	}
	return nil
}

// Disconnect closes the connection and every subscription.
func (rt *RealtimeClient) Disconnect() error {
	rt.mu.Lock()
	rt.intentionalClose = true
	if rt.cancelFn != nil {
		rt.cancelFn()
		rt.cancelFn = nil
	}
	conn := rt.conn
	rt.conn = nil
	rt.state = StateDisconnected
	rt.mu.Unlock()

	rt.clearPendingPings()
	rt.feed.CloseAll()
	rt.dispatcher.emitDisconnected("client disconnect")

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// ── Subscriptions ─────────────────────────────────────────

// Subscribe opens the change feed of conv. The first subscription of a
// conversation joins it on the server.
func (rt *RealtimeClient) Subscribe(ctx context.Context, conv ConversationID) (*Subscription, error) {
	first := rt.feed.Len(conv) == 0
	sub := rt.feed.Subscribe(conv)
	if first && rt.State() == StateConnected {
		if err := rt.join(ctx, conv); err != nil {
			sub.Close()
			return nil, err
		}
	}
	return sub, nil
}

// WatchCutoff relays cutoff.changed events for (actor, conv).
func (rt *RealtimeClient) WatchCutoff(ctx context.Context, actor ActorID, conv ConversationID) <-chan time.Time {
	return rt.cutoffs.Watch(ctx, actor, conv)
}

func (rt *RealtimeClient) join(ctx context.Context, conv ConversationID) error {
	return rt.Send(ctx, &RealtimeCommand{
		Type:    "conversation.join",
		Payload: map[string]string{"conversationId": string(conv)},
	})
}

func (rt *RealtimeClient) leave(conv ConversationID) {
	if rt.State() != StateConnected {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := rt.Send(ctx, &RealtimeCommand{
		Type:    "conversation.leave",
		Payload: map[string]string{"conversationId": string(conv)},
	})
	if err != nil {
		rt.log.Debug().Err(err).Str("conversation_id", string(conv)).Msg("Leave failed")
	}
}

// SendTyping broadcasts that actor is typing in conv.
func (rt *RealtimeClient) SendTyping(ctx context.Context, conv ConversationID, actor ActorID) error {
	return rt.Send(ctx, &RealtimeCommand{
		Type: "typing.start",
		Payload: map[string]string{
			"conversationId": string(conv),
			"actorId":        string(actor),
		},
	})
}

// ── Commands ──────────────────────────────────────────────

// Send writes a raw command to the connection.
func (rt *RealtimeClient) Send(ctx context.Context, cmd *RealtimeCommand) error {
	rt.mu.Lock()
	conn := rt.conn
	rt.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("%w: realtime not connected", ErrNetwork)
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for the matching pong.
func (rt *RealtimeClient) Ping(ctx context.Context) (*PongPayload, error) {
	requestID := fmt.Sprintf("ping-%d", rt.requestCounter.Add(1))

	ch := make(chan PongPayload, 1)
	rt.pendingMu.Lock()
	rt.pendingPings[requestID] = ch
	rt.pendingMu.Unlock()

	forget := func() {
		rt.pendingMu.Lock()
		delete(rt.pendingPings, requestID)
		rt.pendingMu.Unlock()
	}

	err := rt.Send(ctx, &RealtimeCommand{
		Type:      "ping",
		Payload:   map[string]string{"requestId": requestID},
		RequestID: requestID,
	})
	if err != nil {
		forget()
		return nil, err
	}

	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%w: connection closed", ErrNetwork)
		}
		return &pong, nil
	case <-time.After(10 * time.Second):
		forget()
		return nil, fmt.Errorf("%w: ping timeout", ErrNetwork)
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

// ── Loops ─────────────────────────────────────────────────

func (rt *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rt.mu.Lock()
			intentional := rt.intentionalClose
			var cancel context.CancelFunc
			if !intentional {
				rt.state = StateDisconnected
				rt.conn = nil
				cancel, rt.cancelFn = rt.cancelFn, nil
			}
			rt.mu.Unlock()
			if intentional {
				return
			}
			// Stop this connection's heartbeat before a new one starts.
			if cancel != nil {
				cancel()
			}

			rt.log.Warn().Err(err).Msg("Realtime connection lost")
			rt.dispatcher.emitDisconnected(err.Error())
			if rt.config.AutoReconnect && rt.recon.shouldReconnect() {
				rt.scheduleReconnect()
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		rt.handle(ctx, env)
	}
}

// handle routes one envelope. Row changes are published in read order so a
// conversation's subscribers see them in the order the server sent them.
func (rt *RealtimeClient) handle(ctx context.Context, env RealtimeEnvelope) {
	switch env.Type {
	case "row.change":
		var p RowChangePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			rt.log.Warn().Err(err).Msg("Undecodable row change")
			return
		}
		kind, err := ParseChangeKind(p.Kind)
		if err != nil {
			rt.log.Warn().Err(err).Msg("Dropping row change")
			return
		}
		if p.Record.ConversationID == "" {
			p.Record.ConversationID = p.ConversationID
		}
		ch, err := p.Record.change(kind)
		if err != nil {
			rt.log.Warn().Err(err).Str("kind", p.Kind).Msg("Dropping row change")
			return
		}
		rt.feed.Publish(ctx, ch.Row.ConversationID, ch)

	case "typing.indicator":
		var p TypingIndicatorPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			rt.dispatcher.dispatchTyping(p)
		}

	case "cutoff.changed":
		var p CutoffChangedPayload
		if json.Unmarshal(env.Payload, &p) == nil && !p.HistoryCutoffAt.IsZero() {
			rt.cutoffs.Notify(ActorID(p.ActorID), ConversationID(p.ConversationID), p.HistoryCutoffAt.UTC())
		}

	case "pong":
		var p PongPayload
		if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
			rt.pendingMu.Lock()
			ch, ok := rt.pendingPings[p.RequestID]
			if ok {
				delete(rt.pendingPings, p.RequestID)
			}
			rt.pendingMu.Unlock()
			if ok {
				ch <- p
			}
		}

	case "error":
		var p RealtimeErrorPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			rt.log.Warn().Str("error", p.Message).Msg("Realtime server error")
			rt.dispatcher.dispatchError(p)
		}
	}
}

func (rt *RealtimeClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(rt.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if rt.State() != StateConnected {
				return
			}
			if _, err := rt.Ping(ctx); err != nil {
				rt.log.Warn().Err(err).Msg("Heartbeat failed")
				rt.mu.Lock()
				conn := rt.conn
				rt.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (rt *RealtimeClient) scheduleReconnect() {
	delay := rt.recon.nextDelay()
	rt.mu.Lock()
	rt.state = StateReconnecting
	rt.mu.Unlock()

	rt.log.Info().Int("attempt", rt.recon.attempt).Dur("delay", delay).Msg("Reconnecting")
	rt.dispatcher.emitReconnecting(rt.recon.attempt, delay)

	time.Sleep(delay)

	rt.mu.Lock()
	if rt.intentionalClose {
		rt.mu.Unlock()
		return
	}
	rt.state = StateDisconnected
	rt.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := rt.Connect(ctx); err != nil {
		if rt.config.AutoReconnect && rt.recon.shouldReconnect() {
			rt.scheduleReconnect()
		}
	}
}

func (rt *RealtimeClient) clearPendingPings() {
	rt.pendingMu.Lock()
	for k, ch := range rt.pendingPings {
		close(ch)
		delete(rt.pendingPings, k)
	}
	rt.pendingMu.Unlock()
}
