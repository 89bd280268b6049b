package heroes

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire types
// ============================================================================

// RealtimeEnvelope is the wire format for all server-to-client frames.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command.
type RealtimeCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	RequestID string      `json:"requestId,omitempty"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// Frame types.
const (
	frameAuthenticated = "authenticated"
	frameChange        = "change"
	framePresenceSync  = "presence.sync"
	framePong          = "pong"
	frameError         = "error"

	cmdSubscribe           = "subscribe"
	cmdUnsubscribe         = "unsubscribe"
	cmdPresenceSubscribe   = "presence.subscribe"
	cmdPresenceUnsubscribe = "presence.unsubscribe"
	cmdPresenceTrack       = "presence.track"
	cmdPing                = "ping"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime connection.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HTTPClient           *http.Client
	Logger               *logrus.Logger
	// OnReconnect runs after an automatic reconnect has re-sent every
	// subscription. Events emitted while disconnected are not replayed, so
	// callers reload state here.
	OnReconnect func()
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
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = NewLogger()
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
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay resets the attempt count after a connection that lived a minute.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	delay := Backoff(r.attempt, r.baseDelay, r.maxDelay, rand.Float64())
	r.attempt++
	return delay
}

// ============================================================================
// Realtime
// ============================================================================

// Realtime multiplexes change and presence streams over one WebSocket with
// auto-reconnect and heartbeat. Subscriptions and tracked presence are
// re-sent after every reconnect.
type Realtime struct {
	url    string
	config *RealtimeConfig
	recon  *reconnector

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	cancelFn         context.CancelFunc
	changeSubs       map[string]map[*Subscription]struct{}
	topics           map[string]Topic
	presenceSubs     map[string]map[*PresenceSubscription]struct{}
	tracked          map[string]PresenceEntry
	reconnectHooks   []func()

	pingCounter  int
	pendingPings map[string]chan PongPayload
	pendingMu    sync.Mutex
}

// NewRealtime creates a disconnected client for baseURL (http or https).
func NewRealtime(baseURL string, config *RealtimeConfig) *Realtime {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()

	wsURL := strings.Replace(strings.TrimRight(baseURL, "/"), "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)

	rt := &Realtime{
		url:          wsURL + "/realtime",
		config:       &cfg,
		recon:        newReconnector(&cfg),
		state:        StateDisconnected,
		changeSubs:   make(map[string]map[*Subscription]struct{}),
		topics:       make(map[string]Topic),
		presenceSubs: make(map[string]map[*PresenceSubscription]struct{}),
		tracked:      make(map[string]PresenceEntry),
		pendingPings: make(map[string]chan PongPayload),
	}
	if cfg.OnReconnect != nil {
		rt.reconnectHooks = append(rt.reconnectHooks, cfg.OnReconnect)
	}
	return rt
}

// OnReconnect registers fn to run after each automatic reconnect.
func (rt *Realtime) OnReconnect(fn func()) {
	rt.mu.Lock()
	rt.reconnectHooks = append(rt.reconnectHooks, fn)
	rt.mu.Unlock()
}

func (rt *Realtime) fireReconnected() {
	rt.mu.Lock()
	hooks := append([]func(){}, rt.reconnectHooks...)
	rt.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// State returns the current connection state.
func (rt *Realtime) State() RealtimeState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

// Connect dials and authenticates. ctx bounds the handshake only; the
// connection lives until Close.
func (rt *Realtime) Connect(ctx context.Context) error {
	rt.mu.Lock()
	if rt.state == StateConnected || rt.state == StateConnecting {
		rt.mu.Unlock()
		return nil
	}
	if rt.state == StateReconnecting {
		rt.mu.Unlock()
		return fmt.Errorf("realtime connect: reconnect in progress: %w", ErrOffline)
	}
	rt.state = StateConnecting
	rt.intentionalClose = false
	rt.mu.Unlock()

	conn, err := rt.dial(ctx)
	if err != nil {
		rt.mu.Lock()
		rt.state = StateDisconnected
		rt.mu.Unlock()
		return err
	}

	connCtx, cancel := context.WithCancel(context.Background())
	rt.mu.Lock()
	rt.conn = conn
	rt.state = StateConnected
	rt.cancelFn = cancel
	rt.mu.Unlock()
	rt.recon.markConnected()

	if err := rt.resubscribe(ctx); err != nil {
		logError(rt.config.Logger, "realtime", "Connect", "resubscribe", rt.url, err)
	}

	go rt.readLoop(connCtx, conn)
	go rt.heartbeatLoop(connCtx)
	return nil
}

func (rt *Realtime) dial(ctx context.Context) (*websocket.Conn, error) {
	u := rt.url
	if rt.config.Token != "" {
		u += "?token=" + rt.config.Token
	}
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: rt.config.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("read auth message: %w", err)
	}
	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != frameAuthenticated {
		conn.Close(websocket.StatusNormalClosure, "")
		if env.Type == frameError {
			return nil, decodeFrameError(env.Payload)
		}
		return nil, fmt.Errorf("expected '%s', got '%s'", frameAuthenticated, env.Type)
	}
	return conn, nil
}

// Close ends every stream and closes the connection.
func (rt *Realtime) Close() error {
	rt.mu.Lock()
	rt.intentionalClose = true
	if rt.cancelFn != nil {
		rt.cancelFn()
		rt.cancelFn = nil
	}
	conn := rt.conn
	rt.conn = nil
	rt.state = StateDisconnected
	var streams []interface{ Close() error }
	for _, set := range rt.changeSubs {
		for s := range set {
			streams = append(streams, s)
		}
	}
	for _, set := range rt.presenceSubs {
		for s := range set {
			streams = append(streams, s)
		}
	}
	rt.mu.Unlock()

	rt.clearPendingPings()
	for _, s := range streams {
		_ = s.Close()
	}
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// ── Subscriptions ────────────────────────────────────────

// SubscribeChanges opens a change stream for topic, connecting if needed.
func (rt *Realtime) SubscribeChanges(ctx context.Context, topic Topic) (*Subscription, error) {
	if err := rt.Connect(ctx); err != nil {
		return nil, err
	}
	key := topic.String()

	var sub *Subscription
	sub = NewStream[ChangeEvent](func() { rt.dropChangeSub(key, sub) })

	rt.mu.Lock()
	first := len(rt.changeSubs[key]) == 0
	if rt.changeSubs[key] == nil {
		rt.changeSubs[key] = make(map[*Subscription]struct{})
	}
	rt.changeSubs[key][sub] = struct{}{}
	rt.topics[key] = topic
	rt.mu.Unlock()

	if first {
		if err := rt.Send(ctx, &RealtimeCommand{Type: cmdSubscribe, Payload: topic}); err != nil {
			_ = sub.Close()
			return nil, err
		}
	}
	return sub, nil
}

func (rt *Realtime) dropChangeSub(key string, sub *Subscription) {
	rt.mu.Lock()
	delete(rt.changeSubs[key], sub)
	last := len(rt.changeSubs[key]) == 0
	topic := rt.topics[key]
	if last {
		delete(rt.changeSubs, key)
		delete(rt.topics, key)
	}
	rt.mu.Unlock()

	if last {
		_ = rt.Send(context.Background(), &RealtimeCommand{Type: cmdUnsubscribe, Payload: topic})
	}
}

// SubscribePresence opens a presence stream for a conversation.
func (rt *Realtime) SubscribePresence(ctx context.Context, conversationID string) (*PresenceSubscription, error) {
	if err := rt.Connect(ctx); err != nil {
		return nil, err
	}

	var sub *PresenceSubscription
	sub = NewStream[PresenceSync](func() { rt.dropPresenceSub(conversationID, sub) })

	rt.mu.Lock()
	first := len(rt.presenceSubs[conversationID]) == 0
	if rt.presenceSubs[conversationID] == nil {
		rt.presenceSubs[conversationID] = make(map[*PresenceSubscription]struct{})
	}
	rt.presenceSubs[conversationID][sub] = struct{}{}
	rt.mu.Unlock()

	if first {
		cmd := &RealtimeCommand{Type: cmdPresenceSubscribe, Payload: map[string]string{"conversationId": conversationID}}
		if err := rt.Send(ctx, cmd); err != nil {
			_ = sub.Close()
			return nil, err
		}
	}
	return sub, nil
}

func (rt *Realtime) dropPresenceSub(conversationID string, sub *PresenceSubscription) {
	rt.mu.Lock()
	delete(rt.presenceSubs[conversationID], sub)
	last := len(rt.presenceSubs[conversationID]) == 0
	if last {
		delete(rt.presenceSubs, conversationID)
		delete(rt.tracked, conversationID)
	}
	rt.mu.Unlock()

	if last {
		_ = rt.Send(context.Background(), &RealtimeCommand{
			Type:    cmdPresenceUnsubscribe,
			Payload: map[string]string{"conversationId": conversationID},
		})
	}
}

type trackPayload struct {
	ConversationID string `json:"conversationId"`
	PresenceEntry
}

// Track announces entry in the conversation's presence set.
func (rt *Realtime) Track(ctx context.Context, conversationID string, entry PresenceEntry) error {
	if err := rt.Connect(ctx); err != nil {
		return err
	}
	rt.mu.Lock()
	rt.tracked[conversationID] = entry
	rt.mu.Unlock()
	return rt.Send(ctx, &RealtimeCommand{
		Type:    cmdPresenceTrack,
		Payload: trackPayload{ConversationID: conversationID, PresenceEntry: entry},
	})
}

func (rt *Realtime) resubscribe(ctx context.Context) error {
	rt.mu.Lock()
	var cmds []*RealtimeCommand
	for _, topic := range rt.topics {
		cmds = append(cmds, &RealtimeCommand{Type: cmdSubscribe, Payload: topic})
	}
	for conv := range rt.presenceSubs {
		cmds = append(cmds, &RealtimeCommand{Type: cmdPresenceSubscribe, Payload: map[string]string{"conversationId": conv}})
	}
	for conv, entry := range rt.tracked {
		cmds = append(cmds, &RealtimeCommand{Type: cmdPresenceTrack, Payload: trackPayload{ConversationID: conv, PresenceEntry: entry}})
	}
	rt.mu.Unlock()

	for _, cmd := range cmds {
		if err := rt.Send(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

// Send writes a raw command.
func (rt *Realtime) Send(ctx context.Context, cmd *RealtimeCommand) error {
	rt.mu.Lock()
	conn := rt.conn
	rt.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("realtime send %s: %w", cmd.Type, ErrOffline)
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for the pong.
func (rt *Realtime) Ping(ctx context.Context) (*PongPayload, error) {
	rt.pendingMu.Lock()
	rt.pingCounter++
	requestID := fmt.Sprintf("ping-%d", rt.pingCounter)
	ch := make(chan PongPayload, 1)
	rt.pendingPings[requestID] = ch
	rt.pendingMu.Unlock()

	forget := func() {
		rt.pendingMu.Lock()
		delete(rt.pendingPings, requestID)
		rt.pendingMu.Unlock()
	}

	err := rt.Send(ctx, &RealtimeCommand{Type: cmdPing, RequestID: requestID})
	if err != nil {
		forget()
		return nil, err
	}

	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("ping %s: %w", requestID, ErrOffline)
		}
		return &pong, nil
	case <-time.After(10 * time.Second):
		forget()
		return nil, fmt.Errorf("ping timeout")
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

// ── Loops ────────────────────────────────────────────────

func (rt *Realtime) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rt.mu.Lock()
			intentional := rt.intentionalClose
			if !intentional {
				rt.state = StateDisconnected
				rt.conn = nil
				if rt.cancelFn != nil {
					rt.cancelFn()
					rt.cancelFn = nil
				}
			}
			rt.mu.Unlock()
			if intentional {
				return
			}

			logWarn(rt.config.Logger, "realtime", "readLoop", "connection lost",
				logrus.Fields{"error": err.Error(), "category": CategoryOf(err)})
			rt.clearPendingPings()
			if rt.config.AutoReconnect && rt.recon.shouldReconnect() {
				rt.scheduleReconnect()
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		rt.dispatch(ctx, env)
	}
}

func (rt *Realtime) dispatch(ctx context.Context, env RealtimeEnvelope) {
	switch env.Type {
	case frameChange:
		var ev ChangeEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			logError(rt.config.Logger, "realtime", "dispatch", "decode change", string(env.Payload), err)
			return
		}
		rt.mu.Lock()
		subs := make([]*Subscription, 0, len(rt.changeSubs[ev.Topic]))
		for s := range rt.changeSubs[ev.Topic] {
			subs = append(subs, s)
		}
		rt.mu.Unlock()
		for _, s := range subs {
			s.Push(ctx, ev)
		}

	case framePresenceSync:
		var ps PresenceSync
		if err := json.Unmarshal(env.Payload, &ps); err != nil {
			logError(rt.config.Logger, "realtime", "dispatch", "decode presence", string(env.Payload), err)
			return
		}
		rt.mu.Lock()
		subs := make([]*PresenceSubscription, 0, len(rt.presenceSubs[ps.ConversationID]))
		for s := range rt.presenceSubs[ps.ConversationID] {
			subs = append(subs, s)
		}
		rt.mu.Unlock()
		for _, s := range subs {
			s.Push(ctx, ps)
		}

	case framePong:
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

	case frameError:
		logWarn(rt.config.Logger, "realtime", "dispatch", "server error",
			logrus.Fields{"error": decodeFrameError(env.Payload).Error()})
	}
}

func decodeFrameError(payload json.RawMessage) error {
	apiErr := &APIError{}
	if err := json.Unmarshal(payload, apiErr); err != nil || apiErr.Code == "" {
		return &APIError{Code: "REALTIME_ERROR", Message: string(payload)}
	}
	return apiErr
}

func (rt *Realtime) heartbeatLoop(ctx context.Context) {
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
				// Heartbeat failed; closing makes readLoop reconnect.
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

func (rt *Realtime) scheduleReconnect() {
	for {
		delay := rt.recon.nextDelay()
		rt.mu.Lock()
		if rt.intentionalClose {
			rt.mu.Unlock()
			return
		}
		rt.state = StateReconnecting
		rt.mu.Unlock()

		logWarn(rt.config.Logger, "realtime", "scheduleReconnect", "reconnecting",
			logrus.Fields{"attempt": rt.recon.attempt, "delay": delay.String()})
		time.Sleep(delay)

		rt.mu.Lock()
		rt.state = StateDisconnected
		rt.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), rt.config.ReconnectMaxDelay)
		err := rt.Connect(ctx)
		cancel()
		if err == nil {
			rt.fireReconnected()
			return
		}
		if !rt.config.AutoReconnect || !rt.recon.shouldReconnect() {
			rt.closeStreams()
			return
		}
	}
}

// closeStreams ends every stream after reconnecting gives up.
func (rt *Realtime) closeStreams() {
	rt.mu.Lock()
	var streams []interface{ Close() error }
	for _, set := range rt.changeSubs {
		for s := range set {
			streams = append(streams, s)
		}
	}
	for _, set := range rt.presenceSubs {
		for s := range set {
			streams = append(streams, s)
		}
	}
	rt.mu.Unlock()
	for _, s := range streams {
		_ = s.Close()
	}
}

func (rt *Realtime) clearPendingPings() {
	rt.pendingMu.Lock()
	for k, ch := range rt.pendingPings {
		close(ch)
		delete(rt.pendingPings, k)
	}
	rt.pendingMu.Unlock()
}
