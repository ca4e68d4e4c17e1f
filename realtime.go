package pomi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

var (
	// ErrNotConnected is returned by sends while the socket is down.
	ErrNotConnected = errors.New("pomi: realtime not connected")
	// ErrAuthFailed is returned when the server rejects the handshake.
	ErrAuthFailed = errors.New("pomi: realtime authentication failed")
	// ErrIdentityBound is returned when Connect is called for a different
	// user while a connection is live. Use Reconnect to switch identity.
	ErrIdentityBound = errors.New("pomi: realtime connection bound to another identity")
)

// Transport is the realtime connection the Messenger drives. WSTransport
// is the production implementation.
type Transport interface {
	Connect(ctx context.Context, userID string) error
	Disconnect() error
	Connected() bool
	Send(ctx context.Context, msg OutboundMessage) error
	SendTyping(ctx context.Context, recipientID string, typing bool) error
	Events() *EventBus
}

// ============================================================================
// Wire Types
// ============================================================================

// Envelope is the wire format for all realtime frames.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Command is a client-to-server frame.
type Command struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

const (
	cmdAuthenticate = "authenticate"
	cmdSendMessage  = "message.send"
	cmdTypingStart  = "typing.start"
	cmdTypingStop   = "typing.stop"

	frameError = "error"
)

type authPayload struct {
	Token  string `json:"token"`
	UserID string `json:"userId,omitempty"`
}

type typingPayload struct {
	RecipientID string `json:"recipientId"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// decodeEvent maps a server frame to a bus event. Unknown types return nil.
func decodeEvent(env Envelope) (Event, error) {
	var (
		ev  Event
		err error
	)
	switch EventName(env.Type) {
	case EventAuthenticated:
		var p Authenticated
		err = json.Unmarshal(env.Payload, &p)
		ev = p
	case EventAuthFailed:
		var p AuthFailed
		err = json.Unmarshal(env.Payload, &p)
		ev = p
	case EventMessage:
		var p Message
		err = json.Unmarshal(env.Payload, &p)
		ev = MessageReceived{Message: p}
	case EventDelivered:
		var p MessageDelivered
		err = json.Unmarshal(env.Payload, &p)
		ev = p
	case EventTypingStart:
		var p TypingStarted
		err = json.Unmarshal(env.Payload, &p)
		ev = p
	case EventTypingStop:
		var p TypingStopped
		err = json.Unmarshal(env.Payload, &p)
		ev = p
	case EventPeerOnline:
		var p PeerOnline
		err = json.Unmarshal(env.Payload, &p)
		ev = p
	case EventPeerOffline:
		var p PeerOffline
		err = json.Unmarshal(env.Payload, &p)
		ev = p
	case EventPresenceSnapshot:
		var p PresenceSnapshot
		err = json.Unmarshal(env.Payload, &p)
		ev = p
	case frameError:
		var p errorPayload
		err = json.Unmarshal(env.Payload, &p)
		ev = ConnectionError{Err: fmt.Errorf("server error: %s", p.Message)}
	default:
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return ev, nil
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the websocket transport.
type RealtimeConfig struct {
	// AutoReconnect redials with backoff after an unexpected close. It is
	// opt-in; the zero value leaves reconnecting to the caller.
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HandshakeTimeout     time.Duration
	Logger               *slog.Logger
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
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
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
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

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

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// WSTransport
// ============================================================================

// WSTransport is the websocket Transport. One instance holds at most one
// live connection bound to one user identity.
type WSTransport struct {
	url    string
	creds  Credentials
	config *RealtimeConfig
	logger *slog.Logger
	bus    *EventBus
	recon  *reconnector

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	userID           string
	intentionalClose bool
	cancelFn         context.CancelFunc
	// session is bumped by every Connect and Disconnect. A dial or
	// reconnect loop started for an older session gives up.
	session          uint64

	writeMu sync.Mutex
}

// NewWSTransport creates a websocket transport for the given endpoint
// (ws:// or wss://). Call Connect to establish the connection.
func NewWSTransport(endpoint string, creds Credentials, config *RealtimeConfig) *WSTransport {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &WSTransport{
		url:    endpoint,
		creds:  creds,
		config: &cfg,
		logger: cfg.Logger,
		bus:    NewEventBus(cfg.Logger),
		recon:  newReconnector(&cfg),
		state:  StateDisconnected,
	}
}

// Realtime creates a websocket transport against the client's base URL
// using the client's credentials.
func (c *Client) Realtime(config *RealtimeConfig) *WSTransport {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.Logger == nil {
		cfg.Logger = c.logger
	}
	return NewWSTransport(c.WSURL(), c.creds, &cfg)
}

// WSURL returns the websocket endpoint derived from the base URL.
func (c *Client) WSURL() string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/ws"
}

// Events returns the bus inbound events are published on.
func (ws *WSTransport) Events() *EventBus {
	return ws.bus
}

// State returns the current connection state.
func (ws *WSTransport) State() RealtimeState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Connected reports whether the socket is up and authenticated.
func (ws *WSTransport) Connected() bool {
	return ws.State() == StateConnected
}

// UserID returns the identity the connection is bound to.
func (ws *WSTransport) UserID() string {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.userID
}

// Connect dials and authenticates. It is a no-op when already connected as
// userID. With no usable credential it logs and returns nil, leaving the
// transport disconnected so callers keep using REST.
func (ws *WSTransport) Connect(ctx context.Context, userID string) error {
	token := ""
	if ws.creds != nil {
		token = ws.creds.Token()
	}
	if token == "" {
		ws.logger.Warn("realtime connect skipped: no credential", "user_id", userID)
		return nil
	}
	if claims, err := ParseTokenClaims(token); err == nil {
		if claims.Expired(time.Now()) {
			ws.logger.Warn("realtime connect skipped: credential expired",
				"user_id", userID, "expired_at", claims.ExpiresAt)
			return nil
		}
		if userID == "" {
			userID = claims.Subject
		}
	}

	ws.mu.Lock()
	switch ws.state {
	case StateConnected, StateConnecting, StateReconnecting:
		bound := ws.userID
		ws.mu.Unlock()
		if bound == userID {
			return nil
		}
		return fmt.Errorf("%w: connected as %q, requested %q", ErrIdentityBound, bound, userID)
	}
	ws.state = StateConnecting
	ws.userID = userID
	ws.intentionalClose = false
	ws.session++
	session := ws.session
	ws.mu.Unlock()

	return ws.dial(ctx, token, session)
}

// Reconnect drops any live connection and connects as userID.
func (ws *WSTransport) Reconnect(ctx context.Context, userID string) error {
	if err := ws.Disconnect(); err != nil {
		ws.logger.Debug("disconnect before reconnect", "error", err)
	}
	ws.mu.Lock()
	ws.recon.reset()
	ws.mu.Unlock()
	return ws.Connect(ctx, userID)
}

// dial connects for session. A socket that finishes dialing after its
// session was superseded is closed instead of installed.
func (ws *WSTransport) dial(ctx context.Context, token string, session uint64) error {
	conn, _, err := websocket.Dial(ctx, ws.url, nil)
	if err != nil {
		ws.setState(session, StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	user, err := ws.handshake(ctx, conn, token)
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, "authentication failed")
		ws.setState(session, StateDisconnected)
		return err
	}

	// The connection outlives the caller's dial context.
	loopCtx, cancel := context.WithCancel(context.Background())

	ws.mu.Lock()
	if ws.intentionalClose || ws.session != session {
		ws.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "superseded")
		return nil
	}
	old, oldCancel := ws.conn, ws.cancelFn
	ws.conn = conn
	ws.state = StateConnected
	ws.cancelFn = cancel
	if user.UserID != "" && ws.userID == "" {
		ws.userID = user.UserID
	}
	ws.recon.markConnected()
	ws.mu.Unlock()

	// At most one socket per transport: retire whatever was installed.
	if oldCancel != nil {
		oldCancel()
	}
	if old != nil {
		old.Close(websocket.StatusNormalClosure, "superseded")
	}

	ws.logger.Info("realtime connected", "user_id", ws.UserID())
	ws.bus.Publish(user)

	go ws.readLoop(loopCtx, conn)
	go ws.heartbeatLoop(loopCtx, conn)
	return nil
}

func (ws *WSTransport) handshake(ctx context.Context, conn *websocket.Conn, token string) (Authenticated, error) {
	hctx, cancel := context.WithTimeout(ctx, ws.config.HandshakeTimeout)
	defer cancel()

	cmd := Command{Type: cmdAuthenticate, Payload: authPayload{Token: token, UserID: ws.UserID()}}
	data, err := json.Marshal(cmd)
	if err != nil {
		return Authenticated{}, err
	}
	if err := conn.Write(hctx, websocket.MessageText, data); err != nil {
		return Authenticated{}, fmt.Errorf("write authenticate: %w", err)
	}

	_, data, err = conn.Read(hctx)
	if err != nil {
		return Authenticated{}, fmt.Errorf("read auth response: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Authenticated{}, fmt.Errorf("decode auth response: %w", err)
	}

	switch EventName(env.Type) {
	case EventAuthenticated:
		var p Authenticated
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return Authenticated{}, fmt.Errorf("decode authenticated: %w", err)
			}
		}
		return p, nil
	case EventAuthFailed:
		var p AuthFailed
		_ = json.Unmarshal(env.Payload, &p)
		ws.logger.Warn("realtime authentication rejected", "user_id", ws.UserID(), "reason", p.Message)
		ws.bus.Publish(p)
		return Authenticated{}, fmt.Errorf("%w: %s", ErrAuthFailed, p.Message)
	default:
		return Authenticated{}, fmt.Errorf("expected 'authenticated', got '%s'", env.Type)
	}
}

// Disconnect gracefully closes the connection and disables reconnects.
func (ws *WSTransport) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	ws.session++
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	wasConnected := ws.state != StateDisconnected
	ws.conn = nil
	ws.state = StateDisconnected
	ws.mu.Unlock()

	if wasConnected {
		ws.bus.Publish(Disconnected{Reason: "client disconnect", Intentional: true})
	}
	if conn != nil {
		// The read loop may already have torn the socket down when its
		// context was cancelled; a failed close handshake is not an error.
		if err := conn.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
			ws.logger.Debug("websocket close", "error", err)
		}
	}
	return nil
}

// Send publishes an outbound message. Delivery is confirmed later by a
// MessageDelivered event carrying msg.CorrelationID.
func (ws *WSTransport) Send(ctx context.Context, msg OutboundMessage) error {
	return ws.write(ctx, Command{Type: cmdSendMessage, Payload: msg})
}

// SendTyping publishes a typing start or stop indicator to recipientID.
func (ws *WSTransport) SendTyping(ctx context.Context, recipientID string, typing bool) error {
	typ := cmdTypingStop
	if typing {
		typ = cmdTypingStart
	}
	return ws.write(ctx, Command{Type: typ, Payload: typingPayload{RecipientID: recipientID}})
}

func (ws *WSTransport) write(ctx context.Context, cmd Command) error {
	ws.mu.Lock()
	conn := ws.conn
	connected := ws.state == StateConnected
	ws.mu.Unlock()

	if conn == nil || !connected {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// setState updates the state unless session has been superseded.
func (ws *WSTransport) setState(session uint64, s RealtimeState) {
	ws.mu.Lock()
	if ws.session == session {
		ws.state = s
	}
	ws.mu.Unlock()
}

// readLoop publishes frames in arrival order on this goroutine.
func (ws *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			current := ws.conn == conn
			session := ws.session
			if current {
				ws.state = StateDisconnected
				ws.conn = nil
				if ws.cancelFn != nil {
					ws.cancelFn()
					ws.cancelFn = nil
				}
			}
			ws.mu.Unlock()
			if intentional || !current {
				return
			}

			ws.logger.Warn("realtime connection lost", "error", err)
			ws.bus.Publish(Disconnected{Reason: err.Error()})

			if ws.config.AutoReconnect {
				ws.reconnectLoop(session)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			ws.logger.Debug("dropping malformed frame", "error", err)
			continue
		}
		ev, err := decodeEvent(env)
		if err != nil {
			ws.logger.Warn("dropping undecodable frame", "type", env.Type, "error", err)
			continue
		}
		if ev == nil {
			ws.logger.Debug("ignoring unknown frame", "type", env.Type)
			continue
		}
		ws.bus.Publish(ev)
	}
}

func (ws *WSTransport) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, ws.config.HandshakeTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				ws.logger.Warn("realtime heartbeat failed", "error", err)
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// reconnectLoop redials for session until it succeeds, the attempts run
// out, or a Connect or Disconnect supersedes the session.
func (ws *WSTransport) reconnectLoop(session uint64) {
	for {
		ws.mu.Lock()
		if ws.intentionalClose || ws.session != session {
			ws.mu.Unlock()
			return
		}
		if !ws.recon.shouldReconnect() {
			attempts := ws.recon.attempt
			ws.state = StateDisconnected
			ws.mu.Unlock()
			ws.logger.Error("realtime reconnect attempts exhausted", "attempts", attempts)
			return
		}
		delay := ws.recon.nextDelay()
		attempt := ws.recon.attempt
		ws.state = StateReconnecting
		ws.mu.Unlock()

		ws.bus.Publish(Reconnecting{Attempt: attempt, Delay: delay})
		time.Sleep(delay)

		ws.mu.Lock()
		if ws.intentionalClose || ws.session != session {
			ws.mu.Unlock()
			return
		}
		ws.state = StateConnecting
		ws.mu.Unlock()

		token := ""
		if ws.creds != nil {
			token = ws.creds.Token()
		}
		if token == "" {
			ws.setState(session, StateDisconnected)
			ws.logger.Warn("realtime reconnect abandoned: no credential")
			return
		}

		err := ws.dial(context.Background(), token, session)
		if err == nil {
			return
		}
		ws.bus.Publish(ConnectionError{Err: err})
		if errors.Is(err, ErrAuthFailed) {
			return
		}
	}
}
