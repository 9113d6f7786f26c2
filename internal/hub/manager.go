// Package hub maintains named realtime push sessions to the backend
// eventing endpoint. Each hub is a WebSocket session with subscribed
// method names; inbound messages are republished on a per-hub bus so
// consumers never touch the transport. A manual reconnection policy
// with token refresh is layered on top of the dial-time retry
// schedule that rides out short blips.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	"github.com/awheeler/fieldsync/internal/auth"
	fserrors "github.com/awheeler/fieldsync/internal/errors"
)

const (
	// GeolocationHubName marks the hub that authenticates through an
	// access_token query parameter instead of a bearer header. Some
	// transport fallbacks drop custom headers for this hub.
	GeolocationHubName = "geolocationHub"

	// maxReconnectAttempts and reconnectInterval govern the manual
	// reconnection cycle after a session fully closes.
	maxReconnectAttempts = 5
	reconnectInterval    = 5 * time.Second

	// Heartbeat: ping when the link has been quiet, give up when the
	// server has been silent too long.
	pingAfter        = 10 * time.Second
	disconnectAfter  = 120 * time.Second
	heartbeatCheckAt = 20 * time.Second
)

// dialRetryDelays is the progressive schedule applied to dial attempts
// within a single Connect, riding out short network blips before the
// manual reconnection policy has to get involved.
var dialRetryDelays = []time.Duration{0, 2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second}

var pingFrame = []byte(`{"type":"ping"}`)
var pongFrame = []byte(`{"type":"pong"}`)

// wsConn abstracts the WebSocket connection so the manager can be
// tested with a mock transport.
//
//go:generate mockgen -source=manager.go -destination=mock_conn_test.go -package=hub -mock_names=wsConn=MockWSConn wsConn
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// dialFunc opens a transport connection. Replaced in tests.
type dialFunc func(ctx context.Context, target string, header http.Header) (wsConn, error)

func defaultDial(ctx context.Context, target string, header http.Header) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// SessionConfig describes one named hub session.
type SessionConfig struct {
	// Name is the hub path segment appended to BaseURL and the key all
	// manager operations use.
	Name string `yaml:"name"`

	// BaseURL is the eventing endpoint base. A missing trailing slash
	// is normalized before the hub name is appended.
	BaseURL string `yaml:"baseUrl"`

	// Methods are the subscribed event names republished on the bus.
	Methods []string `yaml:"methods"`
}

// inboundMsg wraps a message read from the WebSocket by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// invokeOp is a remote call submitted to the session event loop, which
// owns all writes to the connection.
type invokeOp struct {
	data   []byte
	result chan error
}

type session struct {
	cfg     SessionConfig
	conn    wsConn
	bus     *Bus
	methods map[string]bool
	cancel  context.CancelFunc
	done    <-chan struct{}

	opCh      chan invokeOp
	inboundCh chan inboundMsg

	lastMessage time.Time
	lastMsgMu   sync.Mutex
}

func (s *session) touchLastMessage() {
	s.lastMsgMu.Lock()
	s.lastMessage = time.Now()
	s.lastMsgMu.Unlock()
}

func (s *session) sinceLastMessage() time.Duration {
	s.lastMsgMu.Lock()
	defer s.lastMsgMu.Unlock()

	return time.Since(s.lastMessage)
}

// startReader launches a goroutine that reads from the WebSocket and
// feeds inboundCh. The channel is captured by value so a goroutine
// from a previous connection can never feed a newer session.
func (s *session) startReader(connCtx context.Context) {
	ch := make(chan inboundMsg, 64)
	s.inboundCh = ch
	go func() {
		for {
			typ, data, err := s.conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
}

// Manager owns all hub sessions. Bookkeeping (bus, reconnect counter)
// is keyed by hub name and survives transport drops; only Disconnect
// removes it.
type Manager struct {
	tokens auth.TokenProvider
	logger *slog.Logger
	dial   dialFunc

	runCtx    context.Context
	runCancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session
	buses    map[string]*Bus
	attempts map[string]int
}

// NewManager creates a connection manager. tokens supplies bearer
// tokens per dial attempt and refreshes them during manual reconnects.
func NewManager(tokens auth.TokenProvider, logger *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		tokens:    tokens,
		logger:    logger,
		dial:      defaultDial,
		runCtx:    ctx,
		runCancel: cancel,
		sessions:  make(map[string]*session),
		buses:     make(map[string]*Bus),
		attempts:  make(map[string]int),
	}
}

// Connect establishes the named hub session. Calling Connect for a hub
// that is already connected is a no-op.
func (m *Manager) Connect(ctx context.Context, cfg SessionConfig) error {
	m.mu.Lock()
	if _, ok := m.sessions[cfg.Name]; ok {
		m.mu.Unlock()
		m.logger.Info("hub already connected", slog.String("hub", cfg.Name))
		return nil
	}
	bus, ok := m.buses[cfg.Name]
	if !ok {
		bus = NewBus()
		m.buses[cfg.Name] = bus
	}
	m.mu.Unlock()

	conn, err := m.dialWithSchedule(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connecting hub %s: %w", cfg.Name, err)
	}

	methods := make(map[string]bool, len(cfg.Methods))
	for _, method := range cfg.Methods {
		methods[method] = true
	}

	connCtx, cancel := context.WithCancel(m.runCtx)
	s := &session{
		cfg:     cfg,
		conn:    conn,
		bus:     bus,
		methods: methods,
		cancel:  cancel,
		done:    connCtx.Done(),
		opCh:    make(chan invokeOp, 16),
	}
	s.touchLastMessage()

	m.mu.Lock()
	if _, ok := m.sessions[cfg.Name]; ok {
		// Lost a race with a concurrent Connect for the same hub.
		m.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "duplicate session")
		return nil
	}
	m.sessions[cfg.Name] = s
	m.attempts[cfg.Name] = 0
	m.mu.Unlock()

	s.startReader(connCtx)
	go m.runSession(connCtx, s)

	m.logger.Info("hub connected",
		slog.String("hub", cfg.Name),
		slog.Int("methods", len(cfg.Methods)),
	)

	return nil
}

// dialWithSchedule attempts the transport dial over the progressive
// delay schedule. Credentials are rebuilt per attempt so a token
// refreshed elsewhere is picked up without reconnecting.
func (m *Manager) dialWithSchedule(ctx context.Context, cfg SessionConfig) (wsConn, error) {
	var lastErr error

	for i, delay := range dialRetryDelays {
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		conn, err := m.dialOnce(ctx, cfg)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		m.logger.Warn("hub dial failed",
			slog.String("hub", cfg.Name),
			slog.Int("attempt", i+1),
			slog.String("error", err.Error()),
		)
	}

	return nil, lastErr
}

func (m *Manager) dialOnce(ctx context.Context, cfg SessionConfig) (wsConn, error) {
	target := targetURL(cfg.BaseURL, cfg.Name)
	header := http.Header{}

	token := m.tokens.AccessToken()
	if cfg.Name == GeolocationHubName {
		target = withAccessToken(target, token)
	} else if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	return m.dial(ctx, target, header)
}

// runSession tears the session down when the event loop exits and
// decides whether the close warrants a manual reconnection cycle.
func (m *Manager) runSession(ctx context.Context, s *session) {
	err := m.eventLoop(ctx, s)

	s.cancel()

	m.mu.Lock()
	current := m.sessions[s.cfg.Name] == s
	if current {
		delete(m.sessions, s.cfg.Name)
	}
	m.mu.Unlock()

	if !current || ctx.Err() != nil {
		// Deliberate disconnect or manager shutdown.
		return
	}

	m.logger.Warn("hub connection closed",
		slog.String("hub", s.cfg.Name),
		slog.String("error", err.Error()),
	)
	s.conn.Close(websocket.StatusGoingAway, "connection lost")

	go m.reconnectLoop(s.cfg)
}

// eventLoop owns all writes for one connection. It processes inbound
// frames, invoke submissions, and heartbeat ticks until the connection
// drops or the session is cancelled.
func (m *Manager) eventLoop(ctx context.Context, s *session) error {
	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	for {
		select {
		case msg := <-s.inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading message: %w", msg.err)
			}
			s.touchLastMessage()

			if msg.typ != websocket.MessageText {
				m.logger.Debug("ignoring non-text frame",
					slog.String("hub", s.cfg.Name),
					slog.Int("bytes", len(msg.data)),
				)
				continue
			}

			if err := m.handleFrame(ctx, s, msg.data); err != nil {
				return err
			}

		case op := <-s.opCh:
			err := s.conn.Write(ctx, websocket.MessageText, op.data)
			op.result <- err
			if err != nil {
				return fmt.Errorf("writing invoke: %w", err)
			}

		case <-ticker.C:
			elapsed := s.sinceLastMessage()

			if elapsed > disconnectAfter {
				m.logger.Warn("hub timed out, closing", slog.String("hub", s.cfg.Name))
				s.conn.Close(websocket.StatusGoingAway, "timeout")
				return fmt.Errorf("heartbeat timeout")
			}

			if elapsed > pingAfter {
				if err := s.conn.Write(ctx, websocket.MessageText, pingFrame); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleFrame routes one inbound text frame: heartbeat traffic is
// answered inline, subscribed methods are republished on the hub's bus.
func (m *Manager) handleFrame(ctx context.Context, s *session, data []byte) error {
	switch gjson.GetBytes(data, "type").Str {
	case "pong":
		return nil
	case "ping":
		if err := s.conn.Write(ctx, websocket.MessageText, pongFrame); err != nil {
			return fmt.Errorf("answering ping: %w", err)
		}
		return nil
	}

	target := gjson.GetBytes(data, "target").Str
	if target == "" {
		m.logger.Debug("frame without target", slog.String("hub", s.cfg.Name))
		return nil
	}
	if !s.methods[target] {
		m.logger.Debug("frame for unsubscribed method",
			slog.String("hub", s.cfg.Name),
			slog.String("method", target),
		)
		return nil
	}

	payload := gjson.GetBytes(data, "payload")
	s.bus.Publish(target, json.RawMessage(payload.Raw))

	return nil
}

// reconnectLoop is the manual reconnection cycle that runs after a
// session fully closes: up to maxReconnectAttempts, a fixed interval
// apart, refreshing the access token before each attempt. A refresh
// failure aborts the whole cycle; a successful Connect resets the
// counter. After the final failed attempt the hub stays disconnected
// until an external trigger calls Connect again.
func (m *Manager) reconnectLoop(cfg SessionConfig) {
	for {
		m.mu.Lock()
		attempt := m.attempts[cfg.Name] + 1
		if attempt > maxReconnectAttempts {
			m.mu.Unlock()
			m.logger.Error("hub reached max reconnect attempts",
				slog.String("hub", cfg.Name),
				slog.Int("attempts", maxReconnectAttempts),
			)
			return
		}
		m.attempts[cfg.Name] = attempt
		m.mu.Unlock()

		timer := time.NewTimer(reconnectInterval)
		select {
		case <-m.runCtx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		m.logger.Info("reconnecting hub",
			slog.String("hub", cfg.Name),
			slog.Int("attempt", attempt),
			slog.Int("max", maxReconnectAttempts),
		)

		if err := m.tokens.Refresh(m.runCtx); err != nil {
			m.logger.Warn("token refresh failed, aborting reconnect cycle",
				slog.String("hub", cfg.Name),
				slog.String("error", err.Error()),
			)
			return
		}

		if err := m.Connect(m.runCtx, cfg); err != nil {
			m.logger.Warn("hub reconnect attempt failed",
				slog.String("hub", cfg.Name),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			continue
		}

		return
	}
}

// Disconnect stops the named hub and removes all bookkeeping for it.
// No-op if the hub is not known.
func (m *Manager) Disconnect(name string) {
	m.mu.Lock()
	s := m.sessions[name]
	delete(m.sessions, name)
	delete(m.buses, name)
	delete(m.attempts, name)
	m.mu.Unlock()

	if s == nil {
		m.logger.Debug("disconnect for unconnected hub", slog.String("hub", name))
		return
	}

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "bye")

	m.logger.Info("hub disconnected", slog.String("hub", name))
}

// Connected reports whether the named hub has a live session.
func (m *Manager) Connected(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.sessions[name]

	return ok
}

// Invoke fires a remote call on an existing session. Logged no-op
// returning ErrNotConnected when the hub is down.
func (m *Manager) Invoke(ctx context.Context, name, method string, payload any) error {
	m.mu.Lock()
	s := m.sessions[name]
	m.mu.Unlock()

	if s == nil {
		m.logger.Warn("invoke on disconnected hub",
			slog.String("hub", name),
			slog.String("method", method),
		)
		return fserrors.ErrNotConnected
	}

	frame, err := json.Marshal(struct {
		Type    string `json:"type"`
		Target  string `json:"target"`
		Payload any    `json:"payload,omitempty"`
	}{Type: "invoke", Target: method, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshalling invoke: %w", err)
	}

	op := invokeOp{data: frame, result: make(chan error, 1)}

	select {
	case s.opCh <- op:
	case <-s.done:
		return fserrors.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-op.result:
		return err
	case <-s.done:
		// The session died with the op still queued. The result is
		// buffered, so catch a write that raced the teardown.
		select {
		case err := <-op.result:
			return err
		default:
		}
		return fserrors.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// On subscribes a handler to a method on the named hub's bus. The bus
// exists independently of the transport, so subscriptions made before
// Connect or across reconnects are preserved. Returns an unsubscribe func.
func (m *Manager) On(hubName, method string, h Handler) func() {
	m.mu.Lock()
	bus, ok := m.buses[hubName]
	if !ok {
		bus = NewBus()
		m.buses[hubName] = bus
	}
	m.mu.Unlock()

	return bus.Subscribe(method, h)
}

// Close disconnects every hub and stops all background work.
func (m *Manager) Close() {
	m.runCancel()

	m.mu.Lock()
	names := make([]string, 0, len(m.sessions))
	for name := range m.sessions {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		m.Disconnect(name)
	}
}

// targetURL joins the eventing base URL and hub name with exactly one
// separating slash.
func targetURL(base, hubName string) string {
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}

	return base + hubName
}

// withAccessToken appends the percent-encoded token as an access_token
// query parameter, merging with & when a query string already exists.
func withAccessToken(target, token string) string {
	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}

	return target + sep + "access_token=" + url.QueryEscape(token)
}
