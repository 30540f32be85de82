package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the Socket.IO websocket channel.
type RealtimeConfig struct {
	// URL is the Socket.IO server origin, e.g. http://127.0.0.1:5001.
	URL                  string
	Path                 string
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	AckTimeout           time.Duration
	HTTPClient           *http.Client
	Logger               *slog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.Path == "" {
		c.Path = "/socket.io/"
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

func (c *RealtimeConfig) endpoint() (string, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return "", fmt.Errorf("parse socket url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.Trim(c.Path, "/") + "/"
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// SocketDialer creates SocketChannels sharing one configuration.
type SocketDialer struct {
	Config RealtimeConfig
}

func (d SocketDialer) Dial(token string) (Channel, error) {
	cfg := d.Config
	if token != "" {
		cfg.Token = token
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("socket url is required")
	}
	return NewSocketChannel(cfg), nil
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
// SocketChannel
// ============================================================================

// SocketChannel is a Socket.IO client channel over a websocket, with
// heartbeat replies, a liveness watchdog and auto-reconnect.
type SocketChannel struct {
	config *RealtimeConfig
	logger *slog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	intentionalClose bool
	cancelFn         context.CancelFunc
	lastPing         time.Time
	liveness         time.Duration
	recon            *reconnector
	stop             chan struct{}

	hmu      sync.RWMutex
	handlers map[string][]EventHandler

	pendingMu   sync.Mutex
	ackCounter  int
	pendingAcks map[int]chan []json.RawMessage
}

// NewSocketChannel creates an unopened channel.
func NewSocketChannel(config RealtimeConfig) *SocketChannel {
	cfg := config
	cfg.defaults()
	return &SocketChannel{
		config:      &cfg,
		logger:      cfg.Logger,
		recon:       newReconnector(&cfg),
		stop:        make(chan struct{}),
		handlers:    make(map[string][]EventHandler),
		pendingAcks: make(map[int]chan []json.RawMessage),
	}
}

// On registers h for event. Handlers run on the read loop goroutine.
func (s *SocketChannel) On(event string, h EventHandler) {
	s.hmu.Lock()
	s.handlers[event] = append(s.handlers[event], h)
	s.hmu.Unlock()
}

// Connected reports whether the Socket.IO namespace is joined.
func (s *SocketChannel) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Open dials the server and joins the default namespace.
func (s *SocketChannel) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	if s.intentionalClose {
		s.mu.Unlock()
		return fmt.Errorf("%w: channel closed", ErrChannelUnavailable)
	}
	s.mu.Unlock()

	if err := s.dial(ctx); err != nil {
		s.emitLifecycle(EventConnectError, map[string]string{"message": err.Error()})
		return err
	}
	s.emitLifecycle(EventConnect, nil)
	return nil
}

func (s *SocketChannel) dial(ctx context.Context) error {
	endpoint, err := s.config.endpoint()
	if err != nil {
		return err
	}
	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{HTTPClient: s.config.HTTPClient})
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	open, err := s.handshake(ctx, conn)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return err
	}

	connCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.intentionalClose {
		s.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return fmt.Errorf("%w: channel closed", ErrChannelUnavailable)
	}
	s.conn = conn
	s.cancelFn = cancel
	s.lastPing = time.Now()
	s.liveness = open.liveness()
	s.mu.Unlock()
	s.recon.markConnected()

	go s.readLoop(connCtx, conn)
	go s.watchdog(connCtx, conn)
	return nil
}

// handshake reads the Engine.IO open packet, sends the namespace CONNECT
// with the auth token and waits for the server's verdict.
func (s *SocketChannel) handshake(ctx context.Context, conn *websocket.Conn) (engineOpen, error) {
	var open engineOpen
	_, data, err := conn.Read(ctx)
	if err != nil {
		return open, fmt.Errorf("read open packet: %w", err)
	}
	t, rest, err := splitEngine(string(data))
	if err != nil || t != eioOpen {
		return open, fmt.Errorf("expected engine.io open packet, got %q", data)
	}
	if err := json.Unmarshal([]byte(rest), &open); err != nil {
		return open, fmt.Errorf("decode open packet: %w", err)
	}

	var auth any
	if s.config.Token != "" {
		auth = map[string]string{"token": s.config.Token}
	}
	frame, err := encodeConnect(auth)
	if err != nil {
		return open, err
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
		return open, fmt.Errorf("send connect: %w", err)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return open, fmt.Errorf("read connect reply: %w", err)
		}
		t, rest, err := splitEngine(string(data))
		if err != nil {
			return open, err
		}
		switch t {
		case eioPing:
			if err := conn.Write(ctx, websocket.MessageText, []byte{eioPong}); err != nil {
				return open, fmt.Errorf("send pong: %w", err)
			}
			continue
		case eioMessage:
		default:
			continue
		}
		p, err := decodeSocketPacket(rest)
		if err != nil {
			return open, err
		}
		switch p.Type {
		case sioConnect:
			return open, nil
		case sioConnectError:
			return open, fmt.Errorf("socket.io connect refused: %s", connectErrorMessage(p.Data))
		}
	}
}

// Close disconnects for good; the channel does not reconnect afterwards.
func (s *SocketChannel) Close() error {
	s.mu.Lock()
	if s.intentionalClose {
		s.mu.Unlock()
		return nil
	}
	s.intentionalClose = true
	close(s.stop)
	stopLoop := s.cancelFn
	s.cancelFn = nil
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	s.failPendingAcks()

	var err error
	if conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = conn.Write(ctx, websocket.MessageText, []byte{eioMessage, sioDisconnect})
		cancel()
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if stopLoop != nil {
		stopLoop()
	}
	s.emitLifecycle(EventDisconnect, map[string]string{"reason": "io client disconnect"})
	return err
}

// Emit sends an event without waiting for an acknowledgement.
func (s *SocketChannel) Emit(ctx context.Context, event string, payload any) error {
	conn := s.current()
	if conn == nil {
		return fmt.Errorf("%w: not connected", ErrChannelUnavailable)
	}
	frame, err := encodeEvent(-1, event, payload)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, []byte(frame))
}

// EmitWithAck sends an event and waits for the server's ACK arguments.
func (s *SocketChannel) EmitWithAck(ctx context.Context, event string, payload any) ([]json.RawMessage, error) {
	conn := s.current()
	if conn == nil {
		return nil, fmt.Errorf("%w: not connected", ErrChannelUnavailable)
	}

	s.pendingMu.Lock()
	id := s.ackCounter
	s.ackCounter++
	ch := make(chan []json.RawMessage, 1)
	s.pendingAcks[id] = ch
	s.pendingMu.Unlock()

	frame, err := encodeEvent(id, event, payload)
	if err == nil {
		err = conn.Write(ctx, websocket.MessageText, []byte(frame))
	}
	if err != nil {
		s.dropAck(id)
		return nil, err
	}

	timer := time.NewTimer(s.config.AckTimeout)
	defer timer.Stop()
	select {
	case args, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%w: connection closed before ack", ErrChannelUnavailable)
		}
		return args, nil
	case <-timer.C:
		s.dropAck(id)
		return nil, fmt.Errorf("ack timeout for %s", event)
	case <-ctx.Done():
		s.dropAck(id)
		return nil, ctx.Err()
	}
}

func (s *SocketChannel) current() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// ============================================================================
// Read loop
// ============================================================================

func (s *SocketChannel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			s.handleLoss(conn, "transport close", err)
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		if done := s.handleFrame(ctx, conn, string(data)); done {
			return
		}
	}
}

// handleFrame processes one frame and reports whether the read loop must
// stop.
func (s *SocketChannel) handleFrame(ctx context.Context, conn *websocket.Conn, frame string) bool {
	t, rest, err := splitEngine(frame)
	if err != nil {
		s.logger.Warn("socket.io frame ignored", "error", err)
		return false
	}
	switch t {
	case eioPing:
		s.mu.Lock()
		s.lastPing = time.Now()
		s.mu.Unlock()
		if err := conn.Write(ctx, websocket.MessageText, []byte{eioPong}); err != nil {
			s.logger.Warn("socket.io pong failed", "error", err)
		}
	case eioClose:
		conn.Close(websocket.StatusNormalClosure, "")
		s.handleLoss(conn, "transport close", nil)
		return true
	case eioMessage:
		p, err := decodeSocketPacket(rest)
		if err != nil {
			s.logger.Warn("socket.io packet ignored", "error", err)
			return false
		}
		return s.handlePacket(ctx, conn, p)
	}
	return false
}

func (s *SocketChannel) handlePacket(ctx context.Context, conn *websocket.Conn, p socketPacket) bool {
	if p.Namespace != "/" {
		return false
	}
	switch p.Type {
	case sioEvent:
		var payload json.RawMessage
		if len(p.Args) > 0 {
			payload = p.Args[0]
		}
		s.dispatch(p.Event, payload)
		if p.HasID {
			reply := fmt.Sprintf("%c%c%d[]", eioMessage, sioAck, p.ID)
			if err := conn.Write(ctx, websocket.MessageText, []byte(reply)); err != nil {
				s.logger.Warn("socket.io ack reply failed", "error", err)
			}
		}
	case sioAck:
		s.pendingMu.Lock()
		ch, ok := s.pendingAcks[p.ID]
		delete(s.pendingAcks, p.ID)
		s.pendingMu.Unlock()
		if ok {
			ch <- p.Args
		}
	case sioDisconnect:
		// The server kicked us out of the namespace; socket.io clients do
		// not reconnect after that.
		s.mu.Lock()
		s.intentionalClose = true
		s.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		s.failPendingAcks()
		s.emitLifecycle(EventDisconnect, map[string]string{"reason": "io server disconnect"})
		return true
	}
	return false
}

func (s *SocketChannel) watchdog(ctx context.Context, conn *websocket.Conn) {
	s.mu.Lock()
	liveness := s.liveness
	s.mu.Unlock()
	ticker := time.NewTicker(liveness / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			stale := time.Since(s.lastPing) > liveness
			s.mu.Unlock()
			if stale {
				s.logger.Warn("socket.io ping timeout", "liveness", liveness)
				conn.Close(websocket.StatusGoingAway, "ping timeout")
				return
			}
		}
	}
}

func (s *SocketChannel) handleLoss(conn *websocket.Conn, reason string, cause error) {
	s.mu.Lock()
	if s.intentionalClose || s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	if s.cancelFn != nil {
		s.cancelFn()
		s.cancelFn = nil
	}
	s.mu.Unlock()

	s.failPendingAcks()
	if cause != nil {
		s.logger.Warn("socket.io connection lost", "error", cause)
	}
	s.emitLifecycle(EventDisconnect, map[string]string{"reason": reason})

	if s.config.AutoReconnect {
		s.reconnect()
	}
}

func (s *SocketChannel) reconnect() {
	for s.recon.shouldReconnect() {
		delay := s.recon.nextDelay()
		s.emitLifecycle(EventReconnecting, map[string]any{
			"attempt":  s.recon.attempt,
			"delay_ms": delay.Milliseconds(),
		})
		s.logger.Info("socket.io reconnecting", "attempt", s.recon.attempt, "delay", delay)

		select {
		case <-s.stop:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.config.ReconnectMaxDelay)
		err := s.dial(ctx)
		cancel()
		if err == nil {
			s.recon.attempt = 0
			s.emitLifecycle(EventConnect, nil)
			return
		}
		s.emitLifecycle(EventConnectError, map[string]string{"message": err.Error()})
	}
	s.logger.Error("socket.io reconnect attempts exhausted", "attempts", s.recon.attempt)
}

func (s *SocketChannel) dispatch(event string, payload json.RawMessage) {
	s.hmu.RLock()
	handlers := append([]EventHandler{}, s.handlers[event]...)
	s.hmu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if v := recover(); v != nil {
					s.logger.Error("socket.io handler panicked", "event", event, "panic", v)
				}
			}()
			h(payload)
		}()
	}
}

func (s *SocketChannel) emitLifecycle(event string, payload any) {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	s.dispatch(event, raw)
}

func (s *SocketChannel) dropAck(id int) {
	s.pendingMu.Lock()
	delete(s.pendingAcks, id)
	s.pendingMu.Unlock()
}

func (s *SocketChannel) failPendingAcks() {
	s.pendingMu.Lock()
	for id, ch := range s.pendingAcks {
		close(ch)
		delete(s.pendingAcks, id)
	}
	s.pendingMu.Unlock()
}
