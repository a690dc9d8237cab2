package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"sfugate/internal/core/domain"
	"sfugate/internal/core/ports"
	"sfugate/internal/core/services"
	apperrors "sfugate/pkg/errors"
	"sfugate/pkg/tracing"
	"sfugate/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Config struct {
	DefaultRoom    string
	AllowedOrigins []string

	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	SendBuffer     int
	MaxMessageSize int64

	// MessagesPerSecond limits client requests per connection; zero disables it.
	MessagesPerSecond float64
	Burst             int
}

func (c *Config) setDefaults() {
	if c.DefaultRoom == "" {
		c.DefaultRoom = "default"
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 64 * 1024
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
}

// WebSocketServer is the signaling channel: one websocket per peer session.
type WebSocketServer struct {
	cfg      Config
	manager  *services.RoomManager
	tokens   *services.TokenService
	metrics  ports.MetricsRecorder
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger

	mu          sync.RWMutex
	connections map[domain.SessionID]*conn
}

// NewWebSocketServer builds the signaling endpoint. tokens may be nil, in
// which case connections are not authenticated.
func NewWebSocketServer(cfg Config, manager *services.RoomManager, tokens *services.TokenService, metrics ports.MetricsRecorder, logger *zap.SugaredLogger) *WebSocketServer {
	cfg.setDefaults()
	if metrics == nil {
		metrics = services.NopMetrics{}
	}
	s := &WebSocketServer{
		cfg:         cfg,
		manager:     manager,
		tokens:      tokens,
		metrics:     metrics,
		logger:      logger.With("component", "signal"),
		connections: make(map[domain.SessionID]*conn),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.originAllowed,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	return s
}

// originAllowed accepts requests without an Origin header (non-browser
// clients) and browsers whose origin is listed. "*" allows everything.
func (s *WebSocketServer) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func requestToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return parts[1]
	}
	return ""
}

func writeHTTPError(w http.ResponseWriter, err error) {
	body := errorBody(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(body.Code.HTTPStatus())
	_ = json.NewEncoder(w).Encode(body)
}

// HandleWebSocket admits the client into its room and runs the connection.
// Origin, token and room admission are checked before the upgrade so a
// rejected client gets a plain HTTP status.
func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	roomID := domain.RoomID(r.URL.Query().Get("room"))
	if roomID == "" {
		roomID = domain.RoomID(s.cfg.DefaultRoom)
	}
	if err := validation.ValidateRoomID(string(roomID)); err != nil {
		writeHTTPError(w, apperrors.NewInvalidRequest(err.Error()))
		return
	}

	if !s.originAllowed(r) {
		s.logger.Warnw("Rejected websocket origin", "origin", r.Header.Get("Origin"), "room_id", roomID)
		writeHTTPError(w, apperrors.NewNotAuthorized("origin not allowed"))
		return
	}
	if s.tokens != nil {
		if _, err := s.tokens.Authorize(requestToken(r), roomID); err != nil {
			s.logger.Warnw("Rejected signaling token", "room_id", roomID, "error", err)
			writeHTTPError(w, apperrors.Wrap(err, apperrors.ErrCodeNotAuthorized, "token rejected"))
			return
		}
	}

	c := newConn(s, s.cfg.SendBuffer)
	session, err := s.manager.Join(r.Context(), roomID, c)
	if err != nil {
		s.logger.Warnw("Join failed", "room_id", roomID, "error", err)
		writeHTTPError(w, err)
		return
	}
	c.bind(session)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Errorw("websocket upgrade failed", "session_id", session.ID(), "error", err)
		session.Close()
		return
	}
	c.ws = ws

	s.mu.Lock()
	s.connections[session.ID()] = c
	s.mu.Unlock()

	session.OnClosed(c.shutdown)
	select {
	case <-session.Done():
		c.shutdown()
	default:
	}
	s.logger.Infow("Peer connected", "session_id", session.ID(), "room_id", roomID, "remote_addr", r.RemoteAddr)

	go c.writeLoop()
	c.readLoop()

	session.Close()
	c.shutdown()
	<-session.Done()

	s.mu.Lock()
	delete(s.connections, session.ID())
	s.mu.Unlock()
	s.logger.Infow("Peer disconnected", "session_id", session.ID(), "room_id", roomID)
}

// ConnectionCount reports open websockets.
func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

// Close drops every connection; their sessions are torn down as they exit.
func (s *WebSocketServer) Close() {
	s.mu.RLock()
	conns := make([]*conn, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		c.shutdown()
	}
}

// conn is one websocket. It implements ports.Notifier. Only writeLoop
// writes to the socket.
type conn struct {
	server  *WebSocketServer
	ws      *websocket.Conn
	session *services.PeerSession
	limiter *rate.Limiter
	logger  *zap.SugaredLogger

	send    chan ServerMessage
	closing chan struct{}
	once    sync.Once
}

var _ ports.Notifier = (*conn)(nil)

func newConn(s *WebSocketServer, buffer int) *conn {
	c := &conn{
		server:  s,
		logger:  s.logger,
		send:    make(chan ServerMessage, buffer),
		closing: make(chan struct{}),
	}
	if s.cfg.MessagesPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst)
	}
	return c
}

func (c *conn) bind(session *services.PeerSession) {
	c.session = session
	c.logger = c.logger.With("session_id", session.ID(), "room_id", session.RoomID())
}

// Notify queues a server event. A client that cannot keep up is disconnected.
func (c *conn) Notify(name string, payload interface{}) {
	c.enqueue(event(name, payload))
}

func (c *conn) enqueue(msg ServerMessage) {
	select {
	case <-c.closing:
		return
	default:
	}
	select {
	case c.send <- msg:
	case <-c.closing:
	default:
		c.server.logger.Warnw("Send buffer full, dropping peer", "type", msg.Type)
		c.shutdown()
	}
}

func (c *conn) shutdown() {
	c.once.Do(func() { close(c.closing) })
}

func (c *conn) readLoop() {
	cfg := c.server.cfg
	c.ws.SetReadLimit(cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Infow("Error reading from peer", "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.session.Reject(apperrors.NewInvalidRequest("malformed message"), func(_ interface{}, err error) {
				c.enqueue(event(services.EventError, errorBody(err)))
			})
			continue
		}
		c.handle(msg)
	}
}

// handle dispatches msg onto the session worker; the reply is queued from
// there, so responses keep request order. Rejections take the same path.
func (c *conn) handle(msg ClientMessage) {
	start := time.Now()
	ctx, span := tracing.TraceSignalMessage(context.Background(), msg.Type, string(c.session.ID()), string(c.session.RoomID()))

	finish := func(result interface{}, err error) {
		code := "OK"
		if err != nil {
			code = string(apperrors.CodeOf(err))
			tracing.RecordError(ctx, err)
			span.SetAttributes(tracing.ErrorCodeKey.String(code))
			c.logger.Infow("Request failed", "type", msg.Type, "id", msg.ID, "code", code, "error", err)
		}
		c.server.metrics.SignalRequest(msg.Type, code, time.Since(start))
		span.End()
		c.reply(msg, result, err)
	}

	if msg.ID == nil {
		c.session.Reject(apperrors.NewInvalidRequest("message id is required"), finish)
		return
	}
	if c.limiter != nil && !c.limiter.Allow() {
		c.session.Reject(apperrors.NewRateLimitError(), finish)
		return
	}
	req, err := parseRequest(msg)
	if err != nil {
		c.session.Reject(err, finish)
		return
	}
	c.session.Dispatch(req, finish)
}

func (c *conn) reply(msg ClientMessage, result interface{}, err error) {
	if msg.ID == nil {
		// Without an id the client cannot match a response; report it as an event.
		c.enqueue(event(services.EventError, errorBody(err)))
		return
	}
	c.enqueue(response(msg, result, err))
}

func (c *conn) writeLoop() {
	cfg := c.server.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				c.logger.Infow("Error writing to peer", "error", err)
				c.shutdown()
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Infow("Error sending ping", "error", err)
				c.shutdown()
				return
			}

		case <-c.closing:
			c.flush()
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes whatever is still queued, e.g. the error event preceding an
// engine shutdown.
func (c *conn) flush() {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *conn) write(msg ServerMessage) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteTimeout))
	return c.ws.WriteJSON(msg)
}
