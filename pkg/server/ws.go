package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/raster-lab/jpipstream/pkg/jpeg2000"
	"github.com/raster-lab/jpipstream/pkg/prefetch"
	"github.com/raster-lab/jpipstream/pkg/transport"
)

// WSConfig tunes the WebSocket listener.
type WSConfig struct {
	Addr              string
	Enabled           bool
	MaxConnections    int
	ConnectionTimeout time.Duration
	// AcceptPerSecond rate-limits upgrade attempts; 0 disables the limiter.
	AcceptPerSecond float64
	// PushInterval paces predictive push delivery rounds.
	PushInterval time.Duration
	// PushBatch bounds pushes per round.
	PushBatch int
}

// DefaultWSConfig listens on the JPIP WebSocket port.
func DefaultWSConfig(addr string) WSConfig {
	return WSConfig{
		Addr:              addr,
		Enabled:           true,
		MaxConnections:    256,
		ConnectionTimeout: 2 * time.Minute,
		AcceptPerSecond:   50,
		PushInterval:      100 * time.Millisecond,
		PushBatch:         8,
	}
}

// conn is one accepted WebSocket connection and its accounting.
type conn struct {
	id        string
	ws        *websocket.Conn
	channelID string

	mu            sync.Mutex
	lastActivity  time.Time
	framesServed  uint64
	bytesReceived uint64
}

func (c *conn) touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()
}

func (c *conn) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

func (c *conn) bindChannel(channelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channelID = channelID
}

func (c *conn) boundChannel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelID
}

// WSServer upgrades HTTP requests to the jpip sub-protocol and owns the
// connection set: accounting, session binding, health sweeping, and the
// predictive push loop.
type WSServer struct {
	config   WSConfig
	core     *Server
	upgrader websocket.Upgrader
	limiter  *rate.Limiter
	logger   *log.Entry

	mu    sync.Mutex
	conns map[string]*conn
}

// NewWSServer wires the WebSocket front end over the core server.
func NewWSServer(config WSConfig, core *Server) *WSServer {
	if config.MaxConnections <= 0 {
		config.MaxConnections = 256
	}
	if config.ConnectionTimeout <= 0 {
		config.ConnectionTimeout = 2 * time.Minute
	}
	if config.PushInterval <= 0 {
		config.PushInterval = 100 * time.Millisecond
	}
	if config.PushBatch <= 0 {
		config.PushBatch = 8
	}
	var limiter *rate.Limiter
	if config.AcceptPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.AcceptPerSecond), int(config.AcceptPerSecond)+1)
	}
	return &WSServer{
		config: config,
		core:   core,
		upgrader: websocket.Upgrader{
			Subprotocols:    []string{transport.Subprotocol},
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		limiter: limiter,
		logger:  log.WithField("component", "jpip-ws"),
		conns:   map[string]*conn{},
	}
}

// ServeHTTP performs the upgrade handshake and runs the connection loop.
func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.config.Enabled {
		http.Error(w, "websocket disabled", http.StatusNotImplemented)
		return
	}
	if !s.core.Running() {
		http.Error(w, "server stopped", http.StatusServiceUnavailable)
		return
	}
	if !isUpgradeRequest(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}
	if s.limiter != nil && !s.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "upgrade rate exceeded", http.StatusServiceUnavailable)
		return
	}
	s.mu.Lock()
	if len(s.conns) >= s.config.MaxConnections {
		s.mu.Unlock()
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("upgrade failed")
		return
	}

	c := &conn{id: uuid.New().String(), ws: ws, lastActivity: time.Now()}
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	activeConnections.Inc()
	s.logger.WithField("conn", c.id).Info("connection accepted")

	s.serveConn(c)
}

// isUpgradeRequest checks the Upgrade and Connection headers the handshake
// requires, case-insensitively.
func isUpgradeRequest(r *http.Request) bool {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

func (s *WSServer) serveConn(c *conn) {
	defer s.dropConn(c)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.WithError(err).WithField("conn", c.id).Debug("read failed")
			}
			return
		}
		c.touch()
		c.mu.Lock()
		c.bytesReceived += uint64(len(data))
		c.mu.Unlock()

		frame, err := transport.DecodeFrame(data)
		if err != nil {
			// Protocol error: close at the transport level.
			s.logger.WithError(err).WithField("conn", c.id).Warn("malformed frame, closing")
			return
		}
		s.handleFrame(c, frame)
	}
}

func (s *WSServer) handleFrame(c *conn, frame *transport.Frame) {
	switch frame.Type {
	case transport.FrameRequest:
		s.handleRequestFrame(c, frame)
	case transport.FramePing:
		s.writeFrame(c, &transport.Frame{Type: transport.FramePong, RequestID: frame.RequestID, Payload: frame.Payload})
	case transport.FramePong:
		// Activity already touched.
	case transport.FrameControl:
		s.handleControlFrame(c, frame)
	default:
		s.logger.WithField("type", frame.Type.String()).Debug("ignoring frame")
	}
}

func (s *WSServer) handleRequestFrame(c *conn, frame *transport.Frame) {
	w, err := transport.DecodeRequestPayload(frame.Payload)
	if err != nil {
		s.writeError(c, frame.RequestID, err)
		return
	}
	if w.ChannelID == "" && !w.NewChannel {
		// A connection speaks for at most one session at a time.
		if bound := c.boundChannel(); bound != "" {
			w.ChannelID = bound
		}
	}

	resp, err := s.core.HandleRequest(w, c.id)
	if err != nil && resp == nil {
		s.writeError(c, frame.RequestID, err)
		return
	}
	if w.NewChannel {
		if grant, ok := transport.GrantFromHeaders(resp.Headers); ok {
			c.bindChannel(grant.ChannelID)
		}
	}
	c.mu.Lock()
	c.framesServed++
	c.mu.Unlock()
	s.writeFrame(c, &transport.Frame{
		Type:      transport.FrameResponse,
		RequestID: frame.RequestID,
		Payload:   transport.EncodeResponsePayload(resp),
	})
}

// handleControlFrame interprets "push=accept|reject|throttle|stop" controls
// for the bound session.
func (s *WSServer) handleControlFrame(c *conn, frame *transport.Frame) {
	channelID := c.boundChannel()
	if channelID == "" {
		return
	}
	sess, ok := s.core.Session(channelID)
	if !ok {
		return
	}
	value := string(frame.Payload)
	if !strings.HasPrefix(value, "push=") {
		return
	}
	acceptance := map[string]prefetch.Acceptance{
		"accept":   prefetch.AcceptPush,
		"reject":   prefetch.RejectPush,
		"throttle": prefetch.ThrottlePush,
		"stop":     prefetch.StopPush,
	}
	if a, ok := acceptance[strings.TrimPrefix(value, "push=")]; ok {
		s.core.Push().SetAcceptance(sess.ID(), a)
	}
}

func (s *WSServer) writeError(c *conn, requestID uint32, err error) {
	s.writeFrame(c, &transport.Frame{
		Type:      transport.FrameError,
		RequestID: requestID,
		Payload:   []byte(err.Error()),
	})
}

func (s *WSServer) writeFrame(c *conn, frame *transport.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, frame.Encode()); err != nil {
		s.logger.WithError(err).WithField("conn", c.id).Debug("write failed")
	}
}

func (s *WSServer) dropConn(c *conn) {
	s.mu.Lock()
	_, ok := s.conns[c.id]
	if ok {
		delete(s.conns, c.id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	c.ws.Close()
	if channelID := c.boundChannel(); channelID != "" {
		s.core.CloseSession(channelID)
	}
	activeConnections.Dec()
	s.logger.WithField("conn", c.id).Info("connection closed")
}

// RunHealthCheck closes unhealthy connections and idle sessions until the
// context ends.
func (s *WSServer) RunHealthCheck(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		cutoff := time.Now().Add(-s.config.ConnectionTimeout)
		s.mu.Lock()
		var stale []*conn
		for _, c := range s.conns {
			if c.idleSince().Before(cutoff) {
				stale = append(stale, c)
			}
		}
		s.mu.Unlock()
		for _, c := range stale {
			s.logger.WithField("conn", c.id).Info("closing unhealthy connection")
			s.dropConn(c)
		}
		if closed := s.core.CloseIdleSessions(); closed > 0 {
			s.logger.WithField("sessions", closed).Info("closed idle sessions")
		}
	}
}

// RunPushLoop delivers predictive push items to their bound connections
// until the context ends.
func (s *WSServer) RunPushLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.config.PushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		items := s.core.Push().DequeuePushItems(s.config.PushBatch)
		for _, item := range items {
			c := s.connForSession(item.SessionID)
			if c == nil {
				continue
			}
			payload := transport.EncodeDataBinPayload(&jpeg2000.DataBin{
				Class:        item.Class,
				ID:           item.BinID,
				Data:         item.Data,
				Complete:     true,
				QualityLayer: -1,
				TileIndex:    -1,
			})
			s.writeFrame(c, &transport.Frame{Type: transport.FramePush, Payload: payload})
			pushesTotal.Inc()
		}
	}
}

func (s *WSServer) connForSession(sessionID string) *conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		channelID := c.boundChannel()
		if channelID == "" {
			continue
		}
		if sess, ok := s.core.Session(channelID); ok && sess.ID() == sessionID {
			return c
		}
	}
	return nil
}

// ConnectionCount returns the live connection count.
func (s *WSServer) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// ListenAndServe serves the WebSocket endpoint until the context ends.
func (s *WSServer) ListenAndServe(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s,
		ReadHeaderTimeout: 15 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()
	s.logger.Infof("listening at %s", s.config.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("websocket listener: %w", err)
	}
	return nil
}
