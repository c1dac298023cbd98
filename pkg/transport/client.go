package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/raster-lab/jpipstream/pkg/jpeg2000"
	"github.com/raster-lab/jpipstream/pkg/request"
)

// Subprotocol is the negotiated WebSocket sub-protocol identifier.
const Subprotocol = "jpip"

var (
	// ErrNotConnected reports a send with no live connection.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrConnectionClosed completes pending requests when the link drops.
	ErrConnectionClosed = errors.New("transport: connection closed")
	// ErrRequestTimeout reports an expired outstanding request.
	ErrRequestTimeout = errors.New("transport: request timeout")
	// ErrTooManyRequests reports the concurrent-request bound was hit.
	ErrTooManyRequests = errors.New("transport: too many concurrent requests")
	// ErrServer wraps an error frame from the peer.
	ErrServer = errors.New("transport: server error")
)

// ClientConfig tunes the WebSocket client.
type ClientConfig struct {
	// URL is the ws:// or wss:// endpoint.
	URL                   string
	KeepaliveInterval     time.Duration
	RequestTimeout        time.Duration
	MaxConcurrentRequests int
	Reconnect             ReconnectConfig
	// EnableHTTPFallback retries a failed initial connect over HTTP GET and
	// sticks to HTTP for the client's remaining lifetime.
	EnableHTTPFallback bool
	// HTTPClient serves fallback requests; http.DefaultClient when nil.
	HTTPClient *http.Client
}

// DefaultClientConfig points at a local server.
func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:                   url,
		KeepaliveInterval:     15 * time.Second,
		RequestTimeout:        30 * time.Second,
		MaxConcurrentRequests: 16,
		Reconnect:             DefaultReconnectConfig(),
		EnableHTTPFallback:    true,
	}
}

type pendingResult struct {
	response *Response
	err      error
}

// Client is the multiplexing JPIP transport client. One Client drives one
// logical connection; request ids are assigned monotonically from 1.
type Client struct {
	config ClientConfig
	logger *log.Entry

	mu            sync.Mutex
	conn          *websocket.Conn
	connected     bool
	usingFallback bool
	closed        bool
	nextRequestID uint32
	pending       map[uint32]chan pendingResult
	// parked holds responses that arrived before their sender registered.
	parked         map[uint32]pendingResult
	lastPingSentAt time.Time
	rttMillis      float64

	inbound chan *jpeg2000.DataBin
	done    chan struct{}
}

// NewClient builds a disconnected client.
func NewClient(config ClientConfig) *Client {
	if config.KeepaliveInterval <= 0 {
		config.KeepaliveInterval = 15 * time.Second
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}
	if config.MaxConcurrentRequests <= 0 {
		config.MaxConcurrentRequests = 16
	}
	return &Client{
		config:  config,
		logger:  log.WithField("component", "jpip-transport"),
		pending: map[uint32]chan pendingResult{},
		parked:  map[uint32]pendingResult{},
		inbound: make(chan *jpeg2000.DataBin, 256),
		done:    make(chan struct{}),
	}
}

// Connect dials the server. A failed dial with fallback enabled flips the
// client to HTTP for the rest of its lifetime instead of failing.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	if c.connected || c.usingFallback {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	dialer := websocket.Dialer{
		Subprotocols:     []string{Subprotocol},
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, c.config.URL, nil)
	if err != nil {
		if c.config.EnableHTTPFallback {
			c.mu.Lock()
			c.usingFallback = true
			c.mu.Unlock()
			c.logger.WithError(err).Warn("websocket connect failed, falling back to http")
			return nil
		}
		return fmt.Errorf("dialing %s: %w", c.config.URL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	go c.readLoop(conn)
	go c.pingLoop(conn)
	return nil
}

// UsingFallback reports whether the client is stuck to HTTP.
func (c *Client) UsingFallback() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usingFallback
}

// RTTMillis returns the last keepalive round trip.
func (c *Client) RTTMillis() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rttMillis
}

// DataBins returns the queue of inbound data-bin and push deliveries.
func (c *Client) DataBins() <-chan *jpeg2000.DataBin {
	return c.inbound
}

// SendRequest issues a view-window request and awaits its correlated
// response. The (MaxConcurrentRequests+1)-th concurrent call fails.
func (c *Client) SendRequest(ctx context.Context, w *request.ViewWindow) (*Response, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.usingFallback {
		c.mu.Unlock()
		return c.sendViaHTTP(ctx, w)
	}
	if !c.connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	if len(c.pending) >= c.config.MaxConcurrentRequests {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %d outstanding", ErrTooManyRequests, c.config.MaxConcurrentRequests)
	}
	c.nextRequestID++
	id := c.nextRequestID
	ch := make(chan pendingResult, 1)
	if parked, ok := c.parked[id]; ok {
		delete(c.parked, id)
		ch <- parked
	} else {
		c.pending[id] = ch
	}
	conn := c.conn
	c.mu.Unlock()

	frame := &Frame{Type: FrameRequest, RequestID: id, Payload: EncodeRequestPayload(w)}
	if err := c.writeFrame(conn, frame); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	timer := time.NewTimer(c.config.RequestTimeout)
	defer timer.Stop()
	select {
	case result := <-ch:
		return result.response, result.err
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *Client) writeFrame(conn *websocket.Conn, frame *Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn == nil || !c.connected {
		return ErrNotConnected
	}
	return conn.WriteMessage(websocket.BinaryMessage, frame.Encode())
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		frame, err := DecodeFrame(data)
		if err != nil {
			c.logger.WithError(err).Warn("dropping malformed frame")
			continue
		}
		c.dispatch(conn, frame)
	}
}

func (c *Client) dispatch(conn *websocket.Conn, frame *Frame) {
	switch frame.Type {
	case FrameResponse:
		response, err := DecodeResponsePayload(frame.Payload)
		c.complete(frame.RequestID, pendingResult{response: response, err: err})
	case FrameError:
		c.complete(frame.RequestID, pendingResult{
			err: fmt.Errorf("%w: %s", ErrServer, string(frame.Payload)),
		})
	case FrameDataBin, FramePush:
		bin, err := DecodeDataBinPayload(frame.Payload)
		if err != nil {
			c.logger.WithError(err).Warn("dropping malformed data bin")
			return
		}
		select {
		case c.inbound <- bin:
		default:
			c.logger.Warn("inbound queue full, dropping bin")
		}
	case FramePong:
		c.mu.Lock()
		if !c.lastPingSentAt.IsZero() {
			c.rttMillis = float64(time.Since(c.lastPingSentAt)) / float64(time.Millisecond)
		}
		c.mu.Unlock()
	case FramePing:
		echo := &Frame{Type: FramePong, RequestID: frame.RequestID, Payload: frame.Payload}
		if err := c.writeFrame(conn, echo); err != nil {
			c.logger.WithError(err).Debug("pong write failed")
		}
	}
}

// complete resolves the pending request, or parks the result until the
// sender claims it.
func (c *Client) complete(requestID uint32, result pendingResult) {
	c.mu.Lock()
	ch, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	} else {
		c.parked[requestID] = result
	}
	c.mu.Unlock()
	if ok {
		ch <- result
	}
}

func (c *Client) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.config.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}
		c.mu.Lock()
		if !c.connected || c.conn != conn {
			c.mu.Unlock()
			return
		}
		c.lastPingSentAt = time.Now()
		c.mu.Unlock()

		payload := make([]byte, 8)
		binary.BigEndian.PutUint64(payload, uint64(time.Now().UnixNano()))
		if err := c.writeFrame(conn, &Frame{Type: FramePing, Payload: payload}); err != nil {
			return
		}
	}
}

// handleDisconnect tears the dead connection down and either reconnects or
// stays down. With reconnection disabled, pending requests are failed
// immediately; with it enabled they are left to their request timeouts.
func (c *Client) handleDisconnect(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		// A newer connection superseded this one.
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.conn = nil
	closed := c.closed
	reconnecting := !closed && c.config.Reconnect.Enabled
	var waiting map[uint32]chan pendingResult
	if !reconnecting {
		waiting = c.pending
		c.pending = map[uint32]chan pendingResult{}
	}
	c.mu.Unlock()

	conn.Close()
	for _, ch := range waiting {
		ch <- pendingResult{err: fmt.Errorf("%w: %v", ErrConnectionClosed, cause)}
	}

	if !reconnecting {
		return
	}
	go c.reconnectLoop()
}

func (c *Client) reconnectLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-c.done
		cancel()
	}()

	for attempt := 0; ; attempt++ {
		if err := waitBackoff(ctx, c.config.Reconnect, attempt); err != nil {
			if !errors.Is(err, context.Canceled) {
				c.logger.WithError(err).Error("reconnect abandoned")
			}
			return
		}

		dialer := websocket.Dialer{
			Subprotocols:     []string{Subprotocol},
			HandshakeTimeout: 10 * time.Second,
		}
		conn, _, err := dialer.DialContext(ctx, c.config.URL, nil)
		if err != nil {
			c.logger.WithError(err).WithField("attempt", attempt).Warn("reconnect failed")
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.connected = true
		c.mu.Unlock()

		c.logger.WithField("attempt", attempt).Info("reconnected")
		go c.readLoop(conn)
		go c.pingLoop(conn)
		return
	}
}

// Disconnect fails all pending requests with a connection-closed error and
// tears the client down. Idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.connected = false
	conn := c.conn
	c.conn = nil
	waiting := c.pending
	c.pending = map[uint32]chan pendingResult{}
	c.mu.Unlock()

	for _, ch := range waiting {
		ch <- pendingResult{err: ErrConnectionClosed}
	}
	close(c.done)
	if conn != nil {
		conn.Close()
	}
}
