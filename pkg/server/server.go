package server

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/raster-lab/jpipstream/pkg/bandwidth"
	"github.com/raster-lab/jpipstream/pkg/jpeg2000"
	"github.com/raster-lab/jpipstream/pkg/prefetch"
	"github.com/raster-lab/jpipstream/pkg/queue"
	"github.com/raster-lab/jpipstream/pkg/request"
	"github.com/raster-lab/jpipstream/pkg/session"
	"github.com/raster-lab/jpipstream/pkg/transport"
)

var (
	// ErrNotRunning reports a request against a stopped server.
	ErrNotRunning = errors.New("server: not running")
	// ErrThrottled reports a request refused by the bandwidth budget.
	ErrThrottled = errors.New("server: throttled")
	// ErrNoSession reports a request with neither a known cid nor cnew.
	ErrNoSession = errors.New("server: invalid parameter: no session")
)

// responseBudget is the estimated byte cost charged against the throttle
// before a response is built.
const responseBudget = 1024

// Config tunes the JPIP server core.
type Config struct {
	Registry       RegistryConfig
	QueueCapacity  int
	Throttle       bandwidth.ThrottleConfig
	SessionTimeout time.Duration
	Prefetch       prefetch.EngineConfig
	PushQueueSize  int
}

// DefaultConfig serves a directory of codestreams.
func DefaultConfig(root string) Config {
	return Config{
		Registry:       RegistryConfig{Root: root, TTL: 10 * time.Minute, Watch: true},
		QueueCapacity:  1000,
		SessionTimeout: 5 * time.Minute,
		Prefetch:       prefetch.DefaultEngineConfig(),
		PushQueueSize:  256,
	}
}

// Stats snapshots the server counters for the health surface.
type Stats struct {
	Running        bool
	RequestsServed uint64
	BytesSent      uint64
	ActiveSessions int
	Queue          queue.Stats
	Throttle       bandwidth.ThrottleStats
	Push           prefetch.ManagerStats
}

// Server is the JPIP request core: it resolves sessions, schedules requests
// through the priority queue, consults the throttle, and builds responses
// from the codestream adapter with delta filtering per session.
type Server struct {
	config   Config
	source   jpeg2000.Source
	registry *Registry
	queue    *queue.PriorityQueue
	throttle *bandwidth.Throttle
	push     *prefetch.Manager
	trans    *transcodeCache
	logger   *log.Entry

	mu       sync.Mutex
	running  bool
	sessions map[string]*session.Server

	requestsServed uint64
	bytesSent      uint64
}

// New wires a server over the registry root.
func New(config Config, source jpeg2000.Source) (*Server, error) {
	if source == nil {
		source = jpeg2000.DefaultSource{}
	}
	registry, err := NewRegistry(config.Registry, source)
	if err != nil {
		return nil, err
	}
	if config.SessionTimeout <= 0 {
		config.SessionTimeout = 5 * time.Minute
	}

	throttle := bandwidth.NewThrottle(config.Throttle)
	push := prefetch.NewManager(
		prefetch.NewEngine(config.Prefetch),
		prefetch.NewPushQueue(config.PushQueueSize),
		prefetch.NewTracker(),
		throttle,
	)

	s := &Server{
		config:   config,
		source:   source,
		registry: registry,
		queue:    queue.New(config.QueueCapacity),
		throttle: throttle,
		push:     push,
		trans:    newTranscodeCache(64),
		logger:   log.WithField("component", "jpip-server"),
		sessions: map[string]*session.Server{},
	}
	registry.OnInvalidate(s.onTargetInvalidated)
	return s, nil
}

// Start flips the server to running. Idempotent.
func (s *Server) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
}

// Stop refuses further requests and closes every session.
func (s *Server) Stop() {
	s.mu.Lock()
	s.running = false
	sessions := s.sessions
	s.sessions = map[string]*session.Server{}
	s.mu.Unlock()

	for _, sess := range sessions {
		s.push.Forget(sess.ID())
		sess.Close()
		activeSessions.Dec()
	}
}

// Running reports server state.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Registry exposes the target registry.
func (s *Server) Registry() *Registry { return s.registry }

// Push exposes the predictive push manager.
func (s *Server) Push() *prefetch.Manager { return s.push }

// Session returns the session bound to the channel id.
func (s *Server) Session(channelID string) (*session.Server, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[channelID]
	return sess, ok
}

// HandleRequest serves one view-window request for the client. The returned
// response carries JPIP headers and the bin payload; error kinds map to
// transport-level statuses in the callers.
func (s *Server) HandleRequest(w *request.ViewWindow, clientID string) (*transport.Response, error) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil, ErrNotRunning
	}
	s.requestsServed++
	s.mu.Unlock()

	if err := w.Validate(); err != nil {
		requestsTotal.WithLabelValues("400").Inc()
		return nil, err
	}

	// Admission through the priority queue; the dequeue keeps depth
	// balanced for the synchronous path.
	if err := s.queue.Enqueue(w, queue.PriorityFor(w)); err != nil {
		requestsTotal.WithLabelValues("503").Inc()
		return nil, err
	}
	defer s.queue.Dequeue()

	sess, err := s.resolveSession(w)
	if err != nil {
		requestsTotal.WithLabelValues("400").Inc()
		return nil, err
	}
	sess.RecordRequest()

	if !s.throttle.CanSend(clientID, responseBudget) {
		requestsTotal.WithLabelValues("503").Inc()
		throttledTotal.WithLabelValues("request").Inc()
		return &transport.Response{
			Status:  503,
			Headers: map[string]string{"Retry-After": "1"},
		}, ErrThrottled
	}

	var resp *transport.Response
	switch {
	case w.NewChannel:
		resp, err = s.respondNewChannel(w, sess)
	case w.MetadataOnly:
		resp, err = s.respondMetadata(w, sess)
	default:
		resp, err = s.respondBins(w, sess)
	}
	if err != nil {
		requestsTotal.WithLabelValues("404").Inc()
		return nil, err
	}

	sent := int64(len(resp.Body))
	s.throttle.RecordSent(clientID, sent)
	bytesSentTotal.Add(float64(sent))
	s.mu.Lock()
	s.bytesSent += uint64(sent)
	s.mu.Unlock()
	requestsTotal.WithLabelValues(strconv.Itoa(int(resp.Status))).Inc()
	return resp, nil
}

// resolveSession reuses a known cid, mints a session for cnew, and rejects
// anything else.
func (s *Server) resolveSession(w *request.ViewWindow) (*session.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w.ChannelID != "" {
		if sess, ok := s.sessions[w.ChannelID]; ok {
			return sess, nil
		}
		if !w.NewChannel {
			return nil, fmt.Errorf("%w: unknown channel %s", ErrNoSession, w.ChannelID)
		}
	}
	if !w.NewChannel {
		return nil, ErrNoSession
	}

	sessionID := uuid.New().String()
	channelID := "cid-" + sessionID
	sess := session.NewServer(sessionID, channelID, w.Target)
	s.sessions[channelID] = sess
	activeSessions.Inc()
	s.logger.WithFields(log.Fields{"channel": channelID, "target": w.Target}).Info("session created")
	return sess, nil
}

func (s *Server) respondNewChannel(w *request.ViewWindow, sess *session.Server) (*transport.Response, error) {
	headers := map[string]string{
		transport.ChannelGrantHeader: fmt.Sprintf("cid=%s,path=/jpip,transport=http", sess.ChannelID()),
		"Content-Type":               "application/octet-stream",
	}
	if w.Target != "" {
		target, err := s.registry.Resolve(w.Target)
		if err != nil {
			return nil, err
		}
		headers[transport.TargetIDHeader] = w.Target
		headers[transport.CapabilityHeader] = target.Classification.Format.String()
		headers[transport.PreferenceHeader] = target.Classification.Format.String()
	}
	return &transport.Response{Status: 200, Headers: headers}, nil
}

func (s *Server) respondMetadata(w *request.ViewWindow, sess *session.Server) (*transport.Response, error) {
	target, err := s.registry.Resolve(w.Target)
	if err != nil {
		return nil, err
	}
	var body []byte
	for _, bin := range target.MetadataBins() {
		if sess.HasDataBin(bin.Class, bin.ID) {
			continue
		}
		body = append(body, bin.Data...)
		sess.RecordSentDataBin(bin)
	}
	return &transport.Response{
		Status:  200,
		Headers: map[string]string{"Content-Type": "application/octet-stream"},
		Body:    body,
	}, nil
}

func (s *Server) respondBins(w *request.ViewWindow, sess *session.Server) (*transport.Response, error) {
	target, err := s.registry.Resolve(w.Target)
	if err != nil {
		return nil, err
	}

	raw := target.Data
	bins := target.Bins
	if direction, needed := transcodeDirection(w.Preference, target.Classification); needed {
		raw, bins = s.transcoded(target, direction)
	}

	var body []byte
	delivered := 0
	for _, bin := range bins {
		if sess.HasDataBin(bin.Class, bin.ID) {
			continue
		}
		body = append(body, bin.Data...)
		sess.RecordSentDataBin(bin)
		delivered++
	}
	if delivered == 0 {
		// Everything was already sent; serve the raw bytes so the caller
		// still sees a successful result.
		body = raw
	}
	if w.MaxLength > 0 && len(body) > w.MaxLength {
		body = body[:w.MaxLength]
	}
	return &transport.Response{
		Status: 200,
		Headers: map[string]string{
			"Content-Type":             "application/octet-stream",
			transport.CapabilityHeader: target.Classification.Format.String(),
		},
		Body: body,
	}, nil
}

// transcodeDirection decides whether the client preference requires a
// conversion from the source format.
func transcodeDirection(pref string, c jpeg2000.Classification) (jpeg2000.TranscodeDirection, bool) {
	switch pref {
	case "htj2k":
		if !c.IsHighThroughput {
			return jpeg2000.TranscodeToHighThroughput, true
		}
	case "j2k":
		if c.IsHighThroughput {
			return jpeg2000.TranscodeToLegacy, true
		}
	}
	return 0, false
}

// transcoded converts the target on the fly, caching results. A failed
// transcode falls back to the original bytes so the caller still succeeds.
func (s *Server) transcoded(target *Target, direction jpeg2000.TranscodeDirection) ([]byte, []*jpeg2000.DataBin) {
	if cached, ok := s.trans.get(target.Data, direction); ok {
		if bins, err := s.source.ExtractDataBins(cached); err == nil {
			return cached, bins
		}
	}
	converted, err := s.source.Transcode(target.Data, direction)
	if err != nil {
		s.logger.WithError(err).WithField("target", target.Name).Debug("transcode unavailable, serving source format")
		return target.Data, target.Bins
	}
	bins, err := s.source.ExtractDataBins(converted)
	if err != nil {
		return target.Data, target.Bins
	}
	s.trans.put(target.Data, direction, converted)
	return converted, bins
}

// CloseSession tears one session down.
func (s *Server) CloseSession(channelID string) {
	s.mu.Lock()
	sess, ok := s.sessions[channelID]
	if ok {
		delete(s.sessions, channelID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.push.Forget(sess.ID())
	s.throttle.ReleaseClient(sess.ID())
	sess.Close()
	activeSessions.Dec()
	s.logger.WithField("channel", channelID).Info("session closed")
}

// CloseIdleSessions closes sessions idle past the configured timeout and
// returns how many were closed.
func (s *Server) CloseIdleSessions() int {
	cutoff := time.Now().Add(-s.config.SessionTimeout)
	s.mu.Lock()
	var idle []string
	for channelID, sess := range s.sessions {
		if sess.LastActivity().Before(cutoff) {
			idle = append(idle, channelID)
		}
	}
	s.mu.Unlock()

	for _, channelID := range idle {
		s.CloseSession(channelID)
	}
	return len(idle)
}

// onTargetInvalidated clears tracked client-cache keys for the changed
// target so delta delivery does not suppress refreshed bins.
func (s *Server) onTargetInvalidated(name string) {
	// Bin keys are class-scoped, not target-scoped; without the old bin
	// list the conservative move is clearing push tracking per session
	// bound to the target.
	s.mu.Lock()
	var ids []string
	for _, sess := range s.sessions {
		if sess.Target() == name {
			ids = append(ids, sess.ID())
		}
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.push.Forget(id)
	}
}

// Stats snapshots server counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	running := s.running
	served := s.requestsServed
	sent := s.bytesSent
	active := len(s.sessions)
	s.mu.Unlock()
	return Stats{
		Running:        running,
		RequestsServed: served,
		BytesSent:      sent,
		ActiveSessions: active,
		Queue:          s.queue.Stats(),
		Throttle:       s.throttle.Stats(),
		Push:           s.push.Stats(),
	}
}
