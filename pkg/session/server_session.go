package session

import (
	"sync"
	"time"

	"github.com/raster-lab/jpipstream/pkg/jpeg2000"
)

// ServerStats aggregates a server session's totals.
type ServerStats struct {
	RequestsServed uint64
	BinsSent       uint64
	BytesSent      uint64
	TrackedBins    int
}

// Server is the server-side session: the channel's identity, activity
// tracking, and the authoritative record of which bins the client has
// already been sent (the basis for delta delivery).
type Server struct {
	mu           sync.Mutex
	sessionID    string
	channelID    string
	target       string
	active       bool
	lastActivity time.Time
	createdAt    time.Time

	sentBins map[string]struct{}
	metadata map[string]string

	requestsServed uint64
	binsSent       uint64
	bytesSent      uint64
}

// NewServer creates an active server session bound to a channel and target.
func NewServer(sessionID, channelID, target string) *Server {
	now := time.Now()
	return &Server{
		sessionID:    sessionID,
		channelID:    channelID,
		target:       target,
		active:       true,
		lastActivity: now,
		createdAt:    now,
		sentBins:     map[string]struct{}{},
		metadata:     map[string]string{},
	}
}

// ID returns the session id.
func (s *Server) ID() string { return s.sessionID }

// ChannelID returns the channel id minted at creation.
func (s *Server) ChannelID() string { return s.channelID }

// Target returns the bound target.
func (s *Server) Target() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

// SetTarget rebinds the session's target.
func (s *Server) SetTarget(target string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.target = target
}

// Active reports liveness.
func (s *Server) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Touch refreshes the activity timestamp.
func (s *Server) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// LastActivity returns the last touch time.
func (s *Server) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// HasDataBin reports whether the bin was already sent on this session.
func (s *Server) HasDataBin(class jpeg2000.BinClass, id uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sentBins[jpeg2000.BinKey(class, id)]
	return ok
}

// RecordSentDataBin marks the bin as delivered and counts its bytes.
func (s *Server) RecordSentDataBin(bin *jpeg2000.DataBin) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sentBins[bin.Key()] = struct{}{}
	s.binsSent++
	s.bytesSent += uint64(len(bin.Data))
}

// RecordRequest counts one request served and refreshes activity.
func (s *Server) RecordRequest() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestsServed++
	s.lastActivity = time.Now()
}

// SetMetadata stores one metadata pair.
func (s *Server) SetMetadata(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[key] = value
}

// Metadata copies the metadata map.
func (s *Server) Metadata() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

// Stats snapshots totals.
func (s *Server) Stats() ServerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ServerStats{
		RequestsServed: s.requestsServed,
		BinsSent:       s.binsSent,
		BytesSent:      s.bytesSent,
		TrackedBins:    len(s.sentBins),
	}
}

// Close deactivates the session and clears the sent-bin record. Idempotent.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	s.active = false
	s.sentBins = map[string]struct{}{}
}
