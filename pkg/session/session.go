// Package session holds the client- and server-side session state of a JPIP
// channel, plus snapshot persistence and recovery.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/raster-lab/jpipstream/pkg/cache"
	"github.com/raster-lab/jpipstream/pkg/jpeg2000"
)

// ErrSessionClosed reports use of a session after Close.
var ErrSessionClosed = errors.New("session: closed")

// ClientStats aggregates a client session's lifetime counters.
type ClientStats struct {
	RequestsSent  uint64
	BinsReceived  uint64
	BytesReceived uint64
	Cache         cache.Stats
	PrecinctCount int
}

// Client is the client-side session: channel identity plus exclusive
// ownership of the bin and precinct caches. No other component mutates the
// caches while the session is live.
type Client struct {
	mu        sync.Mutex
	sessionID string
	channelID string
	target    string
	active    bool

	cacheModel    *cache.Model
	precinctCache *cache.PrecinctCache

	requestsSent  uint64
	binsReceived  uint64
	bytesReceived uint64
	createdAt     time.Time
}

// NewClient creates an active session owning fresh caches.
func NewClient(sessionID string, cacheConfig cache.Config, precinctConfig cache.PrecinctCacheConfig) *Client {
	return &Client{
		sessionID:     sessionID,
		active:        true,
		cacheModel:    cache.NewModel(cacheConfig),
		precinctCache: cache.NewPrecinctCache(precinctConfig),
		createdAt:     time.Now(),
	}
}

// ID returns the session id.
func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Active reports liveness.
func (c *Client) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Bind records the channel and target granted by the server.
func (c *Client) Bind(channelID, target string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return ErrSessionClosed
	}
	c.channelID = channelID
	c.target = target
	return nil
}

// Binding returns the bound channel and target.
func (c *Client) Binding() (channelID, target string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelID, c.target
}

// RecordRequest counts one request sent on the channel.
func (c *Client) RecordRequest() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestsSent++
}

// ReceiveBin stores a delivered bin in the session cache and, for precinct
// bins with a known identity, merges into the precinct cache.
func (c *Client) ReceiveBin(bin *jpeg2000.DataBin) error {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	c.binsReceived++
	c.bytesReceived += uint64(len(bin.Data))
	c.mu.Unlock()

	c.cacheModel.Add(bin)
	return nil
}

// MergePrecinct folds a partial precinct delivery into the precinct cache.
func (c *Client) MergePrecinct(id jpeg2000.PrecinctID, data []byte, layers []int, complete bool) error {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	c.mu.Unlock()
	c.precinctCache.Merge(id, data, layers, complete)
	return nil
}

// Cache exposes the session's bin cache for probes.
func (c *Client) Cache() *cache.Model { return c.cacheModel }

// Precincts exposes the session's precinct cache.
func (c *Client) Precincts() *cache.PrecinctCache { return c.precinctCache }

// Stats snapshots lifetime counters.
func (c *Client) Stats() ClientStats {
	c.mu.Lock()
	requests, bins, bytes := c.requestsSent, c.binsReceived, c.bytesReceived
	c.mu.Unlock()
	return ClientStats{
		RequestsSent:  requests,
		BinsReceived:  bins,
		BytesReceived: bytes,
		Cache:         c.cacheModel.Stats(),
		PrecinctCount: c.precinctCache.Len(),
	}
}

// Close deactivates the session, clearing caches and identifiers. Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	c.channelID = ""
	c.target = ""
	c.mu.Unlock()

	c.cacheModel.Clear()
	c.precinctCache.Clear()
}
