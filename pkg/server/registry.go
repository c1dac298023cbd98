// Package server implements the JPIP server: target registry, request
// handling with priority queueing and throttling, WebSocket upgrade and
// connection management, predictive push, and the HTTP fallback surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	gocache "github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"

	"github.com/raster-lab/jpipstream/pkg/jpeg2000"
)

// ErrUnknownTarget reports a request for an unregistered image.
var ErrUnknownTarget = errors.New("server: unknown target")

// Target is a loaded image: its raw bytes, classification, and extracted
// data bins.
type Target struct {
	Name           string
	Data           []byte
	Classification jpeg2000.Classification
	Bins           []*jpeg2000.DataBin
	LoadedAt       time.Time
}

// MetadataBins returns the target's metadata-class bins.
func (t *Target) MetadataBins() []*jpeg2000.DataBin {
	var out []*jpeg2000.DataBin
	for _, bin := range t.Bins {
		if bin.Class == jpeg2000.BinClassMetadata {
			out = append(out, bin)
		}
	}
	return out
}

// RegistryConfig tunes the target registry.
type RegistryConfig struct {
	// Root is the directory holding served codestreams; a target name maps
	// to a file under it.
	Root string
	// TTL bounds how long a loaded target stays cached without use.
	TTL time.Duration
	// Watch enables fsnotify-driven invalidation on file changes.
	Watch bool
}

// Registry resolves target names to loaded codestreams. Loaded targets live
// in a TTL cache; an optional directory watcher invalidates entries when
// the backing file changes or disappears.
type Registry struct {
	config RegistryConfig
	source jpeg2000.Source
	cache  *gocache.Cache
	logger *log.Entry

	mu          sync.Mutex
	invalidated func(name string)
	watcher     *fsnotify.Watcher
}

// NewRegistry builds a registry over root.
func NewRegistry(config RegistryConfig, source jpeg2000.Source) (*Registry, error) {
	if config.Root == "" {
		return nil, fmt.Errorf("server: registry root required")
	}
	if config.TTL <= 0 {
		config.TTL = 10 * time.Minute
	}
	if source == nil {
		source = jpeg2000.DefaultSource{}
	}
	return &Registry{
		config: config,
		source: source,
		cache:  gocache.New(config.TTL, config.TTL/2),
		logger: log.WithField("component", "target-registry"),
	}, nil
}

// OnInvalidate registers a callback fired when a target's entry is dropped
// because its file changed.
func (r *Registry) OnInvalidate(fn func(name string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalidated = fn
}

// Resolve returns the loaded target, reading and splitting the file on a
// cache miss. Unknown files are ErrUnknownTarget.
func (r *Registry) Resolve(name string) (*Target, error) {
	if cached, ok := r.cache.Get(name); ok {
		return cached.(*Target), nil
	}

	path := filepath.Join(r.config.Root, filepath.Clean("/"+name))
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, name)
		}
		return nil, fmt.Errorf("reading target %s: %w", name, err)
	}

	classification, err := r.source.Classify(data)
	if err != nil {
		return nil, fmt.Errorf("classifying target %s: %w", name, err)
	}
	bins, err := r.source.ExtractDataBins(data)
	if err != nil {
		return nil, fmt.Errorf("splitting target %s: %w", name, err)
	}

	target := &Target{
		Name:           name,
		Data:           data,
		Classification: classification,
		Bins:           bins,
		LoadedAt:       time.Now(),
	}
	r.cache.SetDefault(name, target)
	return target, nil
}

// Invalidate drops one target from the cache.
func (r *Registry) Invalidate(name string) {
	r.cache.Delete(name)
	r.mu.Lock()
	fn := r.invalidated
	r.mu.Unlock()
	if fn != nil {
		fn(name)
	}
}

// StartWatching runs the fsnotify loop until the context ends. Events for
// files under the root invalidate their registry entries.
func (r *Registry) StartWatching(ctx context.Context) error {
	if !r.config.Watch {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating target watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(r.config.Root); err != nil {
		return fmt.Errorf("watching %s: %w", r.config.Root, err)
	}
	r.mu.Lock()
	r.watcher = watcher
	r.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename|fsnotify.Create) == 0 {
				continue
			}
			name := filepath.Base(event.Name)
			r.logger.WithFields(log.Fields{"target": name, "op": event.Op.String()}).
				Info("target changed, invalidating")
			r.Invalidate(name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.WithError(err).Warn("target watcher error")
		}
	}
}
