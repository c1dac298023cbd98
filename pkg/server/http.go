package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"

	"github.com/raster-lab/jpipstream/pkg/queue"
	"github.com/raster-lab/jpipstream/pkg/request"
)

// HTTPConfig tunes the HTTP fallback listener.
type HTTPConfig struct {
	Addr string
}

// HTTPServer is the JPIP HTTP fallback surface: GET with the query-string
// encoding, answered with raw bin bytes and JPIP headers.
type HTTPServer struct {
	config HTTPConfig
	core   *Server
	router *httprouter.Router
	logger *log.Entry
}

// NewHTTPServer wires the fallback routes.
func NewHTTPServer(config HTTPConfig, core *Server) *HTTPServer {
	s := &HTTPServer{
		config: config,
		core:   core,
		router: httprouter.New(),
		logger: log.WithField("component", "jpip-http"),
	}
	s.router.GET("/", s.handleRequest)
	s.router.GET("/jpip", s.handleRequest)
	return s
}

func (s *HTTPServer) handleRequest(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	view, err := request.DecodeQuery(r.URL.RawQuery)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := s.core.HandleRequest(view, r.RemoteAddr)
	if err != nil {
		switch {
		case errors.Is(err, ErrThrottled):
			w.Header().Set("Retry-After", "1")
			http.Error(w, "throttled", http.StatusServiceUnavailable)
		case errors.Is(err, queue.ErrQueueFull):
			w.Header().Set("Retry-After", "1")
			http.Error(w, "queue full", http.StatusServiceUnavailable)
		case errors.Is(err, ErrUnknownTarget):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, ErrNotRunning):
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		case errors.Is(err, request.ErrInvalidParameter), errors.Is(err, ErrNoSession):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	for name, value := range resp.Headers {
		w.Header().Set(name, value)
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.WriteHeader(int(resp.Status))
	if len(resp.Body) > 0 {
		w.Write(resp.Body)
	}
}

// ListenAndServe serves the fallback endpoint until the context ends.
func (s *HTTPServer) ListenAndServe(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.router,
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
		return fmt.Errorf("http listener: %w", err)
	}
	return nil
}
