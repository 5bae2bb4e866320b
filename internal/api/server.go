// Package api exposes the detection server over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/dj-oyu/herdwatch/detection-server/internal/coordinator"
	"github.com/dj-oyu/herdwatch/detection-server/internal/eventlog"
	"github.com/dj-oyu/herdwatch/detection-server/internal/events"
	"github.com/dj-oyu/herdwatch/detection-server/internal/logger"
	"github.com/dj-oyu/herdwatch/detection-server/internal/throttle"
	"github.com/dj-oyu/herdwatch/detection-server/pkg/types"
)

// Detector is the coordinator surface used by the handlers.
type Detector interface {
	OnDemand(ctx context.Context, class string) (coordinator.Result, error)
	Status() coordinator.Status
	ClassNames(mode types.ClassMode) []string
}

// LedgerView reports per-class throttle state.
type LedgerView interface {
	States(now time.Time) []throttle.ClassState
}

// Config configures the router.
type Config struct {
	CORSOrigins        []string
	OnDemandRateLimit  int // requests per window per client IP, 0 disables
	OnDemandRateWindow time.Duration
	DefaultLimit       int
	SSEKeepAlive       time.Duration
}

// Deps are the components served by the API.
type Deps struct {
	Detector Detector
	Log      *eventlog.Log
	Ledger   LedgerView
	Events   *events.Broadcaster
	Stream   http.Handler // MJPEG
	Metrics  http.Handler // optional, mounted at /metrics
}

// Server serves the detection API endpoints.
type Server struct {
	cfg  Config
	deps Deps
}

// NewServer returns a configured API server.
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 50
	}
	if cfg.OnDemandRateWindow <= 0 {
		cfg.OnDemandRateWindow = time.Minute
	}
	if cfg.SSEKeepAlive <= 0 {
		cfg.SSEKeepAlive = 30 * time.Second
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	return &Server{cfg: cfg, deps: deps}
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/", s.handleIndex)
	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/ledger", s.handleLedger)
	r.Get("/get_messages", s.handleGetMessages)
	r.Get("/get_latest_message", s.handleLatestMessage)
	r.Post("/clear_messages", s.handleClearMessages)
	r.Get("/events/stream", s.handleEventStream)
	if s.deps.Stream != nil {
		r.Method(http.MethodGet, "/video_feed", s.deps.Stream)
	}
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	r.Group(func(r chi.Router) {
		if s.cfg.OnDemandRateLimit > 0 {
			r.Use(httprate.LimitByIP(s.cfg.OnDemandRateLimit, s.cfg.OnDemandRateWindow))
		}
		r.Post("/detect/{class}", s.handleDetect)
		for _, class := range s.deps.Detector.ClassNames(types.Cooldown) {
			r.Post(fmt.Sprintf("/detect_%s", class), s.detectClass(class))
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSONWithStatus(w, map[string]any{"success": false, "message": "Not found"}, http.StatusNotFound)
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger.Debug("HTTP", "%s %s -> %d (%s, %s)", r.Method, r.URL.Path, ww.Status(), time.Since(start).Round(time.Microsecond), r.RemoteAddr)
	})
}
