package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/Spot-Canvas/autotrader/internal/adapter"
	"github.com/Spot-Canvas/autotrader/internal/archive"
	"github.com/Spot-Canvas/autotrader/internal/domain"
	"github.com/Spot-Canvas/autotrader/internal/engine"
	"github.com/Spot-Canvas/autotrader/internal/ingest"
)

// PositionManager reads and closes positions under the per-market lock.
// engine.Engine implements it.
type PositionManager interface {
	Position(ctx context.Context, symbol string) (*domain.Position, error)
	Positions(ctx context.Context) ([]domain.Position, error)
	CloseAll(ctx context.Context) ([]domain.TradingSignal, error)
}

// Pinger reports database reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Archiver copies a market's signal log to object storage.
type Archiver interface {
	ArchiveSymbol(ctx context.Context, symbol string) (archive.Result, error)
}

// Server holds the HTTP server dependencies.
type Server struct {
	trader    adapter.Trader
	positions PositionManager
	stats     engine.StatsStore
	signals   domain.SignalStore
	logger    zerolog.Logger

	db        Pinger
	nc        *nats.Conn
	archiver  Archiver
	snapshots ingest.Sink
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithHealthChecks makes /health check the database and the NATS connection.
func WithHealthChecks(db Pinger, nc *nats.Conn) Option {
	return func(s *Server) {
		s.db = db
		s.nc = nc
	}
}

// WithArchiver enables POST /api/v1/signals/{symbol}/archive.
func WithArchiver(a Archiver) Option { return func(s *Server) { s.archiver = a } }

// WithSnapshotImport enables POST /api/v1/indicators/import into sink.
func WithSnapshotImport(sink ingest.Sink) Option { return func(s *Server) { s.snapshots = sink } }

// NewServer creates a new API server.
func NewServer(trader adapter.Trader, positions PositionManager, stats engine.StatsStore,
	signals domain.SignalStore, logger zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		trader:    trader,
		positions: positions,
		stats:     stats,
		signals:   signals,
		logger:    logger.With().Str("component", "api").Logger(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Router returns the configured chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	r.MethodNotAllowed(methodNotAllowed)

	// Health check
	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/balance", s.handleBalance)
		r.Get("/positions", s.handleListPositions)
		r.Get("/positions/{symbol}", s.handleGetPosition)
		r.Post("/positions/close-all", s.handleCloseAll)
		r.Get("/history", s.handlePositionHistory)

		r.Get("/signals", s.handleListSignals)
		r.Get("/signals/latest", s.handleLatestSignal)
		if s.archiver != nil {
			r.Post("/signals/{symbol}/archive", s.handleArchiveSignals)
		}

		r.Get("/stats/{symbol}", s.handleStats)

		if s.snapshots != nil {
			r.Post("/indicators/import", s.handleImportSnapshots)
		}
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{
		"error": "Method Not Allowed",
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
