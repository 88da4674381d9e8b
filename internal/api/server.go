// Package api provides the HTTP and WebSocket server.
package api

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/meridianfx/trading-engine/internal/config"
	"github.com/meridianfx/trading-engine/internal/coordinator"
	"github.com/meridianfx/trading-engine/internal/events"
	"github.com/meridianfx/trading-engine/internal/ledger"
	"github.com/meridianfx/trading-engine/internal/metrics"
	"github.com/meridianfx/trading-engine/internal/store"
)

// Deps are the engine components the API surfaces.
type Deps struct {
	DB          *sql.DB
	Coordinator *coordinator.Coordinator
	Candles     *store.CandleStore
	Decisions   *store.DecisionStore
	Ledger      *ledger.Ledger
	Metrics     *metrics.Metrics
	Bus         *events.Bus
}

// Server is the HTTP/WebSocket API server.
type Server struct {
	logger     *zap.Logger
	cfg        config.ServerConfig
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	hub        *Hub
	deps       Deps
	started    time.Time
}

// NewServer creates the API server and wires the event bus into the
// WebSocket hub.
func NewServer(logger *zap.Logger, cfg config.ServerConfig, deps Deps) *Server {
	s := &Server{
		logger: logger.Named("api"),
		cfg:    cfg,
		router: mux.NewRouter(),
		hub:    NewHub(logger),
		deps:   deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
		started: time.Now().UTC(),
	}
	s.setupRoutes()
	if deps.Bus != nil {
		deps.Bus.SubscribeAll(s.hub.RelayEvent)
	}
	return s
}

func (s *Server) setupRoutes() {
	// Health and metrics
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")
	if s.cfg.EnableMetrics && s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics.Handler())
	}

	// Job endpoints
	s.router.HandleFunc("/api/v1/jobs", s.handleSubmitJob).Methods("POST")
	s.router.HandleFunc("/api/v1/jobs", s.handleListJobs).Methods("GET")
	s.router.HandleFunc("/api/v1/jobs/stats", s.handleJobStats).Methods("GET")
	s.router.HandleFunc("/api/v1/jobs/{id}", s.handleGetJob).Methods("GET")
	s.router.HandleFunc("/api/v1/jobs/{id}/cancel", s.handleCancelJob).Methods("POST")

	// Market data
	s.router.HandleFunc("/api/v1/candles", s.handleGetCandles).Methods("GET")
	s.router.HandleFunc("/api/v1/candles/gaps", s.handleGetGaps).Methods("GET")

	// Strategy output
	s.router.HandleFunc("/api/v1/decisions", s.handleGetDecisions).Methods("GET")
	s.router.HandleFunc("/api/v1/decisions/{id}", s.handleGetDecision).Methods("GET")
	s.router.HandleFunc("/api/v1/signals", s.handleGetSignals).Methods("GET")
	s.router.HandleFunc("/api/v1/runs", s.handleGetRuns).Methods("GET")

	// Ledger
	s.router.HandleFunc("/api/v1/positions/{id}", s.handleGetPosition).Methods("GET")
	s.router.HandleFunc("/api/v1/accounts/{id}", s.handleGetAccount).Methods("GET")
	s.router.HandleFunc("/api/v1/accounts/{id}/events", s.handleGetAccountEvents).Methods("GET")

	// WebSocket
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Router exposes the configured handler for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start runs the hub and blocks serving HTTP.
func (s *Server) Start() error {
	go s.hub.Run()

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.logger.Info("starting API server", zap.String("addr", addr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop closes WebSocket clients and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.CloseAll()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
