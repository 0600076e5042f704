package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gkobilansky/abengine/internal/engine"
)

type Config struct {
	Port      int
	Token     string // generated when empty
	TokenFile string
	// DB is optional; it is only used to report the database size on /health.
	DB       *sql.DB
	Gatherer prometheus.Gatherer
}

type Server struct {
	engine    *engine.Engine
	db        *sql.DB
	gatherer  prometheus.Gatherer
	lggr      *zap.SugaredLogger
	port      int
	token     string
	tokenFile string
	router    *http.ServeMux
	http      *http.Server
	startTime time.Time
}

func New(eng *engine.Engine, cfg Config, lggr *zap.SugaredLogger) *Server {
	token := cfg.Token
	if token == "" {
		token = generateToken()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	srv := &Server{
		engine:    eng,
		db:        cfg.DB,
		gatherer:  gatherer,
		lggr:      lggr.Named("server"),
		port:      cfg.Port,
		token:     token,
		tokenFile: cfg.TokenFile,
		router:    http.NewServeMux(),
		startTime: time.Now(),
	}

	srv.setupRoutes()
	srv.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv
}

func (s *Server) setupRoutes() {
	// Public endpoints
	s.router.HandleFunc("/health", s.handleHealth)
	s.router.HandleFunc("/assign", s.handleAssign)
	s.router.HandleFunc("/b", s.handleBeacon)
	s.router.HandleFunc("GET /client.js", s.handleClientJS)

	// Admin endpoints (protected)
	admin := func(pattern string, h http.HandlerFunc) {
		s.router.Handle(pattern, s.authMiddleware(h))
	}
	admin("GET /api/experiments", s.handleListExperiments)
	admin("POST /api/experiments", s.handleCreateExperiment)
	admin("GET /api/experiments/{id}", s.handleGetExperiment)
	admin("DELETE /api/experiments/{id}", s.handleDeleteExperiment)
	admin("POST /api/experiments/{id}/transition", s.handleTransition)
	admin("POST /api/experiments/{id}/variants", s.handleAddVariant)
	admin("PATCH /api/experiments/{id}/variants/{variantID}", s.handleUpdateVariant)
	admin("DELETE /api/experiments/{id}/variants/{variantID}", s.handleRemoveVariant)
	admin("PUT /api/experiments/{id}/traffic", s.handleSetTraffic)
	admin("GET /api/experiments/{id}/results", s.handleResults)
	admin("GET /api/experiments/{id}/events", s.handleEvents)
	s.router.Handle("GET /metrics", s.authMiddleware(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
}

// Start listens until Shutdown is called, printing the admin URL first.
func (s *Server) Start() error {
	return s.StartWithOptions(true)
}

// StartQuiet starts the server without printing startup messages
func (s *Server) StartQuiet() error {
	return s.StartWithOptions(false)
}

func (s *Server) StartWithOptions(printMessages bool) error {
	// Write token to file for the token command
	if s.tokenFile != "" {
		if err := os.WriteFile(s.tokenFile, []byte(s.token), 0600); err != nil {
			s.lggr.Warnw("Failed to write token file", "path", s.tokenFile, "err", err)
		}
	}

	if printMessages {
		fmt.Println()
		fmt.Printf("abengine running on http://localhost:%d\n", s.port)
		fmt.Printf("Admin API: http://localhost:%d/api/experiments?token=%s\n", s.port, s.token)
		fmt.Println()
		fmt.Println("Press Ctrl+C to stop")
	}

	s.lggr.Infow("Listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) Token() string {
	return s.token
}

func (s *Server) StartTime() time.Time {
	return s.startTime
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func generateToken() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(bytes)
}
