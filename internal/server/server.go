// Package server exposes the bot's HTTP API: entries, exits, subscription
// management, and quote/position reads. Policy failures (rejection, not
// found, in-flight) come back as structured failure envelopes, never bare
// 500s.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/eddiefleurent/schrute_scalper/internal/exec"
	"github.com/eddiefleurent/schrute_scalper/internal/models"
	"github.com/eddiefleurent/schrute_scalper/internal/resolver"
	"github.com/eddiefleurent/schrute_scalper/internal/storage"
	"github.com/eddiefleurent/schrute_scalper/internal/stream"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// StreamManager is the subscription surface the API exposes.
type StreamManager interface {
	Track(key models.InstrumentKey) (bool, error)
	Untrack(key models.InstrumentKey) error
	LatestQuote(key models.InstrumentKey) (models.Quote, bool)
	State() stream.State
}

// Executor is the execution engine surface the API exposes.
type Executor interface {
	Enter(ctx context.Context, userID string, key models.InstrumentKey, direction exec.Direction, cashBudget, referencePrice float64) (*models.Position, error)
	Exit(ctx context.Context, positionID string, mode exec.ExitMode) (*exec.ExitResult, error)
}

// PositionResolver maps arbitrary identifiers to positions.
type PositionResolver interface {
	Resolve(ctx context.Context, userID, identifier string) resolver.Resolution
}

// Config holds server settings.
type Config struct {
	Port      int
	AuthToken string
}

// Server is the HTTP API server.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	storage   storage.Interface
	streams   StreamManager
	engine    Executor
	resolver  PositionResolver
	logger    *logrus.Logger
	port      int
	authToken string
}

// NewServer wires the API over its collaborators.
func NewServer(cfg Config, st storage.Interface, streams StreamManager, engine Executor, res PositionResolver, logger *logrus.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		storage:   st,
		streams:   streams,
		engine:    engine,
		resolver:  res,
		logger:    logger,
		port:      cfg.Port,
		authToken: cfg.AuthToken,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(5 * time.Minute))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Post("/api/entry", s.handleEntry)
	s.router.Post("/api/exit", s.handleExit)
	s.router.Post("/api/track", s.handleTrack)
	s.router.Post("/api/untrack", s.handleUntrack)
	s.router.Get("/api/quote/{symbol}", s.handleQuote)
	s.router.Get("/api/positions", s.handlePositions)
	s.router.Get("/health", s.handleHealth)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token != s.authToken {
			s.writeJSON(w, http.StatusUnauthorized, envelope{OK: false, Error: "unauthorized"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start runs the server until Shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting API server on port %d", s.port)
	return s.server.ListenAndServe()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// envelope is the uniform response shape: success carries data, failure
// carries a message the UI can show the user.
type envelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Data  any    `json:"data,omitempty"`
}

type entryRequest struct {
	UserID         string               `json:"user_id"`
	Instrument     models.InstrumentKey `json:"instrument"`
	CashBudget     float64              `json:"cash_budget"`
	ReferencePrice float64              `json:"reference_price,omitempty"`
}

func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request) {
	var req entryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, envelope{OK: false, Error: "invalid request body"})
		return
	}

	refPrice := req.ReferencePrice
	if refPrice <= 0 {
		q, ok := s.streams.LatestQuote(req.Instrument)
		if !ok || q.Mid() <= 0 {
			s.writeJSON(w, http.StatusOK, envelope{OK: false, Error: "no reference price available; supply reference_price or track the instrument first"})
			return
		}
		refPrice = q.Mid()
	}

	pos, err := s.engine.Enter(r.Context(), req.UserID, req.Instrument, exec.DirectionLong, req.CashBudget, refPrice)
	if err != nil {
		status := http.StatusOK
		if errors.Is(err, exec.ErrExecutionInFlight) {
			status = http.StatusConflict
		}
		s.writeJSON(w, status, envelope{OK: false, Error: err.Error()})
		return
	}

	s.writeJSON(w, http.StatusOK, envelope{OK: true, Data: pos})
}

type exitRequest struct {
	UserID     string `json:"user_id"`
	Identifier string `json:"identifier"`
	Mode       string `json:"mode,omitempty"` // guaranteed | adaptive
}

func (s *Server) handleExit(w http.ResponseWriter, r *http.Request) {
	var req exitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, envelope{OK: false, Error: "invalid request body"})
		return
	}

	mode := exec.ExitGuaranteed
	if req.Mode == string(exec.ExitAdaptive) {
		mode = exec.ExitAdaptive
	}

	res := s.resolver.Resolve(r.Context(), req.UserID, req.Identifier)
	switch res.Class {
	case resolver.ClassPosition:
	case resolver.ClassOrphaned:
		s.writeJSON(w, http.StatusOK, envelope{OK: false, Error: fmt.Sprintf("signal %s references position %s which no longer exists", res.Signal.ID, res.CanonicalID)})
		return
	case resolver.ClassManual:
		s.writeJSON(w, http.StatusOK, envelope{OK: false, Error: fmt.Sprintf("signal %s was never entered; nothing to exit", res.Signal.ID)})
		return
	default:
		s.writeJSON(w, http.StatusOK, envelope{OK: false, Error: fmt.Sprintf("no position found for %q", req.Identifier)})
		return
	}

	if res.Position != nil && !res.Position.IsOpen() {
		s.writeJSON(w, http.StatusOK, envelope{OK: false, Error: fmt.Sprintf("position %s is already closed", res.CanonicalID)})
		return
	}

	// A position known only to the brokerage gets a local row first so the
	// exit has something to close against.
	if s.storage.GetPositionByID(res.CanonicalID) == nil && res.Position != nil {
		pos := *res.Position
		pos.UserID = req.UserID
		if err := s.storage.CreatePosition(&pos); err != nil {
			s.logger.WithError(err).WithField("position", res.CanonicalID).Error("importing broker position failed")
			s.writeJSON(w, http.StatusOK, envelope{OK: false, Error: "could not import broker position"})
			return
		}
	}

	result, err := s.engine.Exit(r.Context(), res.CanonicalID, mode)
	if err != nil {
		status := http.StatusOK
		if errors.Is(err, exec.ErrExecutionInFlight) {
			status = http.StatusConflict
		}
		s.writeJSON(w, status, envelope{OK: false, Error: err.Error()})
		return
	}

	s.writeJSON(w, http.StatusOK, envelope{OK: true, Data: result})
}

type trackRequest struct {
	Instrument models.InstrumentKey `json:"instrument"`
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	var req trackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, envelope{OK: false, Error: "invalid request body"})
		return
	}

	already, err := s.streams.Track(req.Instrument)
	if err != nil {
		s.writeJSON(w, http.StatusOK, envelope{OK: false, Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, envelope{OK: true, Data: map[string]bool{"already_tracked": already}})
}

func (s *Server) handleUntrack(w http.ResponseWriter, r *http.Request) {
	var req trackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, envelope{OK: false, Error: "invalid request body"})
		return
	}

	if err := s.streams.Untrack(req.Instrument); err != nil {
		s.writeJSON(w, http.StatusOK, envelope{OK: false, Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, envelope{OK: true})
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	// OCC symbols decode to option keys; everything else is a stock root.
	key, err := models.ParseOCCSymbol(symbol)
	if err != nil {
		key = models.StockKey(symbol)
	}

	q, ok := s.streams.LatestQuote(key)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, envelope{OK: false, Error: fmt.Sprintf("no quote for %q", symbol)})
		return
	}
	s.writeJSON(w, http.StatusOK, envelope{OK: true, Data: q})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")

	var positions []models.Position
	if userID != "" {
		positions = s.storage.GetPositionsByUser(userID)
	} else {
		positions = s.storage.GetOpenPositions()
	}
	if positions == nil {
		positions = []models.Position{}
	}
	s.writeJSON(w, http.StatusOK, envelope{OK: true, Data: positions})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":    "healthy",
		"feed":      s.streams.State().String(),
		"timestamp": time.Now().Unix(),
	}
	s.writeJSON(w, http.StatusOK, health)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}
