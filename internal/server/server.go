package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/hedgebot/internal/sim"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CONTROL SURFACE - /status /health /simulate, all read-only
// ═══════════════════════════════════════════════════════════════════════════════

// StatusProvider supplies the /status payload.
type StatusProvider interface {
	Status(ctx context.Context) Status
}

// PairStatus is one pair's line in /status.
type PairStatus struct {
	PairID     string `json:"pair_id"`
	Disabled   bool   `json:"disabled"`
	NetSpread  string `json:"net_spread"`
	LastFillAt string `json:"last_fill_at,omitempty"`
}

// Status is the /status payload.
type Status struct {
	Uptime     string       `json:"uptime"`
	PairCount  int          `json:"pair_count"`
	OpenOrders int          `json:"open_orders"`
	DailyPnL   string       `json:"daily_pnl"`
	DryRun     bool         `json:"dry_run"`
	Pairs      []PairStatus `json:"pairs"`
}

// Server exposes the read-only control endpoints.
type Server struct {
	httpServer *http.Server
	provider   StatusProvider
	simulator  *sim.Simulator
}

// New builds the server. Nothing it serves mutates live state.
func New(addr string, provider StatusProvider, simulator *sim.Simulator) *Server {
	s := &Server{provider: provider, simulator: simulator}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/simulate", s.handleSimulate)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

// Start serves until Shutdown.
func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.httpServer.Addr).Msg("🌐 Control server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("❌ Control server failed")
		}
	}()
}

// Shutdown drains the server.
func (s *Server) Shutdown(ctx context.Context) {
	_ = s.httpServer.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.provider.Status(r.Context()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	results := s.simulator.Health(r.Context())
	code := http.StatusOK
	for _, res := range results {
		if !res.OK {
			code = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, code, results)
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	pairID := r.URL.Query().Get("pair")
	if pairID == "" {
		http.Error(w, "pair query parameter required", http.StatusBadRequest)
		return
	}

	size := decimal.Zero
	if raw := r.URL.Query().Get("size"); raw != "" {
		var err error
		size, err = decimal.NewFromString(raw)
		if err != nil || size.IsNegative() {
			http.Error(w, "invalid size", http.StatusBadRequest)
			return
		}
	}

	plan, err := s.simulator.Simulate(r.Context(), pairID, size)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("❌ Failed to encode response")
	}
}
