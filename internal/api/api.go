// Package api exposes the engine over HTTP: a middleware that classifies
// every request, and admin endpoints for policies, reputation, and health.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/threatvane/threatvane/internal/detection"
	"github.com/threatvane/threatvane/internal/engine"
	"github.com/threatvane/threatvane/internal/reputation"
)

// Server holds the HTTP handlers.
type Server struct {
	engine *engine.Engine
}

// NewServer creates the API server over an engine.
func NewServer(eng *engine.Engine) *Server {
	return &Server{engine: eng}
}

// Middleware classifies each request before passing it downstream. Blocked
// requests get a 403; challenged requests a 429 with a challenge header.
// Detection errors never produce a 5xx: the engine always yields a verdict.
func (s *Server) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision := s.engine.Evaluate(r.Context(), r)

		if result := decision.Result; result != nil {
			w.Header().Set("X-Bot-Detection-Mode", string(decision.Mode))
			w.Header().Set("X-Bot-Detection-Policy", decision.PolicyName)
			w.Header().Set("X-Bot-Detection-Score", strconv.FormatFloat(result.ConfidenceScore, 'f', 3, 64))
			if result.IsBot {
				w.Header().Set("X-Bot-Detection-Verdict", string(result.BotType))
			}

			switch result.Action {
			case detection.ActionBlock:
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			case detection.ActionChallenge:
				w.Header().Set("X-Bot-Challenge", "required")
				http.Error(w, "challenge required", http.StatusTooManyRequests)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Routes registers the admin endpoints on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/policies", s.handlePolicies)
	mux.HandleFunc("GET /api/reputation/stats", s.handleReputationStats)
	mux.HandleFunc("GET /api/reputation/signals", s.handleReputationSignals)
	mux.HandleFunc("POST /api/reputation/block", s.handleManualBlock)
	mux.HandleFunc("POST /api/reputation/allow", s.handleManualAllow)
	mux.HandleFunc("POST /api/reputation/unlock", s.handleRemoveOverride)
	mux.Handle("GET /metrics", s.engine.Metrics().Handler())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := s.engine.Coordinator().Healthy()
	status := map[string]any{
		"status":          "healthy",
		"listsHealthy":    healthy,
		"lastListSuccess": s.engine.Coordinator().LastSuccess(),
		"patternsCached":  s.engine.Reputation().Len(),
	}
	if !healthy {
		status["status"] = "degraded"
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handlePolicies(w http.ResponseWriter, r *http.Request) {
	names := []string{"default", "strict", "relaxed", "allowVerifiedBots", "static"}
	out := make(map[string]any, len(names))
	for _, n := range names {
		if p, ok := s.engine.Policies().Get(n); ok {
			out[p.Name] = p
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReputationStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"cached": s.engine.Reputation().Len(),
	}
	if store := s.engine.Store(); store != nil {
		dbStats, err := store.Stats()
		if err != nil {
			log.Warn().Err(err).Msg("pattern store stats failed")
		} else {
			stats["store"] = dbStats
		}
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleReputationSignals(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	var filter func(reputation.Signal) bool
	if kind != "" {
		filter = func(sig reputation.Signal) bool { return sig.Kind == kind }
	}
	writeJSON(w, http.StatusOK, s.engine.Reputation().Signals().Recent(filter))
}

type overrideRequest struct {
	PatternID   string `json:"patternId"`
	PatternType string `json:"patternType"`
	Pattern     string `json:"pattern"`
	Notes       string `json:"notes"`
}

// Manual overrides are the one place validation errors surface to the
// caller directly.
func (s *Server) decodeOverride(w http.ResponseWriter, r *http.Request) (*overrideRequest, bool) {
	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return nil, false
	}
	if req.PatternID == "" {
		http.Error(w, "patternId is required", http.StatusBadRequest)
		return nil, false
	}
	if req.PatternType == "" {
		req.PatternType = string(reputation.PatternUserAgent)
	}
	return &req, true
}

func (s *Server) handleManualBlock(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeOverride(w, r)
	if !ok {
		return
	}
	rep := s.engine.Reputation().ManuallyBlock(req.PatternID, reputation.PatternType(req.PatternType), req.Pattern, req.Notes)
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleManualAllow(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeOverride(w, r)
	if !ok {
		return
	}
	rep := s.engine.Reputation().ManuallyAllow(req.PatternID, reputation.PatternType(req.PatternType), req.Pattern, req.Notes)
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleRemoveOverride(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeOverride(w, r)
	if !ok {
		return
	}
	rep, found := s.engine.Reputation().RemoveManualOverride(req.PatternID)
	if !found {
		http.Error(w, "pattern not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("response encode failed")
	}
}
