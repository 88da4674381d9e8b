package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/meridianfx/trading-engine/internal/coordinator"
	"github.com/meridianfx/trading-engine/pkg/types"
)

type submitJobRequest struct {
	Type          string `json:"type"`
	Pair          string `json:"pair"`
	Timeframe     string `json:"timeframe"`
	From          string `json:"from,omitempty"`
	To            string `json:"to,omitempty"`
	DaysPerBatch  int    `json:"daysPerBatch,omitempty"`
	LookbackHours int    `json:"lookbackHours,omitempty"`
	Priority      int    `json:"priority,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// handleHealth reports healthy, degraded, or critical. The database is the
// hard dependency: an unreachable database is critical, a saturated job
// queue is degraded.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	checks := map[string]string{}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.DB.PingContext(ctx); err != nil {
		status = "critical"
		checks["database"] = err.Error()
	} else {
		checks["database"] = "ok"
	}

	var stats coordinator.Stats
	if s.deps.Coordinator != nil {
		stats = s.deps.Coordinator.Stats()
		checks["coordinator"] = "ok"
		if stats.QueuedJobs > 0 && stats.RunningJobs == 0 && status == "healthy" {
			status = "degraded"
			checks["coordinator"] = "jobs queued but none running"
		}
	}

	code := http.StatusOK
	if status == "critical" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]any{
		"status":        status,
		"checks":        checks,
		"uptimeSeconds": int(time.Since(s.started).Seconds()),
		"jobs":          stats,
		"wsClients":     s.hub.ClientCount(),
		"time":          time.Now().UTC(),
	})
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	jobType := types.JobType(req.Type)
	switch jobType {
	case types.JobBackfill, types.JobIncremental, types.JobStrategyRun:
	default:
		s.writeError(w, http.StatusBadRequest, "unknown job type: "+req.Type)
		return
	}
	if req.Pair == "" {
		s.writeError(w, http.StatusBadRequest, "pair is required")
		return
	}
	tf := types.Timeframe(req.Timeframe)
	if tf.Duration() == 0 {
		s.writeError(w, http.StatusBadRequest, "unknown timeframe: "+req.Timeframe)
		return
	}

	cfg := types.JobConfig{
		Pair:          req.Pair,
		Timeframe:     tf,
		DaysPerBatch:  req.DaysPerBatch,
		LookbackHours: req.LookbackHours,
	}
	if req.From != "" {
		t, err := time.Parse(time.RFC3339, req.From)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid from timestamp")
			return
		}
		cfg.From = t.UTC()
	}
	if req.To != "" {
		t, err := time.Parse(time.RFC3339, req.To)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid to timestamp")
			return
		}
		cfg.To = t.UTC()
	}

	id, err := s.deps.Coordinator.Submit(jobType, cfg, req.Priority)
	if err != nil {
		if errors.Is(err, coordinator.ErrQueueFull) {
			s.writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		if errors.Is(err, coordinator.ErrShuttingDown) {
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	job, _ := s.deps.Coordinator.GetJob(id)
	s.writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := types.JobStatus(r.URL.Query().Get("status"))
	jobs := s.deps.Coordinator.ListJobs(status)
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, ok := s.deps.Coordinator.GetJob(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.deps.Coordinator.Cancel(id); err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	job, _ := s.deps.Coordinator.GetJob(id)
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Coordinator.Stats())
}

func (s *Server) candleParams(r *http.Request) (pair string, tf types.Timeframe, from, to time.Time, err error) {
	q := r.URL.Query()
	pair = q.Get("pair")
	tf = types.Timeframe(q.Get("timeframe"))
	if tf == "" {
		tf = types.Timeframe15m
	}
	to = time.Now().UTC()
	from = to.AddDate(0, 0, -7)
	if v := q.Get("from"); v != "" {
		from, err = time.Parse(time.RFC3339, v)
		if err != nil {
			return
		}
	}
	if v := q.Get("to"); v != "" {
		to, err = time.Parse(time.RFC3339, v)
		if err != nil {
			return
		}
	}
	return pair, tf, from.UTC(), to.UTC(), nil
}

func (s *Server) handleGetCandles(w http.ResponseWriter, r *http.Request) {
	pair, tf, from, to, err := s.candleParams(r)
	if err != nil || pair == "" {
		s.writeError(w, http.StatusBadRequest, "pair, and RFC3339 from/to are required")
		return
	}
	candles, err := s.deps.Candles.GetRange(r.Context(), pair, tf, from, to)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"pair":      pair,
		"timeframe": tf,
		"candles":   candles,
		"count":     len(candles),
	})
}

func (s *Server) handleGetGaps(w http.ResponseWriter, r *http.Request) {
	pair, tf, from, to, err := s.candleParams(r)
	if err != nil || pair == "" {
		s.writeError(w, http.StatusBadRequest, "pair, and RFC3339 from/to are required")
		return
	}
	gaps, err := s.deps.Candles.DetectGaps(r.Context(), pair, tf, from, to, tf.Millis())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"gaps": gaps, "count": len(gaps)})
}

func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func (s *Server) handleGetDecisions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tf := types.Timeframe(q.Get("timeframe"))
	if tf == "" {
		tf = types.Timeframe15m
	}
	decisions, err := s.deps.Decisions.GetDecisions(r.Context(), q.Get("pair"), tf, queryLimit(r, 100))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"decisions": decisions, "count": len(decisions)})
}

func (s *Server) handleGetDecision(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	decision, err := s.deps.Decisions.GetDecision(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "decision not found")
		return
	}
	audits, err := s.deps.Decisions.GetAuditTrail(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := map[string]any{"decision": decision, "audit": audits}
	if signal, err := s.deps.Decisions.GetSignal(r.Context(), id); err == nil && signal != nil {
		resp["signal"] = signal
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetSignals(w http.ResponseWriter, r *http.Request) {
	signals, err := s.deps.Decisions.GetRecentSignals(r.Context(), queryLimit(r, 50))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"signals": signals, "count": len(signals)})
}

func (s *Server) handleGetRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tf := types.Timeframe(q.Get("timeframe"))
	if tf == "" {
		tf = types.Timeframe15m
	}
	runs, err := s.deps.Decisions.GetRuns(r.Context(), q.Get("pair"), tf, queryLimit(r, 20))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	pos, err := s.deps.Ledger.Position(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	events, err := s.deps.Ledger.PositionEvents(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"position": pos, "events": events})
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	state, err := s.deps.Ledger.Replay(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleGetAccountEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	events, err := s.deps.Ledger.BalanceEvents(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}
