package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/forkpool/internal/pool"
	"github.com/mattjoyce/forkpool/internal/protocol"
	"github.com/mattjoyce/forkpool/internal/runner"
)

const maxBodyBytes = 4 << 20

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	var stats pool.Stats
	s.WithPool(func(d Dispatcher) { stats = d.Stats() })

	live := 0
	for _, sl := range stats.Slots {
		if sl.Live {
			live++
		}
	}
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		MaxFork:       stats.MaxFork,
		WorkersLive:   live,
		ConfigHash:    s.config.ConfigHash,
	})
}

// decodeJob reads a JobRequest and resolves its payload.
func (s *Server) decodeJob(w http.ResponseWriter, r *http.Request) (string, map[string]any, bool) {
	var req JobRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return "", nil, false
	}
	req.Command = strings.TrimSpace(req.Command)
	if req.Command == "" {
		s.writeError(w, http.StatusBadRequest, "command is required")
		return "", nil, false
	}

	payload := map[string]any{}
	switch {
	case len(req.Payload) > 0 && string(req.Payload) != "null":
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			s.writeError(w, http.StatusBadRequest, "payload must be a JSON object")
			return "", nil, false
		}
	case req.Data != "":
		p, err := protocol.DecodeData(req.Data)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid data: "+err.Error())
			return "", nil, false
		}
		payload = p
	}
	return req.Command, payload, true
}

// handleSubmit handles POST /v1/jobs.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	command, payload, ok := s.decodeJob(w, r)
	if !ok {
		return
	}

	var out pool.Outcome
	s.WithPool(func(d Dispatcher) { out = d.SubmitResult(r.Context(), command, payload) })

	resp := SubmitResponse{
		Dispatched: out.OK(),
		Status:     out.Status,
		Slot:       out.Slot,
		Attempts:   out.Attempts,
		Recycled:   out.Recycled,
	}
	if out.Err != nil {
		resp.Error = out.Err.Error()
	}

	status := http.StatusAccepted
	switch out.Status {
	case pool.StatusDispatched:
	case pool.StatusEncodeFailed:
		status = http.StatusBadRequest
	default:
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, resp)
}

// handleLaunch handles POST /v1/launch.
func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	command, payload, ok := s.decodeJob(w, r)
	if !ok {
		return
	}

	var launched bool
	s.WithPool(func(d Dispatcher) { launched = d.LaunchDetached(r.Context(), command, payload) })

	status := http.StatusAccepted
	if !launched {
		status = http.StatusInternalServerError
	}
	respondJSON(w, status, LaunchResponse{Launched: launched, Command: command})
}

// handleRun handles POST /v1/run: the command runs synchronously and the
// requested output fields are returned.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		s.writeError(w, http.StatusNotImplemented, "runner is not configured")
		return
	}

	var req RunRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		s.writeError(w, http.StatusBadRequest, "command is required")
		return
	}
	if req.TimeoutMS < 0 {
		s.writeError(w, http.StatusBadRequest, "timeout_ms must not be negative")
		return
	}

	select {
	case s.runSemaphore <- struct{}{}:
		defer func() { <-s.runSemaphore }()
	default:
		s.writeError(w, http.StatusServiceUnavailable, "too many concurrent runs")
		return
	}

	want := runner.ParseFields(req.Return)
	if len(want) == 0 {
		want = runner.Fields(runner.FieldResult)
	}
	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	if timeout > s.config.MaxRunTimeout {
		timeout = s.config.MaxRunTimeout
	}

	res, err := s.runner.Run(r.Context(), runner.Request{
		Command: req.Command,
		Input:   req.Input,
		Want:    want,
		Timeout: timeout,
		Log:     req.Log,
	})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, runner.ErrSpawnDenied) {
			status = http.StatusBadGateway
		}
		s.writeError(w, status, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// handlePool handles GET /v1/pool.
func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	var stats pool.Stats
	s.WithPool(func(d Dispatcher) { stats = d.Stats() })
	respondJSON(w, http.StatusOK, stats)
}

// handleJournal handles GET /v1/journal?limit=N.
func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeError(w, http.StatusNotFound, "journal is disabled")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	entries, err := s.journal.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to read journal", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read journal")
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
