package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/sweeney/light-brightness/internal/logic"
	"github.com/sweeney/light-brightness/internal/status"
)

// maxBodyBytes bounds control request bodies.
const maxBodyBytes = 4096

// ModeRequest is the body of POST /api/lights/{id}/mode.
type ModeRequest struct {
	Mode string `json:"mode"`
}

// EvaluateRequest is the optional body of POST /api/lights/{id}/evaluate.
type EvaluateRequest struct {
	Immediate   bool     `json:"immediate"`
	IgnoreState bool     `json:"ignore_state"`
	TransitionS *float64 `json:"transition_s,omitempty"`
}

// EvaluateResponse reports the outcome of a requested evaluation.
type EvaluateResponse struct {
	Outcome string          `json:"outcome"`
	Light   status.LightJSON `json:"light"`
}

// ErrorResponse is the body of every non-2xx API answer.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, ErrorResponse{Error: msg})
}

// controlError maps controller errors onto HTTP status codes.
func controlError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, logic.ErrUnknownLight):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, logic.ErrNotStarted):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, logic.ErrStaleState):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) handleListLights(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	lights := make([]status.LightJSON, 0, len(snap.Lights))
	for _, st := range snap.Lights {
		lights = append(lights, status.Light(st))
	}
	writeJSON(w, http.StatusOK, lights)
}

func (s *Server) handleGetLight(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, ok := s.tracker.Snapshot().Light(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown light "+id)
		return
	}
	writeJSON(w, http.StatusOK, status.Light(st))
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	if s.ctrl == nil {
		writeError(w, http.StatusServiceUnavailable, "controller not running")
		return
	}
	id := chi.URLParam(r, "id")

	var req ModeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	mode, err := logic.ParseMode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.ctrl.SelectMode(r.Context(), id, mode, s.now()); err != nil {
		controlError(w, err)
		return
	}
	s.logger.WithFields(log.Fields{"light": id, "mode": mode}).Info("mode selected over HTTP")

	s.refresh()
	st, _ := s.tracker.Snapshot().Light(id)
	writeJSON(w, http.StatusOK, status.Light(st))
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if s.ctrl == nil {
		writeError(w, http.StatusServiceUnavailable, "controller not running")
		return
	}
	id := chi.URLParam(r, "id")

	var req EvaluateRequest
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	opts := logic.EvalOptions{
		Transition:             s.opts.Transition,
		Immediate:              req.Immediate,
		IgnoreState:            req.IgnoreState,
		CheckCurrentBrightness: true,
	}
	if req.TransitionS != nil {
		if *req.TransitionS < 0 {
			writeError(w, http.StatusBadRequest, "transition_s must not be negative")
			return
		}
		opts.Transition = time.Duration(*req.TransitionS * float64(time.Second))
	}

	outcome, err := s.ctrl.Evaluate(r.Context(), id, s.now(), opts)
	if err != nil && !errors.Is(err, logic.ErrStaleState) {
		controlError(w, err)
		return
	}

	s.refresh()
	st, _ := s.tracker.Snapshot().Light(id)
	writeJSON(w, http.StatusOK, EvaluateResponse{
		Outcome: string(outcome),
		Light:   status.Light(st),
	})
}
