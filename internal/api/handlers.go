package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mattjoyce/shunter/internal/manual"
	"github.com/mattjoyce/shunter/internal/safety"
	"github.com/mattjoyce/shunter/internal/signals"
)

const maxBodyBytes = 4 << 10

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Status.Status()
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        st.Health(),
		State:         st.State,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}

// handleStatus handles GET /status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Status.Status()
	resp := StatusResponse{
		Status: st,
		Health: st.Health(),
	}
	if !st.Since.IsZero() {
		resp.SecondsInState = time.Since(st.Since).Seconds()
	}

	if p := s.deps.Pipeline; p != nil {
		stats := p.Pipeline()
		resp.Pipeline = &stats
	}

	if h := s.deps.History; h != nil {
		ctx := r.Context()
		var err error
		if resp.RecentDetections, err = h.RecentDetections(ctx, s.config.HistorySize); err != nil {
			s.logger.Warn("status: recent detections unavailable", "error", err)
		}
		if resp.RecentCommands, err = h.RecentCommands(ctx, s.config.HistorySize); err != nil {
			s.logger.Warn("status: recent commands unavailable", "error", err)
		}
		if resp.RecentTransitions, err = h.RecentTransitions(ctx, s.config.HistorySize); err != nil {
			s.logger.Warn("status: recent transitions unavailable", "error", err)
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

// handleLastDetection handles GET /last_detection.
func (s *Server) handleLastDetection(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Status.Status()
	if st.LastDetection == nil {
		s.writeError(w, http.StatusNotFound, "no detection yet")
		return
	}
	respondJSON(w, http.StatusOK, st.LastDetection)
}

// handleLastFrame handles GET /last_frame by streaming the detector's frame.
func (s *Server) handleLastFrame(w http.ResponseWriter, r *http.Request) {
	if s.config.FrameURL == "" {
		s.writeError(w, http.StatusNotFound, "frame endpoint not configured")
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, s.config.FrameURL, nil)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "build frame request: "+err.Error())
		return
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, "detector unreachable: "+err.Error())
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.writeError(w, http.StatusBadGateway, fmt.Sprintf("detector returned %d", resp.StatusCode))
		return
	}

	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "image/jpeg"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Cache-Control", "no-store")
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		w.Header().Set("Content-Length", cl)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, resp.Body); err != nil {
		s.logger.Debug("frame copy interrupted", "error", err)
	}
}

// handleStop handles POST /cmd/stop.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.commandContext(r)
	defer cancel()
	res, err := s.deps.Manual.Stop(ctx)
	s.respondCommand(w, res, err)
}

// handleForward handles POST /cmd/forward?speed=N.
func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	req, err := parseCommandRequest(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := s.commandContext(r)
	defer cancel()
	res, err := s.deps.Manual.Forward(ctx, manual.ForwardRequest{Speed: req.Speed})
	s.respondCommand(w, res, err)
}

// handleReverse handles POST /cmd/reverse?speed=N&duration=S.
func (s *Server) handleReverse(w http.ResponseWriter, r *http.Request) {
	req, err := parseCommandRequest(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := s.commandContext(r)
	defer cancel()
	res, err := s.deps.Manual.Reverse(ctx, manual.ReverseRequest{Speed: req.Speed, Duration: req.Duration})
	s.respondCommand(w, res, err)
}

// handleReset handles POST /cmd/reset.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.commandContext(r)
	defer cancel()
	if err := s.deps.Manual.Reset(ctx); err != nil {
		s.writeError(w, errorStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, CommandResponse{OK: true, State: s.deps.Status.Status().State})
}

func (s *Server) commandContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.config.RequestTimeout)
}

func (s *Server) respondCommand(w http.ResponseWriter, res manual.Result, err error) {
	if err != nil {
		s.writeError(w, errorStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, CommandResponse{
		OK:      true,
		Seq:     res.Seq,
		Command: res.Command,
		State:   res.State,
	})
}

// parseCommandRequest reads an optional JSON body, then lets query
// parameters override it.
func parseCommandRequest(r *http.Request) (CommandRequest, error) {
	var req CommandRequest
	if r.Body != nil && r.ContentLength != 0 {
		dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
		if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			return req, errors.New("invalid JSON body")
		}
	}

	q := r.URL.Query()
	if v := q.Get("speed"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return req, fmt.Errorf("speed must be an integer, got %q", v)
		}
		req.Speed = &n
	}
	if v := q.Get("duration"); v != "" {
		d, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return req, fmt.Errorf("duration must be a number of seconds, got %q", v)
		}
		req.Duration = &d
	}
	return req, nil
}

// errorStatus maps loop and gateway errors onto HTTP codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, manual.ErrRejected):
		return http.StatusBadRequest
	case errors.Is(err, safety.ErrFaulted), errors.Is(err, safety.ErrNotFaulted):
		return http.StatusConflict
	case errors.Is(err, safety.ErrDispatchFailed):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, safety.ErrShuttingDown), errors.Is(err, signals.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
