package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/shunter/internal/events"
)

const (
	keepAliveInterval = 15 * time.Second
	// reconnectHintMillis is sent as the SSE retry field.
	reconnectHintMillis = 2000
)

// handleEvents streams hub events as SSE. A client resuming with
// Last-Event-ID (header or ?last_event_id) first gets the buffered events
// it missed. ?types=a,b limits the stream to those event types.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	wanted := parseTypeFilter(r.URL.Query().Get("types"))
	lastID := parseLastEventID(r.Header.Get("Last-Event-ID"))
	if v := r.URL.Query().Get("last_event_id"); v != "" {
		lastID = parseLastEventID(v)
	}

	// Subscribe before replaying so nothing published in between is lost.
	ch, cancel := s.deps.Events.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprintf(w, "retry: %d\n\n", reconnectHintMillis); err != nil {
		return
	}

	send := func(ev events.Event) bool {
		if ev.ID <= lastID {
			return true
		}
		lastID = ev.ID
		if wanted != nil && !wanted[ev.Type] {
			return true
		}
		return writeSSE(w, ev) == nil
	}

	for _, ev := range s.deps.Events.SnapshotSince(lastID) {
		if !send(ev) {
			return
		}
	}
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if !send(ev) {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func parseLastEventID(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// parseTypeFilter returns nil for "no filter".
func parseTypeFilter(v string) map[string]bool {
	var out map[string]bool
	for _, t := range strings.Split(v, ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if out == nil {
			out = make(map[string]bool)
		}
		out[t] = true
	}
	return out
}

func writeSSE(w http.ResponseWriter, ev events.Event) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, ev.Data)
	return err
}
