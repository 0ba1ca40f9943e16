package kernel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/oapi-codegen/runtime"

	"github.com/manthysbr/aulerun/internal/core/domain"
)

// handleJobEvents streams a job's events as server-sent events. Persisted
// events after the cursor (?after= or Last-Event-ID) are replayed first,
// then live ones follow. The stream ends after the terminal status event.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	var after int64
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			badRequest(w, "invalid Last-Event-ID")
			return
		}
		after = n
	}
	if err := runtime.BindQueryParameter("form", true, false, "after", r.URL.Query(), &after); err != nil || after < 0 {
		badRequest(w, "invalid after cursor")
		return
	}
	if _, err := s.deps.Jobs.Snapshot(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// Subscribe before replaying so nothing falls between the two.
	ch, unsub := s.deps.Bus.Subscribe(id)
	defer unsub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	last := uint64(after)
	send := func(ev domain.JobEvent) (done bool) {
		if ev.Seq <= last {
			return false
		}
		last = ev.Seq
		writeSSE(w, ev)
		flusher.Flush()
		return isTerminalStatus(ev)
	}

	if s.deps.Events != nil {
		history, err := s.deps.Events.ListJobEvents(r.Context(), id, last)
		if err != nil {
			s.logger.Error("failed to replay job events", "job_id", id, "error", err)
		}
		for _, ev := range history {
			if send(ev) {
				return
			}
		}
	}

	// A job that finished before we subscribed gets no more live events.
	if job, err := s.deps.Jobs.Snapshot(r.Context(), id); err == nil && job.State.Terminal() {
		for {
			select {
			case ev, ok := <-ch:
				if !ok || send(ev) {
					return
				}
			default:
				return
			}
		}
	}

	heartbeat := time.NewTicker(s.deps.Heartbeat)
	defer heartbeat.Stop()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok || send(ev) {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, ev domain.JobEvent) {
	data := ev.Payload
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Kind, data)
}

func isTerminalStatus(ev domain.JobEvent) bool {
	if ev.Kind != domain.EventStatus {
		return false
	}
	var p domain.StatusPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return false
	}
	return p.State.Terminal()
}
