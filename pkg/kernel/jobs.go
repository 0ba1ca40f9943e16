package kernel

import (
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"

	"github.com/manthysbr/aulerun/internal/core/domain"
	"github.com/manthysbr/aulerun/internal/core/services"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type submitJobRequest struct {
	Title    string            `json:"title,omitempty"`
	Prompt   string            `json:"prompt"`
	Priority string            `json:"priority,omitempty"`
	Creator  domain.ChannelRef `json:"creator"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type submitJobResponse struct {
	ID    domain.JobID    `json:"id"`
	State domain.JobState `json:"state"`
}

type listJobsResponse struct {
	Jobs  []domain.Job `json:"jobs"`
	Count int          `json:"count"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := readJSON(w, r, &req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}
	prio, err := domain.ParsePriority(req.Priority)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if req.Creator.Channel == "" {
		req.Creator.Channel = "api"
	}

	id, err := s.deps.Jobs.Submit(r.Context(), services.SubmitRequest{
		Title:    req.Title,
		Prompt:   req.Prompt,
		Priority: prio,
		Creator:  req.Creator,
		Metadata: req.Metadata,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("job submitted", "job_id", id, "priority", prio, "channel", req.Creator.Channel)

	state := domain.JobPending
	if job, err := s.deps.Jobs.Snapshot(r.Context(), id); err == nil {
		state = job.State
	}
	writeJSON(w, http.StatusAccepted, submitJobResponse{ID: id, State: state})
}

// handleListJobs merges the scheduler's in-memory jobs with persisted
// history. In-memory entries win since they carry the derived state.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if err := runtime.BindQueryParameter("form", true, false, "limit", r.URL.Query(), &limit); err != nil {
		badRequest(w, err.Error())
		return
	}
	var state string
	if err := runtime.BindQueryParameter("form", true, false, "state", r.URL.Query(), &state); err != nil {
		badRequest(w, err.Error())
		return
	}
	if limit < 1 || limit > maxListLimit {
		badRequest(w, "limit must be between 1 and 500")
		return
	}

	jobs := s.deps.Jobs.List()
	if s.deps.History != nil {
		seen := make(map[domain.JobID]bool, len(jobs))
		for _, j := range jobs {
			seen[j.ID] = true
		}
		stored, err := s.deps.History.ListJobs(r.Context(), limit)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		for _, j := range stored {
			if !seen[j.ID] {
				jobs = append(jobs, j)
			}
		}
		sort.SliceStable(jobs, func(i, k int) bool { return jobs[i].CreatedAt.After(jobs[k].CreatedAt) })
	}

	out := make([]domain.Job, 0, min(len(jobs), limit))
	for _, j := range jobs {
		if state != "" && string(j.State) != state {
			continue
		}
		out = append(out, j)
		if len(out) == limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, listJobsResponse{Jobs: out, Count: len(out)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	job, err := s.deps.Jobs.Snapshot(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleCancelJob is idempotent: cancelling a finished job returns its
// unchanged snapshot.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	if err := s.deps.Jobs.Cancel(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.deps.Jobs.Snapshot(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func jobIDParam(w http.ResponseWriter, r *http.Request) (domain.JobID, bool) {
	var id string
	err := runtime.BindStyledParameterWithOptions("simple", "jobID", chi.URLParam(r, "jobID"), &id,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Required: true})
	if err != nil {
		badRequest(w, err.Error())
		return "", false
	}
	return domain.JobID(id), true
}
