package kernel

import (
	"net/http"
	"time"

	"github.com/oapi-codegen/runtime"

	"github.com/manthysbr/aulerun/internal/core/domain"
	"github.com/manthysbr/aulerun/internal/core/ports"
)

type listAuditResponse struct {
	Entries []domain.AuditEntry `json:"entries"`
	Count   int                 `json:"count"`
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	var (
		q        = r.URL.Query()
		jobID    string
		tool     string
		security bool
		since    time.Time
		limit    = defaultListLimit
	)
	for _, p := range []struct {
		name string
		dest any
	}{
		{"job_id", &jobID},
		{"tool", &tool},
		{"security", &security},
		{"since", &since},
		{"limit", &limit},
	} {
		if err := runtime.BindQueryParameter("form", true, false, p.name, q, p.dest); err != nil {
			badRequest(w, err.Error())
			return
		}
	}
	if limit < 1 || limit > maxListLimit {
		badRequest(w, "limit must be between 1 and 500")
		return
	}

	entries, err := s.deps.Audit.Query(r.Context(), ports.AuditFilter{
		JobID:        domain.JobID(jobID),
		ToolName:     tool,
		SecurityOnly: security,
		Since:        since,
		Limit:        limit,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, listAuditResponse{Entries: entries, Count: len(entries)})
}
