package kernel

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"

	"github.com/manthysbr/aulerun/internal/core/domain"
)

type listToolsResponse struct {
	Tools []domain.ToolManifest `json:"tools"`
	Count int                   `json:"count"`
}

type listFailuresResponse struct {
	Failures  []domain.ToolFailureRecord `json:"failures"`
	Threshold int                        `json:"threshold"`
}

// repairRequest reports the outcome of a repair. A failed repair only
// bumps the attempt counter.
type repairRequest struct {
	Repaired    bool   `json:"repaired"`
	BuildResult string `json:"build_result,omitempty"`
}

func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	tools := s.deps.Tools.List()
	writeJSON(w, http.StatusOK, listToolsResponse{Tools: tools, Count: len(tools)})
}

func (s *Server) handleListFailures(w http.ResponseWriter, r *http.Request) {
	threshold := s.deps.FailureThreshold
	if err := runtime.BindQueryParameter("form", true, false, "threshold", r.URL.Query(), &threshold); err != nil {
		badRequest(w, err.Error())
		return
	}
	recs, err := s.deps.Failures.BrokenTools(r.Context(), threshold)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []domain.ToolFailureRecord{}
	}
	writeJSON(w, http.StatusOK, listFailuresResponse{Failures: recs, Threshold: threshold})
}

func (s *Server) handleGetFailure(w http.ResponseWriter, r *http.Request) {
	tool, ok := toolParam(w, r)
	if !ok {
		return
	}
	rec, err := s.deps.Failures.Get(r.Context(), tool)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRepairTool(w http.ResponseWriter, r *http.Request) {
	tool, ok := toolParam(w, r)
	if !ok {
		return
	}
	var req repairRequest
	if err := readJSON(w, r, &req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}

	var err error
	if req.Repaired {
		err = s.deps.Failures.MarkRepaired(r.Context(), tool)
	} else {
		err = s.deps.Failures.RecordRepairAttempt(r.Context(), tool, req.BuildResult)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.deps.Failures.Get(r.Context(), tool)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func toolParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	var tool string
	err := runtime.BindStyledParameterWithOptions("simple", "tool", chi.URLParam(r, "tool"), &tool,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Required: true})
	if err != nil {
		badRequest(w, err.Error())
		return "", false
	}
	return tool, true
}
