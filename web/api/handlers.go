package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/hochfrequenz/uiqa-orchestrator/internal/domain"
	"github.com/hochfrequenz/uiqa-orchestrator/internal/settings"
	"github.com/hochfrequenz/uiqa-orchestrator/internal/supervisor"
	"github.com/hochfrequenz/uiqa-orchestrator/internal/triage"
)

const (
	runListLimit    = 50
	defaultLogLines = 100
)

// CreateRunRequest is the body of POST /api/runs. ID is optional; a reused
// id is rejected.
type CreateRunRequest struct {
	ID string `json:"id,omitempty"`
	domain.RunParams
}

// CreateRunResponse is returned for an accepted run
type CreateRunResponse struct {
	RunID  string           `json:"run_id"`
	Status domain.RunStatus `json:"status"`
}

// RunSummaryResponse is one entry of the run list
type RunSummaryResponse struct {
	ID           string           `json:"id"`
	RepoURL      string           `json:"repo_url"`
	Branch       string           `json:"branch"`
	Suite        domain.Suite     `json:"suite"`
	Status       domain.RunStatus `json:"status"`
	CreatedAt    string           `json:"created_at"`
	FinishedAt   *string          `json:"finished_at,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
}

func runToSummary(r *domain.Run) RunSummaryResponse {
	resp := RunSummaryResponse{
		ID:           r.ID,
		RepoURL:      r.RepoURL,
		Branch:       r.Branch,
		Suite:        r.Suite,
		Status:       r.Status,
		CreatedAt:    r.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		ErrorMessage: r.ErrorMessage,
	}
	if r.FinishedAt != nil {
		t := r.FinishedAt.UTC().Format("2006-01-02T15:04:05Z")
		resp.FinishedAt = &t
	}
	return resp
}

func (s *Server) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	}
}

func (s *Server) createRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateRunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}

		var (
			run *domain.Run
			err error
		)
		if req.ID != "" {
			run, err = s.Queue.SubmitWithID(req.ID, req.RunParams)
		} else {
			run, err = s.Queue.Submit(req.RunParams)
		}
		if err != nil {
			writeStoreError(w, err)
			return
		}

		writeJSONStatus(w, http.StatusCreated, CreateRunResponse{RunID: run.ID, Status: run.Status})
	}
}

func (s *Server) listRunsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runs, err := s.Runs.ListRuns(runListLimit)
		if err != nil {
			writeStoreError(w, err)
			return
		}

		responses := make([]RunSummaryResponse, len(runs))
		for i, run := range runs {
			responses[i] = runToSummary(run)
		}
		writeJSON(w, responses)
	}
}

func (s *Server) getRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := s.Runs.GetRun(r.PathValue("id"))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, run)
	}
}

// runBugs loads the bugs of an existing run, writing the error response
// itself when it returns false
func (s *Server) runBugs(w http.ResponseWriter, id string) ([]*domain.Bug, bool) {
	if _, err := s.Runs.GetRun(id); err != nil {
		writeStoreError(w, err)
		return nil, false
	}
	bugs, err := s.Runs.ListBugs(id)
	if err != nil {
		writeStoreError(w, err)
		return nil, false
	}
	return bugs, true
}

func (s *Server) listBugsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bugs, ok := s.runBugs(w, r.PathValue("id"))
		if !ok {
			return
		}
		if bugs == nil {
			bugs = []*domain.Bug{}
		}
		writeJSON(w, bugs)
	}
}

func (s *Server) bugsCSVHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		bugs, ok := s.runBugs(w, id)
		if !ok {
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="bugs_%s.csv"`, id))
		if err := triage.WriteCSV(w, bugs); err != nil {
			s.logger.Sugar().Warnw("writing bugs csv", "run_id", id, "error", err)
		}
	}
}

func (s *Server) listIssuesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if _, err := s.Runs.GetRun(id); err != nil {
			writeStoreError(w, err)
			return
		}
		links, err := s.Runs.ListIssues(id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if links == nil {
			links = []domain.IssueLink{}
		}
		writeJSON(w, links)
	}
}

func (s *Server) workerStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.Worker.Status())
	}
}

func (s *Server) workerStartHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req supervisor.StartRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
				return
			}
		}
		// lifecycle failures are reported in the body, not the status code
		writeJSON(w, s.Worker.Start(r.Context(), req))
	}
}

func (s *Server) workerStopHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.Worker.Stop())
	}
}

func (s *Server) workerLogsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lines := defaultLogLines
		if v := r.URL.Query().Get("lines"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "lines must be a non-negative integer")
				return
			}
			lines = n
		}
		logs := s.Worker.Logs(lines)
		if logs == nil {
			logs = []string{}
		}
		writeJSON(w, map[string][]string{"logs": logs})
	}
}

func (s *Server) getSettingsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.Settings.Get())
	}
}

func (s *Server) updateSettingsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var u settings.Update
		if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		view, err := s.Settings.Update(u)
		if err != nil {
			if u.WorkerMode != nil && !u.WorkerMode.Valid() {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, view)
	}
}
