package server

import (
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/orbitops/inspectd/internal/report"
	"github.com/orbitops/inspectd/internal/store"
)

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, fmt.Errorf("invalid limit %q: %w", v, errValidation))
			return
		}
		limit = n
	}
	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

type createRunRequest struct {
	ClusterID int64   `json:"cluster_id"`
	ItemIDs   []int64 `json:"item_ids"`
	Operator  string  `json:"operator"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.ClusterID <= 0 {
		respondError(w, fmt.Errorf("cluster_id is required: %w", errValidation))
		return
	}
	operator := req.Operator
	if operator == "" {
		operator = r.Header.Get("X-Operator")
	}
	run, err := s.orch.CreateRun(r.Context(), req.ClusterID, req.ItemIDs, operator)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

type runDetail struct {
	*store.Run
	Results []*store.Result `json:"results"`
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	results, err := s.store.RunResults(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runDetail{Run: run, Results: results})
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := s.store.DeleteRun(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}
	if r.URL.Query().Get("delete_files") == "true" && run.ReportPath != "" {
		os.Remove(run.ReportPath)
		os.Remove(report.PDFPath(run.ReportPath))
	}
	s.audit(r, "run_deleted", fmt.Sprintf("run:%d", id), "")
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	run, err := s.orch.CancelRun(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunReport(w http.ResponseWriter, r *http.Request) {
	if err := s.guard.Require("reports"); err != nil {
		respondError(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	if run.ReportPath == "" {
		respondError(w, fmt.Errorf("run %d has no report: %w", id, store.ErrNotFound))
		return
	}

	path := run.ReportPath
	contentType := "text/markdown; charset=utf-8"
	filename := fmt.Sprintf("inspection-run-%d.md", id)
	if r.URL.Query().Get("format") == "pdf" {
		path = report.PDFPath(run.ReportPath)
		contentType = "application/pdf"
		filename = fmt.Sprintf("inspection-run-%d.pdf", id)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		respondError(w, fmt.Errorf("report artifact missing: %w", store.ErrNotFound))
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
