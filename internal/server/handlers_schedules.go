package server

import (
	"fmt"
	"net/http"

	"github.com/orbitops/inspectd/internal/schedule"
	"github.com/orbitops/inspectd/internal/store"
)

type scheduleRequest struct {
	Name      string  `json:"name"`
	ClusterID int64   `json:"cluster_id"`
	ItemIDs   []int64 `json:"item_ids"`
	CronExpr  string  `json:"cron_expr"`
	Enabled   *bool   `json:"enabled"`
}

func (req *scheduleRequest) validate() error {
	if req.Name == "" {
		return fmt.Errorf("name is required: %w", errValidation)
	}
	if req.ClusterID <= 0 {
		return fmt.Errorf("cluster_id is required: %w", errValidation)
	}
	if len(req.ItemIDs) == 0 {
		return fmt.Errorf("item_ids is required: %w", errValidation)
	}
	if err := schedule.ValidateExpr(req.CronExpr); err != nil {
		return fmt.Errorf("invalid cron_expr %q: %v: %w", req.CronExpr, err, errValidation)
	}
	return nil
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.store.ListSchedules(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": schedules})
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	sc, err := s.store.GetSchedule(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if err := req.validate(); err != nil {
		respondError(w, err)
		return
	}
	if _, err := s.store.GetCluster(r.Context(), req.ClusterID); err != nil {
		respondError(w, err)
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	sc, err := s.store.CreateSchedule(r.Context(), &store.Schedule{
		Name:      req.Name,
		ClusterID: req.ClusterID,
		ItemIDs:   req.ItemIDs,
		CronExpr:  req.CronExpr,
		Enabled:   enabled,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	s.audit(r, "schedule_created", fmt.Sprintf("schedule:%d", sc.ID), sc.Name)
	writeJSON(w, http.StatusCreated, sc)
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	sc, err := s.store.GetSchedule(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	var req scheduleRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.Name != "" {
		sc.Name = req.Name
	}
	if req.ClusterID > 0 {
		if _, err := s.store.GetCluster(r.Context(), req.ClusterID); err != nil {
			respondError(w, err)
			return
		}
		sc.ClusterID = req.ClusterID
	}
	if len(req.ItemIDs) > 0 {
		sc.ItemIDs = req.ItemIDs
	}
	if req.CronExpr != "" {
		if err := schedule.ValidateExpr(req.CronExpr); err != nil {
			respondError(w, fmt.Errorf("invalid cron_expr %q: %v: %w", req.CronExpr, err, errValidation))
			return
		}
		sc.CronExpr = req.CronExpr
	}
	if req.Enabled != nil {
		sc.Enabled = *req.Enabled
	}
	if err := s.store.UpdateSchedule(r.Context(), sc); err != nil {
		respondError(w, err)
		return
	}
	s.audit(r, "schedule_updated", fmt.Sprintf("schedule:%d", id), sc.Name)
	writeJSON(w, http.StatusOK, sc)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := s.store.DeleteSchedule(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}
	s.audit(r, "schedule_deleted", fmt.Sprintf("schedule:%d", id), "")
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}
