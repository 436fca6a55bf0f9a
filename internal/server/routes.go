package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /clusters", s.handleListClusters)
	mux.HandleFunc("POST /clusters", s.handleCreateCluster)
	mux.HandleFunc("GET /clusters/{id}", s.handleGetCluster)
	mux.HandleFunc("PUT /clusters/{id}", s.handleUpdateCluster)
	mux.HandleFunc("DELETE /clusters/{id}", s.handleDeleteCluster)
	mux.HandleFunc("POST /clusters/{id}/test-connection", s.handleTestConnection)

	mux.HandleFunc("GET /inspection-items", s.handleListItems)
	mux.HandleFunc("POST /inspection-items", s.handleCreateItem)
	mux.HandleFunc("GET /inspection-items/export", s.handleExportItems)
	mux.HandleFunc("POST /inspection-items/import", s.handleImportItems)
	mux.HandleFunc("GET /inspection-items/{id}", s.handleGetItem)
	mux.HandleFunc("PUT /inspection-items/{id}", s.handleUpdateItem)
	mux.HandleFunc("DELETE /inspection-items/{id}", s.handleDeleteItem)

	mux.HandleFunc("GET /inspection-runs", s.handleListRuns)
	mux.HandleFunc("POST /inspection-runs", s.handleCreateRun)
	mux.HandleFunc("GET /inspection-runs/{id}", s.handleGetRun)
	mux.HandleFunc("DELETE /inspection-runs/{id}", s.handleDeleteRun)
	mux.HandleFunc("POST /inspection-runs/{id}/cancel", s.handleCancelRun)
	mux.HandleFunc("GET /inspection-runs/{id}/report", s.handleRunReport)

	mux.HandleFunc("GET /license/status", s.handleLicenseStatus)
	mux.HandleFunc("POST /license/upload", s.handleLicenseUpload)

	mux.HandleFunc("POST /agents", s.handleRegisterAgent)
	mux.HandleFunc("GET /agents", s.handleListAgents)
	mux.HandleFunc("POST /agents/{id}/heartbeat", s.handleAgentHeartbeat)
	mux.HandleFunc("GET /agents/{id}/tasks", s.handleAgentTasks)
	mux.HandleFunc("POST /agents/{id}/results", s.handleAgentResults)

	mux.HandleFunc("GET /audit-logs", s.handleAuditLogs)

	mux.HandleFunc("GET /schedules", s.handleListSchedules)
	mux.HandleFunc("POST /schedules", s.handleCreateSchedule)
	mux.HandleFunc("GET /schedules/{id}", s.handleGetSchedule)
	mux.HandleFunc("PUT /schedules/{id}", s.handleUpdateSchedule)
	mux.HandleFunc("DELETE /schedules/{id}", s.handleDeleteSchedule)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
