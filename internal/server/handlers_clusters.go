package server

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/orbitops/inspectd/internal/kube"
	"github.com/orbitops/inspectd/internal/report"
	"github.com/orbitops/inspectd/internal/store"
)

const maxKubeconfigSize = 1 << 20

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q: %w", r.PathValue("id"), errValidation)
	}
	return id, nil
}

func (s *Server) handleListClusters(w http.ResponseWriter, r *http.Request) {
	clusters, err := s.store.ListClusters(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"clusters": clusters})
}

func (s *Server) handleGetCluster(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	cluster, err := s.store.GetCluster(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cluster)
}

func (s *Server) handleCreateCluster(w http.ResponseWriter, r *http.Request) {
	if err := s.guard.Require("clusters"); err != nil {
		respondError(w, err)
		return
	}
	if err := r.ParseMultipartForm(maxKubeconfigSize); err != nil {
		respondError(w, fmt.Errorf("multipart form required: %w", errValidation))
		return
	}
	name := r.FormValue("name")
	if name == "" {
		respondError(w, fmt.Errorf("name is required: %w", errValidation))
		return
	}
	kubeconfig, err := formKubeconfig(r)
	if err != nil {
		respondError(w, err)
		return
	}

	cluster := &store.Cluster{
		Name:           name,
		Description:    r.FormValue("description"),
		PrometheusURL:  r.FormValue("prometheus_url"),
		ExecutionMode:  r.FormValue("execution_mode"),
		KubeconfigPath: "",
	}
	if v := r.FormValue("default_agent_id"); v != "" {
		agentID, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			respondError(w, fmt.Errorf("invalid default_agent_id: %w", errValidation))
			return
		}
		cluster.DefaultAgentID = &agentID
	}
	if contexts, err := kube.ContextNames(kubeconfig); err == nil {
		cluster.Contexts = contexts
	}

	cluster, err = s.store.CreateCluster(r.Context(), cluster)
	if err != nil {
		respondError(w, err)
		return
	}

	path := s.clusterKubeconfigPath(cluster.ID)
	if err := os.WriteFile(path, kubeconfig, 0600); err != nil {
		s.store.DeleteCluster(r.Context(), cluster.ID, false)
		respondError(w, fmt.Errorf("store kubeconfig: %w", err))
		return
	}
	cluster.KubeconfigPath = path
	if err := s.store.UpdateCluster(r.Context(), cluster); err != nil {
		respondError(w, err)
		return
	}

	s.probeAndRecord(r, cluster, kubeconfig)
	s.audit(r, "cluster_created", fmt.Sprintf("cluster:%d", cluster.ID), name)

	cluster, err = s.store.GetCluster(r.Context(), cluster.ID)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cluster)
}

func (s *Server) handleUpdateCluster(w http.ResponseWriter, r *http.Request) {
	if err := s.guard.Require("clusters"); err != nil {
		respondError(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	cluster, err := s.store.GetCluster(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := r.ParseMultipartForm(maxKubeconfigSize); err != nil {
		respondError(w, fmt.Errorf("multipart form required: %w", errValidation))
		return
	}

	if v := r.FormValue("name"); v != "" {
		cluster.Name = v
	}
	if _, ok := r.MultipartForm.Value["description"]; ok {
		cluster.Description = r.FormValue("description")
	}
	if _, ok := r.MultipartForm.Value["prometheus_url"]; ok {
		cluster.PrometheusURL = r.FormValue("prometheus_url")
	}
	if v := r.FormValue("execution_mode"); v != "" {
		cluster.ExecutionMode = v
	}
	if v := r.FormValue("default_agent_id"); v != "" {
		agentID, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			respondError(w, fmt.Errorf("invalid default_agent_id: %w", errValidation))
			return
		}
		cluster.DefaultAgentID = &agentID
	}

	var kubeconfig []byte
	if _, _, err := r.FormFile("file"); err == nil {
		kubeconfig, err = formKubeconfig(r)
		if err != nil {
			respondError(w, err)
			return
		}
		if err := os.WriteFile(s.clusterKubeconfigPath(cluster.ID), kubeconfig, 0600); err != nil {
			respondError(w, fmt.Errorf("store kubeconfig: %w", err))
			return
		}
		cluster.KubeconfigPath = s.clusterKubeconfigPath(cluster.ID)
		if contexts, cerr := kube.ContextNames(kubeconfig); cerr == nil {
			cluster.Contexts = contexts
		}
	}

	if err := s.store.UpdateCluster(r.Context(), cluster); err != nil {
		respondError(w, err)
		return
	}
	if kubeconfig != nil {
		s.probeAndRecord(r, cluster, kubeconfig)
	}
	s.audit(r, "cluster_updated", fmt.Sprintf("cluster:%d", cluster.ID), cluster.Name)

	cluster, err = s.store.GetCluster(r.Context(), cluster.ID)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cluster)
}

func (s *Server) handleDeleteCluster(w http.ResponseWriter, r *http.Request) {
	if err := s.guard.Require("clusters"); err != nil {
		respondError(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	cluster, err := s.store.GetCluster(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	deleteFiles := r.URL.Query().Get("delete_files") == "true"

	var runs []*store.Run
	if deleteFiles {
		runs, _ = s.store.ListRuns(r.Context(), 10000)
	}
	if err := s.store.DeleteCluster(r.Context(), id, deleteFiles); err != nil {
		respondError(w, err)
		return
	}
	if deleteFiles {
		if cluster.KubeconfigPath != "" {
			os.Remove(cluster.KubeconfigPath)
		}
		for _, run := range runs {
			if run.ClusterID == id && run.ReportPath != "" {
				os.Remove(run.ReportPath)
				os.Remove(report.PDFPath(run.ReportPath))
			}
		}
	}
	s.audit(r, "cluster_deleted", fmt.Sprintf("cluster:%d", id), cluster.Name)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	cluster, err := s.store.GetCluster(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	kubeconfig, err := os.ReadFile(cluster.KubeconfigPath)
	if err != nil {
		respondError(w, fmt.Errorf("kubeconfig unreadable: %w", errDependency))
		return
	}
	s.probeAndRecord(r, cluster, kubeconfig)

	cluster, err = s.store.GetCluster(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cluster)
}

// probeAndRecord runs the connectivity probe and persists its verdict.
func (s *Server) probeAndRecord(r *http.Request, cluster *store.Cluster, kubeconfig []byte) {
	res := s.probe(r.Context(), kubeconfig, s.cfg.ProbeTimeout)
	if err := s.store.UpdateClusterProbe(r.Context(), cluster.ID,
		res.Status, res.Message, res.Version, res.NodeCount, time.Now()); err != nil {
		s.logger.Warn("record probe failed", zap.Int64("cluster_id", cluster.ID), zap.Error(err))
	}
}

func formKubeconfig(r *http.Request) ([]byte, error) {
	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, fmt.Errorf("kubeconfig file is required: %w", errValidation)
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxKubeconfigSize))
	if err != nil {
		return nil, fmt.Errorf("read kubeconfig: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("kubeconfig file is empty: %w", errValidation)
	}
	return data, nil
}

func (s *Server) audit(r *http.Request, action, target, detail string) {
	actor := r.Header.Get("X-Operator")
	if actor == "" {
		actor = "operator"
	}
	if err := s.store.AppendAudit(r.Context(), actor, action, target, detail); err != nil {
		s.logger.Warn("audit append failed", zap.String("action", action), zap.Error(err))
	}
}
