package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/orbitops/inspectd/internal/coordinator"
	"github.com/orbitops/inspectd/internal/store"
)

type registerAgentRequest struct {
	Name          string `json:"name"`
	ClusterID     *int64 `json:"cluster_id"`
	Description   string `json:"description"`
	PrometheusURL string `json:"prometheus_url"`
}

// handleRegisterAgent creates an agent or rotates the token of an existing
// one re-registering for the same cluster. The token is returned exactly
// once; only its bcrypt hash is stored.
func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	agent, token, err := s.coord.Register(r.Context(), req.Name, req.ClusterID, req.Description, req.PrometheusURL)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"agent": agent, "token": token})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

// bearerAgent authenticates the request token and checks it belongs to the
// agent addressed by the path.
func (s *Server) bearerAgent(r *http.Request) (*store.Agent, error) {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return nil, fmt.Errorf("missing bearer token: %w", coordinator.ErrUnauthenticated)
	}
	agent, err := s.coord.Authenticate(r.Context(), strings.TrimSpace(token))
	if err != nil {
		return nil, err
	}
	id, err := pathID(r)
	if err != nil {
		return nil, err
	}
	if agent.ID != id {
		return nil, fmt.Errorf("token does not match agent %d: %w", id, coordinator.ErrUnauthenticated)
	}
	return agent, nil
}

func (s *Server) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	if _, err := s.bearerAgent(r); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"server_time": time.Now().UTC()})
}

func (s *Server) handleAgentTasks(w http.ResponseWriter, r *http.Request) {
	agent, err := s.bearerAgent(r)
	if err != nil {
		respondError(w, err)
		return
	}
	max := 1
	if v := r.URL.Query().Get("max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, fmt.Errorf("invalid max %q: %w", v, errValidation))
			return
		}
		max = n
	}
	tasks, err := s.coord.PullTasks(r.Context(), agent, max)
	if err != nil {
		respondError(w, err)
		return
	}
	if tasks == nil {
		tasks = []coordinator.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "server_time": time.Now().UTC()})
}

type agentResultsRequest struct {
	RunID   int64  `json:"run_id"`
	Failure string `json:"failure"`
	Results []struct {
		ItemID     int64  `json:"item_id"`
		Status     string `json:"status"`
		Detail     string `json:"detail"`
		Suggestion string `json:"suggestion"`
	} `json:"results"`
}

// handleAgentResults ingests a batch of results for one run. Duplicate
// submissions are acknowledged without effect.
func (s *Server) handleAgentResults(w http.ResponseWriter, r *http.Request) {
	agent, err := s.bearerAgent(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var req agentResultsRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.RunID <= 0 {
		respondError(w, fmt.Errorf("run_id is required: %w", errValidation))
		return
	}

	if req.Failure != "" {
		if err := s.coord.ReportRunFailure(r.Context(), agent, req.RunID, req.Failure); err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"accepted": 0, "failed": true})
		return
	}

	accepted, duplicates := 0, 0
	for _, res := range req.Results {
		_, already, err := s.coord.SubmitResult(r.Context(), agent, req.RunID, res.ItemID, res.Status, res.Detail, res.Suggestion)
		if err != nil {
			respondError(w, err)
			return
		}
		if already {
			duplicates++
		} else {
			accepted++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": accepted, "duplicates": duplicates})
}
