package agentworker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/orbitops/inspectd/internal/coordinator"
)

func writeConfig(t *testing.T, dir, body string) {
	t.Helper()
	if err := os.WriteFile(ConfigPath(dir), []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
}

func TestConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "server_url: https://inspectd.example.test/\n")

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServerURL != "https://inspectd.example.test" {
		t.Errorf("trailing slash not stripped: %q", cfg.ServerURL)
	}
	if !strings.HasPrefix(cfg.Name, "agent-") || len(cfg.Name) != len("agent-")+8 {
		t.Errorf("default name = %q", cfg.Name)
	}
	if cfg.PollInterval != defaultPollInterval {
		t.Errorf("poll interval = %v", cfg.PollInterval)
	}
	if cfg.MaxTasks != defaultMaxTasks {
		t.Errorf("max tasks = %d", cfg.MaxTasks)
	}
}

func TestConfigTokenFileWins(t *testing.T) {
	dir := t.TempDir()
	tokenPath := filepath.Join(dir, "token")
	if err := os.WriteFile(tokenPath, []byte("iak_fromfile\n"), 0600); err != nil {
		t.Fatal(err)
	}
	writeConfig(t, dir, "server_url: http://localhost:8080\ntoken: stale\ntoken_file: "+tokenPath+"\n")

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Token != "iak_fromfile" {
		t.Errorf("token = %q, want value from token_file", cfg.Token)
	}
}

func TestConfigRejectsMissingServerURL(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "name: lonely\n")
	if _, err := LoadConfig(dir); err == nil {
		t.Fatal("expected error for missing server_url")
	}
}

func TestBootstrapRegistersAndPersistsToken(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/agents" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req struct {
			Name      string `json:"name"`
			ClusterID int64  `json:"cluster_id"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.Name != "edge-agent" || req.ClusterID != 3 {
			t.Errorf("register body = %+v", req)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"agent": map[string]any{"id": 42, "name": "edge-agent"},
			"token": "iak_issued",
		})
	}))
	defer ts.Close()

	dir := t.TempDir()
	cfg := &Config{ServerURL: ts.URL, Name: "edge-agent", ClusterID: 3}
	if err := cfg.normalize(); err != nil {
		t.Fatal(err)
	}
	if err := Bootstrap(context.Background(), cfg, dir, zap.NewNop()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if cfg.AgentID != 42 || cfg.Token != "iak_issued" {
		t.Fatalf("credentials not applied: %+v", cfg)
	}

	reloaded, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Token != "iak_issued" || reloaded.AgentID != 42 {
		t.Fatalf("credentials not persisted: %+v", reloaded)
	}

	// second bootstrap is a no-op
	if err := Bootstrap(context.Background(), reloaded, dir, zap.NewNop()); err != nil {
		t.Fatalf("re-bootstrap: %v", err)
	}
}

// fakePlane is a minimal agent-plane server: one pull returns the queued
// tasks, later pulls return none, and submitted results are recorded.
type fakePlane struct {
	mu        sync.Mutex
	tasks     []coordinator.Task
	submitted map[int64][]TaskResult
	pulls     int
}

func (f *fakePlane) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /agents/{id}/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer iak_test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"server_time": time.Now()})
	})
	mux.HandleFunc("GET /agents/{id}/tasks", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.pulls++
		tasks := f.tasks
		f.tasks = nil
		json.NewEncoder(w).Encode(map[string]any{"tasks": tasks})
	})
	mux.HandleFunc("POST /agents/{id}/results", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			RunID   int64        `json:"run_id"`
			Results []TaskResult `json:"results"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode results: %v", err)
		}
		f.mu.Lock()
		f.submitted[req.RunID] = append(f.submitted[req.RunID], req.Results...)
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"accepted": len(req.Results)})
	})
	return mux
}

func TestPollEvaluatesAndSubmits(t *testing.T) {
	plane := &fakePlane{
		submitted: map[int64][]TaskResult{},
		tasks: []coordinator.Task{
			{
				RunID: 7, ItemID: 1, ItemName: "echo-check", CheckType: "command",
				Config:  json.RawMessage(`{"command":"echo healthy","success_message":"all good"}`),
				Cluster: coordinator.ClusterContext{ClusterID: 3, ClusterName: "edge-west"},
			},
			{
				RunID: 7, ItemID: 2, ItemName: "broken-check", CheckType: "command",
				Config:  json.RawMessage(`{"command":"false","failure_message":"it broke"}`),
				Cluster: coordinator.ClusterContext{ClusterID: 3, ClusterName: "edge-west"},
			},
		},
	}
	ts := httptest.NewServer(plane.handler(t))
	defer ts.Close()

	cfg := &Config{ServerURL: ts.URL, Token: "iak_test", AgentID: 42, MaxTasks: 5, PollIntervalRaw: "1h"}
	if err := cfg.normalize(); err != nil {
		t.Fatal(err)
	}
	w, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	w.poll(context.Background())

	plane.mu.Lock()
	defer plane.mu.Unlock()
	got := plane.submitted[7]
	if len(got) != 2 {
		t.Fatalf("submitted %d results, want 2", len(got))
	}
	if got[0].ItemID != 1 || got[0].Status != "passed" || got[0].Detail != "all good" {
		t.Errorf("result 1 = %+v", got[0])
	}
	if got[1].ItemID != 2 || got[1].Status != "failed" || got[1].Detail != "it broke" {
		t.Errorf("result 2 = %+v", got[1])
	}
}

func TestPollStopsOnHeartbeatFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "agent_unauthenticated", "reason": "bad token"})
	}))
	defer ts.Close()

	cfg := &Config{ServerURL: ts.URL, Token: "iak_wrong", AgentID: 42}
	if err := cfg.normalize(); err != nil {
		t.Fatal(err)
	}
	w, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	// must not panic or attempt task pulls against an unauthenticated plane
	w.poll(context.Background())
}

func TestNewRequiresRegistration(t *testing.T) {
	if _, err := New(&Config{ServerURL: "http://localhost"}, zap.NewNop()); err == nil {
		t.Fatal("expected error for unregistered config")
	}
}
