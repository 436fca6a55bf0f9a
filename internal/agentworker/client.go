package agentworker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/orbitops/inspectd/internal/coordinator"
	"github.com/orbitops/inspectd/internal/store"
)

// Client talks to the server's agent plane.
type Client struct {
	baseURL string
	agentID int64
	token   string
	http    *http.Client
}

// NewClient creates an API client for one registered agent.
func NewClient(baseURL string, agentID int64, token string) *Client {
	return &Client{
		baseURL: baseURL,
		agentID: agentID,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type registerResponse struct {
	Agent *store.Agent `json:"agent"`
	Token string       `json:"token"`
}

// Register creates the agent on the server and returns its identity and the
// one-time plaintext token. Re-registering the same name rotates the token.
func Register(ctx context.Context, serverURL, name string, clusterID int64, prometheusURL string) (*store.Agent, string, error) {
	payload := map[string]any{"name": name, "prometheus_url": prometheusURL}
	if clusterID > 0 {
		payload["cluster_id"] = clusterID
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL+"/agents", bytes.NewReader(body))
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := (&http.Client{Timeout: 30 * time.Second}).Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("register: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return nil, "", apiError(resp)
	}

	var reg registerResponse
	if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
		return nil, "", fmt.Errorf("decode registration: %w", err)
	}
	return reg.Agent, reg.Token, nil
}

// Heartbeat tells the server the agent is alive.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/agents/%d/heartbeat", c.agentID), nil, nil)
}

// PullTasks claims up to max queued tasks for this agent.
func (c *Client) PullTasks(ctx context.Context, max int) ([]coordinator.Task, error) {
	var out struct {
		Tasks []coordinator.Task `json:"tasks"`
	}
	path := fmt.Sprintf("/agents/%d/tasks?max=%d", c.agentID, max)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// TaskResult is one evaluated item going back to the server.
type TaskResult struct {
	ItemID     int64  `json:"item_id"`
	Status     string `json:"status"`
	Detail     string `json:"detail,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

// SubmitResults uploads a batch of results for one run.
func (c *Client) SubmitResults(ctx context.Context, runID int64, results []TaskResult) error {
	body := map[string]any{"run_id": runID, "results": results}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/agents/%d/results", c.agentID), body, nil)
}

// ReportFailure marks a whole run as failed on the agent side.
func (c *Client) ReportFailure(ctx context.Context, runID int64, reason string) error {
	body := map[string]any{"run_id": runID, "failure": reason}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/agents/%d/results", c.agentID), body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return nil
}

func apiError(resp *http.Response) error {
	var body struct {
		Error  string `json:"error"`
		Reason string `json:"reason"`
	}
	json.NewDecoder(resp.Body).Decode(&body)
	if body.Reason != "" {
		return fmt.Errorf("server returned %d (%s): %s", resp.StatusCode, body.Error, body.Reason)
	}
	return fmt.Errorf("server returned %d", resp.StatusCode)
}
