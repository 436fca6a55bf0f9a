// Package coordinator is the agent-facing plane: registration, bearer-token
// authentication, heartbeats, task leasing and idempotent result ingest. The
// server never dials an agent; all motion is agent-initiated.
package coordinator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/orbitops/inspectd/internal/metrics"
	"github.com/orbitops/inspectd/internal/store"
)

const (
	tokenPrefixLen = 12
	sweepInterval  = 30 * time.Second
)

// ErrUnauthenticated indicates a missing or invalid agent token.
var ErrUnauthenticated = errors.New("agent unauthenticated")

// Finalizer closes out a run once all its items are accounted for. Implemented
// by the orchestrator; injected to keep the dependency one-directional.
type Finalizer interface {
	FinalizeRun(ctx context.Context, runID int64) error
}

// Task is one unit of agent work: a run item with everything needed to
// evaluate it remotely.
type Task struct {
	RunID          int64           `json:"run_id"`
	ItemID         int64           `json:"item_id"`
	ItemName       string          `json:"item_name"`
	CheckType      string          `json:"check_type"`
	Config         json.RawMessage `json:"config"`
	Cluster        ClusterContext  `json:"cluster"`
	LeaseExpiresAt time.Time       `json:"lease_expires_at"`
}

// ClusterContext tells the agent which cluster a task targets. Agents run
// alongside their cluster and use their own credentials; only the Prometheus
// endpoint travels over the wire.
type ClusterContext struct {
	ClusterID     int64  `json:"cluster_id"`
	ClusterName   string `json:"cluster_name"`
	PrometheusURL string `json:"prometheus_url,omitempty"`
}

// Coordinator serves the agent plane on top of the store.
type Coordinator struct {
	store     *store.Store
	finalizer Finalizer
	leaseTTL  time.Duration
	logger    *zap.Logger
}

// New creates a coordinator. The finalizer is attached later via SetFinalizer
// because orchestrator and coordinator are wired in either order.
func New(st *store.Store, leaseTTL time.Duration, logger *zap.Logger) *Coordinator {
	if leaseTTL <= 0 {
		leaseTTL = 5 * time.Minute
	}
	return &Coordinator{store: st, leaseTTL: leaseTTL, logger: logger}
}

// SetFinalizer attaches the run finalizer.
func (c *Coordinator) SetFinalizer(f Finalizer) { c.finalizer = f }

// LeaseTTL returns the configured lease duration.
func (c *Coordinator) LeaseTTL() time.Duration { return c.leaseTTL }

// Register creates an agent and returns its plaintext token exactly once.
// Idempotent by name: re-registering an existing name bound to the same
// cluster rotates the token; a different cluster is a conflict.
func (c *Coordinator) Register(ctx context.Context, name string, clusterID *int64, description, prometheusURL string) (*store.Agent, string, error) {
	if strings.TrimSpace(name) == "" {
		return nil, "", fmt.Errorf("agent name is required: %w", store.ErrConflict)
	}
	token, hash, prefix, err := newToken()
	if err != nil {
		return nil, "", err
	}

	existing, err := c.store.GetAgentByName(ctx, name)
	switch {
	case err == nil:
		if !sameCluster(existing.ClusterID, clusterID) {
			return nil, "", fmt.Errorf("agent %q is bound to another cluster: %w", name, store.ErrConflict)
		}
		if err := c.store.RotateAgentToken(ctx, existing.ID, hash, prefix); err != nil {
			return nil, "", err
		}
		existing.TokenHash = hash
		existing.TokenPrefix = prefix
		c.audit(ctx, "agent_token_rotated", fmt.Sprintf("agent:%d", existing.ID), name)
		return existing, token, nil
	case !store.IsNotFound(err):
		return nil, "", err
	}

	agent, err := c.store.CreateAgent(ctx, &store.Agent{
		Name:          name,
		ClusterID:     clusterID,
		Description:   description,
		PrometheusURL: prometheusURL,
		IsEnabled:     true,
		TokenHash:     hash,
		TokenPrefix:   prefix,
	})
	if err != nil {
		return nil, "", err
	}
	c.audit(ctx, "agent_registered", fmt.Sprintf("agent:%d", agent.ID), name)
	return agent, token, nil
}

// Authenticate resolves a bearer token to an enabled agent and updates its
// last_seen_at. The prefix narrows candidates; bcrypt does the constant-time
// comparison against each.
func (c *Coordinator) Authenticate(ctx context.Context, bearer string) (*store.Agent, error) {
	bearer = strings.TrimSpace(bearer)
	if len(bearer) < tokenPrefixLen || !strings.HasPrefix(bearer, "iak_") {
		return nil, ErrUnauthenticated
	}
	candidates, err := c.store.AgentsByTokenPrefix(ctx, bearer[:tokenPrefixLen])
	if err != nil {
		return nil, err
	}
	for _, agent := range candidates {
		if bcrypt.CompareHashAndPassword([]byte(agent.TokenHash), []byte(bearer)) == nil {
			if !agent.IsEnabled {
				return nil, ErrUnauthenticated
			}
			now := time.Now()
			if err := c.store.TouchAgent(ctx, agent.ID, now); err != nil {
				c.logger.Warn("touch agent failed", zap.Int64("agent_id", agent.ID), zap.Error(err))
			}
			agent.LastSeenAt = &now
			return agent, nil
		}
	}
	return nil, ErrUnauthenticated
}

// PullTasks reserves up to max queued runs for the agent and expands them into
// per-item tasks. A reserved run is invisible to other pullers until its lease
// expires or every item is submitted.
func (c *Coordinator) PullTasks(ctx context.Context, agent *store.Agent, max int) ([]Task, error) {
	runs, err := c.store.ClaimAgentRuns(ctx, agent.ID, max, c.leaseTTL)
	if err != nil {
		return nil, err
	}
	metrics.AgentPullsTotal.Inc()

	tasks := []Task{}
	for _, run := range runs {
		results, err := c.store.RunResults(ctx, run.ID)
		if err != nil {
			return nil, err
		}
		cluster, err := c.store.GetCluster(ctx, run.ClusterID)
		if err != nil && !store.IsNotFound(err) {
			return nil, err
		}
		cc := ClusterContext{ClusterID: run.ClusterID, ClusterName: run.ClusterName}
		if cluster != nil {
			cc.PrometheusURL = cluster.PrometheusURL
		}
		if agent.PrometheusURL != "" {
			cc.PrometheusURL = agent.PrometheusURL
		}
		for _, r := range results {
			if r.Completed || r.ItemID == nil {
				continue
			}
			task := Task{
				RunID:          run.ID,
				ItemID:         *r.ItemID,
				ItemName:       r.ItemName,
				Cluster:        cc,
				LeaseExpiresAt: *run.LeaseExpiresAt,
			}
			if item, err := c.store.GetItem(ctx, *r.ItemID); err == nil {
				task.CheckType = item.CheckType
				task.Config = item.Config
			}
			tasks = append(tasks, task)
		}
	}
	return tasks, nil
}

// SubmitResult ingests one agent result. Idempotent on (run, item): a
// duplicate returns the original row unchanged. When the last item lands, the
// run is finalised.
func (c *Coordinator) SubmitResult(ctx context.Context, agent *store.Agent, runID, itemID int64, status, detail, suggestion string) (*store.Result, bool, error) {
	switch status {
	case store.ResultPassed, store.ResultWarning, store.ResultFailed:
	default:
		return nil, false, fmt.Errorf("invalid result status %q: %w", status, store.ErrConflict)
	}
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, false, err
	}
	if run.Executor != store.ExecutorAgent || run.AgentID == nil || *run.AgentID != agent.ID {
		return nil, false, ErrUnauthenticated
	}

	result, updated, already, err := c.store.CompleteResult(ctx, runID, itemID, status, detail, suggestion, c.leaseTTL)
	if err != nil {
		return nil, false, err
	}
	if !already {
		metrics.RecordResult(status)
		if updated.ProcessedItems >= updated.TotalItems && c.finalizer != nil {
			if err := c.finalizer.FinalizeRun(ctx, runID); err != nil && !store.IsConflict(err) {
				c.logger.Error("finalise after last result failed",
					zap.Int64("run_id", runID), zap.Error(err))
			}
		}
	}
	return result, already, nil
}

// ReportRunFailure is the agent-initiated fatal path: every remaining item is
// failed and the run finalises immediately.
func (c *Coordinator) ReportRunFailure(ctx context.Context, agent *store.Agent, runID int64, reason string) error {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Executor != store.ExecutorAgent || run.AgentID == nil || *run.AgentID != agent.ID {
		return ErrUnauthenticated
	}
	detail := "agent reported failure"
	if reason != "" {
		detail += ": " + reason
	}
	if _, err := c.store.FillRemainingResults(ctx, runID, store.ResultFailed, detail, ""); err != nil {
		return err
	}
	c.audit(ctx, "agent_run_failed", fmt.Sprintf("run:%d", runID), detail)
	if c.finalizer != nil {
		if err := c.finalizer.FinalizeRun(ctx, runID); err != nil && !store.IsConflict(err) {
			return err
		}
	}
	return nil
}

// Run starts the stale-lease sweeper and blocks until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(ctx, time.Now())
		}
	}
}

// Sweep releases expired leases once. Exposed for tests and for the Run loop.
func (c *Coordinator) Sweep(ctx context.Context, now time.Time) {
	reclaimed, err := c.store.ReleaseExpiredLeases(ctx, now)
	if err != nil {
		c.logger.Error("lease sweep failed", zap.Error(err))
		return
	}
	for _, rec := range reclaimed {
		metrics.LeaseReclaimsTotal.Inc()
		c.logger.Warn("agent lease expired",
			zap.Int64("run_id", rec.RunID),
			zap.Int64("agent_id", rec.AgentID),
		)
		c.audit(ctx, "agent_lease_expired",
			fmt.Sprintf("run:%d", rec.RunID),
			fmt.Sprintf("agent %d lost its lease", rec.AgentID))
	}
}

func (c *Coordinator) audit(ctx context.Context, action, target, detail string) {
	if err := c.store.AppendAudit(ctx, "coordinator", action, target, detail); err != nil {
		c.logger.Warn("audit append failed", zap.String("action", action), zap.Error(err))
	}
}

// newToken mints an agent token: iak_ followed by 48 hex characters. Only the
// bcrypt hash and the lookup prefix are stored.
func newToken() (token, hash, prefix string, err error) {
	raw := make([]byte, 24)
	if _, err = rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("generate token: %w", err)
	}
	token = "iak_" + hex.EncodeToString(raw)
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", "", "", fmt.Errorf("hash token: %w", err)
	}
	return token, string(h), token[:tokenPrefixLen], nil
}

func sameCluster(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
