package agentworker

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/orbitops/inspectd/internal/checks"
	"github.com/orbitops/inspectd/internal/coordinator"
)

// Worker is the agent's poll-evaluate-submit loop.
type Worker struct {
	cfg        *Config
	client     *Client
	engine     *checks.Engine
	kubeconfig []byte
	logger     *zap.Logger
}

// New builds a worker for an already registered agent.
func New(cfg *Config, logger *zap.Logger) (*Worker, error) {
	if cfg.Token == "" || cfg.AgentID == 0 {
		return nil, fmt.Errorf("agent is not registered")
	}
	w := &Worker{
		cfg:    cfg,
		client: NewClient(cfg.ServerURL, cfg.AgentID, cfg.Token),
		engine: checks.New(logger.Named("checks")),
		logger: logger,
	}
	if cfg.KubeconfigPath != "" {
		kc, err := os.ReadFile(cfg.KubeconfigPath)
		if err != nil {
			return nil, fmt.Errorf("read kubeconfig: %w", err)
		}
		w.kubeconfig = kc
	}
	return w, nil
}

// Bootstrap registers the agent if the config carries no token yet and
// persists the issued credentials to configDir.
func Bootstrap(ctx context.Context, cfg *Config, configDir string, logger *zap.Logger) error {
	if cfg.Token != "" && cfg.AgentID != 0 {
		return nil
	}
	agent, token, err := Register(ctx, cfg.ServerURL, cfg.Name, cfg.ClusterID, cfg.PrometheusURL)
	if err != nil {
		return err
	}
	cfg.AgentID = agent.ID
	cfg.Token = token
	cfg.Name = agent.Name
	if err := cfg.Save(configDir); err != nil {
		return err
	}
	logger.Info("agent registered",
		zap.Int64("agent_id", agent.ID),
		zap.String("name", agent.Name),
	)
	return nil
}

// Run polls the server until ctx is cancelled. One poll cycle heartbeats,
// claims up to max_tasks and works through them.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("starting inspection agent",
		zap.Int64("agent_id", w.cfg.AgentID),
		zap.String("server", w.cfg.ServerURL),
		zap.Duration("poll_interval", w.cfg.PollInterval),
	)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		w.poll(ctx)
		select {
		case <-ctx.Done():
			w.logger.Info("agent shutting down")
			return nil
		case <-ticker.C:
		}
	}
}

func (w *Worker) poll(ctx context.Context) {
	if err := w.client.Heartbeat(ctx); err != nil {
		w.logger.Warn("heartbeat failed", zap.Error(err))
		return
	}

	tasks, err := w.client.PullTasks(ctx, w.cfg.MaxTasks)
	if err != nil {
		w.logger.Warn("pull failed", zap.Error(err))
		return
	}
	if len(tasks) == 0 {
		return
	}
	w.logger.Info("claimed tasks", zap.Int("count", len(tasks)))

	// Tasks arrive grouped by run in claim order; results go back per run.
	byRun := map[int64][]coordinator.Task{}
	var runOrder []int64
	for _, task := range tasks {
		if _, seen := byRun[task.RunID]; !seen {
			runOrder = append(runOrder, task.RunID)
		}
		byRun[task.RunID] = append(byRun[task.RunID], task)
	}

	for _, runID := range runOrder {
		w.workRun(ctx, runID, byRun[runID])
	}
}

func (w *Worker) workRun(ctx context.Context, runID int64, tasks []coordinator.Task) {
	results := make([]TaskResult, 0, len(tasks))
	for _, task := range tasks {
		if ctx.Err() != nil {
			return
		}
		outcome := w.engine.Evaluate(ctx, checks.Spec{
			Name:      task.ItemName,
			CheckType: task.CheckType,
			Config:    task.Config,
		}, w.target(task))
		w.logger.Debug("item evaluated",
			zap.Int64("run_id", runID),
			zap.String("item", task.ItemName),
			zap.String("status", outcome.Status),
		)
		results = append(results, TaskResult{
			ItemID:     task.ItemID,
			Status:     outcome.Status,
			Detail:     outcome.Detail,
			Suggestion: outcome.Suggestion,
		})
	}

	if err := w.client.SubmitResults(ctx, runID, results); err != nil {
		w.logger.Error("submit failed", zap.Int64("run_id", runID), zap.Error(err))
		return
	}
	w.logger.Info("run results submitted",
		zap.Int64("run_id", runID),
		zap.Int("items", len(results)),
	)
}

// target assembles the evaluation target, preferring the locally configured
// Prometheus endpoint over the one the server hands down.
func (w *Worker) target(task coordinator.Task) checks.Target {
	promURL := task.Cluster.PrometheusURL
	if w.cfg.PrometheusURL != "" {
		promURL = w.cfg.PrometheusURL
	}
	return checks.Target{
		ClusterName:   task.Cluster.ClusterName,
		Kubeconfig:    w.kubeconfig,
		PrometheusURL: promURL,
	}
}
