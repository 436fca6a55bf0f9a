// Package orchestrator owns the run lifecycle: admission, executor routing,
// the in-process executor loop, cooperative cancellation and finalisation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/orbitops/inspectd/internal/checks"
	"github.com/orbitops/inspectd/internal/license"
	"github.com/orbitops/inspectd/internal/metrics"
	"github.com/orbitops/inspectd/internal/report"
	"github.com/orbitops/inspectd/internal/store"
)

// ErrNoItems indicates CreateRun was called with an empty item list.
var ErrNoItems = errors.New("no inspection items selected")

// CheckRunner evaluates one item against one cluster. Satisfied by
// *checks.Engine; faked in tests.
type CheckRunner interface {
	Evaluate(ctx context.Context, spec checks.Spec, target checks.Target) checks.Outcome
}

// Orchestrator admits and drives inspection runs.
type Orchestrator struct {
	store   *store.Store
	engine  CheckRunner
	guard   *license.Guard
	emitter *report.Emitter
	logger  *zap.Logger

	mu      sync.Mutex
	cancels map[int64]*atomic.Bool

	wg sync.WaitGroup
}

// New creates an orchestrator. The emitter may be nil in tests; report
// emission is best-effort either way.
func New(st *store.Store, engine CheckRunner, guard *license.Guard, emitter *report.Emitter, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		store:   st,
		engine:  engine,
		guard:   guard,
		emitter: emitter,
		logger:  logger,
		cancels: make(map[int64]*atomic.Bool),
	}
}

// Wait blocks until all in-flight executor goroutines return. Used on shutdown
// and by tests.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// CreateRun admits a run: license gate, cluster and item validation, executor
// routing, pending-result snapshot. Server runs start executing immediately in
// a background goroutine; agent runs wait to be pulled.
func (o *Orchestrator) CreateRun(ctx context.Context, clusterID int64, itemIDs []int64, operator string) (*store.Run, error) {
	if err := o.guard.Require("inspections"); err != nil {
		return nil, err
	}
	if len(itemIDs) == 0 {
		return nil, ErrNoItems
	}
	cluster, err := o.store.GetCluster(ctx, clusterID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, fmt.Errorf("cluster %d: %w", clusterID, store.ErrNotFound)
		}
		return nil, err
	}
	items := make([]*store.Item, 0, len(itemIDs))
	for _, id := range itemIDs {
		item, err := o.store.GetItem(ctx, id)
		if err != nil {
			if store.IsNotFound(err) {
				return nil, fmt.Errorf("inspection item %d: %w", id, store.ErrNotFound)
			}
			return nil, err
		}
		items = append(items, item)
	}

	run := &store.Run{
		ClusterID:   cluster.ID,
		ClusterName: cluster.Name,
		Operator:    operator,
		Executor:    store.ExecutorServer,
	}
	// Agent routing needs a bound, enabled agent; anything less falls back
	// to the server executor.
	if cluster.ExecutionMode == store.ExecutorAgent && cluster.DefaultAgentID != nil {
		agent, err := o.store.GetAgent(ctx, *cluster.DefaultAgentID)
		if err == nil && agent.IsEnabled {
			run.Executor = store.ExecutorAgent
			run.AgentID = &agent.ID
			run.AgentStatus = store.AgentStatusQueued
		} else if err != nil && !store.IsNotFound(err) {
			return nil, err
		}
	}

	run, err = o.store.CreateRun(ctx, run, items)
	if err != nil {
		return nil, err
	}
	o.auditf(ctx, "run_created", fmt.Sprintf("run:%d", run.ID),
		"cluster %s, %d item(s), executor %s", cluster.Name, len(items), run.Executor)

	if run.Executor == store.ExecutorServer {
		flag := &atomic.Bool{}
		o.mu.Lock()
		o.cancels[run.ID] = flag
		o.mu.Unlock()

		o.wg.Add(1)
		go o.executeRun(run.ID, cluster, items, flag)
	}
	return run, nil
}

// executeRun is the server executor loop for one run: sequential item
// evaluation with cancellation observed at item boundaries. A panic anywhere
// in the loop is recovered, audited, and closes the run as incomplete.
func (o *Orchestrator) executeRun(runID int64, cluster *store.Cluster, items []*store.Item, cancel *atomic.Bool) {
	defer o.wg.Done()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, runID)
		o.mu.Unlock()
	}()

	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			detail := fmt.Sprintf("executor panic: %v", r)
			o.logger.Error("run executor panicked", zap.Int64("run_id", runID), zap.Any("panic", r))
			o.auditf(ctx, "run_panic", fmt.Sprintf("run:%d", runID), "%s", detail)
			if _, err := o.store.FillRemainingResults(ctx, runID, store.ResultFailed, detail, ""); err != nil {
				o.logger.Error("fill after panic failed", zap.Int64("run_id", runID), zap.Error(err))
			}
			if err := o.FinalizeRun(ctx, runID); err != nil && !store.IsConflict(err) {
				o.logger.Error("finalise after panic failed", zap.Int64("run_id", runID), zap.Error(err))
			}
		}
	}()

	if _, err := o.store.StartRun(ctx, runID); err != nil {
		o.logger.Error("start run failed", zap.Int64("run_id", runID), zap.Error(err))
		return
	}

	target := checks.Target{
		ClusterName:   cluster.Name,
		PrometheusURL: cluster.PrometheusURL,
	}
	if kc, err := os.ReadFile(cluster.KubeconfigPath); err == nil {
		target.Kubeconfig = kc
	} else {
		o.logger.Warn("kubeconfig unreadable, checks needing it will fail",
			zap.Int64("cluster_id", cluster.ID), zap.Error(err))
	}

	for _, item := range items {
		if cancel.Load() {
			o.cancelRemaining(ctx, runID)
			return
		}
		outcome := o.engine.Evaluate(ctx, checks.Spec{
			Name:      item.Name,
			CheckType: item.CheckType,
			Config:    item.Config,
		}, target)

		// Cancellation that lands mid-evaluation discards the in-flight
		// outcome; the item is reported as cancelled with the rest.
		if cancel.Load() {
			o.cancelRemaining(ctx, runID)
			return
		}

		if _, _, _, err := o.store.CompleteResult(ctx, runID, item.ID,
			outcome.Status, outcome.Detail, outcome.Suggestion, 0); err != nil {
			o.logger.Error("record result failed",
				zap.Int64("run_id", runID),
				zap.Int64("item_id", item.ID),
				zap.Error(err))
			continue
		}
		metrics.RecordResult(outcome.Status)
	}

	if cancel.Load() {
		o.cancelRemaining(ctx, runID)
		return
	}
	if err := o.FinalizeRun(ctx, runID); err != nil && !store.IsConflict(err) {
		o.logger.Error("finalise run failed", zap.Int64("run_id", runID), zap.Error(err))
	}
}

// CancelRun requests cooperative cancellation. Terminal runs are returned
// as-is; queued and agent runs cancel immediately; a live server executor
// observes the flag at the next item boundary.
func (o *Orchestrator) CancelRun(ctx context.Context, runID int64) (*store.Run, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if store.IsTerminalRunStatus(run.Status) {
		return run, nil
	}

	o.mu.Lock()
	flag, live := o.cancels[runID]
	o.mu.Unlock()

	if live {
		// A live server executor observes the flag at the next item boundary.
		flag.Store(true)
		o.auditf(ctx, "run_cancel_requested", fmt.Sprintf("run:%d", runID), "cancel flag set")
		return run, nil
	}

	// No live executor: queued server runs after restart, and agent runs.
	run, err = o.cancelRemaining(ctx, runID)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// cancelRemaining fails every pending item with a cancellation detail and
// moves the run to cancelled. Already-submitted results stay untouched.
func (o *Orchestrator) cancelRemaining(ctx context.Context, runID int64) (*store.Run, error) {
	if _, err := o.store.FillRemainingResults(ctx, runID,
		store.ResultFailed, "cancelled before execution", ""); err != nil {
		return nil, err
	}
	summary, err := o.summarise(ctx, runID)
	if err != nil {
		return nil, err
	}
	run, err := o.store.FinishRun(ctx, runID, store.RunCancelled, summary)
	if err != nil {
		if store.IsConflict(err) {
			return o.store.GetRun(ctx, runID)
		}
		return nil, err
	}
	o.auditf(ctx, "run_cancelled", fmt.Sprintf("run:%d", runID), "%s", summary)
	o.recordFinished(run)
	o.emitReport(ctx, run)
	return run, nil
}

// FinalizeRun derives the terminal status once every item is accounted for:
// completed iff every result passed, incomplete otherwise. Report emission is
// best-effort and never flips the run status.
func (o *Orchestrator) FinalizeRun(ctx context.Context, runID int64) error {
	counts, err := o.store.CountCompletedByStatus(ctx, runID)
	if err != nil {
		return err
	}
	status := store.RunCompleted
	if counts[store.ResultWarning] > 0 || counts[store.ResultFailed] > 0 {
		status = store.RunIncomplete
	}
	summary := summaryLine(counts)

	run, err := o.store.FinishRun(ctx, runID, status, summary)
	if err != nil {
		return err
	}
	o.auditf(ctx, "run_finished", fmt.Sprintf("run:%d", runID), "%s: %s", status, summary)
	o.recordFinished(run)
	o.emitReport(ctx, run)
	return nil
}

func (o *Orchestrator) summarise(ctx context.Context, runID int64) (string, error) {
	counts, err := o.store.CountCompletedByStatus(ctx, runID)
	if err != nil {
		return "", err
	}
	return summaryLine(counts), nil
}

func summaryLine(counts map[string]int) string {
	return fmt.Sprintf("%d item(s) passed, %d warning(s), %d failed",
		counts[store.ResultPassed], counts[store.ResultWarning], counts[store.ResultFailed])
}

func (o *Orchestrator) recordFinished(run *store.Run) {
	var d time.Duration
	if run.StartedAt != nil && run.CompletedAt != nil {
		d = run.CompletedAt.Sub(*run.StartedAt)
	}
	metrics.RecordRunFinished(run.Status, d)
}

// emitReport renders the run's artefacts. Failure is recorded in the audit
// trail but the terminal status stands.
func (o *Orchestrator) emitReport(ctx context.Context, run *store.Run) {
	if o.emitter == nil {
		return
	}
	results, err := o.store.RunResults(ctx, run.ID)
	if err != nil {
		o.logger.Error("load results for report failed", zap.Int64("run_id", run.ID), zap.Error(err))
		return
	}
	path, err := o.emitter.Emit(run, results)
	if err != nil {
		o.logger.Error("report emission failed", zap.Int64("run_id", run.ID), zap.Error(err))
		o.auditf(ctx, "report_failed", fmt.Sprintf("run:%d", run.ID), "%v", err)
		return
	}
	if err := o.store.SetRunReportPath(ctx, run.ID, path); err != nil {
		o.logger.Error("record report path failed", zap.Int64("run_id", run.ID), zap.Error(err))
	}
}

func (o *Orchestrator) auditf(ctx context.Context, action, target, format string, args ...any) {
	if err := o.store.AppendAudit(ctx, "orchestrator", action, target, fmt.Sprintf(format, args...)); err != nil {
		o.logger.Warn("audit append failed", zap.String("action", action), zap.Error(err))
	}
}
