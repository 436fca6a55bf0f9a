package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"
)

// Run statuses.
const (
	RunQueued     = "queued"
	RunRunning    = "running"
	RunPaused     = "paused"
	RunCancelled  = "cancelled"
	RunCompleted  = "completed"
	RunIncomplete = "incomplete"
)

// Executors.
const (
	ExecutorServer = "server"
	ExecutorAgent  = "agent"
)

// Agent-side run statuses (only meaningful when Executor == ExecutorAgent).
const (
	AgentStatusQueued   = "queued"
	AgentStatusRunning  = "running"
	AgentStatusFinished = "finished"
	AgentStatusFailed   = "failed"
)

// IsTerminalRunStatus reports whether status admits no further transitions.
func IsTerminalRunStatus(status string) bool {
	switch status {
	case RunCancelled, RunCompleted, RunIncomplete:
		return true
	}
	return false
}

// Run is one execution of a set of inspection items against a cluster.
type Run struct {
	ID             int64      `json:"id"`
	ClusterID      int64      `json:"cluster_id"`
	ClusterName    string     `json:"cluster_name"`
	Operator       string     `json:"operator,omitempty"`
	Status         string     `json:"status"`
	Executor       string     `json:"executor"`
	AgentID        *int64     `json:"agent_id,omitempty"`
	AgentStatus    string     `json:"agent_status,omitempty"`
	TotalItems     int        `json:"total_items"`
	ProcessedItems int        `json:"processed_items"`
	Progress       int        `json:"progress"`
	Summary        string     `json:"summary,omitempty"`
	ReportPath     string     `json:"report_path,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

const runCols = `id, cluster_id, cluster_name, operator, status, executor, agent_id,
	agent_status, total_items, processed_items, progress, summary, report_path,
	lease_expires_at, created_at, started_at, completed_at`

// CreateRun inserts a run in state queued together with one pending result row
// per item, snapshotting item names so later edits do not rewrite history.
func (s *Store) CreateRun(ctx context.Context, run *Run, items []*Item) (*Run, error) {
	now := time.Now()
	run.Status = RunQueued
	run.TotalItems = len(items)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		id, err := s.insertID(ctx, tx, `INSERT INTO inspection_runs
			(cluster_id, cluster_name, operator, status, executor, agent_id,
			 agent_status, total_items, processed_items, progress, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?)`,
			run.ClusterID, run.ClusterName, nullStr(run.Operator), run.Status,
			run.Executor, nullInt64(run.AgentID), nullStr(run.AgentStatus),
			run.TotalItems, timestamp(now))
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		run.ID = id
		for seq, it := range items {
			if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO inspection_results
				(run_id, item_id, item_name, seq, status, completed, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, 0, ?, ?)`),
				id, it.ID, it.Name, seq, ResultPending, timestamp(now), timestamp(now)); err != nil {
				return fmt.Errorf("insert pending result: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	run.CreatedAt = now
	return run, nil
}

// GetRun fetches a run by id.
func (s *Store) GetRun(ctx context.Context, id int64) (*Run, error) {
	row := s.queryRow(ctx, `SELECT `+runCols+` FROM inspection_runs WHERE id = ?`, id)
	return scanRun(row)
}

// ListRuns returns runs newest-first, without result rows.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.query(ctx, `SELECT `+runCols+` FROM inspection_runs
		ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteRun removes a run and its results.
func (s *Store) DeleteRun(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(
			`DELETE FROM inspection_results WHERE run_id = ?`), id); err != nil {
			return fmt.Errorf("delete run results: %w", err)
		}
		res, err := tx.ExecContext(ctx, s.rebind(
			`DELETE FROM inspection_runs WHERE id = ?`), id)
		if err != nil {
			return fmt.Errorf("delete run: %w", err)
		}
		return requireRow(res)
	})
}

// StartRun transitions a queued run to running and stamps started_at. Starting
// an already-running run is a no-op; starting a terminal run is a conflict.
func (s *Store) StartRun(ctx context.Context, id int64) (*Run, error) {
	var out *Run
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		run, err := s.getRunTx(ctx, tx, id)
		if err != nil {
			return err
		}
		switch {
		case run.Status == RunRunning:
			out = run
			return nil
		case run.Status != RunQueued:
			return fmt.Errorf("run %d is %s: %w", id, run.Status, ErrConflict)
		}
		now := time.Now()
		if _, err := tx.ExecContext(ctx, s.rebind(
			`UPDATE inspection_runs SET status = ?, started_at = ? WHERE id = ?`),
			RunRunning, timestamp(now), id); err != nil {
			return fmt.Errorf("start run: %w", err)
		}
		run.Status = RunRunning
		run.StartedAt = &now
		out = run
		return nil
	})
	return out, err
}

// FinishRun moves a run into a terminal status. Terminal runs are frozen: a
// second finish attempt returns ErrConflict and changes nothing.
func (s *Store) FinishRun(ctx context.Context, id int64, status, summary string) (*Run, error) {
	if !IsTerminalRunStatus(status) {
		return nil, fmt.Errorf("%q is not a terminal status: %w", status, ErrConflict)
	}
	var out *Run
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		run, err := s.getRunTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if IsTerminalRunStatus(run.Status) {
			out = run
			return fmt.Errorf("run %d already %s: %w", id, run.Status, ErrConflict)
		}
		now := time.Now()
		agentStatus := run.AgentStatus
		if run.Executor == ExecutorAgent {
			if status == RunCompleted {
				agentStatus = AgentStatusFinished
			} else {
				agentStatus = AgentStatusFailed
			}
		}
		if _, err := tx.ExecContext(ctx, s.rebind(
			`UPDATE inspection_runs SET status = ?, summary = ?, agent_status = ?,
			 lease_expires_at = NULL, completed_at = ? WHERE id = ?`),
			status, nullStr(summary), nullStr(agentStatus), timestamp(now), id); err != nil {
			return fmt.Errorf("finish run: %w", err)
		}
		run.Status = status
		run.Summary = summary
		run.AgentStatus = agentStatus
		run.LeaseExpiresAt = nil
		run.CompletedAt = &now
		out = run
		return nil
	})
	return out, err
}

// SetRunReportPath records the rendered report artefact location.
func (s *Store) SetRunReportPath(ctx context.Context, id int64, path string) error {
	res, err := s.exec(ctx,
		`UPDATE inspection_runs SET report_path = ? WHERE id = ?`, path, id)
	if err != nil {
		return fmt.Errorf("set report path: %w", err)
	}
	return requireRow(res)
}

// ClaimAgentRuns reserves up to max queued agent runs for agentID: each claimed
// run becomes running with a fresh lease. Selection is serialisable; a run
// claimed here is invisible to concurrent pullers until the lease expires.
func (s *Store) ClaimAgentRuns(ctx context.Context, agentID int64, max int, ttl time.Duration) ([]*Run, error) {
	if max <= 0 {
		max = 10
	}
	var claimed []*Run
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, s.rebind(`SELECT `+runCols+`
			FROM inspection_runs
			WHERE executor = ? AND agent_id = ? AND agent_status = ?
			  AND status IN (?, ?)
			ORDER BY id LIMIT ?`),
			ExecutorAgent, agentID, AgentStatusQueued, RunQueued, RunRunning, max)
		if err != nil {
			return fmt.Errorf("select claimable runs: %w", err)
		}
		var runs []*Run
		for rows.Next() {
			r, err := scanRun(rows)
			if err != nil {
				rows.Close()
				return err
			}
			runs = append(runs, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		lease := time.Now().Add(ttl)
		for _, r := range runs {
			won, err := s.claimRunTx(ctx, tx, r, lease)
			if err != nil {
				return err
			}
			if !won {
				// Another puller committed between our snapshot and this
				// update. Its lease stands; drop the run from our set.
				continue
			}
			claimed = append(claimed, r)
		}
		return nil
	})
	return claimed, err
}

// claimRunTx applies the claim transition only while the run is still queued
// for an agent. The condition makes the select-then-update race safe on
// MySQL and Postgres: the first writer wins and later snapshots hit zero
// rows.
func (s *Store) claimRunTx(ctx context.Context, tx *sql.Tx, r *Run, lease time.Time) (bool, error) {
	started := r.StartedAt
	if started == nil {
		now := time.Now()
		started = &now
	}
	res, err := tx.ExecContext(ctx, s.rebind(
		`UPDATE inspection_runs SET status = ?, agent_status = ?,
		 lease_expires_at = ?, started_at = ?
		 WHERE id = ? AND agent_status = ?`),
		RunRunning, AgentStatusRunning, timestamp(lease), timestamp(*started),
		r.ID, AgentStatusQueued)
	if err != nil {
		return false, fmt.Errorf("claim run %d: %w", r.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim run %d: %w", r.ID, err)
	}
	if n == 0 {
		return false, nil
	}
	r.Status = RunRunning
	r.AgentStatus = AgentStatusRunning
	r.LeaseExpiresAt = &lease
	r.StartedAt = started
	return true, nil
}

// LeaseReclaim identifies a run detached from its agent by the sweeper.
type LeaseReclaim struct {
	RunID   int64
	AgentID int64
}

// ReleaseExpiredLeases detaches running agent runs whose lease has lapsed,
// returning them to the claimable pool. Submitted results are left intact.
func (s *Store) ReleaseExpiredLeases(ctx context.Context, now time.Time) ([]LeaseReclaim, error) {
	var reclaimed []LeaseReclaim
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, s.rebind(`SELECT id, agent_id
			FROM inspection_runs
			WHERE executor = ? AND status = ? AND agent_status = ?
			  AND lease_expires_at IS NOT NULL AND lease_expires_at < ?`),
			ExecutorAgent, RunRunning, AgentStatusRunning, timestamp(now))
		if err != nil {
			return fmt.Errorf("select expired leases: %w", err)
		}
		for rows.Next() {
			var rec LeaseReclaim
			var agentID sql.NullInt64
			if err := rows.Scan(&rec.RunID, &agentID); err != nil {
				rows.Close()
				return err
			}
			rec.AgentID = agentID.Int64
			reclaimed = append(reclaimed, rec)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, rec := range reclaimed {
			if _, err := tx.ExecContext(ctx, s.rebind(
				`UPDATE inspection_runs SET agent_status = ?, lease_expires_at = NULL
				 WHERE id = ?`), AgentStatusQueued, rec.RunID); err != nil {
				return fmt.Errorf("release lease on run %d: %w", rec.RunID, err)
			}
		}
		return nil
	})
	return reclaimed, err
}

func (s *Store) getRunTx(ctx context.Context, tx *sql.Tx, id int64) (*Run, error) {
	row := tx.QueryRowContext(ctx, s.rebind(
		`SELECT `+runCols+` FROM inspection_runs WHERE id = ?`), id)
	return scanRun(row)
}

func scanRun(row interface{ Scan(...any) error }) (*Run, error) {
	var (
		r                     Run
		operator, agentStatus sql.NullString
		summary, reportPath   sql.NullString
		agentID               sql.NullInt64
		lease, created        sql.NullString
		started, completed    sql.NullString
	)
	err := row.Scan(&r.ID, &r.ClusterID, &r.ClusterName, &operator, &r.Status,
		&r.Executor, &agentID, &agentStatus, &r.TotalItems, &r.ProcessedItems,
		&r.Progress, &summary, &reportPath, &lease, &created, &started, &completed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	r.Operator = operator.String
	if agentID.Valid {
		r.AgentID = &agentID.Int64
	}
	r.AgentStatus = agentStatus.String
	r.Summary = summary.String
	r.ReportPath = reportPath.String
	r.LeaseExpiresAt = parseNullTime(lease)
	if t := parseNullTime(created); t != nil {
		r.CreatedAt = *t
	}
	r.StartedAt = parseNullTime(started)
	r.CompletedAt = parseNullTime(completed)
	return &r, nil
}

func progressOf(processed, total int) int {
	if total == 0 {
		return 0
	}
	return int(math.Round(100 * float64(processed) / float64(total)))
}
