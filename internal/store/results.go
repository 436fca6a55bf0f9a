package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Result statuses. Pending rows are placeholders created at run admission.
const (
	ResultPending = "pending"
	ResultPassed  = "passed"
	ResultWarning = "warning"
	ResultFailed  = "failed"
)

// Result is the outcome of one item within one run.
type Result struct {
	ID         int64     `json:"id"`
	RunID      int64     `json:"run_id"`
	ItemID     *int64    `json:"item_id,omitempty"`
	ItemName   string    `json:"item_name"`
	Seq        int       `json:"-"`
	Status     string    `json:"status"`
	Detail     string    `json:"detail,omitempty"`
	Suggestion string    `json:"suggestion,omitempty"`
	Completed  bool      `json:"-"`
	UpdatedAt  time.Time `json:"updated_at"`
}

const resultCols = `id, run_id, item_id, item_name, seq, status, detail, suggestion, completed, updated_at`

// RunResults returns a run's result rows in input item order.
func (s *Store) RunResults(ctx context.Context, runID int64) ([]*Result, error) {
	rows, err := s.query(ctx, `SELECT `+resultCols+`
		FROM inspection_results WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("run results: %w", err)
	}
	defer rows.Close()

	var out []*Result
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CompleteResult fills the pending row for (runID, itemID), advances the run's
// processed count and progress, and refreshes the agent lease. Idempotent: if
// the row is already completed it is returned unchanged with already=true.
// The returned run reflects the post-update counters so callers can detect
// that all items are now accounted for.
func (s *Store) CompleteResult(ctx context.Context, runID, itemID int64, status, detail, suggestion string, leaseTTL time.Duration) (result *Result, run *Run, already bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, s.rebind(`SELECT `+resultCols+`
			FROM inspection_results WHERE run_id = ? AND item_id = ?`), runID, itemID)
		result, err = scanResult(row)
		if err != nil {
			return err
		}
		run, err = s.getRunTx(ctx, tx, runID)
		if err != nil {
			return err
		}
		if result.Completed {
			already = true
			return nil
		}

		now := time.Now()
		if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE inspection_results
			SET status = ?, detail = ?, suggestion = ?, completed = 1, updated_at = ?
			WHERE id = ?`),
			status, nullStr(detail), nullStr(suggestion), timestamp(now), result.ID); err != nil {
			return fmt.Errorf("complete result: %w", err)
		}
		result.Status = status
		result.Detail = detail
		result.Suggestion = suggestion
		result.Completed = true
		result.UpdatedAt = now

		run.ProcessedItems++
		run.Progress = progressOf(run.ProcessedItems, run.TotalItems)
		var lease sql.NullString
		if run.Executor == ExecutorAgent && !IsTerminalRunStatus(run.Status) {
			t := now.Add(leaseTTL)
			run.LeaseExpiresAt = &t
			lease = sql.NullString{String: timestamp(t), Valid: true}
		} else {
			lease = nullTime(run.LeaseExpiresAt)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE inspection_runs
			SET processed_items = ?, progress = ?, lease_expires_at = ? WHERE id = ?`),
			run.ProcessedItems, run.Progress, lease, runID); err != nil {
			return fmt.Errorf("advance run counters: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, false, err
	}
	return result, run, already, nil
}

// FillRemainingResults completes every still-pending row of a run with the
// given status and detail, advancing counters accordingly. Used on
// cancellation, agent-reported failure and executor panic. Already-completed
// rows are never touched. Returns the number of rows filled.
func (s *Store) FillRemainingResults(ctx context.Context, runID int64, status, detail, suggestion string) (int, error) {
	var filled int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		run, err := s.getRunTx(ctx, tx, runID)
		if err != nil {
			return err
		}
		now := time.Now()
		res, err := tx.ExecContext(ctx, s.rebind(`UPDATE inspection_results
			SET status = ?, detail = ?, suggestion = ?, completed = 1, updated_at = ?
			WHERE run_id = ? AND completed = 0`),
			status, nullStr(detail), nullStr(suggestion), timestamp(now), runID)
		if err != nil {
			return fmt.Errorf("fill remaining results: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		filled = int(n)
		if filled == 0 {
			return nil
		}
		run.ProcessedItems += filled
		run.Progress = progressOf(run.ProcessedItems, run.TotalItems)
		if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE inspection_runs
			SET processed_items = ?, progress = ? WHERE id = ?`),
			run.ProcessedItems, run.Progress, runID); err != nil {
			return fmt.Errorf("advance run counters: %w", err)
		}
		return nil
	})
	return filled, err
}

// CountCompletedByStatus tallies a run's completed results per status.
func (s *Store) CountCompletedByStatus(ctx context.Context, runID int64) (map[string]int, error) {
	rows, err := s.query(ctx, `SELECT status, COUNT(*) FROM inspection_results
		WHERE run_id = ? AND completed = 1 GROUP BY status`, runID)
	if err != nil {
		return nil, fmt.Errorf("count results: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

func scanResult(row interface{ Scan(...any) error }) (*Result, error) {
	var (
		r                  Result
		itemID             sql.NullInt64
		detail, suggestion sql.NullString
		completed          int
		updated            sql.NullString
	)
	err := row.Scan(&r.ID, &r.RunID, &itemID, &r.ItemName, &r.Seq, &r.Status,
		&detail, &suggestion, &completed, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan result: %w", err)
	}
	if itemID.Valid {
		r.ItemID = &itemID.Int64
	}
	r.Detail = detail.String
	r.Suggestion = suggestion.String
	r.Completed = completed != 0
	if t := parseNullTime(updated); t != nil {
		r.UpdatedAt = *t
	}
	return &r, nil
}
