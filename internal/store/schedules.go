package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Schedule is a recurring inspection definition evaluated by the scheduler.
type Schedule struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	ClusterID int64      `json:"cluster_id"`
	ItemIDs   []int64    `json:"item_ids"`
	CronExpr  string     `json:"cron_expr"`
	Enabled   bool       `json:"enabled"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

const scheduleCols = `id, name, cluster_id, item_ids, cron_expr, enabled, last_run_at, created_at, updated_at`

// CreateSchedule inserts a new schedule.
func (s *Store) CreateSchedule(ctx context.Context, sc *Schedule) (*Schedule, error) {
	now := time.Now()
	itemIDs, _ := json.Marshal(sc.ItemIDs)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		id, err := s.insertID(ctx, tx, `INSERT INTO schedules
			(name, cluster_id, item_ids, cron_expr, enabled, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sc.Name, sc.ClusterID, string(itemIDs), sc.CronExpr, boolInt(sc.Enabled),
			timestamp(now), timestamp(now))
		if err != nil {
			return err
		}
		sc.ID = id
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("schedule %q already exists: %w", sc.Name, ErrConflict)
		}
		return nil, fmt.Errorf("create schedule: %w", err)
	}
	sc.CreatedAt = now
	sc.UpdatedAt = now
	return sc, nil
}

// GetSchedule fetches a schedule by id.
func (s *Store) GetSchedule(ctx context.Context, id int64) (*Schedule, error) {
	row := s.queryRow(ctx, `SELECT `+scheduleCols+` FROM schedules WHERE id = ?`, id)
	return scanSchedule(row)
}

// ListSchedules returns all schedules ordered by name.
func (s *Store) ListSchedules(ctx context.Context) ([]*Schedule, error) {
	rows, err := s.query(ctx, `SELECT `+scheduleCols+` FROM schedules ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// UpdateSchedule persists mutable schedule fields.
func (s *Store) UpdateSchedule(ctx context.Context, sc *Schedule) error {
	itemIDs, _ := json.Marshal(sc.ItemIDs)
	res, err := s.exec(ctx, `UPDATE schedules SET
		name = ?, cluster_id = ?, item_ids = ?, cron_expr = ?, enabled = ?, updated_at = ?
		WHERE id = ?`,
		sc.Name, sc.ClusterID, string(itemIDs), sc.CronExpr, boolInt(sc.Enabled),
		timestamp(time.Now()), sc.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("schedule %q already exists: %w", sc.Name, ErrConflict)
		}
		return fmt.Errorf("update schedule: %w", err)
	}
	return requireRow(res)
}

// MarkScheduleRun stamps last_run_at after a triggered run.
func (s *Store) MarkScheduleRun(ctx context.Context, id int64, at time.Time) error {
	res, err := s.exec(ctx, `UPDATE schedules SET last_run_at = ?, updated_at = ? WHERE id = ?`,
		timestamp(at), timestamp(at), id)
	if err != nil {
		return fmt.Errorf("mark schedule run: %w", err)
	}
	return requireRow(res)
}

// DeleteSchedule removes a schedule.
func (s *Store) DeleteSchedule(ctx context.Context, id int64) error {
	res, err := s.exec(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return requireRow(res)
}

func scanSchedule(row interface{ Scan(...any) error }) (*Schedule, error) {
	var (
		sc               Schedule
		itemIDs          string
		enabled          int
		lastRun          sql.NullString
		created, updated sql.NullString
	)
	err := row.Scan(&sc.ID, &sc.Name, &sc.ClusterID, &itemIDs, &sc.CronExpr,
		&enabled, &lastRun, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan schedule: %w", err)
	}
	json.Unmarshal([]byte(itemIDs), &sc.ItemIDs)
	sc.Enabled = enabled != 0
	sc.LastRunAt = parseNullTime(lastRun)
	if t := parseNullTime(created); t != nil {
		sc.CreatedAt = *t
	}
	if t := parseNullTime(updated); t != nil {
		sc.UpdatedAt = *t
	}
	return &sc, nil
}
