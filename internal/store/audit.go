package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AuditEntry is one append-only audit record.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Target    string    `json:"target,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AppendAudit records an audit entry. Audit failures are reported but callers
// generally log and continue; the trail is best-effort by design.
func (s *Store) AppendAudit(ctx context.Context, actor, action, target, detail string) error {
	_, err := s.exec(ctx, `INSERT INTO audit_logs (actor, action, target, detail, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		actor, action, nullStr(target), nullStr(detail), timestamp(time.Now()))
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// ListAudit returns the newest entries first.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]*AuditEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := s.query(ctx, `SELECT id, actor, action, target, detail, created_at
		FROM audit_logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		var (
			e              AuditEntry
			target, detail sql.NullString
			created        sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &target, &detail, &created); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		e.Target = target.String
		e.Detail = detail.String
		if t := parseNullTime(created); t != nil {
			e.CreatedAt = *t
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
