// Package store is the single source of truth for clusters, inspection items,
// runs, per-item results, agents, audit entries and schedules.
//
// The backing database is selected from DATABASE_URL: empty means an embedded
// SQLite file under the data directory, mysql:// selects the MySQL driver and
// postgres:// selects pgx. All queries are written with ? placeholders and
// rebound for PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a unique-name or state-machine violation.
	ErrConflict = errors.New("conflict")
)

// IsNotFound reports whether err is a missing-row error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err is a uniqueness or state conflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

type dialect int

const (
	dialectSQLite dialect = iota
	dialectMySQL
	dialectPostgres
)

// Store wraps the relational database.
type Store struct {
	db      *sql.DB
	dialect dialect
	logger  *zap.Logger
}

// Open connects to the database selected by databaseURL, creating the schema
// if needed. An empty databaseURL opens the embedded SQLite file under dataDir.
func Open(databaseURL, dataDir string, logger *zap.Logger) (*Store, error) {
	var (
		db  *sql.DB
		d   dialect
		err error
	)
	switch {
	case databaseURL == "":
		d = dialectSQLite
		path := filepath.Join(dataDir, "inspection.db")
		db, err = sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	case strings.HasPrefix(databaseURL, "mysql://"):
		d = dialectMySQL
		dsn, derr := mysqlDSN(databaseURL)
		if derr != nil {
			return nil, derr
		}
		db, err = sql.Open("mysql", dsn)
	case strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://"):
		d = dialectPostgres
		db, err = sql.Open("pgx", databaseURL)
	default:
		return nil, fmt.Errorf("unsupported DATABASE_URL scheme in %q", databaseURL)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if d == dialectSQLite {
		// The embedded file is single-writer.
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, dialect: d, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// mysqlDSN converts a mysql:// URL into the DSN shape the driver expects.
func mysqlDSN(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	host := u.Host
	if u.Port() == "" {
		host += ":3306"
	}
	cred := ""
	if u.User != nil {
		cred = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			cred += ":" + pw
		}
		cred += "@"
	}
	dbName := strings.TrimPrefix(u.Path, "/")
	return fmt.Sprintf("%stcp(%s)/%s?charset=utf8mb4", cred, host, dbName), nil
}

// rebind rewrites ? placeholders to $1..$n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// insertID runs an INSERT and returns the generated id across dialects.
// pgx does not support LastInsertId, so PostgreSQL uses RETURNING.
func (s *Store) insertID(ctx context.Context, tx *sql.Tx, query string, args ...any) (int64, error) {
	if s.dialect == dialectPostgres {
		var id int64
		row := tx.QueryRowContext(ctx, s.rebind(query+" RETURNING id"), args...)
		if err := row.Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// withTx runs fn in a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// isUniqueViolation detects duplicate-key errors across the three drivers.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || // sqlite, postgres
		strings.Contains(msg, "duplicate entry") || // mysql
		strings.Contains(msg, "duplicate key")
}

func (s *Store) createSchema() error {
	pk := "INTEGER PRIMARY KEY AUTOINCREMENT"
	switch s.dialect {
	case dialectMySQL:
		pk = "BIGINT PRIMARY KEY AUTO_INCREMENT"
	case dialectPostgres:
		pk = "BIGSERIAL PRIMARY KEY"
	}
	// MySQL cannot put a unique index on unbounded TEXT.
	name := "TEXT"
	if s.dialect == dialectMySQL {
		name = "VARCHAR(255)"
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS clusters (
			id ` + pk + `,
			name ` + name + ` NOT NULL UNIQUE,
			description TEXT,
			kubeconfig_path TEXT NOT NULL,
			prometheus_url TEXT,
			contexts TEXT,
			connection_status TEXT NOT NULL DEFAULT 'unknown',
			connection_message TEXT,
			kubernetes_version TEXT,
			node_count INTEGER,
			execution_mode TEXT NOT NULL DEFAULT 'server',
			default_agent_id BIGINT,
			last_checked_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS inspection_items (
			id ` + pk + `,
			name ` + name + ` NOT NULL UNIQUE,
			description TEXT,
			check_type TEXT NOT NULL,
			config TEXT NOT NULL DEFAULT '{}',
			is_archived INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS inspection_runs (
			id ` + pk + `,
			cluster_id BIGINT NOT NULL,
			cluster_name TEXT NOT NULL,
			operator TEXT,
			status TEXT NOT NULL DEFAULT 'queued',
			executor TEXT NOT NULL DEFAULT 'server',
			agent_id BIGINT,
			agent_status TEXT,
			total_items INTEGER NOT NULL,
			processed_items INTEGER NOT NULL DEFAULT 0,
			progress INTEGER NOT NULL DEFAULT 0,
			summary TEXT,
			report_path TEXT,
			lease_expires_at TEXT,
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS inspection_results (
			id ` + pk + `,
			run_id BIGINT NOT NULL,
			item_id BIGINT,
			item_name TEXT NOT NULL,
			seq INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			detail TEXT,
			suggestion TEXT,
			completed INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS inspection_agents (
			id ` + pk + `,
			name ` + name + ` NOT NULL UNIQUE,
			cluster_id BIGINT,
			description TEXT,
			is_enabled INTEGER NOT NULL DEFAULT 1,
			prometheus_url TEXT,
			token_hash TEXT NOT NULL,
			token_prefix TEXT NOT NULL,
			last_seen_at TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id ` + pk + `,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			target TEXT,
			detail TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id ` + pk + `,
			name ` + name + ` NOT NULL UNIQUE,
			cluster_id BIGINT NOT NULL,
			item_ids TEXT NOT NULL,
			cron_expr TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			last_run_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_results_run ON inspection_results(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_cluster ON inspection_runs(cluster_id)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_prefix ON inspection_agents(token_prefix)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			// MySQL before 8.0.13 lacks CREATE INDEX IF NOT EXISTS; a
			// duplicate index name on re-run is harmless.
			if strings.Contains(strings.ToLower(err.Error()), "duplicate key name") {
				continue
			}
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

func timestamp(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: timestamp(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
