package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Agent is an external executor registered with the server. Only the bcrypt
// hash of its token is stored; the plaintext leaves the server exactly once.
type Agent struct {
	ID            int64      `json:"id"`
	Name          string     `json:"name"`
	ClusterID     *int64     `json:"cluster_id,omitempty"`
	Description   string     `json:"description,omitempty"`
	IsEnabled     bool       `json:"is_enabled"`
	PrometheusURL string     `json:"prometheus_url,omitempty"`
	TokenHash     string     `json:"-"`
	TokenPrefix   string     `json:"-"`
	LastSeenAt    *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

const agentCols = `id, name, cluster_id, description, is_enabled, prometheus_url,
	token_hash, token_prefix, last_seen_at, created_at`

// CreateAgent inserts a new agent row.
func (s *Store) CreateAgent(ctx context.Context, a *Agent) (*Agent, error) {
	now := time.Now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		id, err := s.insertID(ctx, tx, `INSERT INTO inspection_agents
			(name, cluster_id, description, is_enabled, prometheus_url,
			 token_hash, token_prefix, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			a.Name, nullInt64(a.ClusterID), nullStr(a.Description), boolInt(a.IsEnabled),
			nullStr(a.PrometheusURL), a.TokenHash, a.TokenPrefix, timestamp(now))
		if err != nil {
			return err
		}
		a.ID = id
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("agent %q already exists: %w", a.Name, ErrConflict)
		}
		return nil, fmt.Errorf("create agent: %w", err)
	}
	a.CreatedAt = now
	return a, nil
}

// GetAgent fetches an agent by id.
func (s *Store) GetAgent(ctx context.Context, id int64) (*Agent, error) {
	row := s.queryRow(ctx, `SELECT `+agentCols+` FROM inspection_agents WHERE id = ?`, id)
	return scanAgent(row)
}

// GetAgentByName fetches an agent by its unique name.
func (s *Store) GetAgentByName(ctx context.Context, name string) (*Agent, error) {
	row := s.queryRow(ctx, `SELECT `+agentCols+` FROM inspection_agents WHERE name = ?`, name)
	return scanAgent(row)
}

// AgentsByTokenPrefix returns candidate agents for a presented token. The
// prefix narrows the bcrypt comparisons to a handful of rows.
func (s *Store) AgentsByTokenPrefix(ctx context.Context, prefix string) ([]*Agent, error) {
	rows, err := s.query(ctx, `SELECT `+agentCols+`
		FROM inspection_agents WHERE token_prefix = ?`, prefix)
	if err != nil {
		return nil, fmt.Errorf("agents by prefix: %w", err)
	}
	defer rows.Close()

	var out []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListAgents returns all agents ordered by name.
func (s *Store) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.query(ctx, `SELECT `+agentCols+` FROM inspection_agents ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// RotateAgentToken replaces the stored hash and prefix for an existing agent.
func (s *Store) RotateAgentToken(ctx context.Context, id int64, tokenHash, tokenPrefix string) error {
	res, err := s.exec(ctx, `UPDATE inspection_agents
		SET token_hash = ?, token_prefix = ? WHERE id = ?`, tokenHash, tokenPrefix, id)
	if err != nil {
		return fmt.Errorf("rotate agent token: %w", err)
	}
	return requireRow(res)
}

// TouchAgent updates last_seen_at for an authenticated call.
func (s *Store) TouchAgent(ctx context.Context, id int64, at time.Time) error {
	res, err := s.exec(ctx, `UPDATE inspection_agents
		SET last_seen_at = ? WHERE id = ?`, timestamp(at), id)
	if err != nil {
		return fmt.Errorf("touch agent: %w", err)
	}
	return requireRow(res)
}

// DeleteAgent removes an agent. Historic runs keep their agent_id reference.
func (s *Store) DeleteAgent(ctx context.Context, id int64) error {
	res, err := s.exec(ctx, `DELETE FROM inspection_agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return requireRow(res)
}

func scanAgent(row interface{ Scan(...any) error }) (*Agent, error) {
	var (
		a                 Agent
		clusterID         sql.NullInt64
		desc, prom        sql.NullString
		enabled           int
		lastSeen, created sql.NullString
	)
	err := row.Scan(&a.ID, &a.Name, &clusterID, &desc, &enabled, &prom,
		&a.TokenHash, &a.TokenPrefix, &lastSeen, &created)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	if clusterID.Valid {
		a.ClusterID = &clusterID.Int64
	}
	a.Description = desc.String
	a.IsEnabled = enabled != 0
	a.PrometheusURL = prom.String
	a.LastSeenAt = parseNullTime(lastSeen)
	if t := parseNullTime(created); t != nil {
		a.CreatedAt = *t
	}
	return &a, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
