package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Cluster is a registered Kubernetes cluster.
type Cluster struct {
	ID                int64      `json:"id"`
	Name              string     `json:"name"`
	Description       string     `json:"description,omitempty"`
	KubeconfigPath    string     `json:"kubeconfig_path"`
	PrometheusURL     string     `json:"prometheus_url,omitempty"`
	Contexts          []string   `json:"contexts,omitempty"`
	ConnectionStatus  string     `json:"connection_status"`
	ConnectionMessage string     `json:"connection_message,omitempty"`
	KubernetesVersion string     `json:"kubernetes_version,omitempty"`
	NodeCount         *int       `json:"node_count,omitempty"`
	ExecutionMode     string     `json:"execution_mode"`
	DefaultAgentID    *int64     `json:"default_agent_id,omitempty"`
	LastCheckedAt     *time.Time `json:"last_checked_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

const clusterCols = `id, name, description, kubeconfig_path, prometheus_url, contexts,
	connection_status, connection_message, kubernetes_version, node_count,
	execution_mode, default_agent_id, last_checked_at, created_at, updated_at`

// CreateCluster inserts a new cluster. Name collisions return ErrConflict.
func (s *Store) CreateCluster(ctx context.Context, c *Cluster) (*Cluster, error) {
	now := time.Now()
	if c.ConnectionStatus == "" {
		c.ConnectionStatus = "unknown"
	}
	if c.ExecutionMode == "" {
		c.ExecutionMode = "server"
	}
	contexts, _ := json.Marshal(c.Contexts)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		id, err := s.insertID(ctx, tx, `INSERT INTO clusters
			(name, description, kubeconfig_path, prometheus_url, contexts,
			 connection_status, connection_message, kubernetes_version, node_count,
			 execution_mode, default_agent_id, last_checked_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.Name, nullStr(c.Description), c.KubeconfigPath, nullStr(c.PrometheusURL),
			string(contexts), c.ConnectionStatus, nullStr(c.ConnectionMessage),
			nullStr(c.KubernetesVersion), nullInt(c.NodeCount), c.ExecutionMode,
			nullInt64(c.DefaultAgentID), nullTime(c.LastCheckedAt),
			timestamp(now), timestamp(now))
		if err != nil {
			return err
		}
		c.ID = id
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("cluster %q already exists: %w", c.Name, ErrConflict)
		}
		return nil, fmt.Errorf("create cluster: %w", err)
	}
	c.CreatedAt = now
	c.UpdatedAt = now
	return c, nil
}

// GetCluster fetches a cluster by id.
func (s *Store) GetCluster(ctx context.Context, id int64) (*Cluster, error) {
	row := s.queryRow(ctx, `SELECT `+clusterCols+` FROM clusters WHERE id = ?`, id)
	return scanCluster(row)
}

// GetClusterByName fetches a cluster by its unique name.
func (s *Store) GetClusterByName(ctx context.Context, name string) (*Cluster, error) {
	row := s.queryRow(ctx, `SELECT `+clusterCols+` FROM clusters WHERE name = ?`, name)
	return scanCluster(row)
}

// ListClusters returns all clusters ordered by name.
func (s *Store) ListClusters(ctx context.Context) ([]*Cluster, error) {
	rows, err := s.query(ctx, `SELECT `+clusterCols+` FROM clusters ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list clusters: %w", err)
	}
	defer rows.Close()

	var out []*Cluster
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateCluster persists mutable cluster fields.
func (s *Store) UpdateCluster(ctx context.Context, c *Cluster) error {
	contexts, _ := json.Marshal(c.Contexts)
	res, err := s.exec(ctx, `UPDATE clusters SET
		name = ?, description = ?, kubeconfig_path = ?, prometheus_url = ?,
		contexts = ?, execution_mode = ?, default_agent_id = ?, updated_at = ?
		WHERE id = ?`,
		c.Name, nullStr(c.Description), c.KubeconfigPath, nullStr(c.PrometheusURL),
		string(contexts), c.ExecutionMode, nullInt64(c.DefaultAgentID),
		timestamp(time.Now()), c.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("cluster %q already exists: %w", c.Name, ErrConflict)
		}
		return fmt.Errorf("update cluster: %w", err)
	}
	return requireRow(res)
}

// UpdateClusterProbe records the outcome of a connectivity probe.
func (s *Store) UpdateClusterProbe(ctx context.Context, id int64, status, message, version string, nodeCount *int, at time.Time) error {
	res, err := s.exec(ctx, `UPDATE clusters SET
		connection_status = ?, connection_message = ?, kubernetes_version = ?,
		node_count = ?, last_checked_at = ?, updated_at = ?
		WHERE id = ?`,
		status, nullStr(message), nullStr(version), nullInt(nodeCount),
		timestamp(at), timestamp(at), id)
	if err != nil {
		return fmt.Errorf("update cluster probe: %w", err)
	}
	return requireRow(res)
}

// DeleteCluster removes a cluster. When cascadeRuns is set, its runs and their
// results go with it.
func (s *Store) DeleteCluster(ctx context.Context, id int64, cascadeRuns bool) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if cascadeRuns {
			if _, err := tx.ExecContext(ctx, s.rebind(
				`DELETE FROM inspection_results WHERE run_id IN
				 (SELECT id FROM inspection_runs WHERE cluster_id = ?)`), id); err != nil {
				return fmt.Errorf("delete cluster results: %w", err)
			}
			if _, err := tx.ExecContext(ctx, s.rebind(
				`DELETE FROM inspection_runs WHERE cluster_id = ?`), id); err != nil {
				return fmt.Errorf("delete cluster runs: %w", err)
			}
		}
		res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM clusters WHERE id = ?`), id)
		if err != nil {
			return fmt.Errorf("delete cluster: %w", err)
		}
		return requireRow(res)
	})
}

func scanCluster(row interface{ Scan(...any) error }) (*Cluster, error) {
	var (
		c                             Cluster
		desc, prom, contexts          sql.NullString
		connMsg, version              sql.NullString
		nodeCount                     sql.NullInt64
		defaultAgent                  sql.NullInt64
		lastChecked, created, updated sql.NullString
	)
	err := row.Scan(&c.ID, &c.Name, &desc, &c.KubeconfigPath, &prom, &contexts,
		&c.ConnectionStatus, &connMsg, &version, &nodeCount,
		&c.ExecutionMode, &defaultAgent, &lastChecked, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan cluster: %w", err)
	}
	c.Description = desc.String
	c.PrometheusURL = prom.String
	if contexts.Valid && contexts.String != "" {
		json.Unmarshal([]byte(contexts.String), &c.Contexts)
	}
	c.ConnectionMessage = connMsg.String
	c.KubernetesVersion = version.String
	if nodeCount.Valid {
		n := int(nodeCount.Int64)
		c.NodeCount = &n
	}
	if defaultAgent.Valid {
		c.DefaultAgentID = &defaultAgent.Int64
	}
	c.LastCheckedAt = parseNullTime(lastChecked)
	if t := parseNullTime(created); t != nil {
		c.CreatedAt = *t
	}
	if t := parseNullTime(updated); t != nil {
		c.UpdatedAt = *t
	}
	return &c, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}
