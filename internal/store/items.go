package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Item is a reusable inspection definition.
type Item struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	CheckType   string          `json:"check_type"`
	Config      json.RawMessage `json:"config"`
	IsArchived  bool            `json:"is_archived"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

const itemCols = `id, name, description, check_type, config, is_archived, created_at, updated_at`

// CreateItem inserts a new inspection item.
func (s *Store) CreateItem(ctx context.Context, it *Item) (*Item, error) {
	now := time.Now()
	if len(it.Config) == 0 {
		it.Config = json.RawMessage("{}")
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		id, err := s.insertID(ctx, tx, `INSERT INTO inspection_items
			(name, description, check_type, config, is_archived, created_at, updated_at)
			VALUES (?, ?, ?, ?, 0, ?, ?)`,
			it.Name, nullStr(it.Description), it.CheckType, string(it.Config),
			timestamp(now), timestamp(now))
		if err != nil {
			return err
		}
		it.ID = id
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("inspection item %q already exists: %w", it.Name, ErrConflict)
		}
		return nil, fmt.Errorf("create item: %w", err)
	}
	it.CreatedAt = now
	it.UpdatedAt = now
	return it, nil
}

// GetItem fetches an item by id.
func (s *Store) GetItem(ctx context.Context, id int64) (*Item, error) {
	row := s.queryRow(ctx, `SELECT `+itemCols+` FROM inspection_items WHERE id = ?`, id)
	return scanItem(row)
}

// GetItemByName fetches an item by its unique name.
func (s *Store) GetItemByName(ctx context.Context, name string) (*Item, error) {
	row := s.queryRow(ctx, `SELECT `+itemCols+` FROM inspection_items WHERE name = ?`, name)
	return scanItem(row)
}

// ListItems returns items ordered by name. Archived items are hidden unless
// includeArchived is set.
func (s *Store) ListItems(ctx context.Context, includeArchived bool) ([]*Item, error) {
	q := `SELECT ` + itemCols + ` FROM inspection_items`
	if !includeArchived {
		q += ` WHERE is_archived = 0`
	}
	q += ` ORDER BY name`
	rows, err := s.query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var out []*Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// UpdateItem persists mutable item fields.
func (s *Store) UpdateItem(ctx context.Context, it *Item) error {
	if len(it.Config) == 0 {
		it.Config = json.RawMessage("{}")
	}
	res, err := s.exec(ctx, `UPDATE inspection_items SET
		name = ?, description = ?, check_type = ?, config = ?, updated_at = ?
		WHERE id = ?`,
		it.Name, nullStr(it.Description), it.CheckType, string(it.Config),
		timestamp(time.Now()), it.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("inspection item %q already exists: %w", it.Name, ErrConflict)
		}
		return fmt.Errorf("update item: %w", err)
	}
	return requireRow(res)
}

// DeleteItem removes an item. When historic results still reference it the row
// is archived instead, so old runs keep resolving the item. Returns true when
// the item was archived rather than deleted.
func (s *Store) DeleteItem(ctx context.Context, id int64) (archived bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var refs int
		row := tx.QueryRowContext(ctx, s.rebind(
			`SELECT COUNT(*) FROM inspection_results WHERE item_id = ?`), id)
		if err := row.Scan(&refs); err != nil {
			return fmt.Errorf("count item references: %w", err)
		}
		if refs > 0 {
			res, err := tx.ExecContext(ctx, s.rebind(
				`UPDATE inspection_items SET is_archived = 1, updated_at = ? WHERE id = ?`),
				timestamp(time.Now()), id)
			if err != nil {
				return fmt.Errorf("archive item: %w", err)
			}
			archived = true
			return requireRow(res)
		}
		res, err := tx.ExecContext(ctx, s.rebind(
			`DELETE FROM inspection_items WHERE id = ?`), id)
		if err != nil {
			return fmt.Errorf("delete item: %w", err)
		}
		return requireRow(res)
	})
	return archived, err
}

// DefaultItems are the builtin inspections every fresh installation carries.
// They map one to one onto the builtin check handlers.
var DefaultItems = []Item{
	{Name: "Cluster Version", Description: "Collects the Kubernetes API server version.", CheckType: "cluster_version"},
	{Name: "Node Health", Description: "Verifies all nodes are Ready.", CheckType: "nodes_status"},
	{Name: "Pod Status", Description: "Checks for non-running pods cluster-wide.", CheckType: "pods_status"},
	{Name: "Recent Events", Description: "Surfaces recent cluster warning events.", CheckType: "events_recent"},
	{Name: "Cluster CPU Usage", Description: "Aggregated CPU utilisation via Prometheus metrics.", CheckType: "cluster_cpu_usage"},
	{Name: "Cluster Memory Usage", Description: "Overall memory utilisation from Prometheus.", CheckType: "cluster_memory_usage"},
	{Name: "Node CPU Hotspots", Description: "Highlights nodes with the highest CPU usage.", CheckType: "node_cpu_hotspots"},
	{Name: "Node Memory Pressure", Description: "Highlights nodes with the highest memory usage.", CheckType: "node_memory_pressure"},
	{Name: "Cluster Disk IO", Description: "Monitors node disk IO time ratio.", CheckType: "cluster_disk_io"},
}

// SeedDefaultItems inserts any default item whose name is not yet present,
// archived rows included, so operator edits survive restarts. Returns how
// many items were created.
func (s *Store) SeedDefaultItems(ctx context.Context) (int, error) {
	existing, err := s.ListItems(ctx, true)
	if err != nil {
		return 0, err
	}
	names := make(map[string]bool, len(existing))
	for _, it := range existing {
		names[it.Name] = true
	}
	created := 0
	for i := range DefaultItems {
		if names[DefaultItems[i].Name] {
			continue
		}
		it := DefaultItems[i]
		it.Config = json.RawMessage("{}")
		if _, err := s.CreateItem(ctx, &it); err != nil {
			return created, fmt.Errorf("seed item %q: %w", it.Name, err)
		}
		created++
	}
	return created, nil
}

func scanItem(row interface{ Scan(...any) error }) (*Item, error) {
	var (
		it               Item
		desc             sql.NullString
		config           string
		archived         int
		created, updated sql.NullString
	)
	err := row.Scan(&it.ID, &it.Name, &desc, &it.CheckType, &config, &archived, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan item: %w", err)
	}
	it.Description = desc.String
	it.Config = json.RawMessage(config)
	it.IsArchived = archived != 0
	if t := parseNullTime(created); t != nil {
		it.CreatedAt = *t
	}
	if t := parseNullTime(updated); t != nil {
		it.UpdatedAt = *t
	}
	return &it, nil
}
