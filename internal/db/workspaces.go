package db

import (
	"context"
	"encoding/json"
	"fmt"

	"graphshell/internal/workspace"
)

// SaveWorkspace upserts a saved layout.
func (d *DB) SaveWorkspace(ctx context.Context, ws *workspace.Workspace) error {
	data, err := json.Marshal(ws)
	if err != nil {
		return fmt.Errorf("encoding workspace %q: %w", ws.Name, err)
	}
	_, err = d.conn.ExecContext(ctx, `
		INSERT INTO workspaces (name, data, saved_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET data = excluded.data, saved_at = excluded.saved_at
	`, ws.Name, string(data), millis(ws.SavedAt))
	return err
}

// Workspace loads one saved layout by name.
func (d *DB) Workspace(ctx context.Context, name string) (*workspace.Workspace, error) {
	var data string
	err := d.conn.QueryRowContext(ctx, `SELECT data FROM workspaces WHERE name = ?`, name).Scan(&data)
	if err != nil {
		return nil, notFound(err, "workspace "+name)
	}
	var ws workspace.Workspace
	if err := json.Unmarshal([]byte(data), &ws); err != nil {
		return nil, fmt.Errorf("decoding workspace %q: %w", name, err)
	}
	return &ws, nil
}

// Workspaces returns every saved layout ordered by name. Rows that fail to
// decode are skipped and reported in the second return value.
func (d *DB) Workspaces(ctx context.Context) ([]*workspace.Workspace, []error) {
	rows, err := d.conn.QueryContext(ctx, `SELECT name, data FROM workspaces ORDER BY name`)
	if err != nil {
		return nil, []error{err}
	}
	defer rows.Close()

	var out []*workspace.Workspace
	var errs []error
	for rows.Next() {
		var name, data string
		if err := rows.Scan(&name, &data); err != nil {
			return out, append(errs, err)
		}
		var ws workspace.Workspace
		if err := json.Unmarshal([]byte(data), &ws); err != nil {
			errs = append(errs, fmt.Errorf("decoding workspace %q: %w", name, err))
			continue
		}
		out = append(out, &ws)
	}
	if err := rows.Err(); err != nil {
		errs = append(errs, err)
	}
	return out, errs
}

// DeleteWorkspace removes a saved layout.
func (d *DB) DeleteWorkspace(ctx context.Context, name string) error {
	res, err := d.conn.ExecContext(ctx, `DELETE FROM workspaces WHERE name = ?`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("workspace %s: %w", name, ErrNotFound)
	}
	return nil
}
