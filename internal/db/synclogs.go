package db

import (
	"context"
	"time"
)

// SaveSyncLog stores the sealed log blob for a workspace.
func (d *DB) SaveSyncLog(ctx context.Context, workspaceID string, blob []byte) error {
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO sync_logs (workspace_id, blob, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(workspace_id) DO UPDATE SET blob = excluded.blob, updated_at = excluded.updated_at
	`, workspaceID, blob, millis(time.Now()))
	return err
}

// SyncLog returns the sealed log blob for a workspace.
func (d *DB) SyncLog(ctx context.Context, workspaceID string) ([]byte, error) {
	var blob []byte
	err := d.conn.QueryRowContext(ctx, `SELECT blob FROM sync_logs WHERE workspace_id = ?`, workspaceID).Scan(&blob)
	if err != nil {
		return nil, notFound(err, "sync log "+workspaceID)
	}
	return blob, nil
}
