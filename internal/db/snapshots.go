package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"graphshell/internal/graph"
)

// SaveSnapshot appends a graph snapshot and returns its row id.
func (d *DB) SaveSnapshot(ctx context.Context, s *graph.Snapshot, at time.Time) (int64, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return 0, fmt.Errorf("encoding snapshot: %w", err)
	}
	res, err := d.conn.ExecContext(ctx, `
		INSERT INTO snapshots (data, node_count, edge_count, taken_at) VALUES (?, ?, ?, ?)
	`, string(data), len(s.Nodes), len(s.Edges), millis(at))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// LatestSnapshot returns the most recently stored snapshot.
func (d *DB) LatestSnapshot(ctx context.Context) (*graph.Snapshot, SnapshotInfo, error) {
	var (
		data    string
		info    SnapshotInfo
		takenAt int64
	)
	err := d.conn.QueryRowContext(ctx, `
		SELECT id, data, node_count, edge_count, taken_at
		FROM snapshots ORDER BY id DESC LIMIT 1
	`).Scan(&info.ID, &data, &info.NodeCount, &info.EdgeCount, &takenAt)
	if err != nil {
		return nil, SnapshotInfo{}, notFound(err, "snapshot")
	}
	info.TakenAt = fromMillis(takenAt)
	var s graph.Snapshot
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, info, fmt.Errorf("decoding snapshot %d: %w", info.ID, err)
	}
	return &s, info, nil
}

// Snapshots lists stored snapshots, newest first.
func (d *DB) Snapshots(ctx context.Context, limit int) ([]SnapshotInfo, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT id, node_count, edge_count, taken_at
		FROM snapshots ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SnapshotInfo
	for rows.Next() {
		var info SnapshotInfo
		var takenAt int64
		if err := rows.Scan(&info.ID, &info.NodeCount, &info.EdgeCount, &takenAt); err != nil {
			return nil, err
		}
		info.TakenAt = fromMillis(takenAt)
		out = append(out, info)
	}
	return out, rows.Err()
}

// PruneSnapshots keeps the newest keep snapshots and returns how many were
// deleted.
func (d *DB) PruneSnapshots(ctx context.Context, keep int) (int64, error) {
	res, err := d.conn.ExecContext(ctx, `
		DELETE FROM snapshots WHERE id NOT IN (
			SELECT id FROM snapshots ORDER BY id DESC LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
