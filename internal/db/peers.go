package db

import (
	"context"
	"fmt"

	"graphshell/internal/access"
)

// SavePeer upserts a trusted peer and replaces its grants.
func (d *DB) SavePeer(ctx context.Context, p access.TrustedPeer) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO peers (node_id, display_name, role, added_at, last_seen) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			display_name = excluded.display_name,
			role = excluded.role,
			last_seen = excluded.last_seen
	`, p.NodeID, p.DisplayName, string(p.Role), millis(p.AddedAt), millis(p.LastSeen)); err != nil {
		return fmt.Errorf("saving peer %s: %w", p.NodeID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM peer_grants WHERE node_id = ?`, p.NodeID); err != nil {
		return err
	}
	for _, g := range p.Grants {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO peer_grants (node_id, workspace_id, access) VALUES (?, ?, ?)
		`, p.NodeID, g.WorkspaceID, string(g.Access)); err != nil {
			return fmt.Errorf("saving grant %s/%s: %w", p.NodeID, g.WorkspaceID, err)
		}
	}
	return tx.Commit()
}

// DeletePeer removes a peer and its grants. Grants are deleted explicitly:
// the foreign_keys pragma only holds on the pooled connection that ran it.
func (d *DB) DeletePeer(ctx context.Context, nodeID string) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM peer_grants WHERE node_id = ?`, nodeID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM peers WHERE node_id = ?`, nodeID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("peer %s: %w", nodeID, ErrNotFound)
	}
	return tx.Commit()
}

// Peers returns every trusted peer with its grants, ordered by node id.
func (d *DB) Peers(ctx context.Context) ([]access.TrustedPeer, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT node_id, display_name, role, added_at, last_seen
		FROM peers ORDER BY node_id
	`)
	if err != nil {
		return nil, err
	}
	var peers []access.TrustedPeer
	index := make(map[string]int)
	for rows.Next() {
		var p access.TrustedPeer
		var role string
		var added, seen int64
		if err := rows.Scan(&p.NodeID, &p.DisplayName, &role, &added, &seen); err != nil {
			rows.Close()
			return nil, err
		}
		p.Role = access.Role(role)
		p.AddedAt = fromMillis(added)
		p.LastSeen = fromMillis(seen)
		index[p.NodeID] = len(peers)
		peers = append(peers, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	grants, err := d.conn.QueryContext(ctx, `
		SELECT node_id, workspace_id, access FROM peer_grants ORDER BY node_id, workspace_id
	`)
	if err != nil {
		return nil, err
	}
	defer grants.Close()
	for grants.Next() {
		var nodeID, ws, level string
		if err := grants.Scan(&nodeID, &ws, &level); err != nil {
			return nil, err
		}
		if i, ok := index[nodeID]; ok {
			peers[i].Grants = append(peers[i].Grants, access.WorkspaceGrant{WorkspaceID: ws, Access: access.Level(level)})
		}
	}
	return peers, grants.Err()
}

// SyncPeers makes the peers table match store exactly.
func (d *DB) SyncPeers(ctx context.Context, store *access.Store) error {
	stored, err := d.Peers(ctx)
	if err != nil {
		return err
	}
	live := make(map[string]bool)
	for _, p := range store.Peers() {
		live[p.NodeID] = true
		if err := d.SavePeer(ctx, p); err != nil {
			return err
		}
	}
	for _, p := range stored {
		if !live[p.NodeID] {
			if err := d.DeletePeer(ctx, p.NodeID); err != nil {
				return err
			}
		}
	}
	return nil
}
