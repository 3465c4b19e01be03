package db

import (
	"context"
	"time"
)

// LoadSecret returns the stored identity seed.
func (d *DB) LoadSecret(ctx context.Context) ([]byte, error) {
	var secret []byte
	err := d.conn.QueryRowContext(ctx, `SELECT secret FROM identity WHERE id = 1`).Scan(&secret)
	if err != nil {
		return nil, notFound(err, "identity")
	}
	return secret, nil
}

// SaveSecret stores the identity seed, replacing any previous one.
func (d *DB) SaveSecret(ctx context.Context, secret []byte) error {
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO identity (id, secret, created_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET secret = excluded.secret
	`, secret, millis(time.Now()))
	return err
}
