package duckdb

import (
	"context"
	"fmt"
)

// ListSecrets returns every stored ciphertext keyed by secret name.
func (r *Repository) ListSecrets(ctx context.Context) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT name, ciphertext FROM secrets`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var name, ct string
		if err := rows.Scan(&name, &ct); err != nil {
			return nil, err
		}
		out[name] = ct
	}
	return out, rows.Err()
}

func (r *Repository) SaveSecret(ctx context.Context, name, encrypted string) error {
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO secrets (name, ciphertext, updated_at) VALUES (?, ?, current_timestamp)
	ON CONFLICT (name) DO UPDATE SET
		ciphertext = excluded.ciphertext,
		updated_at = excluded.updated_at;
	`, name, encrypted)
	if err != nil {
		return fmt.Errorf("save secret %s: %w", name, err)
	}
	return nil
}

func (r *Repository) DeleteSecret(ctx context.Context, name string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM secrets WHERE name = ?`, name)
	return err
}
