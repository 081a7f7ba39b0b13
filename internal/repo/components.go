package repo

import (
	"context"
	"database/sql"

	"metacontrol/internal/domain"
)

func (r Repo) UpsertComponent(ctx context.Context, tx *sql.Tx, c domain.Component) error {
	if c.Status == "" {
		c.Status = domain.ComponentUnknown
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO components(id,status,updated_at) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET status=excluded.status, updated_at=excluded.updated_at`, c.ID, string(c.Status), r.now())
	return err
}

func (r Repo) GetComponent(ctx context.Context, tx *sql.Tx, id string) (domain.Component, error) {
	var c domain.Component
	var status string
	var updated sql.NullString
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,status,updated_at FROM components WHERE id=?`, id).Scan(&c.ID, &status, &updated)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Status = domain.ComponentStatus(status)
	c.UpdatedAt = updated.String
	return c, nil
}

func (r Repo) ListComponents(ctx context.Context, tx *sql.Tx) ([]domain.Component, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,status,updated_at FROM components ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Component
	for rows.Next() {
		var c domain.Component
		var status string
		var updated sql.NullString
		if err := rows.Scan(&c.ID, &status, &updated); err != nil {
			return nil, err
		}
		c.Status = domain.ComponentStatus(status)
		c.UpdatedAt = updated.String
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r Repo) SetComponentStatus(ctx context.Context, tx *sql.Tx, id string, status domain.ComponentStatus) error {
	return affected(r.q(tx).ExecContext(ctx, `UPDATE components SET status=?, updated_at=? WHERE id=?`, string(status), r.now(), id))
}
