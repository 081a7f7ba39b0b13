package repo

import (
	"context"
	"database/sql"
	"strconv"

	"metacontrol/internal/domain"
)

// UpsertObjective stores an objective and replaces its NFRs. The status of an
// existing objective is kept.
func (r Repo) UpsertObjective(ctx context.Context, tx *sql.Tx, o domain.Objective) error {
	q := r.q(tx)
	if _, err := q.ExecContext(ctx, `INSERT INTO objectives(id,function_id,status) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET function_id=excluded.function_id`, o.ID, o.Function, string(o.Status)); err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM nfrs WHERE objective_id=?`, o.ID); err != nil {
		return err
	}
	for i, n := range o.NFRs {
		id := n.ID
		if id == "" {
			id = StableID("nfr", o.ID, n.QAType, strconv.Itoa(i))
		}
		if _, err := q.ExecContext(ctx, `INSERT INTO nfrs(id,objective_id,qa_type_id,threshold) VALUES (?,?,?,?)`, id, o.ID, n.QAType, n.Threshold); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetObjective(ctx context.Context, tx *sql.Tx, id string) (domain.Objective, error) {
	objs, err := r.listObjectives(ctx, tx, `WHERE id=?`, id)
	if err != nil {
		return domain.Objective{}, err
	}
	if len(objs) == 0 {
		return domain.Objective{}, ErrNotFound
	}
	return objs[0], nil
}

func (r Repo) ListObjectives(ctx context.Context, tx *sql.Tx) ([]domain.Objective, error) {
	return r.listObjectives(ctx, tx, ``)
}

func (r Repo) listObjectives(ctx context.Context, tx *sql.Tx, where string, args ...any) ([]domain.Objective, error) {
	q := r.q(tx)
	rows, err := q.QueryContext(ctx, `SELECT id,function_id,status FROM objectives `+where+` ORDER BY rowid`, args...)
	if err != nil {
		return nil, err
	}
	var objs []domain.Objective
	index := map[string]int{}
	for rows.Next() {
		var o domain.Objective
		var status string
		if err := rows.Scan(&o.ID, &o.Function, &status); err != nil {
			rows.Close()
			return nil, err
		}
		o.Status = domain.ObjectiveStatus(status)
		index[o.ID] = len(objs)
		objs = append(objs, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(objs) == 0 {
		return nil, nil
	}
	nfrRows, err := q.QueryContext(ctx, `SELECT id,objective_id,qa_type_id,threshold FROM nfrs ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer nfrRows.Close()
	for nfrRows.Next() {
		var n domain.NFR
		var objID string
		if err := nfrRows.Scan(&n.ID, &objID, &n.QAType, &n.Threshold); err != nil {
			return nil, err
		}
		if i, ok := index[objID]; ok {
			objs[i].NFRs = append(objs[i].NFRs, n)
		}
	}
	return objs, nfrRows.Err()
}

func (r Repo) SetObjectiveStatus(ctx context.Context, tx *sql.Tx, id string, status domain.ObjectiveStatus) error {
	return affected(r.q(tx).ExecContext(ctx, `UPDATE objectives SET status=? WHERE id=?`, string(status), id))
}
