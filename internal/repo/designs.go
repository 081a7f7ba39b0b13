package repo

import (
	"context"
	"database/sql"
	"strconv"

	"metacontrol/internal/domain"
)

// UpsertFunctionDesign stores a design and replaces its requirements and
// estimations. Realisability and the error log are left untouched on update.
func (r Repo) UpsertFunctionDesign(ctx context.Context, tx *sql.Tx, fd domain.FunctionDesign) error {
	q := r.q(tx)
	if fd.Realisability == "" {
		fd.Realisability = domain.RealisabilityUnknown
	}
	if _, err := q.ExecContext(ctx, `INSERT INTO function_designs(id,function_id,realisability) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET function_id=excluded.function_id`, fd.ID, fd.Function, string(fd.Realisability)); err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM fd_requirements WHERE fd_id=?`, fd.ID); err != nil {
		return err
	}
	for _, c := range fd.Requires {
		if _, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO fd_requirements(fd_id,component_id) VALUES (?,?)`, fd.ID, c); err != nil {
			return err
		}
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM qa_estimations WHERE fd_id=?`, fd.ID); err != nil {
		return err
	}
	for i, est := range fd.Estimations {
		id := est.ID
		if id == "" {
			id = StableID("estimation", fd.ID, est.QAType, strconv.Itoa(i))
		}
		if _, err := q.ExecContext(ctx, `INSERT INTO qa_estimations(id,fd_id,qa_type_id,value) VALUES (?,?,?,?)`, id, fd.ID, est.QAType, est.Value); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetFunctionDesign(ctx context.Context, tx *sql.Tx, id string) (domain.FunctionDesign, error) {
	fds, err := r.listDesigns(ctx, tx, `WHERE id=?`, id)
	if err != nil {
		return domain.FunctionDesign{}, err
	}
	if len(fds) == 0 {
		return domain.FunctionDesign{}, ErrNotFound
	}
	return fds[0], nil
}

// ListFunctionDesigns returns every design with its requirements, estimations
// and error log, in insertion order.
func (r Repo) ListFunctionDesigns(ctx context.Context, tx *sql.Tx) ([]domain.FunctionDesign, error) {
	return r.listDesigns(ctx, tx, ``)
}

func (r Repo) listDesigns(ctx context.Context, tx *sql.Tx, where string, args ...any) ([]domain.FunctionDesign, error) {
	q := r.q(tx)
	rows, err := q.QueryContext(ctx, `SELECT id,function_id,realisability FROM function_designs `+where+` ORDER BY rowid`, args...)
	if err != nil {
		return nil, err
	}
	var fds []domain.FunctionDesign
	index := map[string]int{}
	for rows.Next() {
		var fd domain.FunctionDesign
		var real string
		if err := rows.Scan(&fd.ID, &fd.Function, &real); err != nil {
			rows.Close()
			return nil, err
		}
		fd.Realisability = domain.Realisability(real)
		index[fd.ID] = len(fds)
		fds = append(fds, fd)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(fds) == 0 {
		return nil, nil
	}

	reqs, err := r.pairs(ctx, q, `SELECT fd_id,component_id FROM fd_requirements ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	for _, p := range reqs {
		if i, ok := index[p[0]]; ok {
			fds[i].Requires = append(fds[i].Requires, p[1])
		}
	}
	logs, err := r.pairs(ctx, q, `SELECT fd_id,objective_id FROM fd_error_log ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	for _, p := range logs {
		if i, ok := index[p[0]]; ok {
			fds[i].ErrorLog = append(fds[i].ErrorLog, p[1])
		}
	}

	estRows, err := q.QueryContext(ctx, `SELECT id,fd_id,qa_type_id,value FROM qa_estimations ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer estRows.Close()
	for estRows.Next() {
		var est domain.QAValue
		var fdID string
		if err := estRows.Scan(&est.ID, &fdID, &est.QAType, &est.Value); err != nil {
			return nil, err
		}
		if i, ok := index[fdID]; ok {
			fds[i].Estimations = append(fds[i].Estimations, est)
		}
	}
	return fds, estRows.Err()
}

func (r Repo) pairs(ctx context.Context, q querier, query string) ([][2]string, error) {
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out [][2]string
	for rows.Next() {
		var p [2]string
		if err := rows.Scan(&p[0], &p[1]); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r Repo) SetRealisability(ctx context.Context, tx *sql.Tx, id string, v domain.Realisability) error {
	return affected(r.q(tx).ExecContext(ctx, `UPDATE function_designs SET realisability=? WHERE id=?`, string(v), id))
}

// ResetRealisability sets every design that is not already UNKNOWN back to
// UNKNOWN and returns the ids it touched.
func (r Repo) ResetRealisability(ctx context.Context, tx *sql.Tx) ([]string, error) {
	q := r.q(tx)
	rows, err := q.QueryContext(ctx, `SELECT id FROM function_designs WHERE realisability<>? ORDER BY rowid`, string(domain.RealisabilityUnknown))
	if err != nil {
		return nil, err
	}
	ids, err := scanStrings(rows)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	_, err = q.ExecContext(ctx, `UPDATE function_designs SET realisability=? WHERE realisability<>?`,
		string(domain.RealisabilityUnknown), string(domain.RealisabilityUnknown))
	return ids, err
}

func (r Repo) UpdateEstimationValue(ctx context.Context, tx *sql.Tx, estimationID string, value float64) error {
	return affected(r.q(tx).ExecContext(ctx, `UPDATE qa_estimations SET value=? WHERE id=?`, value, estimationID))
}

// AddErrorLog records that fdID failed objectiveID. It reports whether the
// entry is new.
func (r Repo) AddErrorLog(ctx context.Context, tx *sql.Tx, fdID, objectiveID string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO fd_error_log(fd_id,objective_id,created_at) VALUES (?,?,?)`, fdID, objectiveID, r.now())
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) ClearErrorLog(ctx context.Context, tx *sql.Tx, fdID string) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM fd_error_log WHERE fd_id=?`, fdID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
