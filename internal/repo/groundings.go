package repo

import (
	"context"
	"database/sql"

	"metacontrol/internal/domain"
)

const groundingCols = `id,fd_id,objective_id,status,created_at`

func (r Repo) InsertGrounding(ctx context.Context, tx *sql.Tx, fg domain.FunctionGrounding) error {
	if fg.Status == "" {
		fg.Status = domain.GroundingUnknown
	}
	if fg.CreatedAt == "" {
		fg.CreatedAt = r.now()
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO function_groundings(`+groundingCols+`) VALUES (?,?,?,?,?)`,
		fg.ID, fg.Design, fg.Objective, string(fg.Status), fg.CreatedAt)
	return err
}

func (r Repo) GetGrounding(ctx context.Context, tx *sql.Tx, id string) (domain.FunctionGrounding, error) {
	return r.oneGrounding(ctx, tx, `WHERE id=?`, id)
}

func (r Repo) GetGroundingByObjective(ctx context.Context, tx *sql.Tx, objectiveID string) (domain.FunctionGrounding, error) {
	return r.oneGrounding(ctx, tx, `WHERE objective_id=?`, objectiveID)
}

// FirstGrounding returns the oldest grounding in the store.
func (r Repo) FirstGrounding(ctx context.Context, tx *sql.Tx) (domain.FunctionGrounding, error) {
	return r.oneGrounding(ctx, tx, ``)
}

func (r Repo) oneGrounding(ctx context.Context, tx *sql.Tx, where string, args ...any) (domain.FunctionGrounding, error) {
	fgs, err := r.listGroundings(ctx, tx, where+` ORDER BY rowid LIMIT 1`, args...)
	if err != nil {
		return domain.FunctionGrounding{}, err
	}
	if len(fgs) == 0 {
		return domain.FunctionGrounding{}, ErrNotFound
	}
	return fgs[0], nil
}

func (r Repo) ListGroundings(ctx context.Context, tx *sql.Tx) ([]domain.FunctionGrounding, error) {
	return r.listGroundings(ctx, tx, ` ORDER BY rowid`)
}

func (r Repo) CountGroundings(ctx context.Context, tx *sql.Tx) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM function_groundings`).Scan(&n)
	return n, err
}

func (r Repo) listGroundings(ctx context.Context, tx *sql.Tx, tail string, args ...any) ([]domain.FunctionGrounding, error) {
	q := r.q(tx)
	rows, err := q.QueryContext(ctx, `SELECT `+groundingCols+` FROM function_groundings `+tail, args...)
	if err != nil {
		return nil, err
	}
	var fgs []domain.FunctionGrounding
	index := map[string]int{}
	for rows.Next() {
		var fg domain.FunctionGrounding
		var status string
		if err := rows.Scan(&fg.ID, &fg.Design, &fg.Objective, &status, &fg.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		fg.Status = domain.GroundingStatus(status)
		index[fg.ID] = len(fgs)
		fgs = append(fgs, fg)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(fgs) == 0 {
		return nil, nil
	}
	valRows, err := q.QueryContext(ctx, `SELECT id,fg_id,qa_type_id,name,value FROM qa_values ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer valRows.Close()
	for valRows.Next() {
		var v domain.QAValue
		var fgID string
		if err := valRows.Scan(&v.ID, &fgID, &v.QAType, &v.Name, &v.Value); err != nil {
			return nil, err
		}
		if i, ok := index[fgID]; ok {
			fgs[i].QAValues = append(fgs[i].QAValues, v)
		}
	}
	return fgs, valRows.Err()
}

// DeleteGrounding destroys a grounding together with its observed QA values.
func (r Repo) DeleteGrounding(ctx context.Context, tx *sql.Tx, id string) error {
	return affected(r.q(tx).ExecContext(ctx, `DELETE FROM function_groundings WHERE id=?`, id))
}

func (r Repo) SetGroundingStatus(ctx context.Context, tx *sql.Tx, id string, status domain.GroundingStatus) error {
	return affected(r.q(tx).ExecContext(ctx, `UPDATE function_groundings SET status=? WHERE id=?`, string(status), id))
}

// UpsertQAValue records an observation on a grounding, replacing any previous
// value of the same QA type.
func (r Repo) UpsertQAValue(ctx context.Context, tx *sql.Tx, fgID, qaType string, value float64) (domain.QAValue, error) {
	v := domain.QAValue{
		ID:     StableID("obs", fgID, qaType),
		Name:   "obs_" + domain.LocalName(qaType),
		QAType: qaType,
		Value:  value,
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO qa_values(id,fg_id,qa_type_id,name,value,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(fg_id,qa_type_id) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		v.ID, fgID, qaType, v.Name, value, r.now())
	return v, err
}
