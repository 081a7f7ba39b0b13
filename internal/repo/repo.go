package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"metacontrol/internal/domain"
)

// Repo is the entity store. Every method takes an optional transaction; a nil
// tx runs against the pool directly. The pool holds one connection, so code
// holding a tx must route every query through it.
type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

var ErrNotFound = errors.New("not found")

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func (r Repo) now() string {
	if r.Now != nil {
		return r.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

// WithTx runs fn inside a transaction, committing only when fn succeeds.
func (r Repo) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// StableID derives a deterministic identifier from its parts.
func StableID(parts ...string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(strings.Join(parts, "|"))).String()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func affected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r Repo) UpsertFunction(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO functions(id) VALUES (?) ON CONFLICT(id) DO NOTHING`, id)
	return err
}

func (r Repo) ListFunctions(ctx context.Context, tx *sql.Tx) ([]domain.Function, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id FROM functions ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	ids, err := scanStrings(rows)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Function, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.Function{ID: id})
	}
	return out, nil
}

func (r Repo) UpsertQAType(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO qa_types(id) VALUES (?) ON CONFLICT(id) DO NOTHING`, id)
	return err
}

func (r Repo) GetQAType(ctx context.Context, tx *sql.Tx, id string) (domain.QAType, error) {
	var qt domain.QAType
	err := r.q(tx).QueryRowContext(ctx, `SELECT id FROM qa_types WHERE id=?`, id).Scan(&qt.ID)
	if err == sql.ErrNoRows {
		return qt, ErrNotFound
	}
	return qt, err
}

func (r Repo) ListQATypes(ctx context.Context, tx *sql.Tx) ([]domain.QAType, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id FROM qa_types ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	ids, err := scanStrings(rows)
	if err != nil {
		return nil, err
	}
	out := make([]domain.QAType, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.QAType{ID: id})
	}
	return out, nil
}
