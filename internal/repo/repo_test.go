package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metacontrol/internal/db"
	"metacontrol/internal/domain"
	"metacontrol/internal/migrate"
	"metacontrol/internal/repo"
)

func newRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(ctx, conn))
	return repo.Repo{DB: conn}, ctx
}

func seed(ctx context.Context, t *testing.T, r repo.Repo) {
	t.Helper()
	require.NoError(t, r.WithTx(ctx, func(tx *sql.Tx) error {
		for _, f := range []string{"f_move"} {
			if err := r.UpsertFunction(ctx, tx, f); err != nil {
				return err
			}
		}
		for _, q := range []string{"energy", "performance"} {
			if err := r.UpsertQAType(ctx, tx, q); err != nil {
				return err
			}
		}
		for _, c := range []string{"c_laser", "c_camera"} {
			if err := r.UpsertComponent(ctx, tx, domain.Component{ID: c}); err != nil {
				return err
			}
		}
		if err := r.UpsertFunctionDesign(ctx, tx, domain.FunctionDesign{
			ID: "fd_fast", Function: "f_move", Requires: []string{"c_laser"},
			Estimations: []domain.QAValue{{QAType: "energy", Value: 0.7}, {QAType: "performance", Value: 0.9}},
		}); err != nil {
			return err
		}
		if err := r.UpsertFunctionDesign(ctx, tx, domain.FunctionDesign{
			ID: "fd_slow", Function: "f_move", Requires: []string{"c_camera"},
		}); err != nil {
			return err
		}
		return r.UpsertObjective(ctx, tx, domain.Objective{
			ID: "o_nav", Function: "f_move", NFRs: []domain.NFR{{QAType: "energy", Threshold: 0.5}},
		})
	}))
}

func TestDesignsLoadNestedState(t *testing.T) {
	r, ctx := newRepo(t)
	seed(ctx, t, r)

	fds, err := r.ListFunctionDesigns(ctx, nil)
	require.NoError(t, err)
	require.Len(t, fds, 2)
	assert.Equal(t, "fd_fast", fds[0].ID)
	assert.Equal(t, domain.RealisabilityUnknown, fds[0].Realisability)
	assert.Equal(t, []string{"c_laser"}, fds[0].Requires)
	require.Len(t, fds[0].Estimations, 2)
	assert.Equal(t, "energy", fds[0].Estimations[0].QAType)
	assert.Empty(t, fds[1].Estimations)

	added, err := r.AddErrorLog(ctx, nil, "fd_fast", "o_nav")
	require.NoError(t, err)
	assert.True(t, added)
	added, err = r.AddErrorLog(ctx, nil, "fd_fast", "o_nav")
	require.NoError(t, err)
	assert.False(t, added)

	fd, err := r.GetFunctionDesign(ctx, nil, "fd_fast")
	require.NoError(t, err)
	assert.True(t, fd.InErrorLog("o_nav"))

	n, err := r.ClearErrorLog(ctx, nil, "fd_fast")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = r.GetFunctionDesign(ctx, nil, "fd_missing")
	assert.True(t, errors.Is(err, repo.ErrNotFound))
}

func TestResetRealisabilityReturnsTouchedDesigns(t *testing.T) {
	r, ctx := newRepo(t)
	seed(ctx, t, r)
	require.NoError(t, r.SetRealisability(ctx, nil, "fd_fast", domain.RealisabilityFalse))

	ids, err := r.ResetRealisability(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"fd_fast"}, ids)

	ids, err = r.ResetRealisability(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSingleGroundingPerObjective(t *testing.T) {
	r, ctx := newRepo(t)
	seed(ctx, t, r)

	require.NoError(t, r.InsertGrounding(ctx, nil, domain.FunctionGrounding{ID: "fg_fast", Design: "fd_fast", Objective: "o_nav"}))
	err := r.InsertGrounding(ctx, nil, domain.FunctionGrounding{ID: "fg_slow", Design: "fd_slow", Objective: "o_nav"})
	assert.Error(t, err)

	fg, err := r.GetGroundingByObjective(ctx, nil, "o_nav")
	require.NoError(t, err)
	assert.Equal(t, "fg_fast", fg.ID)
	assert.Equal(t, domain.GroundingUnknown, fg.Status)
}

func TestQAValueUpsertAndCascade(t *testing.T) {
	r, ctx := newRepo(t)
	seed(ctx, t, r)
	require.NoError(t, r.InsertGrounding(ctx, nil, domain.FunctionGrounding{ID: "fg_fast", Design: "fd_fast", Objective: "o_nav"}))

	_, err := r.UpsertQAValue(ctx, nil, "fg_fast", "energy", 0.4)
	require.NoError(t, err)
	v, err := r.UpsertQAValue(ctx, nil, "fg_fast", "energy", 0.6)
	require.NoError(t, err)
	assert.Equal(t, "obs_energy", v.Name)

	fg, err := r.GetGrounding(ctx, nil, "fg_fast")
	require.NoError(t, err)
	require.Len(t, fg.QAValues, 1)
	assert.InDelta(t, 0.6, fg.QAValues[0].Value, 1e-9)

	require.NoError(t, r.DeleteGrounding(ctx, nil, "fg_fast"))
	var n int
	require.NoError(t, r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM qa_values`).Scan(&n))
	assert.Zero(t, n)

	_, err = r.FirstGrounding(ctx, nil)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	r, ctx := newRepo(t)
	seed(ctx, t, r)
	boom := errors.New("boom")
	err := r.WithTx(ctx, func(tx *sql.Tx) error {
		if err := r.SetComponentStatus(ctx, tx, "c_laser", domain.ComponentFalse); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	c, err := r.GetComponent(ctx, nil, "c_laser")
	require.NoError(t, err)
	assert.Equal(t, domain.ComponentUnknown, c.Status)
}

func TestObjectivesKeepStatusOnReimport(t *testing.T) {
	r, ctx := newRepo(t)
	seed(ctx, t, r)
	require.NoError(t, r.SetObjectiveStatus(ctx, nil, "o_nav", domain.ObjectiveUngrounded))
	require.NoError(t, r.UpsertObjective(ctx, nil, domain.Objective{ID: "o_nav", Function: "f_move"}))

	o, err := r.GetObjective(ctx, nil, "o_nav")
	require.NoError(t, err)
	assert.Equal(t, domain.ObjectiveUngrounded, o.Status)
	assert.Empty(t, o.NFRs)
}

func TestAPIKeys(t *testing.T) {
	r, ctx := newRepo(t)
	key := domain.APIKey{ID: "k1", Name: "robot", Scope: repo.ScopeDiagnostics, KeyHash: repo.HashAPIKey("secret")}
	require.NoError(t, r.InsertAPIKey(ctx, nil, key))
	got, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(" secret "))
	require.NoError(t, err)
	assert.Equal(t, "robot", got.Name)
	assert.Error(t, r.InsertAPIKey(ctx, nil, domain.APIKey{ID: "k2", Scope: "root", KeyHash: "x"}))
	require.NoError(t, r.DeleteAPIKey(ctx, "k1"))
	assert.ErrorIs(t, r.DeleteAPIKey(ctx, "k1"), repo.ErrNotFound)
}
