package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"metacontrol/internal/db"
	"metacontrol/internal/domain"
	"metacontrol/internal/engine"
	"metacontrol/internal/inference"
	"metacontrol/internal/metrics"
	"metacontrol/internal/migrate"
	"metacontrol/internal/model"
	"metacontrol/internal/repo"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(ctx, conn))

	eng, err := engine.New(conn, engine.Options{
		Logger:  zaptest.NewLogger(t),
		Metrics: metrics.New(),
		Now:     func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	m, err := model.FromYAML([]byte(model.Sample()))
	require.NoError(t, err)
	require.NoError(t, eng.ImportModel(ctx, m))
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) design(t *testing.T, id string) domain.FunctionDesign {
	t.Helper()
	fd, err := env.Engine.Repo.GetFunctionDesign(env.Ctx, nil, id)
	require.NoError(t, err)
	return fd
}

func (env testEnv) cycle(t *testing.T) engine.CycleResult {
	t.Helper()
	res, err := env.Engine.Cycle(env.Ctx)
	require.NoError(t, err)
	return res
}

func TestEvaluateObjectives(t *testing.T) {
	objs := []domain.Objective{
		{ID: "a", Status: domain.ObjectiveGrounded},
		{ID: "b", Status: domain.ObjectiveUngrounded},
		{ID: "c", Status: domain.ObjectiveNone},
		{ID: "d", Status: domain.ObjectiveInErrorNFR},
		{ID: "e", Status: domain.ObjectiveUpdatable},
		{ID: "f", Status: domain.ObjectiveInErrorComponent},
	}
	var ids []string
	for _, o := range engine.EvaluateObjectives(objs) {
		ids = append(ids, o.ID)
	}
	assert.Equal(t, []string{"b", "d", "e", "f"}, ids)
	assert.Equal(t, domain.ObjectiveGrounded, objs[0].Status)
}

func TestFirstCycleGroundsBestDesign(t *testing.T) {
	env := newTestEnv(t)
	res := env.cycle(t)

	require.Len(t, res.Objectives, 1)
	rg := res.Objectives[0]
	assert.Equal(t, "o_navigate", rg.Objective)
	assert.Equal(t, domain.ObjectiveUngrounded, rg.Status)
	assert.Equal(t, "fd_laser_nav", rg.Bound)
	assert.Empty(t, rg.Previous)

	fg, err := env.Engine.Repo.GetGroundingByObjective(env.Ctx, nil, "o_navigate")
	require.NoError(t, err)
	assert.Equal(t, "fg_laser_nav", fg.ID)
	assert.Equal(t, "fd_laser_nav", fg.Design)

	o, err := env.Engine.Repo.GetObjective(env.Ctx, nil, "o_navigate")
	require.NoError(t, err)
	assert.Equal(t, domain.ObjectiveNone, o.Status)

	res = env.cycle(t)
	assert.False(t, res.Changed())
	o, err = env.Engine.Repo.GetObjective(env.Ctx, nil, "o_navigate")
	require.NoError(t, err)
	assert.Equal(t, domain.ObjectiveGrounded, o.Status)
}

func TestComponentFailureTriggersReconfiguration(t *testing.T) {
	env := newTestEnv(t)
	env.cycle(t)

	out, err := env.Engine.Apply(env.Ctx, domain.Report{Kind: domain.ReportComponent, Target: "c_laser", Value: "FALSE"})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, out)

	res := env.cycle(t)
	require.Len(t, res.Objectives, 1)
	assert.Equal(t, domain.ObjectiveInErrorComponent, res.Objectives[0].Status)
	assert.Equal(t, "fd_laser_nav", res.Objectives[0].Previous)
	assert.Equal(t, "fd_camera_nav", res.Objectives[0].Bound)

	laser := env.design(t, "fd_laser_nav")
	assert.Equal(t, domain.RealisabilityFalse, laser.Realisability)
	assert.True(t, laser.InErrorLog("o_navigate"))

	n, err := env.Engine.Repo.CountGroundings(env.Ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestComponentStatusResetsOnlyAfterFailure(t *testing.T) {
	env := newTestEnv(t)
	env.cycle(t)
	require.Equal(t, domain.RealisabilityTrue, env.design(t, "fd_camera_nav").Realisability)

	apply := func(v string) {
		out, err := env.Engine.UpdateComponentStatus(env.Ctx, "c_laser", v)
		require.NoError(t, err)
		require.Equal(t, domain.OutcomeApplied, out)
	}

	// OK -> FALSE: the previous status was healthy, nothing is reset.
	apply("FALSE")
	assert.Equal(t, domain.RealisabilityTrue, env.design(t, "fd_camera_nav").Realisability)
	c, err := env.Engine.Repo.GetComponent(env.Ctx, nil, "c_laser")
	require.NoError(t, err)
	assert.Equal(t, domain.ComponentFalse, c.Status)

	// FALSE -> RECOVERED: every known realisability is invalidated.
	apply("RECOVERED")
	assert.Equal(t, domain.RealisabilityUnknown, env.design(t, "fd_camera_nav").Realisability)
	assert.Equal(t, domain.RealisabilityUnknown, env.design(t, "fd_laser_nav").Realisability)

	// RECOVERED -> FALSE with everything already UNKNOWN stays UNKNOWN.
	apply("false")
	assert.Equal(t, domain.RealisabilityUnknown, env.design(t, "fd_camera_nav").Realisability)
	c, err = env.Engine.Repo.GetComponent(env.Ctx, nil, "c_laser")
	require.NoError(t, err)
	assert.Equal(t, domain.ComponentFalse, c.Status)

	out, err := env.Engine.UpdateComponentStatus(env.Ctx, "c_missing", "OK")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeTargetNotFound, out)
}

func TestBindingReports(t *testing.T) {
	env := newTestEnv(t)
	env.cycle(t)

	out, err := env.Engine.UpdateBinding(env.Ctx, "fg_laser_nav", 1)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, out)
	fg, err := env.Engine.Repo.GetGrounding(env.Ctx, nil, "fg_laser_nav")
	require.NoError(t, err)
	assert.Equal(t, domain.GroundingUnknown, fg.Status)

	out, err = env.Engine.UpdateBinding(env.Ctx, "fg_laser_nav", 2)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, out)
	fg, err = env.Engine.Repo.GetGrounding(env.Ctx, nil, "fg_laser_nav")
	require.NoError(t, err)
	assert.Equal(t, domain.GroundingInternalError, fg.Status)

	out, err = env.Engine.UpdateBinding(env.Ctx, "fg_nothing", 2)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeTargetNotFound, out)

	res := env.cycle(t)
	require.Len(t, res.Objectives, 1)
	assert.Equal(t, "fd_camera_nav", res.Objectives[0].Bound)
}

func TestQAObservationWithoutGroundings(t *testing.T) {
	env := newTestEnv(t)
	before, err := env.Engine.Repo.LatestEventID(env.Ctx)
	require.NoError(t, err)

	out, err := env.Engine.UpdateQAObservation(env.Ctx, "fg_nothing", "safety", 0.2)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNoTargets, out)

	after, err := env.Engine.Repo.LatestEventID(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestQAObservationIsIdempotentAndFallsBack(t *testing.T) {
	env := newTestEnv(t)
	env.cycle(t)

	for i := 0; i < 2; i++ {
		out, err := env.Engine.Apply(env.Ctx, domain.Report{Kind: domain.ReportQA, Target: "fg_laser_nav", Key: "safety", Value: "0.7"})
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeApplied, out)
	}
	fg, err := env.Engine.Repo.GetGrounding(env.Ctx, nil, "fg_laser_nav")
	require.NoError(t, err)
	require.Len(t, fg.QAValues, 1)
	assert.Equal(t, "obs_safety", fg.QAValues[0].Name)

	out, err := env.Engine.UpdateQAObservation(env.Ctx, "fg_elsewhere", "tomasys.energy", 0.1)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, out)
	fg, err = env.Engine.Repo.GetGrounding(env.Ctx, nil, "fg_laser_nav")
	require.NoError(t, err)
	assert.Len(t, fg.QAValues, 2)

	out, err = env.Engine.UpdateQAObservation(env.Ctx, "fg_laser_nav", "latency", 0.1)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeTargetNotFound, out)
}

func TestNFRViolationRegrounds(t *testing.T) {
	env := newTestEnv(t)
	env.cycle(t)
	_, err := env.Engine.UpdateQAObservation(env.Ctx, "fg_laser_nav", "safety", 0.1)
	require.NoError(t, err)

	res := env.cycle(t)
	require.Len(t, res.Objectives, 1)
	assert.Equal(t, domain.ObjectiveInErrorNFR, res.Objectives[0].Status)
	assert.Equal(t, "fd_camera_nav", res.Objectives[0].Bound)

	fg, err := env.Engine.Repo.GetGroundingByObjective(env.Ctx, nil, "o_navigate")
	require.NoError(t, err)
	assert.Empty(t, fg.QAValues)
}

func TestQAEstimationReports(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.Engine.UpdateQAEstimation(env.Ctx, "fd_laser_nav", "ns#performance", 0.2)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, out)
	for _, est := range env.design(t, "fd_laser_nav").Estimations {
		if est.QAType == "performance" {
			assert.Equal(t, 0.2, est.Value)
		}
	}

	out, err = env.Engine.UpdateQAEstimation(env.Ctx, "fd_missing", "performance", 0.2)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeTargetNotFound, out)

	out, err = env.Engine.UpdateQAEstimation(env.Ctx, "fd_laser_nav", "latency", 0.2)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeTargetNotFound, out)

	require.NoError(t, env.Engine.Repo.UpsertFunctionDesign(env.Ctx, nil, domain.FunctionDesign{ID: "fd_bare", Function: "f_navigate"}))
	out, err = env.Engine.UpdateQAEstimation(env.Ctx, "fd_bare", "performance", 0.2)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNoTargets, out)
	assert.Empty(t, env.design(t, "fd_bare").Estimations)

	// The camera design now ranks higher on the first cycle.
	res := env.cycle(t)
	require.Len(t, res.Objectives, 1)
	assert.Equal(t, "fd_camera_nav", res.Objectives[0].Bound)
}

func TestApplyRejectsMalformedReports(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Apply(env.Ctx, domain.Report{Kind: domain.ReportQA, Target: "fg", Key: "safety", Value: "high"})
	assert.ErrorIs(t, err, engine.ErrInvalidReport)
	_, err = env.Engine.Apply(env.Ctx, domain.Report{Kind: "telemetry", Target: "x"})
	assert.ErrorIs(t, err, engine.ErrInvalidReport)
}

func TestApplyRejectsNonFiniteValues(t *testing.T) {
	env := newTestEnv(t)
	env.cycle(t)
	before := env.design(t, "fd_camera_nav")

	for _, v := range []string{"NaN", "+Inf", "-Inf", "infinity"} {
		_, err := env.Engine.Apply(env.Ctx, domain.Report{Kind: domain.ReportQA, Target: "fg_laser_nav", Key: "safety", Value: v})
		assert.ErrorIs(t, err, engine.ErrInvalidReport, v)
		_, err = env.Engine.Apply(env.Ctx, domain.Report{Kind: domain.ReportEstimation, Target: "fd_camera_nav", Key: "performance", Value: v})
		assert.ErrorIs(t, err, engine.ErrInvalidReport, v)
	}

	fg, err := env.Engine.Repo.GetGrounding(env.Ctx, nil, "fg_laser_nav")
	require.NoError(t, err)
	assert.Empty(t, fg.QAValues)
	assert.Equal(t, before.Estimations, env.design(t, "fd_camera_nav").Estimations)

	out, err := env.Engine.Apply(env.Ctx, domain.Report{Kind: domain.ReportComponent, Target: "c_laser", Value: "FALSE"})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, out)
}

func TestRegroundRoundTripAndNoSolution(t *testing.T) {
	env := newTestEnv(t)
	bound, err := env.Engine.Reground(env.Ctx, "o_navigate", "fd_camera_nav")
	require.NoError(t, err)
	assert.Equal(t, "fd_camera_nav", bound)
	fg, err := env.Engine.Repo.GetGroundingByObjective(env.Ctx, nil, "o_navigate")
	require.NoError(t, err)
	assert.Equal(t, "fd_camera_nav", fg.Design)
	assert.Equal(t, "fg_camera_nav", fg.ID)

	require.NoError(t, env.Engine.Repo.SetObjectiveStatus(env.Ctx, nil, "o_navigate", domain.ObjectiveInErrorComponent))
	bound, err = env.Engine.Reground(env.Ctx, "o_navigate", "")
	require.NoError(t, err)
	assert.Empty(t, bound)
	_, err = env.Engine.Repo.GetGroundingByObjective(env.Ctx, nil, "o_navigate")
	assert.ErrorIs(t, err, repo.ErrNotFound)
	o, err := env.Engine.Repo.GetObjective(env.Ctx, nil, "o_navigate")
	require.NoError(t, err)
	assert.Equal(t, domain.ObjectiveInErrorComponent, o.Status)

	_, err = env.Engine.Reground(env.Ctx, "o_unknown", "fd_camera_nav")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestGroundingNameCollision(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.Engine.Repo.UpsertObjective(env.Ctx, nil, domain.Objective{ID: "o_patrol", Function: "f_navigate"}))

	_, err := env.Engine.Reground(env.Ctx, "o_navigate", "fd_camera_nav")
	require.NoError(t, err)
	_, err = env.Engine.Reground(env.Ctx, "o_patrol", "fd_camera_nav")
	require.NoError(t, err)

	fg, err := env.Engine.Repo.GetGroundingByObjective(env.Ctx, nil, "o_patrol")
	require.NoError(t, err)
	assert.Equal(t, "fg_camera_nav_o_patrol", fg.ID)
}

func TestNoSolutionLeavesObjectiveUngrounded(t *testing.T) {
	env := newTestEnv(t)
	for _, c := range []string{"c_laser", "c_camera"} {
		_, err := env.Engine.UpdateComponentStatus(env.Ctx, c, "FALSE")
		require.NoError(t, err)
	}
	res := env.cycle(t)
	require.Len(t, res.Objectives, 1)
	assert.Empty(t, res.Objectives[0].Bound)
	assert.Empty(t, res.Objectives[0].Trace.Realisable)
	n, err := env.Engine.Repo.CountGroundings(env.Ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMarkUpdatableAndClearErrorLog(t *testing.T) {
	env := newTestEnv(t)
	env.cycle(t)
	env.cycle(t)

	_, err := env.Engine.MarkObjectiveUpdatable(env.Ctx, "o_navigate")
	require.NoError(t, err)
	res := env.cycle(t)
	require.Len(t, res.Objectives, 1)
	assert.Equal(t, domain.ObjectiveUpdatable, res.Objectives[0].Status)
	assert.Equal(t, "fd_laser_nav", res.Objectives[0].Bound)

	_, err = env.Engine.Repo.AddErrorLog(env.Ctx, nil, "fd_laser_nav", "o_navigate")
	require.NoError(t, err)
	n, err := env.Engine.ClearErrorLog(env.Ctx, "fd_laser_nav")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = env.Engine.MarkObjectiveUpdatable(env.Ctx, "o_unknown")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

type failingInferrer struct{ calls int }

func (f *failingInferrer) Infer(context.Context, *sql.Tx) (inference.Result, error) {
	f.calls++
	return inference.Result{}, errors.New("reasoner crashed")
}

func TestInferenceFailureAbortsCycle(t *testing.T) {
	env := newTestEnv(t)
	failing := &failingInferrer{}
	eng := env.Engine
	eng.Inferrer = failing

	res, err := eng.Cycle(env.Ctx)
	assert.ErrorIs(t, err, engine.ErrInferenceFailed)
	assert.True(t, res.Aborted)
	assert.Empty(t, res.Objectives)
	assert.Equal(t, 1, failing.calls)

	n, err := eng.Repo.CountGroundings(env.Ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	ctx, cancel := context.WithTimeout(env.Ctx, 100*time.Millisecond)
	defer cancel()
	require.NoError(t, eng.Guard.Do(ctx, func(context.Context) error { return nil }),
		"guard must be released after a failed inference")
}

func TestConcurrentReportsAndCyclesKeepSingleGrounding(t *testing.T) {
	env := newTestEnv(t)
	env.cycle(t)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			status := "FALSE"
			if i%2 == 1 {
				status = "RECOVERED"
			}
			_, err := env.Engine.UpdateComponentStatus(env.Ctx, "c_laser", status)
			assert.NoError(t, err)
			_, err = env.Engine.UpdateQAObservation(env.Ctx, "fg_laser_nav", "safety", 0.9)
			assert.NoError(t, err)
		}(i)
		go func() {
			defer wg.Done()
			_, err := env.Engine.Cycle(env.Ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	fgs, err := env.Engine.Repo.ListGroundings(env.Ctx, nil)
	require.NoError(t, err)
	require.Len(t, fgs, 1)
	assert.Equal(t, "o_navigate", fgs[0].Objective)
}

func TestRunStopsWithContext(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(env.Ctx)
	results := make(chan engine.CycleResult, 8)
	done := make(chan error, 1)
	go func() {
		done <- env.Engine.Run(ctx, 5*time.Millisecond, func(_ context.Context, r engine.CycleResult) {
			select {
			case results <- r:
			default:
			}
		})
	}()
	first := <-results
	assert.False(t, first.Aborted)
	cancel()
	require.NoError(t, <-done)

	assert.Error(t, env.Engine.Run(env.Ctx, 0, nil))
}

func TestStatusSummary(t *testing.T) {
	env := newTestEnv(t)
	env.cycle(t)
	s, err := env.Engine.Status(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Components[domain.ComponentOK])
	assert.Equal(t, 2, s.Realisability[domain.RealisabilityTrue])
	assert.Equal(t, 1, s.Groundings)
	assert.Equal(t, 1, s.Objectives["NONE"])
	assert.Positive(t, s.LastEventID)
}
