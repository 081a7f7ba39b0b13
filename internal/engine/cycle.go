package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"metacontrol/internal/domain"
	"metacontrol/internal/engine/selection"
	"metacontrol/internal/events"
	"metacontrol/internal/inference"
	"metacontrol/internal/metrics"
)

// Regrounding is the per-objective outcome of a reasoning cycle.
type Regrounding struct {
	Objective string                 `json:"objective"`
	Status    domain.ObjectiveStatus `json:"status"`
	Previous  string                 `json:"previous,omitempty"`
	Bound     string                 `json:"bound,omitempty"`
	Trace     selection.Trace        `json:"trace"`
}

// CycleResult is published after every reasoning cycle.
type CycleResult struct {
	StartedAt  string           `json:"started_at" format:"date-time"`
	Duration   time.Duration    `json:"duration"`
	Inference  inference.Result `json:"inference"`
	Aborted    bool             `json:"aborted"`
	Error      string           `json:"error,omitempty"`
	Objectives []Regrounding    `json:"objectives,omitempty"`
}

// Changed reports whether the cycle touched any grounding.
func (r CycleResult) Changed() bool {
	return len(r.Objectives) > 0
}

// RunInference closes the knowledge base under the guard. On failure nothing
// the engine derived is kept and ErrInferenceFailed is returned.
func (e Engine) RunInference(ctx context.Context) (inference.Result, error) {
	var res inference.Result
	start := time.Now()
	err := e.Guard.Do(ctx, func(ctx context.Context) error {
		ierr := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
			var err error
			res, err = e.Inferrer.Infer(ctx, tx)
			return err
		})
		if ierr == nil {
			return nil
		}
		if err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
			return e.Events.Append(ctx, tx, events.InferenceFailed, "reasoner", "", events.Payload{"error": ierr.Error()})
		}); err != nil {
			e.log().Warn("record inference failure", zap.Error(err))
		}
		return ierr
	})
	e.observe(func(m *metrics.Metrics) { m.InferenceDuration.Observe(time.Since(start).Seconds()) })
	if err != nil {
		e.observe(func(m *metrics.Metrics) { m.InferenceFailures.Inc() })
		e.log().Error("inference failed", zap.Error(err))
		return inference.Result{}, fmt.Errorf("%w: %v", ErrInferenceFailed, err)
	}
	return res, nil
}

// Cycle runs inference, then re-plans every objective that needs it, one
// objective per guard acquisition. A failed inference aborts the cycle before
// any selection.
func (e Engine) Cycle(ctx context.Context) (CycleResult, error) {
	start := e.now()
	res := CycleResult{StartedAt: start.UTC().Format(time.RFC3339)}
	finish := func(err error) (CycleResult, error) {
		res.Duration = e.now().Sub(start)
		label := "ok"
		if err != nil {
			res.Aborted = true
			res.Error = err.Error()
			label = "aborted"
		}
		e.observe(func(m *metrics.Metrics) { m.CyclesTotal.WithLabelValues(label).Inc() })
		return res, err
	}

	inf, err := e.RunInference(ctx)
	if err != nil {
		return finish(err)
	}
	res.Inference = inf

	objectives, err := e.Repo.ListObjectives(ctx, nil)
	if err != nil {
		return finish(fmt.Errorf("list objectives: %w", err))
	}
	for _, o := range EvaluateObjectives(objectives) {
		rg, err := e.replan(ctx, o.ID)
		if err != nil {
			return finish(fmt.Errorf("objective %s: %w", o.ID, err))
		}
		if rg != nil {
			res.Objectives = append(res.Objectives, *rg)
		}
	}
	return finish(nil)
}

// replan selects and grounds one objective under the guard. It returns nil if
// the objective no longer needs attention once the guard is held.
func (e Engine) replan(ctx context.Context, objectiveID string) (*Regrounding, error) {
	var rg *Regrounding
	err := e.locked(ctx, func(ctx context.Context, tx *sql.Tx) error {
		o, err := e.Repo.GetObjective(ctx, tx, objectiveID)
		if err != nil {
			return err
		}
		if !o.Status.NeedsAttention() {
			return nil
		}
		fds, err := e.Repo.ListFunctionDesigns(ctx, tx)
		if err != nil {
			return err
		}
		fd, ok, tr := selection.Select(o, fds)
		e.log().Debug("design selection",
			zap.String("objective", o.ID),
			zap.Strings("available", tr.Available),
			zap.Strings("realisable", tr.Realisable),
			zap.Strings("not_in_error_log", tr.Suitable),
			zap.Strings("meet_nfrs", tr.MeetNFRs),
			zap.Any("utility", tr.Utility))

		rg = &Regrounding{Objective: o.ID, Status: o.Status, Trace: tr}
		if prev, err := e.Repo.GetGroundingByObjective(ctx, tx, o.ID); err == nil {
			rg.Previous = prev.Design
		}
		choice := ""
		if ok {
			choice = fd.ID
		}
		rg.Bound, err = e.reground(ctx, tx, o, choice)
		return err
	})
	if err != nil {
		return nil, err
	}
	if rg == nil {
		return nil, nil
	}
	result := "bound"
	if rg.Bound == "" {
		result = "no_solution"
		e.log().Warn("no solution found", zap.String("objective", rg.Objective), zap.String("status", string(rg.Status)))
	} else {
		e.log().Info("objective regrounded",
			zap.String("objective", rg.Objective), zap.String("previous", rg.Previous), zap.String("design", rg.Bound))
	}
	e.observe(func(m *metrics.Metrics) { m.Regroundings.WithLabelValues(result).Inc() })
	return rg, nil
}

// Run executes a cycle every interval until ctx ends. Cycle failures are
// logged and the loop continues; publish receives every result.
func (e Engine) Run(ctx context.Context, interval time.Duration, publish func(context.Context, CycleResult)) error {
	if interval <= 0 {
		return fmt.Errorf("cycle interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res, err := e.Cycle(ctx)
			if err != nil && ctx.Err() != nil {
				return nil
			}
			if err != nil {
				e.log().Error("reasoning cycle aborted", zap.Error(err))
			}
			if publish != nil {
				publish(ctx, res)
			}
		}
	}
}
