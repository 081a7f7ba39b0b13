// Package inference derives design realisability, objective status and the
// design error log from the current knowledge base using a Datalog program.
package inference

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	_ "github.com/google/mangle/builtin"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
	"go.uber.org/zap"

	"metacontrol/internal/domain"
	"metacontrol/internal/events"
	"metacontrol/internal/repo"
)

//go:embed rules.mg
var rules string

// DefaultTimeout bounds a single evaluation.
const DefaultTimeout = 5 * time.Second

const factLimit = 1_000_000

var ErrTimeout = errors.New("inference timed out")

// Result summarizes what an inference run changed.
type Result struct {
	Unrealisable  []string                          `json:"unrealisable,omitempty"`
	Realised      []string                          `json:"realised,omitempty"`
	StatusChanges map[string]domain.ObjectiveStatus `json:"status_changes,omitempty"`
	ErrorLogAdded map[string][]string               `json:"error_log_added,omitempty"`
	Facts         int                               `json:"facts"`
	Duration      time.Duration                     `json:"duration"`
}

type Engine struct {
	Repo    repo.Repo
	Events  events.Writer
	Timeout time.Duration
	Logger  *zap.Logger

	program *analysis.ProgramInfo
}

// New parses and analyses the embedded rule set.
func New(r repo.Repo, ev events.Writer, timeout time.Duration, logger *zap.Logger) (*Engine, error) {
	unit, err := parse.Unit(strings.NewReader(rules))
	if err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	info, err := analysis.AnalyzeOneUnit(unit, nil)
	if err != nil {
		return nil, fmt.Errorf("analyze rules: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{Repo: r, Events: ev, Timeout: timeout, Logger: logger, program: info}, nil
}

// kb is the slice of the store the rules read and write back.
type kb struct {
	designs    []domain.FunctionDesign
	objectives []domain.Objective
}

// Infer loads facts through tx, evaluates the rules and writes the derived
// state back through tx. Nothing is written if evaluation fails.
func (e *Engine) Infer(ctx context.Context, tx *sql.Tx) (Result, error) {
	start := time.Now()
	store := factstore.NewSimpleInMemoryStore()
	state, n, err := e.load(ctx, tx, store)
	if err != nil {
		return Result{}, fmt.Errorf("load facts: %w", err)
	}
	if err := e.eval(ctx, store); err != nil {
		return Result{}, err
	}
	res, err := e.apply(ctx, tx, store, state)
	if err != nil {
		return Result{}, fmt.Errorf("write back: %w", err)
	}
	res.Facts = n
	res.Duration = time.Since(start)
	e.Logger.Debug("inference complete",
		zap.Int("facts", n),
		zap.Strings("unrealisable", res.Unrealisable),
		zap.Int("status_changes", len(res.StatusChanges)),
		zap.Duration("took", res.Duration))
	return res, nil
}

func (e *Engine) eval(ctx context.Context, store factstore.FactStore) error {
	ctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("inference panic: %v", p)
			}
		}()
		_, err := engine.EvalProgramWithStats(e.program, store, engine.WithCreatedFactLimit(factLimit))
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("evaluate rules: %w", err)
		}
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrTimeout
		}
		return ctx.Err()
	}
}

func (e *Engine) load(ctx context.Context, tx *sql.Tx, store factstore.FactStore) (kb, int, error) {
	var state kb
	n := 0
	add := func(pred string, args ...ast.BaseTerm) {
		store.Add(ast.NewAtom(pred, args...))
		n++
	}

	comps, err := e.Repo.ListComponents(ctx, tx)
	if err != nil {
		return state, 0, err
	}
	for _, c := range comps {
		add("component_status", ast.String(c.ID), ast.String(string(c.Status)))
	}

	state.designs, err = e.Repo.ListFunctionDesigns(ctx, tx)
	if err != nil {
		return state, 0, err
	}
	for _, fd := range state.designs {
		add("fd", ast.String(fd.ID))
		add("fd_realisability", ast.String(fd.ID), ast.String(string(fd.Realisability)))
		for _, c := range fd.Requires {
			add("fd_requires", ast.String(fd.ID), ast.String(c))
		}
	}

	state.objectives, err = e.Repo.ListObjectives(ctx, tx)
	if err != nil {
		return state, 0, err
	}
	for _, o := range state.objectives {
		add("objective", ast.String(o.ID))
		add("objective_status", ast.String(o.ID), ast.String(string(o.Status)))
		for _, nfr := range o.NFRs {
			add("nfr", ast.String(o.ID), ast.String(domain.LocalName(nfr.QAType)), ast.Number(milli(nfr.Threshold)))
		}
	}

	fgs, err := e.Repo.ListGroundings(ctx, tx)
	if err != nil {
		return state, 0, err
	}
	for _, fg := range fgs {
		add("fg", ast.String(fg.ID), ast.String(fg.Design), ast.String(fg.Objective))
		add("fg_status", ast.String(fg.ID), ast.String(string(fg.Status)))
		for _, v := range fg.QAValues {
			add("fg_qa", ast.String(fg.ID), ast.String(domain.LocalName(v.QAType)), ast.Number(milli(v.Value)))
		}
	}
	return state, n, nil
}

func (e *Engine) apply(ctx context.Context, tx *sql.Tx, store factstore.FactStore, state kb) (Result, error) {
	res := Result{StatusChanges: map[string]domain.ObjectiveStatus{}, ErrorLogAdded: map[string][]string{}}

	unrealisable, err := query1(store, "fd_unrealisable")
	if err != nil {
		return res, err
	}
	realisable, err := query1(store, "fd_realisable")
	if err != nil {
		return res, err
	}
	for _, fd := range state.designs {
		var next domain.Realisability
		switch {
		case unrealisable[fd.ID] && fd.Realisability != domain.RealisabilityFalse:
			next = domain.RealisabilityFalse
			res.Unrealisable = append(res.Unrealisable, fd.ID)
		case realisable[fd.ID] && fd.Realisability == domain.RealisabilityUnknown:
			next = domain.RealisabilityTrue
			res.Realised = append(res.Realised, fd.ID)
		default:
			continue
		}
		if err := e.Repo.SetRealisability(ctx, tx, fd.ID, next); err != nil {
			return res, err
		}
	}

	compErr, err := query1(store, "objective_component_error")
	if err != nil {
		return res, err
	}
	nfrErr, err := query1(store, "objective_nfr_error")
	if err != nil {
		return res, err
	}
	ungrounded, err := query1(store, "objective_ungrounded")
	if err != nil {
		return res, err
	}
	for _, o := range state.objectives {
		next := objectiveStatus(o.Status, compErr[o.ID], nfrErr[o.ID], ungrounded[o.ID])
		if next == o.Status {
			continue
		}
		if err := e.Repo.SetObjectiveStatus(ctx, tx, o.ID, next); err != nil {
			return res, err
		}
		if err := e.Events.Append(ctx, tx, events.ObjectiveStatus, "objective", o.ID, events.Payload{"from": o.Status, "to": next}); err != nil {
			return res, err
		}
		res.StatusChanges[o.ID] = next
	}

	errs, err := query2(store, "fd_error")
	if err != nil {
		return res, err
	}
	for _, pair := range errs {
		added, err := e.Repo.AddErrorLog(ctx, tx, pair[0], pair[1])
		if err != nil {
			return res, err
		}
		if !added {
			continue
		}
		if err := e.Events.Append(ctx, tx, events.ErrorLogAppended, "function_design", pair[0], events.Payload{"objective": pair[1]}); err != nil {
			return res, err
		}
		res.ErrorLogAdded[pair[0]] = append(res.ErrorLogAdded[pair[0]], pair[1])
	}
	return res, nil
}

// objectiveStatus ranks component faults above NFR violations above a missing
// grounding. A healthy objective flagged UPDATABLE keeps the flag until it is
// re-planned.
func objectiveStatus(current domain.ObjectiveStatus, compErr, nfrErr, ungrounded bool) domain.ObjectiveStatus {
	switch {
	case compErr:
		return domain.ObjectiveInErrorComponent
	case nfrErr:
		return domain.ObjectiveInErrorNFR
	case ungrounded:
		return domain.ObjectiveUngrounded
	case current == domain.ObjectiveUpdatable:
		return current
	}
	return domain.ObjectiveGrounded
}

func query1(store factstore.FactStore, pred string) (map[string]bool, error) {
	out := map[string]bool{}
	err := store.GetFacts(ast.NewQuery(ast.PredicateSym{Symbol: pred, Arity: 1}), func(a ast.Atom) error {
		out[symbol(a.Args[0])] = true
		return nil
	})
	return out, err
}

func query2(store factstore.FactStore, pred string) ([][2]string, error) {
	var out [][2]string
	err := store.GetFacts(ast.NewQuery(ast.PredicateSym{Symbol: pred, Arity: 2}), func(a ast.Atom) error {
		out = append(out, [2]string{symbol(a.Args[0]), symbol(a.Args[1])})
		return nil
	})
	return out, err
}

func symbol(t ast.BaseTerm) string {
	if c, ok := t.(ast.Constant); ok {
		return c.Symbol
	}
	return t.String()
}

func milli(v float64) int64 {
	return int64(math.Round(v * 1000))
}
