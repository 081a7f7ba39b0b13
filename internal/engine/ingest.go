package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"metacontrol/internal/domain"
	"metacontrol/internal/events"
	"metacontrol/internal/metrics"
	"metacontrol/internal/repo"
)

// ErrInvalidReport marks a report that could not be interpreted.
var ErrInvalidReport = errors.New("invalid report")

// Apply routes a diagnostic report to its update. Missing targets are
// reported through the outcome; the error is reserved for malformed reports
// and store faults.
func (e Engine) Apply(ctx context.Context, r domain.Report) (domain.Outcome, error) {
	if err := r.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidReport, err)
	}
	var (
		out domain.Outcome
		err error
	)
	switch r.Kind {
	case domain.ReportBinding:
		out, err = e.UpdateBinding(ctx, r.Target, r.Level)
	case domain.ReportComponent:
		out, err = e.UpdateComponentStatus(ctx, r.Target, r.Value)
	case domain.ReportQA, domain.ReportEstimation:
		v, perr := strconv.ParseFloat(strings.TrimSpace(r.Value), 64)
		if perr != nil {
			return "", fmt.Errorf("%w: %s value %q is not a number", ErrInvalidReport, r.Kind, r.Value)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return "", fmt.Errorf("%w: %s value %q is not finite", ErrInvalidReport, r.Kind, r.Value)
		}
		if r.Kind == domain.ReportQA {
			out, err = e.UpdateQAObservation(ctx, r.Target, r.Key, v)
		} else {
			out, err = e.UpdateQAEstimation(ctx, r.Target, r.Key, v)
		}
	}
	if err != nil {
		return "", err
	}
	e.observe(func(m *metrics.Metrics) { m.ReportsTotal.WithLabelValues(string(r.Kind), string(out)).Inc() })
	return out, nil
}

// UpdateBinding flags a grounding whose binding reported an error. Levels up
// to 1 leave the grounding untouched.
func (e Engine) UpdateBinding(ctx context.Context, fgID string, level int) (domain.Outcome, error) {
	out := domain.OutcomeApplied
	err := e.locked(ctx, func(ctx context.Context, tx *sql.Tx) error {
		fg, err := e.Repo.GetGrounding(ctx, tx, fgID)
		if errors.Is(err, repo.ErrNotFound) {
			out = domain.OutcomeTargetNotFound
			return nil
		}
		if err != nil {
			return err
		}
		if level <= 1 {
			return nil
		}
		if err := e.Repo.SetGroundingStatus(ctx, tx, fg.ID, domain.GroundingInternalError); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.GroundingStatus, "function_grounding", fg.ID,
			events.Payload{"status": domain.GroundingInternalError, "level": level})
	})
	if err != nil {
		return "", err
	}
	if out == domain.OutcomeApplied && level > 1 {
		e.log().Warn("binding error", zap.String("grounding", fgID), zap.Int("level", level))
	}
	return out, nil
}

// UpdateComponentStatus records a component's reported status. Leaving a
// FALSE or RECOVERED state invalidates every known design realisability.
func (e Engine) UpdateComponentStatus(ctx context.Context, componentID, value string) (domain.Outcome, error) {
	status, known := domain.ParseComponentStatus(value)
	if !known {
		e.log().Warn("unknown component status, recording UNKNOWN",
			zap.String("component", componentID), zap.String("value", value))
	}
	out := domain.OutcomeApplied
	var reset []string
	err := e.locked(ctx, func(ctx context.Context, tx *sql.Tx) error {
		c, err := e.Repo.GetComponent(ctx, tx, componentID)
		if errors.Is(err, repo.ErrNotFound) {
			out = domain.OutcomeTargetNotFound
			return nil
		}
		if err != nil {
			return err
		}
		if c.Status == domain.ComponentFalse || c.Status == domain.ComponentRecovered {
			reset, err = e.Repo.ResetRealisability(ctx, tx)
			if err != nil {
				return err
			}
			if len(reset) > 0 {
				if err := e.Events.Append(ctx, tx, events.RealisabilityReset, "component", c.ID,
					events.Payload{"designs": reset, "previous": c.Status}); err != nil {
					return err
				}
			}
		}
		if err := e.Repo.SetComponentStatus(ctx, tx, c.ID, status); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.ComponentStatus, "component", c.ID,
			events.Payload{"from": c.Status, "to": status})
	})
	if err != nil {
		return "", err
	}
	if out == domain.OutcomeApplied {
		e.log().Info("component status",
			zap.String("component", componentID), zap.String("status", string(status)), zap.Int("reset_designs", len(reset)))
	}
	return out, nil
}

// UpdateQAObservation records an observed QA value on a grounding. When fgID
// names no grounding the value goes to the oldest grounding in the store.
func (e Engine) UpdateQAObservation(ctx context.Context, fgID, qaType string, value float64) (domain.Outcome, error) {
	out := domain.OutcomeApplied
	var target string
	err := e.locked(ctx, func(ctx context.Context, tx *sql.Tx) error {
		n, err := e.Repo.CountGroundings(ctx, tx)
		if err != nil {
			return err
		}
		if n == 0 {
			out = domain.OutcomeNoTargets
			return nil
		}
		fg, err := e.Repo.GetGrounding(ctx, tx, fgID)
		if errors.Is(err, repo.ErrNotFound) {
			fg, err = e.Repo.FirstGrounding(ctx, tx)
			if err == nil {
				e.log().Warn("qa observation target not found, using fallback grounding",
					zap.String("requested", fgID), zap.String("fallback", fg.ID))
			}
		}
		if err != nil {
			return err
		}
		qt, found, err := e.resolveQAType(ctx, tx, qaType)
		if err != nil {
			return err
		}
		if !found {
			out = domain.OutcomeTargetNotFound
			return nil
		}
		v, err := e.Repo.UpsertQAValue(ctx, tx, fg.ID, qt, value)
		if err != nil {
			return err
		}
		target = fg.ID
		return e.Events.Append(ctx, tx, events.QAObserved, "function_grounding", fg.ID,
			events.Payload{"name": v.Name, "qa_type": qt, "value": value})
	})
	if err != nil {
		return "", err
	}
	if out == domain.OutcomeApplied {
		e.log().Debug("qa observation", zap.String("grounding", target), zap.String("qa_type", qaType), zap.Float64("value", value))
	}
	return out, nil
}

// UpdateQAEstimation rewrites a design's estimations for a QA type, matched
// by local name. Designs without estimations are left alone.
func (e Engine) UpdateQAEstimation(ctx context.Context, fdID, qaType string, value float64) (domain.Outcome, error) {
	out := domain.OutcomeApplied
	err := e.locked(ctx, func(ctx context.Context, tx *sql.Tx) error {
		fd, err := e.Repo.GetFunctionDesign(ctx, tx, fdID)
		if errors.Is(err, repo.ErrNotFound) {
			out = domain.OutcomeTargetNotFound
			return nil
		}
		if err != nil {
			return err
		}
		if len(fd.Estimations) == 0 {
			out = domain.OutcomeNoTargets
			return nil
		}
		want := domain.LocalName(qaType)
		var updated []string
		for _, est := range fd.Estimations {
			if domain.LocalName(est.QAType) != want {
				continue
			}
			if err := e.Repo.UpdateEstimationValue(ctx, tx, est.ID, value); err != nil {
				return err
			}
			updated = append(updated, est.ID)
		}
		if len(updated) == 0 {
			out = domain.OutcomeTargetNotFound
			return nil
		}
		return e.Events.Append(ctx, tx, events.QAEstimation, "function_design", fd.ID,
			events.Payload{"qa_type": qaType, "value": value, "estimations": updated})
	})
	if err != nil {
		return "", err
	}
	return out, nil
}

// resolveQAType finds a QA type by exact id, then by unique local name.
func (e Engine) resolveQAType(ctx context.Context, tx *sql.Tx, key string) (string, bool, error) {
	qt, err := e.Repo.GetQAType(ctx, tx, key)
	if err == nil {
		return qt.ID, true, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return "", false, err
	}
	all, err := e.Repo.ListQATypes(ctx, tx)
	if err != nil {
		return "", false, err
	}
	want := domain.LocalName(key)
	var match []string
	for _, q := range all {
		if domain.LocalName(q.ID) == want {
			match = append(match, q.ID)
		}
	}
	if len(match) != 1 {
		if len(match) > 1 {
			e.log().Warn("ambiguous qa type", zap.String("key", key), zap.Strings("matches", match))
		}
		return "", false, nil
	}
	return match[0], true, nil
}
