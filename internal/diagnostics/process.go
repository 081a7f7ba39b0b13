package diagnostics

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"metacontrol/internal/domain"
	"metacontrol/internal/engine"
)

// Applier applies one report to the knowledge base.
type Applier interface {
	Apply(ctx context.Context, r domain.Report) (domain.Outcome, error)
}

type ReportResult struct {
	Report  domain.Report  `json:"report"`
	Outcome domain.Outcome `json:"outcome,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// BatchResult summarizes one processed payload.
type BatchResult struct {
	Applied   int            `json:"applied"`
	NotFound  int            `json:"target_not_found"`
	NoTargets int            `json:"no_targets"`
	Invalid   int            `json:"invalid"`
	Skipped   int            `json:"skipped"`
	Reports   []ReportResult `json:"reports"`
}

// Process applies reports in order. Malformed reports are counted and
// skipped; a store failure stops processing and is returned.
func Process(ctx context.Context, a Applier, reports []domain.Report, logger *zap.Logger) (BatchResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	res := BatchResult{Reports: make([]ReportResult, 0, len(reports))}
	for _, r := range reports {
		out, err := a.Apply(ctx, r)
		if errors.Is(err, engine.ErrInvalidReport) {
			logger.Warn("invalid report", zap.String("kind", string(r.Kind)), zap.String("target", r.Target), zap.Error(err))
			res.Invalid++
			res.Reports = append(res.Reports, ReportResult{Report: r, Error: err.Error()})
			continue
		}
		if err != nil {
			return res, err
		}
		switch out {
		case domain.OutcomeApplied:
			res.Applied++
		case domain.OutcomeTargetNotFound:
			res.NotFound++
			logger.Info("report target not found", zap.String("kind", string(r.Kind)), zap.String("target", r.Target))
		case domain.OutcomeNoTargets:
			res.NoTargets++
			logger.Info("no groundings for report", zap.String("kind", string(r.Kind)))
		}
		res.Reports = append(res.Reports, ReportResult{Report: r, Outcome: out})
	}
	return res, nil
}
