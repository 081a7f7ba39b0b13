package engine

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"metacontrol/internal/domain"
	"metacontrol/internal/events"
	"metacontrol/internal/model"
)

// MarkObjectiveUpdatable asks the next cycle to re-plan the objective even if
// its grounding is healthy.
func (e Engine) MarkObjectiveUpdatable(ctx context.Context, objectiveID string) (domain.Objective, error) {
	var o domain.Objective
	err := e.locked(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		if o, err = e.Repo.GetObjective(ctx, tx, objectiveID); err != nil {
			return err
		}
		if err := e.Repo.SetObjectiveStatus(ctx, tx, o.ID, domain.ObjectiveUpdatable); err != nil {
			return err
		}
		o.Status = domain.ObjectiveUpdatable
		return e.Events.Append(ctx, tx, events.ObjectiveUpdatable, "objective", o.ID, nil)
	})
	return o, err
}

// ClearErrorLog makes a design eligible again for the objectives it failed.
func (e Engine) ClearErrorLog(ctx context.Context, fdID string) (int64, error) {
	var n int64
	err := e.locked(ctx, func(ctx context.Context, tx *sql.Tx) error {
		fd, err := e.Repo.GetFunctionDesign(ctx, tx, fdID)
		if err != nil {
			return err
		}
		if n, err = e.Repo.ClearErrorLog(ctx, tx, fd.ID); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.ErrorLogCleared, "function_design", fd.ID,
			events.Payload{"objectives": fd.ErrorLog})
	})
	return n, err
}

// ImportModel loads a model file into the knowledge base in one transaction.
// Existing objective statuses, realisability and groundings are kept.
func (e Engine) ImportModel(ctx context.Context, m *model.Model) error {
	if err := m.Validate(); err != nil {
		return err
	}
	err := e.locked(ctx, func(ctx context.Context, tx *sql.Tx) error {
		for _, f := range m.Functions {
			if err := e.Repo.UpsertFunction(ctx, tx, f); err != nil {
				return err
			}
		}
		for _, q := range m.QATypes {
			if err := e.Repo.UpsertQAType(ctx, tx, q); err != nil {
				return err
			}
		}
		for _, c := range m.DomainComponents() {
			if err := e.Repo.UpsertComponent(ctx, tx, c); err != nil {
				return err
			}
		}
		for _, fd := range m.Designs() {
			if err := e.Repo.UpsertFunctionDesign(ctx, tx, fd); err != nil {
				return err
			}
		}
		for _, o := range m.DomainObjectives() {
			if err := e.Repo.UpsertObjective(ctx, tx, o); err != nil {
				return err
			}
		}
		return e.Events.Append(ctx, tx, events.ModelImported, "model", "", events.Payload{
			"functions":        len(m.Functions),
			"qa_types":         len(m.QATypes),
			"components":       len(m.Components),
			"function_designs": len(m.FunctionDesigns),
			"objectives":       len(m.Objectives),
		})
	})
	if err == nil {
		e.log().Info("model imported",
			zap.Int("function_designs", len(m.FunctionDesigns)), zap.Int("objectives", len(m.Objectives)))
	}
	return err
}
