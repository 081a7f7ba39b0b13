package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"metacontrol/internal/domain"
	"metacontrol/internal/engine/selection"
	"metacontrol/internal/events"
	"metacontrol/internal/repo"
)

// EvaluateObjectives returns the objectives whose status asks for a new design.
func EvaluateObjectives(objectives []domain.Objective) []domain.Objective {
	var out []domain.Objective
	for _, o := range objectives {
		if o.Status.NeedsAttention() {
			out = append(out, o)
		}
	}
	return out
}

// SelectDesign runs the selector for one objective against the current store.
func (e Engine) SelectDesign(ctx context.Context, objectiveID string) (domain.FunctionDesign, bool, selection.Trace, error) {
	o, err := e.Repo.GetObjective(ctx, nil, objectiveID)
	if err != nil {
		return domain.FunctionDesign{}, false, selection.Trace{}, err
	}
	fds, err := e.Repo.ListFunctionDesigns(ctx, nil)
	if err != nil {
		return domain.FunctionDesign{}, false, selection.Trace{}, err
	}
	fd, ok, tr := selection.Select(o, fds)
	return fd, ok, tr, nil
}

// Reground replaces the objective's grounding with one bound to fdID, or
// leaves it ungrounded when fdID is empty. It returns the bound design id.
func (e Engine) Reground(ctx context.Context, objectiveID, fdID string) (string, error) {
	var bound string
	err := e.locked(ctx, func(ctx context.Context, tx *sql.Tx) error {
		o, err := e.Repo.GetObjective(ctx, tx, objectiveID)
		if err != nil {
			return err
		}
		if fdID != "" {
			if _, err := e.Repo.GetFunctionDesign(ctx, tx, fdID); err != nil {
				return err
			}
		}
		bound, err = e.reground(ctx, tx, o, fdID)
		return err
	})
	return bound, err
}

func (e Engine) reground(ctx context.Context, tx *sql.Tx, o domain.Objective, fdID string) (string, error) {
	current, err := e.Repo.GetGroundingByObjective(ctx, tx, o.ID)
	switch {
	case err == nil:
		if err := e.Repo.DeleteGrounding(ctx, tx, current.ID); err != nil {
			return "", err
		}
		if err := e.Events.Append(ctx, tx, events.GroundingDestroyed, "function_grounding", current.ID,
			events.Payload{"objective": o.ID, "design": current.Design}); err != nil {
			return "", err
		}
	case !errors.Is(err, repo.ErrNotFound):
		return "", err
	}

	if fdID == "" {
		return "", e.Events.Append(ctx, tx, events.NoSolution, "objective", o.ID, events.Payload{"status": o.Status})
	}

	name, err := e.groundingName(ctx, tx, fdID, o.ID)
	if err != nil {
		return "", err
	}
	fg := domain.FunctionGrounding{
		ID:        name,
		Design:    fdID,
		Objective: o.ID,
		Status:    domain.GroundingUnknown,
	}
	if err := e.Repo.InsertGrounding(ctx, tx, fg); err != nil {
		return "", err
	}
	if err := e.Repo.SetObjectiveStatus(ctx, tx, o.ID, domain.ObjectiveNone); err != nil {
		return "", err
	}
	return fdID, e.Events.Append(ctx, tx, events.GroundingCreated, "function_grounding", fg.ID,
		events.Payload{"objective": o.ID, "design": fdID})
}

// groundingName derives "fg_<design>" from a design id, dropping any "fd_"
// prefix. If another objective already holds that name the objective's local
// name is appended.
func (e Engine) groundingName(ctx context.Context, tx *sql.Tx, fdID, objectiveID string) (string, error) {
	name := "fg_" + strings.ReplaceAll(domain.LocalName(fdID), "fd_", "")
	_, err := e.Repo.GetGrounding(ctx, tx, name)
	if errors.Is(err, repo.ErrNotFound) {
		return name, nil
	}
	if err != nil {
		return "", err
	}
	return name + "_" + domain.LocalName(objectiveID), nil
}
