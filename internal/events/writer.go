package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the reasoner.
const (
	ComponentStatus    = "component.status"
	RealisabilityReset = "fd.realisability.reset"
	GroundingStatus    = "fg.status"
	QAObserved         = "qa.observed"
	QAEstimation       = "qa.estimation"
	GroundingDestroyed = "grounding.destroyed"
	GroundingCreated   = "grounding.created"
	NoSolution         = "objective.no_solution"
	ObjectiveUpdatable = "objective.updatable"
	ObjectiveStatus    = "objective.status"
	ErrorLogAppended   = "fd.error_log.appended"
	ErrorLogCleared    = "fd.error_log.cleared"
	InferenceFailed    = "inference.failed"
	ModelImported      = "model.imported"
)

type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

// Append writes an event inside tx so it commits or rolls back with the
// change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID string, payload Payload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,payload_json) VALUES (?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), evtType, entityKind, nullable(entityID), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
