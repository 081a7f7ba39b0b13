package server

import (
	"encoding/json"

	"metacontrol/internal/domain"
	"metacontrol/internal/engine/selection"
)

// Request payloads

type ReportsRequest struct {
	Reports []domain.Report `json:"reports" minItems:"1"`
}

type RegroundRequest struct {
	// DesignID empty leaves the objective ungrounded.
	DesignID string `json:"design_id,omitempty"`
}

// Response payloads

type output[T any] struct {
	Body T `json:"body"`
}

type ObjectiveDetail struct {
	Objective domain.Objective          `json:"objective"`
	Grounding *domain.FunctionGrounding `json:"grounding,omitempty"`
	Candidate string                    `json:"candidate,omitempty"`
	Selection selection.Trace           `json:"selection"`
}

type RegroundResponse struct {
	Objective string `json:"objective"`
	Bound     string `json:"bound,omitempty"`
}

type ClearErrorLogResponse struct {
	Design  string `json:"design"`
	Cleared int64  `json:"cleared"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
