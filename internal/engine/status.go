package engine

import (
	"context"

	"metacontrol/internal/domain"
)

// Summary is a point-in-time overview of the knowledge base.
type Summary struct {
	Components    map[domain.ComponentStatus]int `json:"components"`
	Realisability map[domain.Realisability]int   `json:"realisability"`
	Objectives    map[string]int                 `json:"objectives"`
	Groundings    int                            `json:"groundings"`
	NeedAttention []string                       `json:"need_attention,omitempty"`
	LastEventID   int64                          `json:"last_event_id"`
}

func (e Engine) Status(ctx context.Context) (Summary, error) {
	s := Summary{
		Components:    map[domain.ComponentStatus]int{},
		Realisability: map[domain.Realisability]int{},
		Objectives:    map[string]int{},
	}
	comps, err := e.Repo.ListComponents(ctx, nil)
	if err != nil {
		return s, err
	}
	for _, c := range comps {
		s.Components[c.Status]++
	}
	fds, err := e.Repo.ListFunctionDesigns(ctx, nil)
	if err != nil {
		return s, err
	}
	for _, fd := range fds {
		s.Realisability[fd.Realisability]++
	}
	objs, err := e.Repo.ListObjectives(ctx, nil)
	if err != nil {
		return s, err
	}
	for _, o := range objs {
		key := string(o.Status)
		if key == "" {
			key = "NONE"
		}
		s.Objectives[key]++
	}
	for _, o := range EvaluateObjectives(objs) {
		s.NeedAttention = append(s.NeedAttention, o.ID)
	}
	if s.Groundings, err = e.Repo.CountGroundings(ctx, nil); err != nil {
		return s, err
	}
	s.LastEventID, err = e.Repo.LatestEventID(ctx)
	return s, err
}
