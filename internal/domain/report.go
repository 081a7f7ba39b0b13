package domain

import "fmt"

// ReportKind identifies one of the four diagnostic report shapes.
type ReportKind string

const (
	ReportBinding    ReportKind = "binding"
	ReportComponent  ReportKind = "component"
	ReportQA         ReportKind = "qa"
	ReportEstimation ReportKind = "estimation"
)

// Report is a single inbound diagnostic.
//
//	binding:    Target=FG id,        Level=severity
//	component:  Target=component id, Value=status text
//	qa:         Target=FG id or "", Key=QA type, Value=number
//	estimation: Target=FD id,        Key=QA type, Value=number
type Report struct {
	Kind   ReportKind `json:"kind" enum:"binding,component,qa,estimation"`
	Target string     `json:"target"`
	Level  int        `json:"level,omitempty"`
	Key    string     `json:"key,omitempty"`
	Value  string     `json:"value,omitempty"`
}

func (r Report) Validate() error {
	switch r.Kind {
	case ReportBinding, ReportComponent:
	case ReportQA, ReportEstimation:
		if r.Key == "" {
			return fmt.Errorf("%s report requires key", r.Kind)
		}
	default:
		return fmt.Errorf("unknown report kind %q", r.Kind)
	}
	// A qa report without target goes to the fallback grounding.
	if r.Target == "" && r.Kind != ReportQA {
		return fmt.Errorf("%s report requires target", r.Kind)
	}
	return nil
}

// Outcome is the result of applying a report.
type Outcome string

const (
	OutcomeApplied        Outcome = "applied"
	OutcomeTargetNotFound Outcome = "target-not-found"
	OutcomeNoTargets      Outcome = "no-targets-available"
)
