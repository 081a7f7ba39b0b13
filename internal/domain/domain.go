package domain

import "strings"

// ComponentStatus is the health of a running component as last reported.
type ComponentStatus string

const (
	ComponentUnknown   ComponentStatus = "UNKNOWN"
	ComponentOK        ComponentStatus = "OK"
	ComponentFalse     ComponentStatus = "FALSE"
	ComponentRecovered ComponentStatus = "RECOVERED"
)

// ParseComponentStatus normalizes a reported value. ok is false when the value
// is not one of the known statuses; the returned status is then UNKNOWN.
func ParseComponentStatus(v string) (ComponentStatus, bool) {
	switch ComponentStatus(strings.ToUpper(strings.TrimSpace(v))) {
	case ComponentOK:
		return ComponentOK, true
	case ComponentFalse:
		return ComponentFalse, true
	case ComponentRecovered:
		return ComponentRecovered, true
	case ComponentUnknown:
		return ComponentUnknown, true
	}
	return ComponentUnknown, false
}

// Realisability of a function design given current component health.
type Realisability string

const (
	RealisabilityUnknown Realisability = "UNKNOWN"
	RealisabilityTrue    Realisability = "TRUE"
	RealisabilityFalse   Realisability = "FALSE"
)

type GroundingStatus string

const (
	GroundingUnknown       GroundingStatus = "UNKNOWN"
	GroundingInternalError GroundingStatus = "INTERNAL_ERROR"
)

// ObjectiveStatus is written by inference and reset to ObjectiveNone on reground.
type ObjectiveStatus string

const (
	ObjectiveNone             ObjectiveStatus = ""
	ObjectiveUngrounded       ObjectiveStatus = "UNGROUNDED"
	ObjectiveUpdatable        ObjectiveStatus = "UPDATABLE"
	ObjectiveInErrorNFR       ObjectiveStatus = "IN_ERROR_NFR"
	ObjectiveInErrorComponent ObjectiveStatus = "IN_ERROR_COMPONENT"
	ObjectiveGrounded         ObjectiveStatus = "GROUNDED"
)

// NeedsAttention reports whether an objective in this status must be re-planned.
func (s ObjectiveStatus) NeedsAttention() bool {
	switch s {
	case ObjectiveUngrounded, ObjectiveUpdatable, ObjectiveInErrorNFR, ObjectiveInErrorComponent:
		return true
	}
	return false
}

type Function struct {
	ID string `json:"id" yaml:"id"`
}

type QAType struct {
	ID string `json:"id" yaml:"id"`
}

type QAValue struct {
	ID     string  `json:"id" yaml:"id"`
	Name   string  `json:"name,omitempty" yaml:"name,omitempty"`
	QAType string  `json:"qa_type" yaml:"qa_type"`
	Value  float64 `json:"value" yaml:"value"`
}

// NFR is a non-functional requirement: a QA type with a threshold.
type NFR struct {
	ID        string  `json:"id" yaml:"id"`
	QAType    string  `json:"qa_type" yaml:"qa_type"`
	Threshold float64 `json:"threshold" yaml:"threshold"`
}

type Component struct {
	ID        string          `json:"id" yaml:"id"`
	Status    ComponentStatus `json:"status" yaml:"status"`
	UpdatedAt string          `json:"updated_at,omitempty" yaml:"updated_at,omitempty" format:"date-time"`
}

type FunctionDesign struct {
	ID            string        `json:"id" yaml:"id"`
	Function      string        `json:"function" yaml:"function"`
	Realisability Realisability `json:"realisability" yaml:"realisability"`
	Requires      []string      `json:"requires,omitempty" yaml:"requires,omitempty"`
	Estimations   []QAValue     `json:"estimations,omitempty" yaml:"estimations,omitempty"`
	// ErrorLog lists the objectives this design failed to satisfy.
	ErrorLog []string `json:"error_log,omitempty" yaml:"error_log,omitempty"`
}

// InErrorLog reports whether the design is recorded as having failed objectiveID.
func (fd FunctionDesign) InErrorLog(objectiveID string) bool {
	for _, o := range fd.ErrorLog {
		if o == objectiveID {
			return true
		}
	}
	return false
}

type FunctionGrounding struct {
	ID        string          `json:"id" yaml:"id"`
	Design    string          `json:"design" yaml:"design"`
	Objective string          `json:"objective" yaml:"objective"`
	Status    GroundingStatus `json:"status" yaml:"status"`
	QAValues  []QAValue       `json:"qa_values,omitempty" yaml:"qa_values,omitempty"`
	CreatedAt string          `json:"created_at" yaml:"created_at" format:"date-time"`
}

type Objective struct {
	ID       string          `json:"id" yaml:"id"`
	Function string          `json:"function" yaml:"function"`
	Status   ObjectiveStatus `json:"status" yaml:"status"`
	NFRs     []NFR           `json:"nfrs,omitempty" yaml:"nfrs,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	Payload    string `json:"payload"`
}

type APIKey struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Scope     string `json:"scope"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// LocalName strips a namespace or dotted prefix from an identifier:
// "tomasys.mros.fd_a" and "http://x/onto#fd_a" both yield "fd_a".
func LocalName(id string) string {
	if i := strings.LastIndexAny(id, ".#/"); i >= 0 {
		return id[i+1:]
	}
	return id
}
