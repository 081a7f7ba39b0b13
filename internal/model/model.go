// Package model reads the knowledge-base model file that declares functions,
// QA types, components, function designs and objectives.
package model

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"metacontrol/internal/domain"
)

type Model struct {
	Functions       []string         `yaml:"functions"`
	QATypes         []string         `yaml:"qa_types"`
	Components      []Component      `yaml:"components"`
	FunctionDesigns []FunctionDesign `yaml:"function_designs"`
	Objectives      []Objective      `yaml:"objectives"`
}

type Component struct {
	ID     string `yaml:"id"`
	Status string `yaml:"status"`
}

type Estimation struct {
	QAType string  `yaml:"qa_type"`
	Value  float64 `yaml:"value"`
}

type FunctionDesign struct {
	ID          string       `yaml:"id"`
	Function    string       `yaml:"function"`
	Requires    []string     `yaml:"requires"`
	Estimations []Estimation `yaml:"estimations"`
}

type Objective struct {
	ID       string       `yaml:"id"`
	Function string       `yaml:"function"`
	NFRs     []Estimation `yaml:"nfrs"`
}

// FromYAML parses and validates a model.
func FromYAML(data []byte) (*Model, error) {
	var m Model
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid model yaml: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func FromFile(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Validate checks ids are present and unique and that every reference
// resolves within the model.
func (m *Model) Validate() error {
	functions := set("function", m.Functions)
	qaTypes := set("qa_type", m.QATypes)
	if err := functions.err; err != nil {
		return err
	}
	if err := qaTypes.err; err != nil {
		return err
	}
	components := map[string]bool{}
	for _, c := range m.Components {
		if c.ID == "" {
			return fmt.Errorf("component id is required")
		}
		if components[c.ID] {
			return fmt.Errorf("duplicate component %s", c.ID)
		}
		if c.Status != "" {
			if _, ok := domain.ParseComponentStatus(c.Status); !ok {
				return fmt.Errorf("component %s has unknown status %q", c.ID, c.Status)
			}
		}
		components[c.ID] = true
	}
	seen := map[string]bool{}
	for _, fd := range m.FunctionDesigns {
		if fd.ID == "" {
			return fmt.Errorf("function_design id is required")
		}
		if seen[fd.ID] {
			return fmt.Errorf("duplicate function_design %s", fd.ID)
		}
		seen[fd.ID] = true
		if !functions.ids[fd.Function] {
			return fmt.Errorf("function_design %s realises unknown function %q", fd.ID, fd.Function)
		}
		for _, c := range fd.Requires {
			if !components[c] {
				return fmt.Errorf("function_design %s requires unknown component %q", fd.ID, c)
			}
		}
		for _, est := range fd.Estimations {
			if !qaTypes.ids[est.QAType] {
				return fmt.Errorf("function_design %s estimates unknown qa_type %q", fd.ID, est.QAType)
			}
		}
	}
	seen = map[string]bool{}
	for _, o := range m.Objectives {
		if o.ID == "" {
			return fmt.Errorf("objective id is required")
		}
		if seen[o.ID] {
			return fmt.Errorf("duplicate objective %s", o.ID)
		}
		seen[o.ID] = true
		if !functions.ids[o.Function] {
			return fmt.Errorf("objective %s requires unknown function %q", o.ID, o.Function)
		}
		for _, n := range o.NFRs {
			if !qaTypes.ids[n.QAType] {
				return fmt.Errorf("objective %s has nfr on unknown qa_type %q", o.ID, n.QAType)
			}
		}
	}
	return nil
}

type idSet struct {
	ids map[string]bool
	err error
}

func set(kind string, ids []string) idSet {
	s := idSet{ids: map[string]bool{}}
	for _, id := range ids {
		if id == "" {
			s.err = fmt.Errorf("%s id is required", kind)
			return s
		}
		if s.ids[id] {
			s.err = fmt.Errorf("duplicate %s %s", kind, id)
			return s
		}
		s.ids[id] = true
	}
	return s
}

// Designs converts the model's designs to domain values.
func (m *Model) Designs() []domain.FunctionDesign {
	out := make([]domain.FunctionDesign, 0, len(m.FunctionDesigns))
	for _, fd := range m.FunctionDesigns {
		d := domain.FunctionDesign{ID: fd.ID, Function: fd.Function, Requires: fd.Requires}
		for _, est := range fd.Estimations {
			d.Estimations = append(d.Estimations, domain.QAValue{QAType: est.QAType, Value: est.Value})
		}
		out = append(out, d)
	}
	return out
}

func (m *Model) DomainObjectives() []domain.Objective {
	out := make([]domain.Objective, 0, len(m.Objectives))
	for _, o := range m.Objectives {
		obj := domain.Objective{ID: o.ID, Function: o.Function}
		for _, n := range o.NFRs {
			obj.NFRs = append(obj.NFRs, domain.NFR{QAType: n.QAType, Threshold: n.Value})
		}
		out = append(out, obj)
	}
	return out
}

func (m *Model) DomainComponents() []domain.Component {
	out := make([]domain.Component, 0, len(m.Components))
	for _, c := range m.Components {
		status, _ := domain.ParseComponentStatus(c.Status)
		if c.Status == "" {
			status = domain.ComponentUnknown
		}
		out = append(out, domain.Component{ID: c.ID, Status: status})
	}
	return out
}

// Sample returns a commented example model.
func Sample() string {
	return sampleTemplate
}

const sampleTemplate = `# Knowledge-base model for the metacontrol reasoner.
functions:
  - f_navigate

qa_types:
  - energy
  - safety
  - performance

components:
  - id: c_laser
    status: OK
  - id: c_camera
    status: OK

function_designs:
  - id: fd_laser_nav
    function: f_navigate
    requires: [c_laser]
    estimations:
      - {qa_type: energy, value: 0.6}
      - {qa_type: safety, value: 0.4}
      - {qa_type: performance, value: 0.9}
  - id: fd_camera_nav
    function: f_navigate
    requires: [c_camera]
    estimations:
      - {qa_type: energy, value: 0.3}
      - {qa_type: safety, value: 0.3}
      - {qa_type: performance, value: 0.5}

objectives:
  - id: o_navigate
    function: f_navigate
    # An estimation below the threshold meets the NFR.
    nfrs:
      - {qa_type: safety, value: 0.5}
`
