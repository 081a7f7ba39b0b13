// Package diagnostics turns diagnostic messages into reasoner reports and
// carries them over NATS.
package diagnostics

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"metacontrol/internal/domain"
)

// Message texts that select the report kind of a status entry.
const (
	MessageBinding    = "binding_error"
	MessageComponent  = "Component status"
	MessageQA         = "QA status"
	MessageEstimation = "QA estimation"
)

type KeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Status mirrors a ROS DiagnosticStatus entry.
type Status struct {
	Level      int        `json:"level"`
	Name       string     `json:"name"`
	Message    string     `json:"message"`
	HardwareID string     `json:"hardware_id,omitempty"`
	Values     []KeyValue `json:"values,omitempty"`
}

// Array mirrors a ROS DiagnosticArray.
type Array struct {
	Status []Status `json:"status"`
}

// Reports maps one status entry to reports. Component, QA and estimation
// entries yield one report per value. ok is false for unknown messages.
func (s Status) Reports() ([]domain.Report, bool) {
	var kind domain.ReportKind
	switch strings.ToLower(strings.TrimSpace(s.Message)) {
	case strings.ToLower(MessageBinding):
		return []domain.Report{{Kind: domain.ReportBinding, Target: s.Name, Level: s.Level}}, true
	case strings.ToLower(MessageComponent):
		out := make([]domain.Report, 0, len(s.Values))
		for _, kv := range s.Values {
			out = append(out, domain.Report{Kind: domain.ReportComponent, Target: kv.Key, Value: kv.Value})
		}
		return out, true
	case strings.ToLower(MessageQA):
		kind = domain.ReportQA
	case strings.ToLower(MessageEstimation):
		kind = domain.ReportEstimation
	default:
		return nil, false
	}
	out := make([]domain.Report, 0, len(s.Values))
	for _, kv := range s.Values {
		out = append(out, domain.Report{Kind: kind, Target: s.Name, Key: kv.Key, Value: kv.Value})
	}
	return out, true
}

// Reports flattens the array. skipped counts entries with unknown messages.
func (a Array) Reports() (reports []domain.Report, skipped int) {
	for _, s := range a.Status {
		rs, ok := s.Reports()
		if !ok {
			skipped++
			continue
		}
		reports = append(reports, rs...)
	}
	return reports, skipped
}

// Decode accepts a DiagnosticArray, a single Report object or a list of
// Reports.
func Decode(data []byte) (reports []domain.Report, skipped int, err error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, 0, fmt.Errorf("empty payload")
	}
	if data[0] == '[' {
		if err := json.Unmarshal(data, &reports); err != nil {
			return nil, 0, fmt.Errorf("decode reports: %w", err)
		}
		return reports, 0, nil
	}
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, 0, fmt.Errorf("decode diagnostics: %w", err)
	}
	if _, ok := keys["status"]; ok {
		var arr Array
		if err := json.Unmarshal(data, &arr); err != nil {
			return nil, 0, fmt.Errorf("decode diagnostic array: %w", err)
		}
		reports, skipped = arr.Reports()
		return reports, skipped, nil
	}
	if _, ok := keys["kind"]; ok {
		var r domain.Report
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, 0, fmt.Errorf("decode report: %w", err)
		}
		return []domain.Report{r}, 0, nil
	}
	return nil, 0, fmt.Errorf("payload is neither a diagnostic array nor a report")
}
