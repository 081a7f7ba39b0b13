// Package selection picks the function design that should ground an objective.
//
// The NFR check keeps two behaviours that read as inverted for most QA types
// and are kept for compatibility with existing design models:
// an estimation meets an NFR when it is strictly below the threshold, and a
// design passes when it meets any one of the objective's NFRs.
package selection

import (
	"metacontrol/internal/domain"
)

// UtilityQAType is the QA type whose estimation ranks candidates.
const UtilityQAType = "performance"

// UtilityFloor is the utility of a design with no usable performance estimation.
const UtilityFloor = 0.001

// Trace records how a selection narrowed the candidate set.
type Trace struct {
	Available  []string           `json:"available"`
	Realisable []string           `json:"realisable"`
	Suitable   []string           `json:"suitable"`
	MeetNFRs   []string           `json:"meet_nfrs"`
	Utility    map[string]float64 `json:"utility,omitempty"`
	Chosen     string             `json:"chosen,omitempty"`
}

// Select returns the best design for the objective, or ok=false when no
// design survives the filters.
func Select(o domain.Objective, designs []domain.FunctionDesign) (domain.FunctionDesign, bool, Trace) {
	var tr Trace
	var available, suitable []domain.FunctionDesign
	for _, fd := range designs {
		if domain.LocalName(fd.Function) == domain.LocalName(o.Function) {
			available = append(available, fd)
		}
	}
	tr.Available = ids(available)
	for _, fd := range available {
		if fd.Realisability == domain.RealisabilityFalse {
			continue
		}
		tr.Realisable = append(tr.Realisable, fd.ID)
		if fd.InErrorLog(o.ID) {
			continue
		}
		suitable = append(suitable, fd)
	}
	tr.Suitable = ids(suitable)

	meeting := MeetNFRs(o, suitable)
	tr.MeetNFRs = ids(meeting)
	if len(meeting) == 0 {
		return domain.FunctionDesign{}, false, tr
	}

	tr.Utility = make(map[string]float64, len(meeting))
	best := meeting[0]
	bestUtility := Utility(best)
	tr.Utility[best.ID] = bestUtility
	for _, fd := range meeting[1:] {
		u := Utility(fd)
		tr.Utility[fd.ID] = u
		if u > bestUtility {
			best, bestUtility = fd, u
		}
	}
	tr.Chosen = best.ID
	return best, true, tr
}

// MeetNFRs filters candidates against the objective's NFRs. With no NFRs it
// returns the first candidate alone. A candidate with zero or several
// estimations for any NFR's QA type is dropped outright.
func MeetNFRs(o domain.Objective, candidates []domain.FunctionDesign) []domain.FunctionDesign {
	if len(candidates) == 0 {
		return nil
	}
	if len(o.NFRs) == 0 {
		return candidates[:1]
	}
	var out []domain.FunctionDesign
	for _, fd := range candidates {
		passed := false
		ambiguous := false
		for _, nfr := range o.NFRs {
			est, ok := estimationFor(fd, nfr.QAType)
			if !ok {
				ambiguous = true
				break
			}
			if est.Value < nfr.Threshold {
				passed = true
			}
		}
		if passed && !ambiguous {
			out = append(out, fd)
		}
	}
	return out
}

// Utility is the design's performance estimation, or UtilityFloor when it has
// none or more than one.
func Utility(fd domain.FunctionDesign) float64 {
	if est, ok := estimationFor(fd, UtilityQAType); ok {
		return est.Value
	}
	return UtilityFloor
}

// estimationFor finds the single estimation whose QA type shares a local name
// with qaType.
func estimationFor(fd domain.FunctionDesign, qaType string) (domain.QAValue, bool) {
	want := domain.LocalName(qaType)
	var found domain.QAValue
	n := 0
	for _, est := range fd.Estimations {
		if domain.LocalName(est.QAType) == want {
			found = est
			n++
		}
	}
	return found, n == 1
}

func ids(fds []domain.FunctionDesign) []string {
	out := make([]string, 0, len(fds))
	for _, fd := range fds {
		out = append(out, fd.ID)
	}
	return out
}
