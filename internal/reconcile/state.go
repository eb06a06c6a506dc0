// Package reconcile holds the client-side patient state and the pure
// reducer that applies local and remote changes to it.
package reconcile

import (
	"slices"

	"github.com/dkeye/phcsync/internal/domain"
)

// State is one dashboard's view of the patient set. Stats always equals
// domain.ComputeStats(Patients).
type State struct {
	Patients []domain.Patient `json:"patients"`
	Stats    domain.Stats     `json:"stats"`
	Loading  bool             `json:"loading"`
	Err      string           `json:"error,omitempty"`
}

// NewState builds a consistent state from an initial patient set.
func NewState(patients []domain.Patient) State {
	return withPatients(State{}, admit(patients))
}

// Clone returns a deep copy.
func (s State) Clone() State {
	out := s
	out.Patients = clonePatients(s.Patients)
	return out
}

func (s State) Find(id domain.PatientID) (domain.Patient, bool) {
	i := s.index(id)
	if i < 0 {
		return domain.Patient{}, false
	}
	return s.Patients[i].Clone(), true
}

func (s State) index(id domain.PatientID) int {
	return slices.IndexFunc(s.Patients, func(p domain.Patient) bool { return p.ID == id })
}

func withPatients(s State, patients []domain.Patient) State {
	s.Patients = patients
	s.Stats = domain.ComputeStats(patients)
	return s
}

// admit copies the valid patients of in, one entry per identifier. A
// repeated identifier keeps its first position and its last value.
func admit(in []domain.Patient) []domain.Patient {
	if in == nil {
		return nil
	}
	out := make([]domain.Patient, 0, len(in))
	pos := make(map[domain.PatientID]int, len(in))
	for _, p := range in {
		if p.Validate() != nil {
			continue
		}
		if i, ok := pos[p.ID]; ok {
			out[i] = p.Clone()
			continue
		}
		pos[p.ID] = len(out)
		out = append(out, p.Clone())
	}
	return out
}

func clonePatients(in []domain.Patient) []domain.Patient {
	if in == nil {
		return nil
	}
	out := make([]domain.Patient, len(in))
	for i, p := range in {
		out[i] = p.Clone()
	}
	return out
}
