package reconcile

import (
	"fmt"
	"slices"

	"github.com/dkeye/phcsync/internal/domain"
)

const defaultFetchError = "failed to fetch patients"

// Reduce returns the state after applying a. It never modifies s, and an
// action addressing an unknown patient returns s unchanged.
func Reduce(s State, a Action) State {
	next, _ := reduce(s, a)
	return next
}

// reduce also reports whether the action changed anything.
func reduce(s State, a Action) (State, bool) {
	switch a := a.(type) {
	case FetchStarted:
		s.Loading = true
		s.Err = ""
		return s, true
	case FetchSucceeded:
		s.Loading = false
		return withPatients(s, admit(a.Patients)), true
	case FetchFailed:
		s.Loading = false
		s.Err = defaultFetchError
		if a.Err != nil {
			s.Err = a.Err.Error()
		}
		return s, true
	case Created:
		if a.Patient.Validate() != nil {
			return s, false
		}
		return upsert(s, a.Patient), true
	case MergeRemote:
		return merge(s, a.ID, a.Patch)
	case MergeLocal:
		return merge(s, a.ID, a.Patch)
	case RiskChanged:
		if !a.Level.Valid() {
			return s, false
		}
		level := a.Level
		return merge(s, a.ID, domain.PatientPatch{RiskLevel: &level})
	case ActiveChanged:
		active := a.Active
		return merge(s, a.ID, domain.PatientPatch{IsActive: &active})
	case Removed:
		return remove(s, a.ID)
	case UpdateFailed:
		s.Err = fmt.Sprintf("update patient %s failed", a.ID)
		if a.Err != nil {
			s.Err = fmt.Sprintf("update patient %s: %v", a.ID, a.Err)
		}
		return s, true
	default:
		return s, false
	}
}

func merge(s State, id domain.PatientID, patch domain.PatientPatch) (State, bool) {
	i := s.index(id)
	if i < 0 {
		return s, false
	}
	patients := slices.Clone(s.Patients)
	patients[i] = patch.Apply(patients[i])
	return withPatients(s, patients), true
}

func upsert(s State, p domain.Patient) State {
	patients := slices.Clone(s.Patients)
	if i := s.index(p.ID); i >= 0 {
		patients[i] = p.Clone()
	} else {
		patients = append(patients, p.Clone())
	}
	return withPatients(s, patients)
}

func remove(s State, id domain.PatientID) (State, bool) {
	i := s.index(id)
	if i < 0 {
		return s, false
	}
	patients := slices.Delete(slices.Clone(s.Patients), i, i+1)
	return withPatients(s, patients), true
}
