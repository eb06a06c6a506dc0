package reconcile

import "github.com/dkeye/phcsync/internal/domain"

// Action is the closed set of state changes.
type Action interface{ isAction() }

type baseAction struct{}

func (baseAction) isAction() {}

type FetchStarted struct{ baseAction }

// FetchSucceeded replaces the whole patient set.
type FetchSucceeded struct {
	baseAction
	Patients []domain.Patient
}

type FetchFailed struct {
	baseAction
	Err error
}

// Created inserts a patient, or replaces it when the id is already known.
type Created struct {
	baseAction
	Patient domain.Patient
}

// MergeRemote applies a peer's update received over the relay.
type MergeRemote struct {
	baseAction
	ID    domain.PatientID
	Patch domain.PatientPatch
}

// MergeLocal applies an update this dashboard made itself.
type MergeLocal struct {
	baseAction
	ID    domain.PatientID
	Patch domain.PatientPatch
}

type RiskChanged struct {
	baseAction
	ID    domain.PatientID
	Level domain.RiskLevel
}

type ActiveChanged struct {
	baseAction
	ID     domain.PatientID
	Active bool
}

type Removed struct {
	baseAction
	ID domain.PatientID
}

// UpdateFailed records that persisting a local change failed. Already
// merged state is kept.
type UpdateFailed struct {
	baseAction
	ID  domain.PatientID
	Err error
}

// Target returns the patient an action addresses, if any.
func Target(a Action) (domain.PatientID, bool) {
	switch a := a.(type) {
	case MergeRemote:
		return a.ID, true
	case MergeLocal:
		return a.ID, true
	case RiskChanged:
		return a.ID, true
	case ActiveChanged:
		return a.ID, true
	case Removed:
		return a.ID, true
	case Created:
		return a.Patient.ID, true
	case UpdateFailed:
		return a.ID, true
	default:
		return "", false
	}
}
