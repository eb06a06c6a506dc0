// Package client is the dashboard side of the sync: it keeps a reconcile
// store current from the CRUD service and the relay, and publishes local
// edits to peers once they are durable.
package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/phcsync/internal/domain"
	"github.com/dkeye/phcsync/internal/reconcile"
	"github.com/rs/zerolog/log"
)

//go:generate mockgen -source=sync.go -destination=mocks/mock_sync.go -package=mocks PatientAPI,Emitter

// PatientAPI is the durable store of patient records.
type PatientAPI interface {
	FetchAll(ctx context.Context) ([]domain.Patient, error)
	Update(ctx context.Context, id domain.PatientID, patch domain.PatientPatch) error
}

// Emitter sends one event to the relay.
type Emitter interface {
	Emit(event string, data any) error
}

type Role string

const (
	RoleStaff   Role = "staff"
	RolePatient Role = "patient"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleStaff, RolePatient:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// UpdateEvent is the relay event a role publishes its edits with.
func (r Role) UpdateEvent() string {
	if r == RolePatient {
		return domain.EventPatientUpdate
	}
	return domain.EventStaffUpdate
}

// Rooms lists the rooms a dashboard of this role listens to.
func (r Role) Rooms(patient domain.PatientID) []domain.RoomName {
	if r == RolePatient {
		return []domain.RoomName{domain.PatientRoom(patient)}
	}
	return []domain.RoomName{domain.StaffRoom}
}

type Synchronizer struct {
	api     PatientAPI
	emitter Emitter
	store   *reconcile.Store
	role    Role
}

func NewSynchronizer(api PatientAPI, emitter Emitter, store *reconcile.Store, role Role) (*Synchronizer, error) {
	if api == nil {
		return nil, errors.New("patient api is required")
	}
	if emitter == nil {
		return nil, errors.New("emitter is required")
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	return &Synchronizer{api: api, emitter: emitter, store: store, role: role}, nil
}

// Refresh replaces the local patient set with the durable one. On failure
// the last known patients are kept and the store carries the error.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	s.store.Dispatch(reconcile.FetchStarted{})
	patients, err := s.api.FetchAll(ctx)
	if err != nil {
		s.store.Dispatch(reconcile.FetchFailed{Err: err})
		return fmt.Errorf("refresh patients: %w", err)
	}
	s.store.Dispatch(reconcile.FetchSucceeded{Patients: patients})
	return nil
}

// UpdatePatient applies patch locally, persists it, then tells peers.
// Peers are only told about changes the CRUD service accepted.
func (s *Synchronizer) UpdatePatient(ctx context.Context, id domain.PatientID, patch domain.PatientPatch) error {
	if id == "" {
		return domain.ErrMissingPatientID
	}
	if patch.IsEmpty() {
		return nil
	}
	if patch.RiskLevel != nil && !patch.RiskLevel.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidRiskLevel, *patch.RiskLevel)
	}

	s.store.Dispatch(reconcile.MergeLocal{ID: id, Patch: patch})

	if err := s.api.Update(ctx, id, patch); err != nil {
		s.store.Dispatch(reconcile.UpdateFailed{ID: id, Err: err})
		return fmt.Errorf("update patient %s: %w", id, err)
	}

	rec := domain.MutationRecord{PatientID: id, Patch: patch}
	if err := s.emitter.Emit(s.role.UpdateEvent(), rec); err != nil {
		log.Warn().Err(err).Str("module", "client.sync").Str("patient", string(id)).Msg("update saved but not broadcast")
		return fmt.Errorf("broadcast update of patient %s: %w", id, err)
	}
	return nil
}

func (s *Synchronizer) SetRiskLevel(ctx context.Context, id domain.PatientID, level domain.RiskLevel) error {
	return s.UpdatePatient(ctx, id, domain.PatientPatch{RiskLevel: &level})
}

func (s *Synchronizer) SetActive(ctx context.Context, id domain.PatientID, active bool) error {
	return s.UpdatePatient(ctx, id, domain.PatientPatch{IsActive: &active})
}
