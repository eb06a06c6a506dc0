package domain

import (
	"encoding/json"
	"fmt"
)

// MutationRecord is the payload of patient-update and staff-update events.
type MutationRecord struct {
	PatientID PatientID
	Patch     PatientPatch
	Deleted   bool
	// Ignored lists fields that were present but unusable, e.g. an unknown
	// risk level. They are dropped rather than failing the whole record.
	Ignored []string
}

type mutationWire struct {
	PatientID       json.RawMessage `json:"patientId,omitempty"`
	ID              json.RawMessage `json:"id,omitempty"`
	Name            *string         `json:"name,omitempty"`
	Phone           *string         `json:"phone,omitempty"`
	RiskLevel       *string         `json:"riskLevel,omitempty"`
	NextAppointment *string         `json:"nextAppointment,omitempty"`
	LastVisit       *string         `json:"lastVisit,omitempty"`
	PHCName         *string         `json:"phcName,omitempty"`
	Medications     *[]string       `json:"medications,omitempty"`
	IsActive        *bool           `json:"isActive,omitempty"`
	Deleted         bool            `json:"deleted,omitempty"`
}

func (m MutationRecord) MarshalJSON() ([]byte, error) {
	if m.PatientID == "" {
		return nil, ErrMissingPatientID
	}
	id, err := json.Marshal(string(m.PatientID))
	if err != nil {
		return nil, err
	}
	w := mutationWire{
		PatientID:       id,
		Name:            m.Patch.Name,
		Phone:           m.Patch.Phone,
		NextAppointment: m.Patch.NextAppointment,
		LastVisit:       m.Patch.LastVisit,
		PHCName:         m.Patch.PHCName,
		Medications:     m.Patch.Medications,
		IsActive:        m.Patch.IsActive,
		Deleted:         m.Deleted,
	}
	if m.Patch.RiskLevel != nil {
		s := string(*m.Patch.RiskLevel)
		w.RiskLevel = &s
	}
	return json.Marshal(w)
}

// DecodeMutation parses a mutation payload. Unknown fields are ignored; a
// missing identifier is the only fatal condition besides malformed JSON.
func DecodeMutation(data json.RawMessage) (MutationRecord, error) {
	var w mutationWire
	if err := json.Unmarshal(data, &w); err != nil {
		return MutationRecord{}, fmt.Errorf("decode mutation: %w", err)
	}
	id := idFromRaw(w.PatientID)
	if id == "" {
		id = idFromRaw(w.ID)
	}
	if id == "" {
		return MutationRecord{}, ErrMissingPatientID
	}

	rec := MutationRecord{
		PatientID: id,
		Deleted:   w.Deleted,
		Patch: PatientPatch{
			Name:            w.Name,
			Phone:           w.Phone,
			NextAppointment: w.NextAppointment,
			LastVisit:       w.LastVisit,
			PHCName:         w.PHCName,
			Medications:     w.Medications,
			IsActive:        w.IsActive,
		},
	}
	if w.RiskLevel != nil {
		if level, err := ParseRiskLevel(*w.RiskLevel); err == nil {
			rec.Patch.RiskLevel = &level
		} else {
			rec.Ignored = append(rec.Ignored, "riskLevel")
		}
	}
	return rec, nil
}

// Mutation is the closed set of relay events a client understands.
type Mutation interface {
	EventType() string
}

// PatientUpdate originates from a patient client and reaches staff.
type PatientUpdate struct{ MutationRecord }

// StaffUpdate originates from staff and reaches one patient's room.
type StaffUpdate struct{ MutationRecord }

// Unrecognized carries any event outside the known set.
type Unrecognized struct {
	Type string
	Raw  json.RawMessage
}

func (PatientUpdate) EventType() string  { return EventPatientDataUpdated }
func (StaffUpdate) EventType() string    { return EventStaffDataUpdated }
func (u Unrecognized) EventType() string { return u.Type }

// DecodeEvent turns a relay-to-client envelope into a Mutation. Only a
// malformed known payload yields an error; unknown types are Unrecognized.
func DecodeEvent(env Envelope) (Mutation, error) {
	switch env.Type {
	case EventPatientDataUpdated:
		rec, err := DecodeMutation(env.Data)
		if err != nil {
			return nil, err
		}
		return PatientUpdate{rec}, nil
	case EventStaffDataUpdated:
		rec, err := DecodeMutation(env.Data)
		if err != nil {
			return nil, err
		}
		return StaffUpdate{rec}, nil
	default:
		return Unrecognized{Type: env.Type, Raw: env.Data}, nil
	}
}
