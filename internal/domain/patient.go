// Package domain holds the synchronized entities and the wire vocabulary
// shared by the relay and its clients.
package domain

import (
	"fmt"
	"slices"
	"strings"
)

type PatientID string

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// ParseRiskLevel accepts the three levels case-insensitively.
func ParseRiskLevel(s string) (RiskLevel, error) {
	r := RiskLevel(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidRiskLevel, s)
	}
	return r, nil
}

type Patient struct {
	ID              PatientID `json:"id"`
	Name            string    `json:"name"`
	Phone           string    `json:"phone"`
	RiskLevel       RiskLevel `json:"riskLevel"`
	NextAppointment *string   `json:"nextAppointment,omitempty"`
	LastVisit       *string   `json:"lastVisit,omitempty"`
	PHCName         *string   `json:"phcName,omitempty"`
	Medications     []string  `json:"medications,omitempty"`
	IsActive        *bool     `json:"isActive,omitempty"`
}

// Validate reports whether p may enter a patient set.
func (p Patient) Validate() error {
	if p.ID == "" {
		return ErrMissingPatientID
	}
	if !p.RiskLevel.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRiskLevel, p.RiskLevel)
	}
	return nil
}

// Clone returns a copy that shares no memory with p.
func (p Patient) Clone() Patient {
	out := p
	out.NextAppointment = clonePtr(p.NextAppointment)
	out.LastVisit = clonePtr(p.LastVisit)
	out.PHCName = clonePtr(p.PHCName)
	out.IsActive = clonePtr(p.IsActive)
	out.Medications = slices.Clone(p.Medications)
	return out
}

// PatientPatch is a partial patient: nil fields are absent and leave the
// target untouched.
type PatientPatch struct {
	Name            *string
	Phone           *string
	RiskLevel       *RiskLevel
	NextAppointment *string
	LastVisit       *string
	PHCName         *string
	Medications     *[]string
	IsActive        *bool
}

func (p PatientPatch) IsEmpty() bool {
	return p == PatientPatch{}
}

// Apply merges the present fields of p onto dst. The identifier is never
// touched.
func (p PatientPatch) Apply(dst Patient) Patient {
	out := dst.Clone()
	if p.Name != nil {
		out.Name = *p.Name
	}
	if p.Phone != nil {
		out.Phone = *p.Phone
	}
	if p.RiskLevel != nil && p.RiskLevel.Valid() {
		out.RiskLevel = *p.RiskLevel
	}
	if p.NextAppointment != nil {
		out.NextAppointment = clonePtr(p.NextAppointment)
	}
	if p.LastVisit != nil {
		out.LastVisit = clonePtr(p.LastVisit)
	}
	if p.PHCName != nil {
		out.PHCName = clonePtr(p.PHCName)
	}
	if p.Medications != nil {
		out.Medications = slices.Clone(*p.Medications)
	}
	if p.IsActive != nil {
		out.IsActive = clonePtr(p.IsActive)
	}
	return out
}

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Ptr is a small helper for building patches in callers and tests.
func Ptr[T any](v T) *T { return &v }
