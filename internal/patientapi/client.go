// Package patientapi is the client of the patient CRUD service that owns
// durable patient records.
package patientapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/dkeye/phcsync/internal/domain"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// APIError is a non-2xx answer from the CRUD service.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

type Options struct {
	Timeout    time.Duration
	RetryCount int
}

type Client struct {
	httpClient *resty.Client
}

func New(baseURL string, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &Client{httpClient: client}
}

type patientDTO struct {
	Name            string   `json:"name"`
	Phone           string   `json:"phone"`
	RiskLevel       string   `json:"risk_level"`
	NextAppointment *string  `json:"next_appointment"`
	LastVisit       *string  `json:"last_visit"`
	PHCName         *string  `json:"phc_name"`
	Medications     []string `json:"medications"`
	IsActive        *bool    `json:"is_active"`
}

type updateDTO struct {
	Name            *string   `json:"name,omitempty"`
	Phone           *string   `json:"phone,omitempty"`
	RiskLevel       *string   `json:"risk_level,omitempty"`
	NextAppointment *string   `json:"next_appointment,omitempty"`
	LastVisit       *string   `json:"last_visit,omitempty"`
	PHCName         *string   `json:"phc_name,omitempty"`
	Medications     *[]string `json:"medications,omitempty"`
	IsActive        *bool     `json:"is_active,omitempty"`
}

// FetchAll loads every patient. Records without an id or with an unknown
// risk level are skipped.
func (c *Client) FetchAll(ctx context.Context) ([]domain.Patient, error) {
	const path = "/api/patient"
	resp, err := c.httpClient.R().SetContext(ctx).Get(path)
	if err != nil {
		return nil, fmt.Errorf("failed to call patient API: %w", err)
	}
	if resp.IsError() {
		return nil, &APIError{Method: "GET", Path: path, Status: resp.StatusCode(), Body: resp.String()}
	}

	items, err := unwrapList(resp.Body())
	if err != nil {
		return nil, fmt.Errorf("failed to decode patients: %w", err)
	}

	patients := make([]domain.Patient, 0, len(items))
	for i, raw := range items {
		p, err := decodePatient(raw)
		if err != nil {
			log.Warn().Err(err).Str("module", "patientapi").Int("index", i).Msg("skipping patient record")
			continue
		}
		patients = append(patients, p)
	}
	log.Debug().Str("module", "patientapi").Int("count", len(patients)).Msg("patients fetched")
	return patients, nil
}

// Update persists the present fields of patch.
func (c *Client) Update(ctx context.Context, id domain.PatientID, patch domain.PatientPatch) error {
	if id == "" {
		return domain.ErrMissingPatientID
	}
	body := updateDTO{
		Name:            patch.Name,
		Phone:           patch.Phone,
		NextAppointment: patch.NextAppointment,
		LastVisit:       patch.LastVisit,
		PHCName:         patch.PHCName,
		Medications:     patch.Medications,
		IsActive:        patch.IsActive,
	}
	if patch.RiskLevel != nil {
		if !patch.RiskLevel.Valid() {
			return fmt.Errorf("%w: %q", domain.ErrInvalidRiskLevel, *patch.RiskLevel)
		}
		s := string(*patch.RiskLevel)
		body.RiskLevel = &s
	}

	path := "/api/patient/" + url.PathEscape(string(id))
	resp, err := c.httpClient.R().SetContext(ctx).SetBody(body).Put(path)
	if err != nil {
		return fmt.Errorf("failed to call patient API: %w", err)
	}
	if resp.IsError() {
		return &APIError{Method: "PUT", Path: path, Status: resp.StatusCode(), Body: resp.String()}
	}
	return nil
}

// unwrapList accepts a bare array or an object wrapping it under
// "patients" or "data".
func unwrapList(body []byte) ([]json.RawMessage, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err == nil {
		return items, nil
	}
	var wrapped struct {
		Patients []json.RawMessage `json:"patients"`
		Data     []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, err
	}
	if wrapped.Patients != nil {
		return wrapped.Patients, nil
	}
	if wrapped.Data != nil {
		return wrapped.Data, nil
	}
	return nil, errors.New("no patient list in response")
}

func decodePatient(raw json.RawMessage) (domain.Patient, error) {
	id, err := domain.PeekPatientID(raw)
	if err != nil {
		return domain.Patient{}, err
	}
	var dto patientDTO
	if err := json.Unmarshal(raw, &dto); err != nil {
		return domain.Patient{}, err
	}
	risk, err := domain.ParseRiskLevel(dto.RiskLevel)
	if err != nil {
		return domain.Patient{}, err
	}
	return domain.Patient{
		ID:              id,
		Name:            dto.Name,
		Phone:           dto.Phone,
		RiskLevel:       risk,
		NextAppointment: dto.NextAppointment,
		LastVisit:       dto.LastVisit,
		PHCName:         dto.PHCName,
		Medications:     dto.Medications,
		IsActive:        dto.IsActive,
	}, nil
}
