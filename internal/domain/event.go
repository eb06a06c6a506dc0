package domain

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Wire event names.
const (
	EventJoinRoom           = "join-room"
	EventLeaveRoom          = "leave-room"
	EventPatientUpdate      = "patient-update"
	EventStaffUpdate        = "staff-update"
	EventPatientDataUpdated = "patient-data-updated"
	EventStaffDataUpdated   = "staff-data-updated"
	EventPing               = "ping"
	EventPong               = "pong"
	EventError              = "error"
)

// Envelope is the frame exchanged over the socket in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope of the given type.
func NewEnvelope(typ string, data any) (Envelope, error) {
	if data == nil {
		return Envelope{Type: typ}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: typ, Data: raw}, nil
}

// ErrorPayload is the data of an "error" frame.
type ErrorPayload struct {
	Error string `json:"error"`
}

// PeekPatientID extracts patientId (or id) from an opaque mutation payload
// without decoding the rest of it. Numeric identifiers are accepted.
func PeekPatientID(data json.RawMessage) (PatientID, error) {
	var ids struct {
		PatientID json.RawMessage `json:"patientId"`
		ID        json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &ids); err != nil {
		return "", err
	}
	if id := idFromRaw(ids.PatientID); id != "" {
		return id, nil
	}
	if id := idFromRaw(ids.ID); id != "" {
		return id, nil
	}
	return "", ErrMissingPatientID
}

func idFromRaw(raw json.RawMessage) PatientID {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		s, err := strconv.Unquote(string(raw))
		if err != nil {
			return ""
		}
		return PatientID(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return ""
	}
	return PatientID(n.String())
}
