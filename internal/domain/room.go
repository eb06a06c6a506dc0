package domain

import "strings"

const MaxRoomNameLen = 128

type RoomName string

// StaffRoom is the single shared scope every staff dashboard joins.
const StaffRoom RoomName = "staff-room"

const patientRoomPrefix = "patient-"

// PatientRoom names the dedicated scope of one patient.
func PatientRoom(id PatientID) RoomName {
	return RoomName(patientRoomPrefix + string(id))
}

// ParseRoomName validates a room name received from a client.
func ParseRoomName(raw string) (RoomName, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", ErrEmptyRoom
	}
	if len(name) > MaxRoomNameLen {
		return "", ErrRoomNameTooLong
	}
	return RoomName(name), nil
}
