package domain

import "errors"

var (
	ErrMissingPatientID = errors.New("missing patient id")
	ErrInvalidRiskLevel = errors.New("invalid risk level")
	ErrEmptyRoom        = errors.New("room name empty")
	ErrRoomNameTooLong  = errors.New("room name too long")
	ErrUnknownEvent     = errors.New("unknown event")
)
