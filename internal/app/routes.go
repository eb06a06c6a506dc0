package app

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/phcsync/internal/domain"
)

// Route is where an inbound update goes and what it is called on the way
// out.
type Route struct {
	Room  domain.RoomName
	Event string
}

// RouteFor applies the relay policy: patient updates go to the staff room,
// staff updates go to the room of the patient they name.
func RouteFor(event string, data json.RawMessage) (Route, error) {
	switch event {
	case domain.EventPatientUpdate:
		return Route{Room: domain.StaffRoom, Event: domain.EventPatientDataUpdated}, nil
	case domain.EventStaffUpdate:
		id, err := domain.PeekPatientID(data)
		if err != nil {
			return Route{}, fmt.Errorf("route %s: %w", event, err)
		}
		return Route{Room: domain.PatientRoom(id), Event: domain.EventStaffDataUpdated}, nil
	default:
		return Route{}, fmt.Errorf("%w: %s", domain.ErrUnknownEvent, event)
	}
}
