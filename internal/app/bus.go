package app

import (
	"context"
	"encoding/json"

	"github.com/dkeye/phcsync/internal/core"
	"github.com/dkeye/phcsync/internal/domain"
)

// BusMessage is a relay event crossing instances. From is kept so the
// origin connection is excluded wherever it lives.
type BusMessage struct {
	Instance string          `json:"instance"`
	From     core.ConnID     `json:"from"`
	Room     domain.RoomName `json:"room"`
	Event    string          `json:"event"`
	Data     json.RawMessage `json:"data"`
}

// Bus carries relay events to the other relay instances.
type Bus interface {
	Publish(ctx context.Context, msg BusMessage) error
}
