package signal

import (
	"encoding/json"

	"github.com/dkeye/phcsync/internal/domain"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) roomFromPayload(c *wsSignalConn, data json.RawMessage) (domain.RoomName, bool) {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("conn", string(c.id)).Msg("bad room payload")
		ctl.sendError(c, "bad_payload")
		return "", false
	}
	room, err := domain.ParseRoomName(raw)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("conn", string(c.id)).Msg("bad room name")
		ctl.sendError(c, "invalid_room")
		return "", false
	}
	return room, true
}

// handleJoin adds the connection to a room. Joining is not acknowledged.
func (ctl *SignalWSController) handleJoin(c *wsSignalConn, data json.RawMessage) {
	room, ok := ctl.roomFromPayload(c, data)
	if !ok {
		return
	}
	log.Info().Str("module", "signal").Str("conn", string(c.id)).Str("room", string(room)).Msg("join")
	if err := ctl.relay.Join(c.id, room); err != nil {
		log.Error().Err(err).Str("module", "signal").Str("conn", string(c.id)).Msg("join")
	}
}

// handleLeave removes the connection from one room; the socket stays open.
func (ctl *SignalWSController) handleLeave(c *wsSignalConn, data json.RawMessage) {
	room, ok := ctl.roomFromPayload(c, data)
	if !ok {
		return
	}
	log.Info().Str("module", "signal").Str("conn", string(c.id)).Str("room", string(room)).Msg("leave")
	if err := ctl.relay.Leave(c.id, room); err != nil {
		log.Error().Err(err).Str("module", "signal").Str("conn", string(c.id)).Msg("leave")
	}
}
