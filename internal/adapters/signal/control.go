package signal

import (
	"errors"

	"github.com/dkeye/phcsync/internal/domain"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handlePing(c *wsSignalConn) {
	ctl.sendJSON(c, domain.EventPong, nil)
}

func (ctl *SignalWSController) sendError(c *wsSignalConn, reason string) {
	ctl.sendJSON(c, domain.EventError, domain.ErrorPayload{Error: reason})
}

func (ctl *SignalWSController) handleUpdate(c *wsSignalConn, env domain.Envelope) {
	if !ctl.limiter.Allow(c.id) {
		log.Warn().Str("module", "signal").Str("conn", string(c.id)).Str("event", env.Type).Msg("update rate limited")
		ctl.sendError(c, "rate_limited")
		return
	}
	if err := ctl.relay.Submit(c.id, env.Type, env.Data); err != nil {
		ctl.sendError(c, submitErrorReason(err))
	}
}

func submitErrorReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrMissingPatientID):
		return "missing_patient_id"
	case errors.Is(err, domain.ErrUnknownEvent):
		return "unknown_event"
	default:
		return "bad_payload"
	}
}
