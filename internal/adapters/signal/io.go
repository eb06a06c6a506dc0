package signal

import (
	"context"
	"encoding/json"

	"github.com/dkeye/phcsync/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *wsSignalConn) {
	ticker := ctl.clock.NewTicker(ctl.opts.PingPeriod)
	defer ticker.Stop()
	defer c.Close()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("conn", string(c.id)).Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Str("conn", string(c.id)).Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(ctl.clock.Now().Add(ctl.opts.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Str("conn", string(c.id)).Msg("writePump write error")
				return
			}
		case <-ticker.Chan():
			if err := c.conn.SetWriteDeadline(ctl.clock.Now().Add(ctl.opts.WriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Str("module", "signal").Str("conn", string(c.id)).Msg("ping failed")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(c *wsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("conn", string(c.id)).Msg("readPump closing")
		ctl.limiter.Forget(c.id)
		if err := ctl.relay.Disconnect(c.id); err != nil {
			c.Close()
		}
	}()

	c.conn.SetReadLimit(ctl.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(ctl.clock.Now().Add(ctl.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = ctl.relay.Touch(c.id)
		return c.conn.SetReadDeadline(ctl.clock.Now().Add(ctl.opts.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("module", "signal").Str("conn", string(c.id)).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(ctl.clock.Now().Add(ctl.opts.PongWait))
		_ = ctl.relay.Touch(c.id)
		ctl.handleSignal(c, data)
	}
}

func (ctl *SignalWSController) handleSignal(c *wsSignalConn, data []byte) {
	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		log.Warn().Err(err).Str("module", "signal").Str("conn", string(c.id)).Msg("bad json")
		ctl.sendError(c, "bad_payload")
		return
	}

	switch env.Type {
	case domain.EventJoinRoom:
		ctl.handleJoin(c, env.Data)
	case domain.EventLeaveRoom:
		ctl.handleLeave(c, env.Data)
	case domain.EventPatientUpdate, domain.EventStaffUpdate:
		ctl.handleUpdate(c, env)
	case domain.EventPing:
		ctl.handlePing(c)
	case domain.EventPong:
	default:
		log.Warn().Str("module", "signal").Str("conn", string(c.id)).Str("type", env.Type).Msg("unknown signal")
		ctl.sendError(c, "unknown_event")
	}
}

func (ctl *SignalWSController) sendJSON(c *wsSignalConn, typ string, v any) {
	env, err := domain.NewEnvelope(typ, v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	b, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}
