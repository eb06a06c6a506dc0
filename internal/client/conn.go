package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/phcsync/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

var ErrNotConnected = errors.New("not connected")

const (
	defaultReconnectMin = 500 * time.Millisecond
	defaultReconnectMax = 30 * time.Second
	defaultEventBuffer  = 64
	writeWait           = 5 * time.Second
)

type ConnOptions struct {
	URL          string
	Rooms        []domain.RoomName
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	EventBuffer  int
	Clock        clockwork.Clock
	Dialer       *websocket.Dialer
}

// Conn is a relay connection that reconnects on its own and rejoins every
// room it was asked to join.
type Conn struct {
	opts   ConnOptions
	events chan domain.Envelope

	mu    sync.Mutex
	ws    *websocket.Conn
	rooms []domain.RoomName
}

func NewConn(opts ConnOptions) *Conn {
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = defaultReconnectMin
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = max(defaultReconnectMax, opts.ReconnectMin)
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	c := &Conn{
		opts:   opts,
		events: make(chan domain.Envelope, opts.EventBuffer),
	}
	for _, room := range opts.Rooms {
		c.remember(room)
	}
	return c
}

// Events yields every frame the relay sends. It is closed when Run returns.
func (c *Conn) Events() <-chan domain.Envelope { return c.events }

func (c *Conn) remember(room domain.RoomName) bool {
	for _, r := range c.rooms {
		if r == room {
			return false
		}
	}
	c.rooms = append(c.rooms, room)
	return true
}

// Join remembers room and joins it now when connected.
func (c *Conn) Join(room domain.RoomName) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remember(room)
	if c.ws == nil {
		return nil
	}
	return c.writeLocked(domain.EventJoinRoom, string(room))
}

// Emit sends one event. It fails fast while disconnected; nothing is queued.
func (c *Conn) Emit(event string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return ErrNotConnected
	}
	return c.writeLocked(event, data)
}

func (c *Conn) writeLocked(event string, data any) error {
	env, err := domain.NewEnvelope(event, data)
	if err != nil {
		return err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

// Run keeps the connection up until ctx is done, backing off exponentially
// between failed attempts.
func (c *Conn) Run(ctx context.Context) {
	defer close(c.events)
	backoff := c.opts.ReconnectMin

	for {
		ws, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
		if err == nil {
			backoff = c.opts.ReconnectMin
			c.serve(ctx, ws)
		} else {
			log.Warn().Err(err).Str("module", "client.conn").Str("url", c.opts.URL).Dur("retry_in", backoff).Msg("dial failed")
		}
		if ctx.Err() != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-c.opts.Clock.After(backoff):
		}
		if err != nil {
			backoff = min(backoff*2, c.opts.ReconnectMax)
		}
	}
}

func (c *Conn) serve(ctx context.Context, ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	rooms := append([]domain.RoomName(nil), c.rooms...)
	for _, room := range rooms {
		if err := c.writeLocked(domain.EventJoinRoom, string(room)); err != nil {
			log.Warn().Err(err).Str("module", "client.conn").Str("room", string(room)).Msg("rejoin failed")
		}
	}
	c.mu.Unlock()
	log.Info().Str("module", "client.conn").Str("url", c.opts.URL).Int("rooms", len(rooms)).Msg("connected")

	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()
	defer func() {
		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		_ = ws.Close()
	}()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Str("module", "client.conn").Msg("connection lost")
			}
			return
		}
		var env domain.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Warn().Err(err).Str("module", "client.conn").Msg("bad frame")
			continue
		}
		select {
		case c.events <- env:
		case <-ctx.Done():
			return
		}
	}
}
