package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/phcsync/internal/core"
	"github.com/dkeye/phcsync/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

const (
	defaultSendBuffer = 32
	defaultReadLimit  = 64 << 10
	defaultWriteWait  = 5 * time.Second
	defaultPongWait   = 60 * time.Second
)

// Relay is the part of the hub the socket controller drives.
type Relay interface {
	Connect(id core.ConnID, sink core.SignalConnection) error
	Disconnect(id core.ConnID) error
	Touch(id core.ConnID) error
	Join(id core.ConnID, room domain.RoomName) error
	Leave(id core.ConnID, room domain.RoomName) error
	Submit(from core.ConnID, event string, data json.RawMessage) error
}

type Options struct {
	Clock      clockwork.Clock
	SendBuffer int
	ReadLimit  int64
	WriteWait  time.Duration
	PongWait   time.Duration
	// PingPeriod must be shorter than PongWait.
	PingPeriod time.Duration
	// UpdateLimit caps update events per connection within UpdateInterval.
	// Zero disables the limit.
	UpdateLimit    int
	UpdateInterval time.Duration
}

type SignalWSController struct {
	relay   Relay
	opts    Options
	clock   clockwork.Clock
	limiter *UpdateLimiter
}

func NewSignalWSController(relay Relay, opts Options) *SignalWSController {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = defaultWriteWait
	}
	if opts.PongWait <= 0 {
		opts.PongWait = defaultPongWait
	}
	if opts.PingPeriod <= 0 || opts.PingPeriod >= opts.PongWait {
		opts.PingPeriod = opts.PongWait * 9 / 10
	}
	return &SignalWSController{
		relay:   relay,
		opts:    opts,
		clock:   opts.Clock,
		limiter: NewUpdateLimiter(opts.Clock, opts.UpdateLimit, opts.UpdateInterval),
	}
}

// wsSignalConn is the hub-facing sink of one socket. Frames queue in send
// and are written by the write pump in order.
type wsSignalConn struct {
	id   core.ConnID
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *wsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *wsSignalConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and runs the socket until either side
// goes away. Every socket gets its own connection ID, so two tabs sharing a
// client token are still distinct senders.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	token := c.GetString("client_token")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := &wsSignalConn{
		id:   core.NewConnID(),
		conn: ws,
		send: make(chan core.Frame, ctl.opts.SendBuffer),
	}
	log.Info().Str("module", "signal").Str("conn", string(conn.id)).Str("client", token).Msg("new WS connection")

	if err := ctl.relay.Connect(conn.id, conn); err != nil {
		log.Error().Err(err).Str("module", "signal").Str("conn", string(conn.id)).Msg("relay connect")
		conn.Close()
		return
	}

	go ctl.writePump(ctx, conn)
	go ctl.readPump(conn)
}
