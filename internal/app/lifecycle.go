package app

import (
	"errors"
	"slices"
	"time"

	"github.com/dkeye/phcsync/internal/core"
	"github.com/dkeye/phcsync/internal/domain"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

var ErrUnknownConn = errors.New("unknown connection")

type connEntry struct {
	sink        core.SignalConnection
	connectedAt time.Time
	lastSeen    time.Time
}

// Lifecycle tracks live connections and drives their room memberships.
// It is not safe for concurrent use; the hub loop owns it.
type Lifecycle struct {
	clock    clockwork.Clock
	registry *core.Registry
	conns    map[core.ConnID]*connEntry
}

func NewLifecycle(clock clockwork.Clock, registry *core.Registry) *Lifecycle {
	return &Lifecycle{
		clock:    clock,
		registry: registry,
		conns:    make(map[core.ConnID]*connEntry),
	}
}

// Connect binds a transport endpoint to id. Connecting an id that is
// already known swaps its endpoint and keeps its memberships, so a resumed
// connection is back in its rooms without rejoining.
func (l *Lifecycle) Connect(id core.ConnID, sink core.SignalConnection) (resumed bool) {
	now := l.clock.Now()
	if e, ok := l.conns[id]; ok {
		if e.sink != sink {
			e.sink.Close()
		}
		e.sink = sink
		e.lastSeen = now
		log.Info().Str("module", "app.lifecycle").Str("conn", string(id)).
			Int("rooms", len(l.registry.RoomsOf(id))).Msg("connection resumed")
		return true
	}
	l.conns[id] = &connEntry{sink: sink, connectedAt: now, lastSeen: now}
	log.Info().Str("module", "app.lifecycle").Str("conn", string(id)).Msg("connected")
	return false
}

// Touch records activity on id.
func (l *Lifecycle) Touch(id core.ConnID) bool {
	e, ok := l.conns[id]
	if !ok {
		return false
	}
	e.lastSeen = l.clock.Now()
	return true
}

func (l *Lifecycle) Join(id core.ConnID, room domain.RoomName) (bool, error) {
	if _, ok := l.conns[id]; !ok {
		return false, ErrUnknownConn
	}
	return l.registry.Join(id, room), nil
}

func (l *Lifecycle) Leave(id core.ConnID, room domain.RoomName) bool {
	return l.registry.Leave(id, room)
}

// Disconnect closes the endpoint of id and clears its memberships. Unknown
// ids are a no-op.
func (l *Lifecycle) Disconnect(id core.ConnID) ([]domain.RoomName, bool) {
	e, ok := l.conns[id]
	rooms := l.registry.LeaveAll(id)
	if !ok {
		return rooms, false
	}
	delete(l.conns, id)
	e.sink.Close()
	log.Info().Str("module", "app.lifecycle").Str("conn", string(id)).
		Strs("rooms", roomStrings(rooms)).Dur("age", l.clock.Since(e.connectedAt)).Msg("disconnected")
	return rooms, true
}

func (l *Lifecycle) Sink(id core.ConnID) (core.SignalConnection, bool) {
	e, ok := l.conns[id]
	if !ok {
		return nil, false
	}
	return e.sink, true
}

// Stale returns connections with no activity for longer than after.
func (l *Lifecycle) Stale(now time.Time, after time.Duration) []core.ConnID {
	var out []core.ConnID
	for id, e := range l.conns {
		if now.Sub(e.lastSeen) > after {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

func (l *Lifecycle) IDs() []core.ConnID {
	out := make([]core.ConnID, 0, len(l.conns))
	for id := range l.conns {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (l *Lifecycle) Len() int { return len(l.conns) }

func roomStrings(rooms []domain.RoomName) []string {
	out := make([]string, len(rooms))
	for i, r := range rooms {
		out[i] = string(r)
	}
	return out
}
