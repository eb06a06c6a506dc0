package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/phcsync/internal/core"
	"github.com/dkeye/phcsync/internal/domain"
	"github.com/dkeye/phcsync/internal/metrics"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

const (
	defaultQueueSize     = 256
	defaultSweepInterval = 30 * time.Second
	busQueueSize         = 256
	busPublishTimeout    = 2 * time.Second
	stopTimeout          = 5 * time.Second
)

var ErrHubStopped = errors.New("hub stopped")

// Options configures a Hub. Zero values pick sensible defaults.
type Options struct {
	Clock      clockwork.Clock
	Policy     Policy
	Bus        Bus
	Metrics    *metrics.RelayMetrics
	InstanceID string
	QueueSize  int
	// StaleAfter enables garbage collection of connections without
	// activity for that long. Zero disables it.
	StaleAfter    time.Duration
	SweepInterval time.Duration
}

type hubCmd interface{ isHubCmd() }

type baseHubCmd struct{}

func (baseHubCmd) isHubCmd() {}

type connectCmd struct {
	baseHubCmd
	id   core.ConnID
	sink core.SignalConnection
}

type disconnectCmd struct {
	baseHubCmd
	id core.ConnID
}

type touchCmd struct {
	baseHubCmd
	id core.ConnID
}

type joinCmd struct {
	baseHubCmd
	id   core.ConnID
	room domain.RoomName
}

type leaveCmd struct {
	baseHubCmd
	id   core.ConnID
	room domain.RoomName
}

type relayCmd struct {
	baseHubCmd
	from   core.ConnID
	route  Route
	data   json.RawMessage
	remote bool
}

type roomsCmd struct {
	baseHubCmd
	reply chan []core.RoomInfo
}

type roomsOfCmd struct {
	baseHubCmd
	id    core.ConnID
	reply chan []domain.RoomName
}

type connCountCmd struct {
	baseHubCmd
	reply chan int
}

type stopCmd struct {
	baseHubCmd
}

// Hub is the relay dispatcher. A single goroutine owns the room registry
// and the connection table; every mutation and every fan-out goes through
// its command queue, which is what keeps per-room delivery in submission
// order.
type Hub struct {
	cmdCh chan hubCmd
	busCh chan BusMessage
	done  chan struct{}

	busDone  chan struct{}
	stopOnce sync.Once

	clock      clockwork.Clock
	registry   *core.Registry
	lifecycle  *Lifecycle
	policy     Policy
	bus        Bus
	metrics    *metrics.RelayMetrics
	instanceID string

	staleAfter    time.Duration
	sweepInterval time.Duration
}

// NewHub creates a hub and starts its loop. Call Stop on shutdown.
func NewHub(opts Options) *Hub {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Policy == nil {
		opts.Policy = SimplePolicy{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewRelayMetrics(prometheus.NewRegistry())
	}
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}

	registry := core.NewRegistry()
	h := &Hub{
		cmdCh:         make(chan hubCmd, opts.QueueSize),
		done:          make(chan struct{}),
		busDone:       make(chan struct{}),
		clock:         opts.Clock,
		registry:      registry,
		lifecycle:     NewLifecycle(opts.Clock, registry),
		policy:        opts.Policy,
		bus:           opts.Bus,
		metrics:       opts.Metrics,
		instanceID:    opts.InstanceID,
		staleAfter:    opts.StaleAfter,
		sweepInterval: opts.SweepInterval,
	}
	if h.bus != nil {
		h.busCh = make(chan BusMessage, busQueueSize)
		go h.publishLoop(h.busCh)
	} else {
		close(h.busDone)
	}
	go h.run()
	return h
}

func (h *Hub) InstanceID() string { return h.instanceID }

func (h *Hub) Connect(id core.ConnID, sink core.SignalConnection) error {
	return h.send(connectCmd{id: id, sink: sink})
}

// Disconnect clears every membership of id and closes its endpoint.
// Safe to call for unknown or already disconnected ids.
func (h *Hub) Disconnect(id core.ConnID) error {
	return h.send(disconnectCmd{id: id})
}

func (h *Hub) Touch(id core.ConnID) error {
	return h.send(touchCmd{id: id})
}

func (h *Hub) Join(id core.ConnID, room domain.RoomName) error {
	return h.send(joinCmd{id: id, room: room})
}

func (h *Hub) Leave(id core.ConnID, room domain.RoomName) error {
	return h.send(leaveCmd{id: id, room: room})
}

// Submit routes an inbound update event from conn and queues it for
// fan-out. Routing failures are returned so the transport can tell the
// sender; nothing about delivery is ever reported back.
func (h *Hub) Submit(from core.ConnID, event string, data json.RawMessage) error {
	route, err := RouteFor(event, data)
	if err != nil {
		h.metrics.EventsRejected.WithLabelValues(rejectReason(err)).Inc()
		log.Warn().Err(err).Str("module", "app.hub").Str("conn", string(from)).Str("event", event).Msg("event dropped")
		return err
	}
	return h.Relay(from, route, data)
}

// Relay queues data for every member of route.Room except from.
func (h *Hub) Relay(from core.ConnID, route Route, data json.RawMessage) error {
	return h.send(relayCmd{from: from, route: route, data: data})
}

// DeliverRemote fans out an event published by another instance. Messages
// this instance published itself are ignored.
func (h *Hub) DeliverRemote(msg BusMessage) error {
	if msg.Instance == h.instanceID {
		return nil
	}
	h.metrics.BusReceived.Inc()
	return h.send(relayCmd{
		from:   msg.From,
		route:  Route{Room: msg.Room, Event: msg.Event},
		data:   msg.Data,
		remote: true,
	})
}

// Rooms lists the non-empty rooms. It is served by the loop, so it also
// observes every command queued before it.
func (h *Hub) Rooms() []core.RoomInfo {
	reply := make(chan []core.RoomInfo, 1)
	if err := h.send(roomsCmd{reply: reply}); err != nil {
		return nil
	}
	select {
	case rooms := <-reply:
		return rooms
	case <-h.done:
		return nil
	}
}

func (h *Hub) RoomsOf(id core.ConnID) []domain.RoomName {
	reply := make(chan []domain.RoomName, 1)
	if err := h.send(roomsOfCmd{id: id, reply: reply}); err != nil {
		return nil
	}
	select {
	case rooms := <-reply:
		return rooms
	case <-h.done:
		return nil
	}
}

func (h *Hub) Connections() int {
	reply := make(chan int, 1)
	if err := h.send(connCountCmd{reply: reply}); err != nil {
		return 0
	}
	select {
	case n := <-reply:
		return n
	case <-h.done:
		return 0
	}
}

// Stop closes every connection and waits for the loop and the bus
// publisher to exit.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		_ = h.send(stopCmd{})

		timer := h.clock.NewTimer(stopTimeout)
		defer timer.Stop()
		select {
		case <-h.done:
		case <-timer.Chan():
			log.Warn().Str("module", "app.hub").Dur("timeout", stopTimeout).Msg("hub stop timed out")
			return
		}
		<-h.busDone
		log.Info().Str("module", "app.hub").Msg("hub stopped")
	})
}

func (h *Hub) send(cmd hubCmd) error {
	select {
	case <-h.done:
		return ErrHubStopped
	default:
	}
	select {
	case h.cmdCh <- cmd:
		return nil
	case <-h.done:
		return ErrHubStopped
	}
}

func (h *Hub) run() {
	defer close(h.done)
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "app.hub").Interface("panic", r).Msg("hub panic recovered")
			h.handleStop()
		}
	}()

	var sweep <-chan time.Time
	if h.staleAfter > 0 {
		ticker := h.clock.NewTicker(h.sweepInterval)
		defer ticker.Stop()
		sweep = ticker.Chan()
	}

	for {
		select {
		case cmd := <-h.cmdCh:
			h.metrics.QueueDepth.Set(float64(len(h.cmdCh)))
			if _, ok := cmd.(stopCmd); ok {
				h.handleStop()
				return
			}
			h.handle(cmd)
		case <-sweep:
			h.sweep()
		}
	}
}

func (h *Hub) handle(cmd hubCmd) {
	switch c := cmd.(type) {
	case connectCmd:
		h.lifecycle.Connect(c.id, c.sink)
		h.updateGauges()
	case disconnectCmd:
		h.disconnect(c.id)
	case touchCmd:
		h.lifecycle.Touch(c.id)
	case joinCmd:
		if _, err := h.lifecycle.Join(c.id, c.room); err != nil {
			log.Warn().Err(err).Str("module", "app.hub").Str("conn", string(c.id)).Str("room", string(c.room)).Msg("join ignored")
			return
		}
		h.updateGauges()
	case leaveCmd:
		h.lifecycle.Leave(c.id, c.room)
		h.updateGauges()
	case relayCmd:
		h.handleRelay(c)
	case roomsCmd:
		c.reply <- h.registry.Rooms()
	case roomsOfCmd:
		c.reply <- h.registry.RoomsOf(c.id)
	case connCountCmd:
		c.reply <- h.lifecycle.Len()
	default:
		log.Warn().Str("module", "app.hub").Str("command_type", fmt.Sprintf("%T", cmd)).Msg("unknown hub command")
	}
}

func (h *Hub) handleRelay(c relayCmd) {
	frame, err := json.Marshal(domain.Envelope{Type: c.route.Event, Data: c.data})
	if err != nil {
		h.metrics.EventsRejected.WithLabelValues("encode").Inc()
		log.Error().Err(err).Str("module", "app.hub").Str("conn", string(c.from)).Msg("relay encode")
		return
	}

	res := h.fanOut(c.from, c.route.Room, frame)
	h.metrics.EventsRelayed.WithLabelValues(c.route.Event).Inc()
	log.Debug().Str("module", "app.hub").Str("from", string(c.from)).Str("room", string(c.route.Room)).
		Str("event", c.route.Event).Bool("remote", c.remote).
		Int("sent_to", res.SentTo).Int("dropped", len(res.Dropped)).Msg("relay result")

	if !c.remote && h.busCh != nil {
		msg := BusMessage{Instance: h.instanceID, From: c.from, Room: c.route.Room, Event: c.route.Event, Data: c.data}
		select {
		case h.busCh <- msg:
		default:
			h.metrics.BusPublishFailures.Inc()
			log.Warn().Str("module", "app.hub").Str("room", string(c.route.Room)).Msg("bus queue full, event not published")
		}
	}
}

// fanOut hands frame to every member of room except from. A failing peer
// never stops delivery to the others.
func (h *Hub) fanOut(from core.ConnID, room domain.RoomName, frame core.Frame) core.PublishResult {
	res := core.PublishResult{}
	for _, id := range h.registry.MembersOf(room) {
		if id == from {
			continue
		}
		sink, ok := h.lifecycle.Sink(id)
		if !ok {
			continue
		}
		if err := sink.TrySend(frame); err != nil {
			res.Dropped = append(res.Dropped, id)
			h.onSendError(room, id, err)
			continue
		}
		res.SentTo++
	}
	h.metrics.Deliveries.Add(float64(res.SentTo))
	return res
}

func (h *Hub) onSendError(room domain.RoomName, id core.ConnID, err error) {
	if errors.Is(err, core.ErrBackpressure) {
		h.metrics.DeliveriesDropped.WithLabelValues(metrics.ReasonBackpressure).Inc()
		switch h.policy.OnBackPressure(room, id) {
		case KickMember:
			log.Warn().Str("module", "app.hub").Str("conn", string(id)).Str("room", string(room)).Msg("kicking slow member")
			h.metrics.SlowClientsEvicted.Inc()
			h.disconnect(id)
		case MarkSlow:
			log.Warn().Str("module", "app.hub").Str("conn", string(id)).Str("room", string(room)).Msg("slow member")
		case DropFrame, NoAction:
		}
		return
	}
	h.metrics.DeliveriesDropped.WithLabelValues(metrics.ReasonClosed).Inc()
	log.Debug().Err(err).Str("module", "app.hub").Str("conn", string(id)).Msg("peer unreachable, disconnecting")
	h.disconnect(id)
}

func (h *Hub) disconnect(id core.ConnID) {
	h.lifecycle.Disconnect(id)
	h.updateGauges()
}

func (h *Hub) sweep() {
	now := h.clock.Now()
	for _, id := range h.lifecycle.Stale(now, h.staleAfter) {
		log.Info().Str("module", "app.hub").Str("conn", string(id)).Dur("stale_after", h.staleAfter).Msg("evicting stale connection")
		h.metrics.StaleEvicted.Inc()
		h.disconnect(id)
	}
}

func (h *Hub) handleStop() {
	for _, id := range h.lifecycle.IDs() {
		h.lifecycle.Disconnect(id)
	}
	h.updateGauges()
	if h.busCh != nil {
		close(h.busCh)
		h.busCh = nil
	}
}

func (h *Hub) updateGauges() {
	h.metrics.ActiveConnections.Set(float64(h.lifecycle.Len()))
	h.metrics.ActiveRooms.Set(float64(h.registry.RoomCount()))
}

// publishLoop hands relay events to the bus in order, off the hub loop.
func (h *Hub) publishLoop(queue <-chan BusMessage) {
	defer close(h.busDone)
	for msg := range queue {
		ctx, cancel := context.WithTimeout(context.Background(), busPublishTimeout)
		err := h.bus.Publish(ctx, msg)
		cancel()
		if err != nil {
			h.metrics.BusPublishFailures.Inc()
			log.Error().Err(err).Str("module", "app.hub").Str("room", string(msg.Room)).Msg("bus publish")
			continue
		}
		h.metrics.BusPublished.Inc()
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrMissingPatientID):
		return "missing_patient_id"
	case errors.Is(err, domain.ErrUnknownEvent):
		return "unknown_event"
	default:
		return "malformed"
	}
}
