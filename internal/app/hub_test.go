package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/phcsync/internal/core"
	"github.com/dkeye/phcsync/internal/domain"
	"github.com/dkeye/phcsync/internal/metrics"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSink records every frame handed to it.
type fakeSink struct {
	mu     sync.Mutex
	frames []domain.Envelope
	closed bool
	full   bool
}

func (s *fakeSink) TrySend(f core.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrConnClosed
	}
	if s.full {
		return core.ErrBackpressure
	}
	var env domain.Envelope
	if err := json.Unmarshal(f, &env); err != nil {
		return err
	}
	s.frames = append(s.frames, env)
	return nil
}

func (s *fakeSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSink) Frames() []domain.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Envelope, len(s.frames))
	copy(out, s.frames)
	return out
}

func (s *fakeSink) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeBus struct {
	mu   sync.Mutex
	msgs []BusMessage
}

func (b *fakeBus) Publish(_ context.Context, msg BusMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, msg)
	return nil
}

func (b *fakeBus) Messages() []BusMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]BusMessage, len(b.msgs))
	copy(out, b.msgs)
	return out
}

func newTestHub(t *testing.T, opts Options) *Hub {
	t.Helper()
	h := NewHub(opts)
	t.Cleanup(h.Stop)
	return h
}

func connect(t *testing.T, h *Hub, id core.ConnID, rooms ...domain.RoomName) *fakeSink {
	t.Helper()
	sink := &fakeSink{}
	require.NoError(t, h.Connect(id, sink))
	for _, room := range rooms {
		require.NoError(t, h.Join(id, room))
	}
	return sink
}

// drain waits until the hub loop has processed everything queued so far.
func drain(h *Hub) { h.Rooms() }

func TestHub_StaffUpdateReachesPatientRoomExceptSender(t *testing.T) {
	h := newTestHub(t, Options{})
	room := domain.PatientRoom("42")
	a := connect(t, h, "A", room)
	b := connect(t, h, "B", room)

	payload := json.RawMessage(`{"patientId":"42","riskLevel":"high"}`)
	require.NoError(t, h.Submit("A", domain.EventStaffUpdate, payload))
	drain(h)

	require.Len(t, b.Frames(), 1)
	assert.Equal(t, domain.EventStaffDataUpdated, b.Frames()[0].Type)
	assert.JSONEq(t, string(payload), string(b.Frames()[0].Data))
	assert.Empty(t, a.Frames())
}

func TestHub_PatientUpdateGoesToStaffRoom(t *testing.T) {
	h := newTestHub(t, Options{})
	patient := connect(t, h, "patient", domain.PatientRoom("7"))
	staff1 := connect(t, h, "staff1", domain.StaffRoom)
	staff2 := connect(t, h, "staff2", domain.StaffRoom)
	other := connect(t, h, "other", domain.PatientRoom("7"))

	require.NoError(t, h.Submit("patient", domain.EventPatientUpdate, json.RawMessage(`{"patientId":"7","phone":"+1"}`)))
	drain(h)

	for _, s := range []*fakeSink{staff1, staff2} {
		require.Len(t, s.Frames(), 1)
		assert.Equal(t, domain.EventPatientDataUpdated, s.Frames()[0].Type)
	}
	assert.Empty(t, patient.Frames())
	assert.Empty(t, other.Frames())
}

func TestHub_NeverEchoesToSender(t *testing.T) {
	h := newTestHub(t, Options{})
	sinks := map[core.ConnID]*fakeSink{}
	for i := range 6 {
		id := core.ConnID(fmt.Sprintf("c%d", i))
		sinks[id] = connect(t, h, id, domain.StaffRoom)
		if i%2 == 0 {
			require.NoError(t, h.Join(id, domain.PatientRoom("1")))
		}
	}

	for id := range sinks {
		require.NoError(t, h.Submit(id, domain.EventPatientUpdate, json.RawMessage(`{"patientId":"1","origin":"`+string(id)+`"}`)))
		require.NoError(t, h.Submit(id, domain.EventStaffUpdate, json.RawMessage(`{"patientId":"1","origin":"`+string(id)+`"}`)))
	}
	drain(h)

	for id, s := range sinks {
		for _, f := range s.Frames() {
			var body struct {
				Origin string `json:"origin"`
			}
			require.NoError(t, json.Unmarshal(f.Data, &body))
			assert.NotEqual(t, string(id), body.Origin, "connection %s received its own event", id)
		}
	}
	// every staff member gets the other five patient updates
	for _, s := range sinks {
		n := 0
		for _, f := range s.Frames() {
			if f.Type == domain.EventPatientDataUpdated {
				n++
			}
		}
		assert.Equal(t, 5, n)
	}
}

func TestHub_PreservesSubmissionOrderWithinRoom(t *testing.T) {
	h := newTestHub(t, Options{})
	connect(t, h, "A", domain.StaffRoom)
	b := connect(t, h, "B", domain.StaffRoom)
	c := connect(t, h, "C", domain.StaffRoom)

	const n = 100
	for i := range n {
		from := core.ConnID("A")
		if i%3 == 0 {
			from = "C"
		}
		data := json.RawMessage(`{"patientId":"1","seq":` + strconv.Itoa(i) + `}`)
		require.NoError(t, h.Submit(from, domain.EventPatientUpdate, data))
	}
	drain(h)

	seqs := func(s *fakeSink) []int {
		var out []int
		for _, f := range s.Frames() {
			var body struct {
				Seq int `json:"seq"`
			}
			require.NoError(t, json.Unmarshal(f.Data, &body))
			out = append(out, body.Seq)
		}
		return out
	}

	bSeq := seqs(b)
	require.Len(t, bSeq, n)
	for i := 1; i < len(bSeq); i++ {
		assert.Less(t, bSeq[i-1], bSeq[i])
	}
	cSeq := seqs(c)
	for i := 1; i < len(cSeq); i++ {
		assert.Less(t, cSeq[i-1], cSeq[i])
	}
}

func TestHub_DisconnectAfterJoiningTwoRooms(t *testing.T) {
	h := newTestHub(t, Options{})
	gone := connect(t, h, "gone", domain.StaffRoom, domain.PatientRoom("42"))
	staff := connect(t, h, "staff", domain.StaffRoom)
	patient := connect(t, h, "patient", domain.PatientRoom("42"))

	require.NoError(t, h.Disconnect("gone"))
	require.NoError(t, h.Submit("patient", domain.EventPatientUpdate, json.RawMessage(`{"patientId":"42"}`)))
	require.NoError(t, h.Submit("staff", domain.EventStaffUpdate, json.RawMessage(`{"patientId":"42"}`)))
	drain(h)

	assert.True(t, gone.IsClosed())
	assert.Empty(t, gone.Frames())
	assert.Len(t, staff.Frames(), 1)
	assert.Len(t, patient.Frames(), 1)
	assert.Empty(t, h.RoomsOf("gone"))
	assert.Equal(t, 2, h.Connections())

	// a second disconnect of the same connection is harmless
	require.NoError(t, h.Disconnect("gone"))
	assert.Equal(t, 2, h.Connections())
}

func TestHub_StaffUpdateWithoutPatientIDIsDropped(t *testing.T) {
	m := metrics.NewRelayMetrics(prometheus.NewRegistry())
	h := newTestHub(t, Options{Metrics: m})
	connect(t, h, "A", domain.StaffRoom)
	b := connect(t, h, "B", domain.StaffRoom)

	err := h.Submit("A", domain.EventStaffUpdate, json.RawMessage(`{"riskLevel":"high"}`))
	require.ErrorIs(t, err, domain.ErrMissingPatientID)
	drain(h)

	assert.Empty(t, b.Frames())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsRejected.WithLabelValues("missing_patient_id")))
}

func TestHub_KicksSlowMember(t *testing.T) {
	m := metrics.NewRelayMetrics(prometheus.NewRegistry())
	h := newTestHub(t, Options{Metrics: m})
	connect(t, h, "A", domain.StaffRoom)
	slow := connect(t, h, "slow", domain.StaffRoom)
	fast := connect(t, h, "fast", domain.StaffRoom)
	slow.mu.Lock()
	slow.full = true
	slow.mu.Unlock()

	require.NoError(t, h.Submit("A", domain.EventPatientUpdate, json.RawMessage(`{"patientId":"1"}`)))
	drain(h)

	assert.True(t, slow.IsClosed())
	assert.Len(t, fast.Frames(), 1)
	assert.Equal(t, []core.RoomInfo{{Name: domain.StaffRoom, MemberCount: 2}}, h.Rooms())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SlowClientsEvicted))
}

func TestHub_DropPolicyKeepsSlowMember(t *testing.T) {
	h := newTestHub(t, Options{Policy: DropPolicy{}})
	connect(t, h, "A", domain.StaffRoom)
	slow := connect(t, h, "slow", domain.StaffRoom)
	slow.mu.Lock()
	slow.full = true
	slow.mu.Unlock()

	require.NoError(t, h.Submit("A", domain.EventPatientUpdate, json.RawMessage(`{"patientId":"1"}`)))
	drain(h)

	assert.False(t, slow.IsClosed())
	assert.Equal(t, []core.RoomInfo{{Name: domain.StaffRoom, MemberCount: 2}}, h.Rooms())
}

func TestHub_ClosedPeerDoesNotStopFanOut(t *testing.T) {
	h := newTestHub(t, Options{})
	connect(t, h, "A", domain.StaffRoom)
	dead := connect(t, h, "dead", domain.StaffRoom)
	alive := connect(t, h, "alive", domain.StaffRoom)
	dead.Close()

	require.NoError(t, h.Submit("A", domain.EventPatientUpdate, json.RawMessage(`{"patientId":"1"}`)))
	drain(h)

	assert.Len(t, alive.Frames(), 1)
	assert.Empty(t, h.RoomsOf("dead"))
}

func TestHub_JoinBeforeConnectIsIgnored(t *testing.T) {
	h := newTestHub(t, Options{})
	require.NoError(t, h.Join("ghost", domain.StaffRoom))
	assert.Empty(t, h.Rooms())
}

func TestHub_LeaveRoom(t *testing.T) {
	h := newTestHub(t, Options{})
	connect(t, h, "A", domain.StaffRoom)
	b := connect(t, h, "B", domain.StaffRoom, domain.PatientRoom("3"))

	require.NoError(t, h.Leave("B", domain.StaffRoom))
	require.NoError(t, h.Submit("A", domain.EventPatientUpdate, json.RawMessage(`{"patientId":"3"}`)))
	drain(h)

	assert.Empty(t, b.Frames())
	assert.Equal(t, []domain.RoomName{domain.PatientRoom("3")}, h.RoomsOf("B"))
}

func TestHub_SweepsStaleConnections(t *testing.T) {
	fc := clockwork.NewFakeClock()
	m := metrics.NewRelayMetrics(prometheus.NewRegistry())
	h := newTestHub(t, Options{Clock: fc, Metrics: m, StaleAfter: time.Minute, SweepInterval: 10 * time.Second})
	idle := connect(t, h, "idle", domain.StaffRoom)
	busy := connect(t, h, "busy", domain.StaffRoom)
	drain(h)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, fc.BlockUntilContext(ctx, 1))

	fc.Advance(50 * time.Second)
	require.NoError(t, h.Touch("busy"))
	drain(h)
	fc.Advance(20 * time.Second)

	require.Eventually(t, idle.IsClosed, time.Second, 5*time.Millisecond)
	assert.False(t, busy.IsClosed())
	assert.Equal(t, 1, h.Connections())
	assert.Equal(t, []core.RoomInfo{{Name: domain.StaffRoom, MemberCount: 1}}, h.Rooms())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StaleEvicted))
}

func TestHub_PublishesLocalRelaysToBus(t *testing.T) {
	bus := &fakeBus{}
	h := newTestHub(t, Options{Bus: bus, InstanceID: "node-1"})
	connect(t, h, "A", domain.PatientRoom("42"))

	require.NoError(t, h.Submit("A", domain.EventStaffUpdate, json.RawMessage(`{"patientId":"42"}`)))
	require.NoError(t, h.DeliverRemote(BusMessage{Instance: "node-2", From: "X", Room: domain.PatientRoom("42"), Event: domain.EventStaffDataUpdated, Data: json.RawMessage(`{}`)}))
	drain(h)

	require.Eventually(t, func() bool { return len(bus.Messages()) == 1 }, time.Second, 5*time.Millisecond)
	msg := bus.Messages()[0]
	assert.Equal(t, "node-1", msg.Instance)
	assert.Equal(t, core.ConnID("A"), msg.From)
	assert.Equal(t, domain.PatientRoom("42"), msg.Room)
	assert.Equal(t, domain.EventStaffDataUpdated, msg.Event)
}

func TestHub_DeliverRemote(t *testing.T) {
	h := newTestHub(t, Options{InstanceID: "node-1"})
	local := connect(t, h, "local", domain.StaffRoom)

	own := BusMessage{Instance: "node-1", From: "x", Room: domain.StaffRoom, Event: domain.EventPatientDataUpdated, Data: json.RawMessage(`{"patientId":"1"}`)}
	require.NoError(t, h.DeliverRemote(own))
	drain(h)
	assert.Empty(t, local.Frames())

	remote := own
	remote.Instance = "node-2"
	require.NoError(t, h.DeliverRemote(remote))
	drain(h)
	require.Len(t, local.Frames(), 1)
	assert.Equal(t, domain.EventPatientDataUpdated, local.Frames()[0].Type)

	// the origin connection is excluded even when it is known locally
	echo := remote
	echo.From = "local"
	require.NoError(t, h.DeliverRemote(echo))
	drain(h)
	assert.Len(t, local.Frames(), 1)
}

func TestHub_StopClosesConnections(t *testing.T) {
	h := NewHub(Options{})
	a := connect(t, h, "A", domain.StaffRoom)

	h.Stop()
	h.Stop()

	assert.True(t, a.IsClosed())
	assert.ErrorIs(t, h.Join("A", domain.StaffRoom), ErrHubStopped)
	assert.Nil(t, h.Rooms())
}
