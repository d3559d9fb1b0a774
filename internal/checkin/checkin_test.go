package checkin

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/checkpoint/internal/audit"
	"github.com/andresmejia3/checkpoint/internal/capture"
	"github.com/andresmejia3/checkpoint/internal/gate"
	"github.com/andresmejia3/checkpoint/internal/metrics"
	"github.com/andresmejia3/checkpoint/internal/store"
	"github.com/andresmejia3/checkpoint/internal/types"
	"github.com/andresmejia3/checkpoint/internal/vault"
)

// fixedCodec sees one centred face in every frame and encodes it as probe.
type fixedCodec struct {
	probe types.IdentityVector
}

func (c fixedCodec) Detect(types.Frame) (types.FaceRegion, error) {
	return types.FaceRegion{X: 30, Y: 30, Width: 40, Height: 40}, nil
}

func (c fixedCodec) Encode(types.Frame, types.FaceRegion) (types.IdentityVector, error) {
	return c.probe, nil
}

type loopSource struct{}

func (loopSource) Next(ctx context.Context) (types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return types.Frame{}, err
	}
	return types.Frame{Width: 100, Height: 100, Pix: make([]byte, 100*100*3)}, nil
}

type blockingSource struct{}

func (blockingSource) Next(ctx context.Context) (types.Frame, error) {
	<-ctx.Done()
	return types.Frame{}, ctx.Err()
}

type memVault struct {
	mu   sync.Mutex
	recs map[string]types.IdentityVector
}

func newMemVault() *memVault { return &memVault{recs: map[string]types.IdentityVector{}} }

func (v *memVault) LoadAll() (map[string]types.IdentityVector, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]types.IdentityVector, len(v.recs))
	for k, vec := range v.recs {
		out[k] = vec
	}
	return out, nil
}

func (v *memVault) Load(id string) (types.IdentityVector, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	vec, ok := v.recs[id]
	if !ok {
		return types.IdentityVector{}, vault.ErrNotFound
	}
	return vec, nil
}

func (v *memVault) Save(id string, vec types.IdentityVector) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.recs[id] = vec
	return nil
}

func (v *memVault) Delete(id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.recs, id)
	return nil
}

type memTickets struct {
	passengers map[int64]types.Passenger
	tickets    map[int64]types.Ticket
	checkInErr error
	linkErr    error
}

func newMemTickets() *memTickets {
	return &memTickets{passengers: map[int64]types.Passenger{}, tickets: map[int64]types.Ticket{}}
}

func (m *memTickets) FindPassengerByFaceRef(_ context.Context, ref string) (types.Passenger, error) {
	for _, p := range m.passengers {
		if p.FaceRef == ref {
			return p, nil
		}
	}
	return types.Passenger{}, store.ErrNotFound
}

func (m *memTickets) GetPassenger(_ context.Context, id int64) (types.Passenger, error) {
	p, ok := m.passengers[id]
	if !ok {
		return types.Passenger{}, store.ErrNotFound
	}
	return p, nil
}

func (m *memTickets) BookedTicketForPassenger(_ context.Context, id int64) (types.Ticket, error) {
	for _, t := range m.tickets {
		if t.PassengerID == id && t.Status == types.TicketBooked {
			return t, nil
		}
	}
	return types.Ticket{}, store.ErrNotFound
}

func (m *memTickets) GetTicketByNumber(_ context.Context, number string) (types.Ticket, error) {
	for _, t := range m.tickets {
		if t.TicketNumber == number {
			return t, nil
		}
	}
	return types.Ticket{}, store.ErrNotFound
}

func (m *memTickets) CheckIn(_ context.Context, id int64) (types.Ticket, error) {
	if m.checkInErr != nil {
		return types.Ticket{}, m.checkInErr
	}
	t, ok := m.tickets[id]
	if !ok {
		return types.Ticket{}, store.ErrNotFound
	}
	if t.Status != types.TicketBooked {
		return types.Ticket{}, store.ErrInvalidTransition
	}
	now := time.Now()
	t.Status, t.Seat, t.Gate, t.CheckedInAt = types.TicketCheckedIn, "12A", "B7", &now
	m.tickets[id] = t
	return t, nil
}

func (m *memTickets) ResetCheckIn(ctx context.Context, number string) (types.Ticket, error) {
	t, err := m.GetTicketByNumber(ctx, number)
	if err != nil {
		return t, err
	}
	if t.Status != types.TicketCheckedIn {
		return types.Ticket{}, store.ErrInvalidTransition
	}
	t.Status, t.Seat, t.Gate, t.CheckedInAt = types.TicketBooked, "", "", nil
	m.tickets[t.ID] = t
	return t, nil
}

func (m *memTickets) CleanupOldCheckIns(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

func (m *memTickets) SetFaceRef(_ context.Context, id int64, ref string) error {
	if m.linkErr != nil {
		return m.linkErr
	}
	p, ok := m.passengers[id]
	if !ok {
		return store.ErrNotFound
	}
	p.FaceRef = ref
	m.passengers[id] = p
	return nil
}

func (m *memTickets) ClearFaceRef(_ context.Context, ref string) error {
	for id, p := range m.passengers {
		if p.FaceRef == ref {
			p.FaceRef = ""
			m.passengers[id] = p
		}
	}
	return nil
}

type recordingGate struct {
	mu   sync.Mutex
	cmds []gate.Command
}

func (g *recordingGate) Dispatch(cmds ...gate.Command) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cmds = append(g.cmds, cmds...)
}

func (g *recordingGate) Commands() []gate.Command {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]gate.Command(nil), g.cmds...)
}

func (g *recordingGate) Count(cmd gate.Command) int {
	n := 0
	for _, c := range g.Commands() {
		if c == cmd {
			n++
		}
	}
	return n
}

type fixture struct {
	orch    *Orchestrator
	vault   *memVault
	tickets *memTickets
	gate    *recordingGate
	audit   *audit.Memory
	metrics *metrics.Metrics
}

// newFixture enrolls passenger 1 ("Ana Lopez") as "p1" at the origin with one
// BOOKED ticket TK-AAA111, and scans probe on every frame.
func newFixture(t *testing.T, probe []float64) *fixture {
	t.Helper()
	f := &fixture{
		vault:   newMemVault(),
		tickets: newMemTickets(),
		gate:    &recordingGate{},
		audit:   &audit.Memory{},
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	require.NoError(t, f.vault.Save("p1", types.NewIdentityVector([]float64{0, 0, 0, 0})))
	f.tickets.passengers[1] = types.Passenger{ID: 1, FirstName: "Ana", LastName: "Lopez", FaceRef: "p1"}
	f.tickets.tickets[10] = types.Ticket{ID: 10, TicketNumber: "TK-AAA111", PassengerID: 1, Status: types.TicketBooked}

	cfg := DefaultConfig()
	cfg.Capture.K = 3
	f.orch = New(cfg, fixedCodec{probe: types.NewIdentityVector(probe)}, f.vault, f.tickets, f.gate,
		WithMetrics(f.metrics),
		WithAudit(audit.New(audit.WithSink(f.audit))),
	)
	return f
}

func TestCheckInSuccessAtConfidence60(t *testing.T) {
	f := newFixture(t, []float64{0.4, 0, 0, 0})

	res, err := f.orch.CheckIn(context.Background(), loopSource{})
	require.NoError(t, err)

	assert.Equal(t, Success, res.State)
	assert.Equal(t, ReasonNone, res.Reason)
	assert.Equal(t, "p1", res.Match.PersonID)
	assert.InDelta(t, 0.60, res.Match.Confidence, 1e-9)
	assert.Equal(t, types.TicketCheckedIn, f.tickets.tickets[10].Status)
	assert.Equal(t, "12A", res.Ticket.Seat)
	assert.Equal(t, "Ana Lopez", res.Passenger.FullName())

	assert.Equal(t, []gate.Command{gate.LEDBlue, gate.LEDGreen, gate.BuzzerSuccess, gate.OpenGate}, f.gate.Commands())
	assert.Equal(t, 1, f.gate.Count(gate.OpenGate))
	assert.Equal(t, []string{types.EventCheckInSuccess}, f.audit.Types())
	assert.Equal(t, "TK-AAA111", f.audit.Events()[0].TicketRef)
	assert.Equal(t, Success, f.orch.State())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CheckInOutcome.WithLabelValues("SUCCESS", "")))
}

func TestCheckInRejectedAtConfidence40(t *testing.T) {
	f := newFixture(t, []float64{0.6, 0, 0, 0})

	res, err := f.orch.CheckIn(context.Background(), loopSource{})
	require.NoError(t, err)

	assert.Equal(t, Failed, res.State)
	assert.Equal(t, ReasonNoMatch, res.Reason)
	assert.False(t, res.Match.Matched)
	assert.InDelta(t, 0.40, res.Match.Confidence, 1e-9)
	assert.ErrorIs(t, res.Err(), ErrNoMatch)
	assert.Equal(t, types.TicketBooked, f.tickets.tickets[10].Status)

	assert.Equal(t, []gate.Command{gate.LEDBlue, gate.LEDRed, gate.BuzzerError}, f.gate.Commands())
	assert.Zero(t, f.gate.Count(gate.OpenGate))
	assert.Equal(t, []string{types.EventCheckInFailed}, f.audit.Types())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CheckInOutcome.WithLabelValues("FAILED", "NO_MATCH")))
}

func TestCheckInAmbiguous(t *testing.T) {
	f := newFixture(t, []float64{0.1, 0, 0, 0})
	require.NoError(t, f.vault.Save("p2", types.NewIdentityVector([]float64{0, 0, 0, 0})))

	res, err := f.orch.CheckIn(context.Background(), loopSource{})
	require.NoError(t, err)
	assert.Equal(t, Failed, res.State)
	assert.Equal(t, ReasonAmbiguousMatch, res.Reason)
	assert.ErrorIs(t, res.Err(), ErrNoMatch)
	assert.InDelta(t, 0.9, res.Match.Confidence, 1e-9)
	assert.False(t, res.Match.Matched)
	assert.Zero(t, f.gate.Count(gate.OpenGate))
	assert.Equal(t, types.TicketBooked, f.tickets.tickets[10].Status)

	require.Len(t, f.audit.Events(), 1)
	assert.Contains(t, f.audit.Events()[0].Detail, "confidence=0.9000")
}

func TestCheckInSkipsEnrollmentOfOtherDimension(t *testing.T) {
	f := newFixture(t, []float64{0.4, 0, 0, 0})
	require.NoError(t, f.vault.Save("old", types.NewIdentityVector([]float64{0.4, 0})))

	res, err := f.orch.CheckIn(context.Background(), loopSource{})
	require.NoError(t, err)
	assert.Equal(t, Success, res.State)
	assert.Equal(t, "p1", res.Match.PersonID)
	assert.InDelta(t, 0.60, res.Match.Confidence, 1e-9)
	assert.Equal(t, 1, f.gate.Count(gate.OpenGate))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CorruptRecords))
}

func TestCheckInNoBookedTicket(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
	}{
		{"already checked in", func(f *fixture) {
			tk := f.tickets.tickets[10]
			tk.Status = types.TicketCheckedIn
			f.tickets.tickets[10] = tk
		}},
		{"cancelled ticket", func(f *fixture) {
			tk := f.tickets.tickets[10]
			tk.Status = types.TicketCancelled
			f.tickets.tickets[10] = tk
		}},
		{"enrollment without passenger", func(f *fixture) {
			p := f.tickets.passengers[1]
			p.FaceRef = ""
			f.tickets.passengers[1] = p
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, []float64{0.1, 0, 0, 0})
			tt.setup(f)

			res, err := f.orch.CheckIn(context.Background(), loopSource{})
			require.NoError(t, err)
			assert.Equal(t, Failed, res.State)
			assert.Equal(t, ReasonNoBookedTicket, res.Reason)
			assert.ErrorIs(t, res.Err(), ErrNoBookedTicket)
			assert.Zero(t, f.gate.Count(gate.OpenGate))
		})
	}
}

func TestCommitFailureSendsNoGateCommand(t *testing.T) {
	f := newFixture(t, []float64{0.1, 0, 0, 0})
	f.tickets.checkInErr = errors.New("connection reset")

	res, err := f.orch.CheckIn(context.Background(), loopSource{})
	require.ErrorIs(t, err, ErrCommitFailed)
	assert.Equal(t, Failed, res.State)
	assert.Equal(t, ReasonCommitFailed, res.Reason)
	assert.Equal(t, []gate.Command{gate.LEDBlue, gate.LEDRed, gate.BuzzerError}, f.gate.Commands())
	assert.Equal(t, types.TicketBooked, f.tickets.tickets[10].Status)
}

func TestCheckInCancelled(t *testing.T) {
	f := newFixture(t, []float64{0.1, 0, 0, 0})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.orch.CheckIn(ctx, blockingSource{})
	require.ErrorIs(t, err, capture.ErrAborted)
	assert.Equal(t, Cancelled, res.State)
	assert.Equal(t, ReasonAborted, res.Reason)
	assert.Equal(t, []string{types.EventCheckInCancelled}, f.audit.Types())
	assert.Zero(t, f.gate.Count(gate.OpenGate))
	assert.Equal(t, types.TicketBooked, f.tickets.tickets[10].Status)
}

func TestCheckInSessionTimeout(t *testing.T) {
	f := newFixture(t, []float64{0.1, 0, 0, 0})
	f.orch.cfg.SessionTimeout = 20 * time.Millisecond

	res, err := f.orch.CheckIn(context.Background(), blockingSource{})
	require.ErrorIs(t, err, capture.ErrTimeout)
	assert.Equal(t, Cancelled, res.State)
	assert.Equal(t, ReasonTimeout, res.Reason)
}

func TestCheckInWithoutTicketStore(t *testing.T) {
	o := New(DefaultConfig(), fixedCodec{}, newMemVault(), nil, nil)
	res, err := o.CheckIn(context.Background(), loopSource{})
	require.ErrorIs(t, err, ErrNotConfigured)
	assert.Equal(t, Failed, res.State)
}

func TestStateHook(t *testing.T) {
	f := newFixture(t, []float64{0.1, 0, 0, 0})
	var states []State
	f.orch.onState = func(s State) { states = append(states, s) }

	_, err := f.orch.CheckIn(context.Background(), loopSource{})
	require.NoError(t, err)
	assert.Equal(t, []State{Scanning, Matching, Success}, states)
}

func TestCheckInByTicket(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.orch.CheckInByTicket(context.Background(), "TK-AAA111")
	require.NoError(t, err)
	assert.Equal(t, Success, res.State)
	assert.Equal(t, "Ana Lopez", res.Passenger.FullName())
	assert.Equal(t, 1, f.gate.Count(gate.OpenGate))

	res, err = f.orch.CheckInByTicket(context.Background(), "TK-AAA111")
	require.NoError(t, err)
	assert.Equal(t, ReasonNoBookedTicket, res.Reason)

	res, err = f.orch.CheckInByTicket(context.Background(), "TK-NOPE00")
	require.NoError(t, err)
	assert.Equal(t, ReasonNoBookedTicket, res.Reason)
	assert.Equal(t, 1, f.gate.Count(gate.OpenGate))
}

func TestResetCheckIn(t *testing.T) {
	f := newFixture(t, []float64{0.1, 0, 0, 0})
	_, err := f.orch.CheckIn(context.Background(), loopSource{})
	require.NoError(t, err)

	tk, err := f.orch.ResetCheckIn(context.Background(), "TK-AAA111")
	require.NoError(t, err)
	assert.Equal(t, types.TicketBooked, tk.Status)
	assert.Empty(t, tk.Seat)
	assert.Equal(t, []string{types.EventCheckInSuccess, types.EventResetCheckIn}, f.audit.Types())

	_, err = f.orch.ResetCheckIn(context.Background(), "TK-AAA111")
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
}

func TestEnrollLinksPassenger(t *testing.T) {
	f := newFixture(t, []float64{0.2, 0.2, 0, 0})
	f.tickets.passengers[2] = types.Passenger{ID: 2, FirstName: "Bo", LastName: "Chen"}

	var progress []capture.Progress
	f.orch.onProgress = func(p capture.Progress) { progress = append(progress, p) }

	vec, err := f.orch.Enroll(context.Background(), "p2", 2, loopSource{})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.2, 0.2, 0, 0}, vec.Components())
	assert.Equal(t, "p2", f.tickets.passengers[2].FaceRef)

	corpus, _ := f.vault.LoadAll()
	assert.Contains(t, corpus, "p2")
	assert.Equal(t, []string{types.EventEnroll}, f.audit.Types())
	require.NotEmpty(t, progress)
	assert.Equal(t, capture.Captured, progress[len(progress)-1].State)
}

func TestEnrollRollsBackOnLinkFailure(t *testing.T) {
	f := newFixture(t, []float64{0.2, 0, 0, 0})
	f.tickets.linkErr = store.ErrNotFound

	_, err := f.orch.Enroll(context.Background(), "p9", 99, loopSource{})
	require.ErrorIs(t, err, store.ErrNotFound)

	corpus, _ := f.vault.LoadAll()
	assert.NotContains(t, corpus, "p9")
	assert.Empty(t, f.audit.Types())
}

func TestReEnrollRestoresPriorRecordOnLinkFailure(t *testing.T) {
	f := newFixture(t, []float64{0.2, 0, 0, 0})
	f.tickets.linkErr = store.ErrNotFound

	_, err := f.orch.Enroll(context.Background(), "p1", 99, loopSource{})
	require.ErrorIs(t, err, store.ErrNotFound)

	prior, err := f.vault.Load("p1")
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 0, 0}, prior.Components())
	assert.Empty(t, f.audit.Types())
}

func TestReEnrollWithoutTicketStoreKeepsPriorRecord(t *testing.T) {
	f := newFixture(t, []float64{0.2, 0, 0, 0})
	f.orch.tickets = nil

	_, err := f.orch.Enroll(context.Background(), "p1", 1, loopSource{})
	require.ErrorIs(t, err, ErrNotConfigured)

	prior, err := f.vault.Load("p1")
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 0, 0}, prior.Components())
}

func TestEnrollStill(t *testing.T) {
	f := newFixture(t, []float64{0.3, 0, 0, 0})
	frame := types.Frame{Width: 100, Height: 100, Pix: make([]byte, 100*100*3)}

	_, err := f.orch.EnrollStill(context.Background(), "", 0, frame)
	require.ErrorIs(t, err, ErrInvalidPersonID)

	_, err = f.orch.EnrollStill(context.Background(), "walk-in", 0, frame)
	require.NoError(t, err)
	corpus, _ := f.vault.LoadAll()
	assert.Contains(t, corpus, "walk-in")
}

func TestForget(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.orch.Forget(context.Background(), "p1"))
	corpus, _ := f.vault.LoadAll()
	assert.Empty(t, corpus)
	assert.Empty(t, f.tickets.passengers[1].FaceRef)

	// Idempotent
	require.NoError(t, f.orch.Forget(context.Background(), "p1"))
	assert.Equal(t, []string{types.EventForget, types.EventForget}, f.audit.Types())
}
