package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/checkpoint/internal/audit"
	"github.com/andresmejia3/checkpoint/internal/checkin"
	"github.com/andresmejia3/checkpoint/internal/gate"
	"github.com/andresmejia3/checkpoint/internal/metrics"
	"github.com/andresmejia3/checkpoint/internal/store"
	"github.com/andresmejia3/checkpoint/internal/types"
)

type fakeGate struct{ snap gate.StatusSnapshot }

func (f fakeGate) Status() gate.StatusSnapshot { return f.snap }

type fakeKiosk struct {
	state    checkin.State
	resetErr error
	resets   []string
	manual   checkin.Result
}

func (f *fakeKiosk) State() checkin.State { return f.state }

func (f *fakeKiosk) ResetCheckIn(_ context.Context, number string) (types.Ticket, error) {
	f.resets = append(f.resets, number)
	if f.resetErr != nil {
		return types.Ticket{}, f.resetErr
	}
	return types.Ticket{TicketNumber: number, Status: types.TicketBooked}, nil
}

func (f *fakeKiosk) CheckInByTicket(_ context.Context, number string) (checkin.Result, error) {
	r := f.manual
	r.Ticket.TicketNumber = number
	return r, nil
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func do(t *testing.T, h http.Handler, method, path, pin string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if pin != "" {
		req.Header.Set(AdminPinHeader, pin)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatus(t *testing.T) {
	g := fakeGate{snap: gate.StatusSnapshot{
		Gate:      gate.GateOpen,
		Link:      "connected",
		Transport: "serial",
		Device:    &gate.DeviceReport{Status: "gate_opened"},
	}}
	s := New(":0", g, &fakeKiosk{state: checkin.Scanning})

	rec := do(t, s.Handler(), http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{
		"gate": "open",
		"link": "connected",
		"transport": "serial",
		"device": {"status": "gate_opened"},
		"checkin": "SCANNING"
	}`, rec.Body.String())
}

func TestHealth(t *testing.T) {
	ok := New(":0", nil, nil, WithHealthCheck(fakePinger{}))
	assert.Equal(t, http.StatusOK, do(t, ok.Handler(), http.MethodGet, "/healthz", "").Code)

	down := New(":0", nil, nil, WithHealthCheck(fakePinger{err: errors.New("refused")}))
	assert.Equal(t, http.StatusServiceUnavailable, do(t, down.Handler(), http.MethodGet, "/healthz", "").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.IncrementOutcome("SUCCESS", "")

	s := New(":0", nil, nil, WithGatherer(reg))
	rec := do(t, s.Handler(), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `checkpoint_checkin_outcomes_total{outcome="SUCCESS"`)
}

func TestAdminReset(t *testing.T) {
	tests := []struct {
		name     string
		pin      string
		resetErr error
		want     int
	}{
		{"ok", "1234", nil, http.StatusOK},
		{"missing pin", "", nil, http.StatusUnauthorized},
		{"wrong pin", "9999", nil, http.StatusUnauthorized},
		{"unknown ticket", "1234", store.ErrNotFound, http.StatusNotFound},
		{"not checked in", "1234", store.ErrInvalidTransition, http.StatusConflict},
		{"database down", "1234", errors.New("conn refused"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := &fakeKiosk{resetErr: tt.resetErr}
			s := New(":0", nil, k, WithAdminPin("1234"))

			rec := do(t, s.Handler(), http.MethodPost, "/admin/tickets/TK-ABC123/reset", tt.pin)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusUnauthorized {
				assert.Empty(t, k.resets, "reset must not run without a valid pin")
			}
			if tt.want == http.StatusOK {
				var body map[string]any
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				assert.Equal(t, "BOOKED", body["status"])
				assert.Equal(t, []string{"TK-ABC123"}, k.resets)
			}
		})
	}
}

func TestAdminAccessIsAudited(t *testing.T) {
	sink := &audit.Memory{}
	s := New(":0", nil, &fakeKiosk{}, WithAdminPin("1234"), WithAudit(audit.New(audit.WithSink(sink))))

	rec := do(t, s.Handler(), http.MethodPost, "/admin/tickets/TK-ABC123/reset", "9999")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = do(t, s.Handler(), http.MethodPost, "/admin/tickets/TK-ABC123/reset", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = do(t, s.Handler(), http.MethodPost, "/admin/tickets/TK-ABC123/reset", "1234")
	require.Equal(t, http.StatusOK, rec.Code)

	events := sink.Events()
	require.Len(t, events, 3)
	for _, e := range events {
		assert.Equal(t, types.EventAdminAccess, e.EventType)
		assert.Equal(t, "POST /admin/tickets/TK-ABC123/reset", e.Detail)
		assert.NotContains(t, e.Detail, "9999")
	}
	assert.Equal(t, "denied", events[0].Outcome)
	assert.Equal(t, "denied", events[1].Outcome)
	assert.Equal(t, "granted", events[2].Outcome)
}

func TestAdminDisabledWithoutPin(t *testing.T) {
	s := New(":0", nil, &fakeKiosk{})
	rec := do(t, s.Handler(), http.MethodPost, "/admin/tickets/TK-ABC123/reset", "anything")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminManualCheckIn(t *testing.T) {
	k := &fakeKiosk{manual: checkin.Result{State: checkin.Success}}
	s := New(":0", nil, k, WithAdminPin("1234"))

	rec := do(t, s.Handler(), http.MethodPost, "/admin/tickets/TK-ABC123/checkin", "1234")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `"state":"SUCCESS"`))

	k.manual = checkin.Result{State: checkin.Failed, Reason: checkin.ReasonNoBookedTicket}
	rec = do(t, s.Handler(), http.MethodPost, "/admin/tickets/TK-ABC123/checkin", "1234")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "NO_BOOKED_TICKET")
}

func TestAdminRejectsGet(t *testing.T) {
	s := New(":0", nil, &fakeKiosk{}, WithAdminPin("1234"))
	rec := do(t, s.Handler(), http.MethodGet, "/admin/tickets/TK-ABC123/reset", "1234")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
