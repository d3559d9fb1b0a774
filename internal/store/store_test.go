package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"regexp"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/andresmejia3/checkpoint/internal/types"
)

var (
	seatRe   = regexp.MustCompile(`^([1-9]|[12][0-9]|30)[A-F]$`)
	gateRe   = regexp.MustCompile(`^[A-D]([1-9]|1[0-9]|20)$`)
	ticketRe = regexp.MustCompile(`^TK-[A-Z0-9]{6}$`)
)

func TestGenerators(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 1000; i++ {
		if s := GenerateSeat(r); !seatRe.MatchString(s) {
			t.Fatalf("GenerateSeat() = %q", s)
		}
		if g := GenerateGate(r); !gateRe.MatchString(g) {
			t.Fatalf("GenerateGate() = %q", g)
		}
		if n := GenerateTicketNumber(r); !ticketRe.MatchString(n) {
			t.Fatalf("GenerateTicketNumber() = %q", n)
		}
	}
}

// newTestStore starts a throwaway Postgres and returns a migrated Store.
// It requires Docker to be running.
func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// Explicitly check for Docker availability and fail hard if missing
	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Fatalf("Docker not available, cannot run integration test: %v", err)
	}

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("checkpoint_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	// Initialize Store (runs migrations)
	s, err := New(ctx, connStr, opts...)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// TestStoreIntegration runs the check-in lifecycle against a real Postgres container.
func TestStoreIntegration(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	s := newTestStore(t, WithClock(func() time.Time { return now }), WithRand(rand.New(rand.NewPCG(7, 7))))
	ctx := context.Background()

	p, err := s.CreatePassenger(ctx, " Ana ", "Lopez", "ab123456")
	if err != nil {
		t.Fatalf("CreatePassenger failed: %v", err)
	}
	if p.PassportNumber != "AB123456" || p.FirstName != "Ana" {
		t.Errorf("Passenger not normalized: %+v", p)
	}

	// Face reference linkage
	if _, err := s.FindPassengerByFaceRef(ctx, "face-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound before enrollment, got %v", err)
	}
	if err := s.SetFaceRef(ctx, p.ID, "face-1"); err != nil {
		t.Fatalf("SetFaceRef failed: %v", err)
	}
	got, err := s.FindPassengerByFaceRef(ctx, "face-1")
	if err != nil || got.ID != p.ID {
		t.Fatalf("FindPassengerByFaceRef = %+v, %v", got, err)
	}
	if err := s.SetFaceRef(ctx, 9999, "face-x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown passenger, got %v", err)
	}

	// Booking
	if _, err := s.BookedTicketForPassenger(ctx, p.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected no booked ticket yet, got %v", err)
	}
	tk, err := s.CreateTicket(ctx, p.ID)
	if err != nil {
		t.Fatalf("CreateTicket failed: %v", err)
	}
	if tk.Status != types.TicketBooked || !ticketRe.MatchString(tk.TicketNumber) {
		t.Errorf("Unexpected new ticket: %+v", tk)
	}
	booked, err := s.BookedTicketForPassenger(ctx, p.ID)
	if err != nil || booked.ID != tk.ID {
		t.Fatalf("BookedTicketForPassenger = %+v, %v", booked, err)
	}

	// BOOKED -> CHECKED_IN
	checked, err := s.CheckIn(ctx, tk.ID)
	if err != nil {
		t.Fatalf("CheckIn failed: %v", err)
	}
	if checked.Status != types.TicketCheckedIn {
		t.Errorf("Expected CHECKED_IN, got %s", checked.Status)
	}
	if !seatRe.MatchString(checked.Seat) || !gateRe.MatchString(checked.Gate) {
		t.Errorf("Bad seat/gate assignment: %q %q", checked.Seat, checked.Gate)
	}
	if checked.CheckedInAt == nil || !checked.CheckedInAt.Equal(now) {
		t.Errorf("Expected checked_in_at %v, got %v", now, checked.CheckedInAt)
	}

	// A second check-in is rejected and leaves the ticket alone
	if _, err := s.CheckIn(ctx, tk.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition on double check-in, got %v", err)
	}
	if _, err := s.CheckIn(ctx, 424242); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown ticket, got %v", err)
	}

	// Admin reset: CHECKED_IN -> BOOKED
	reset, err := s.ResetCheckIn(ctx, " "+tk.TicketNumber)
	if err != nil {
		t.Fatalf("ResetCheckIn failed: %v", err)
	}
	if reset.Status != types.TicketBooked || reset.Seat != "" || reset.Gate != "" || reset.CheckedInAt != nil {
		t.Errorf("ResetCheckIn did not clear ticket: %+v", reset)
	}
	if _, err := s.ResetCheckIn(ctx, tk.TicketNumber); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition resetting a BOOKED ticket, got %v", err)
	}

	// Forget unlinks the face
	if err := s.ClearFaceRef(ctx, "face-1"); err != nil {
		t.Fatalf("ClearFaceRef failed: %v", err)
	}
	if _, err := s.FindPassengerByFaceRef(ctx, "face-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected face ref to be cleared, got %v", err)
	}
}

func TestCleanupOldCheckIns(t *testing.T) {
	clock := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	s := newTestStore(t, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	p, err := s.CreatePassenger(ctx, "Jo", "Kim", "X1")
	if err != nil {
		t.Fatal(err)
	}
	old, _ := s.CreateTicket(ctx, p.ID)
	fresh, _ := s.CreateTicket(ctx, p.ID)

	if _, err := s.CheckIn(ctx, old.ID); err != nil {
		t.Fatal(err)
	}
	clock = clock.Add(20 * time.Hour)
	if _, err := s.CheckIn(ctx, fresh.ID); err != nil {
		t.Fatal(err)
	}
	clock = clock.Add(5 * time.Hour)

	n, err := s.CleanupOldCheckIns(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("CleanupOldCheckIns failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("Expected 1 ticket reset, got %d", n)
	}

	gotOld, _ := s.GetTicketByNumber(ctx, old.TicketNumber)
	gotFresh, _ := s.GetTicketByNumber(ctx, fresh.TicketNumber)
	if gotOld.Status != types.TicketBooked || gotOld.Seat != "" {
		t.Errorf("Old check-in not reset: %+v", gotOld)
	}
	if gotFresh.Status != types.TicketCheckedIn {
		t.Errorf("Fresh check-in should survive cleanup: %+v", gotFresh)
	}
}

func TestAuditEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	for i, kind := range []string{types.EventCheckInFailed, types.EventCheckInSuccess} {
		e := types.AuditEvent{
			ID:        fmt.Sprintf("evt-%d", i),
			EventType: kind,
			TicketRef: "TK-ABC123",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Outcome:   "ok",
		}
		if err := s.InsertAuditEvent(ctx, e); err != nil {
			t.Fatalf("InsertAuditEvent failed: %v", err)
		}
	}

	events, err := s.RecentAuditEvents(ctx, 10)
	if err != nil {
		t.Fatalf("RecentAuditEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	if events[0].EventType != types.EventCheckInSuccess || events[0].PersonRef != "" {
		t.Errorf("Expected newest event first with empty person ref, got %+v", events[0])
	}
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
