package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/andresmejia3/checkpoint/internal/types"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid ticket status transition")
)

// Store manages the PostgreSQL pool for passengers, tickets and audit events.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time

	randMu sync.Mutex
	rand   *rand.Rand
}

type Option func(*Store)

// WithClock overrides the time source used for check-in timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithRand makes seat, gate and ticket number generation reproducible.
func WithRand(r *rand.Rand) Option {
	return func(s *Store) { s.rand = r }
}

// New establishes a connection pool to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	s := &Store{
		pool: pool,
		now:  time.Now,
		rand: rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// initSchema creates the tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS passengers (
			id BIGSERIAL PRIMARY KEY,
			first_name TEXT NOT NULL,
			last_name TEXT NOT NULL,
			passport_number TEXT NOT NULL UNIQUE,
			face_ref TEXT UNIQUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS tickets (
			id BIGSERIAL PRIMARY KEY,
			ticket_number TEXT NOT NULL UNIQUE,
			passenger_id BIGINT NOT NULL REFERENCES passengers(id) ON DELETE CASCADE,
			status TEXT NOT NULL DEFAULT 'BOOKED' CHECK (status IN ('BOOKED', 'CHECKED_IN', 'CANCELLED')),
			seat TEXT,
			gate TEXT,
			checked_in_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			ticket_ref TEXT,
			person_ref TEXT,
			occurred_at TIMESTAMPTZ NOT NULL,
			outcome TEXT NOT NULL,
			detail TEXT
		);
		CREATE INDEX IF NOT EXISTS tickets_passenger_status_idx ON tickets (passenger_id, status);
		CREATE INDEX IF NOT EXISTS audit_events_occurred_at_idx ON audit_events (occurred_at);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close terminates the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Passengers ---

const passengerColumns = `id, first_name, last_name, passport_number, COALESCE(face_ref, ''), created_at`

func scanPassenger(row pgx.Row) (types.Passenger, error) {
	var p types.Passenger
	err := row.Scan(&p.ID, &p.FirstName, &p.LastName, &p.PassportNumber, &p.FaceRef, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Passenger{}, ErrNotFound
	}
	return p, err
}

// CreatePassenger inserts a passenger. Passport numbers are stored upper-case.
func (s *Store) CreatePassenger(ctx context.Context, firstName, lastName, passport string) (types.Passenger, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO passengers (first_name, last_name, passport_number)
		VALUES ($1, $2, $3)
		RETURNING `+passengerColumns,
		strings.TrimSpace(firstName), strings.TrimSpace(lastName), normalizePassport(passport))
	return scanPassenger(row)
}

func (s *Store) GetPassenger(ctx context.Context, id int64) (types.Passenger, error) {
	return scanPassenger(s.pool.QueryRow(ctx, `SELECT `+passengerColumns+` FROM passengers WHERE id = $1`, id))
}

func (s *Store) GetPassengerByPassport(ctx context.Context, passport string) (types.Passenger, error) {
	return scanPassenger(s.pool.QueryRow(ctx,
		`SELECT `+passengerColumns+` FROM passengers WHERE passport_number = $1`, normalizePassport(passport)))
}

// FindPassengerByFaceRef resolves a matched vault person ID to its passenger.
func (s *Store) FindPassengerByFaceRef(ctx context.Context, faceRef string) (types.Passenger, error) {
	return scanPassenger(s.pool.QueryRow(ctx,
		`SELECT `+passengerColumns+` FROM passengers WHERE face_ref = $1`, faceRef))
}

// SetFaceRef links a passenger to their enrollment record.
func (s *Store) SetFaceRef(ctx context.Context, passengerID int64, faceRef string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE passengers SET face_ref = $1 WHERE id = $2`, faceRef, passengerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("passenger %d: %w", passengerID, ErrNotFound)
	}
	return nil
}

// ClearFaceRef unlinks whichever passenger holds faceRef. It is not an error
// if none does.
func (s *Store) ClearFaceRef(ctx context.Context, faceRef string) error {
	_, err := s.pool.Exec(ctx, `UPDATE passengers SET face_ref = NULL WHERE face_ref = $1`, faceRef)
	return err
}

// --- Tickets ---

const ticketColumns = `id, ticket_number, passenger_id, status, COALESCE(seat, ''), COALESCE(gate, ''), checked_in_at, created_at`

func scanTicket(row pgx.Row) (types.Ticket, error) {
	var t types.Ticket
	var status string
	err := row.Scan(&t.ID, &t.TicketNumber, &t.PassengerID, &status, &t.Seat, &t.Gate, &t.CheckedInAt, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Ticket{}, ErrNotFound
	}
	t.Status = types.TicketStatus(status)
	return t, err
}

// CreateTicket books a new ticket for passengerID with a generated number.
func (s *Store) CreateTicket(ctx context.Context, passengerID int64) (types.Ticket, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO tickets (ticket_number, passenger_id, status)
		VALUES ($1, $2, 'BOOKED')
		RETURNING `+ticketColumns,
		s.generate(GenerateTicketNumber), passengerID)
	return scanTicket(row)
}

func (s *Store) GetTicketByNumber(ctx context.Context, number string) (types.Ticket, error) {
	return scanTicket(s.pool.QueryRow(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE ticket_number = $1`, strings.ToUpper(strings.TrimSpace(number))))
}

// BookedTicketForPassenger returns the oldest BOOKED ticket of passengerID.
func (s *Store) BookedTicketForPassenger(ctx context.Context, passengerID int64) (types.Ticket, error) {
	return scanTicket(s.pool.QueryRow(ctx, `
		SELECT `+ticketColumns+` FROM tickets
		WHERE passenger_id = $1 AND status = 'BOOKED'
		ORDER BY created_at, id
		LIMIT 1
	`, passengerID))
}

// ListTickets returns every ticket, newest first.
func (s *Store) ListTickets(ctx context.Context) ([]types.Ticket, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+ticketColumns+` FROM tickets ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []types.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

// CheckIn moves a BOOKED ticket to CHECKED_IN, assigning a seat and gate if
// the ticket has none.
func (s *Store) CheckIn(ctx context.Context, ticketID int64) (types.Ticket, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.Ticket{}, err
	}
	defer tx.Rollback(ctx)

	// FOR UPDATE serializes concurrent check-ins of the same ticket
	t, err := scanTicket(tx.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = $1 FOR UPDATE`, ticketID))
	if err != nil {
		return types.Ticket{}, fmt.Errorf("ticket %d: %w", ticketID, err)
	}
	if t.Status != types.TicketBooked {
		return types.Ticket{}, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, t.TicketNumber, t.Status)
	}

	if t.Seat == "" {
		t.Seat = s.generate(GenerateSeat)
	}
	if t.Gate == "" {
		t.Gate = s.generate(GenerateGate)
	}
	now := s.now().UTC()

	t, err = scanTicket(tx.QueryRow(ctx, `
		UPDATE tickets SET status = 'CHECKED_IN', seat = $1, gate = $2, checked_in_at = $3
		WHERE id = $4
		RETURNING `+ticketColumns,
		t.Seat, t.Gate, now, ticketID))
	if err != nil {
		return types.Ticket{}, err
	}
	return t, tx.Commit(ctx)
}

// ResetCheckIn is the administrative CHECKED_IN → BOOKED transition. It
// clears seat, gate and check-in time.
func (s *Store) ResetCheckIn(ctx context.Context, number string) (types.Ticket, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.Ticket{}, err
	}
	defer tx.Rollback(ctx)

	number = strings.ToUpper(strings.TrimSpace(number))
	t, err := scanTicket(tx.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_number = $1 FOR UPDATE`, number))
	if err != nil {
		return types.Ticket{}, fmt.Errorf("ticket %s: %w", number, err)
	}
	if t.Status != types.TicketCheckedIn {
		return types.Ticket{}, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, t.TicketNumber, t.Status)
	}

	t, err = scanTicket(tx.QueryRow(ctx, `
		UPDATE tickets SET status = 'BOOKED', seat = NULL, gate = NULL, checked_in_at = NULL
		WHERE id = $1
		RETURNING `+ticketColumns, t.ID))
	if err != nil {
		return types.Ticket{}, err
	}
	return t, tx.Commit(ctx)
}

// CleanupOldCheckIns resets every check-in older than maxAge back to BOOKED
// and returns how many tickets were reset.
func (s *Store) CleanupOldCheckIns(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := s.now().UTC().Add(-maxAge)
	tag, err := s.pool.Exec(ctx, `
		UPDATE tickets SET status = 'BOOKED', seat = NULL, gate = NULL, checked_in_at = NULL
		WHERE status = 'CHECKED_IN' AND checked_in_at <= $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// --- Audit ---

// InsertAuditEvent appends one audit record.
func (s *Store) InsertAuditEvent(ctx context.Context, e types.AuditEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_events (id, event_type, ticket_ref, person_ref, occurred_at, outcome, detail)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, NULLIF($7, ''))
	`, e.ID, e.EventType, e.TicketRef, e.PersonRef, e.Timestamp, e.Outcome, e.Detail)
	return err
}

// RecentAuditEvents returns up to limit events, newest first.
func (s *Store) RecentAuditEvents(ctx context.Context, limit int) ([]types.AuditEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, event_type, COALESCE(ticket_ref, ''), COALESCE(person_ref, ''), occurred_at, outcome, COALESCE(detail, '')
		FROM audit_events
		ORDER BY occurred_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []types.AuditEvent
	for rows.Next() {
		var e types.AuditEvent
		if err := rows.Scan(&e.ID, &e.EventType, &e.TicketRef, &e.PersonRef, &e.Timestamp, &e.Outcome, &e.Detail); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS audit_events CASCADE;
		DROP TABLE IF EXISTS tickets CASCADE;
		DROP TABLE IF EXISTS passengers CASCADE;
	`)
	return err
}

func (s *Store) generate(fn func(*rand.Rand) string) string {
	s.randMu.Lock()
	defer s.randMu.Unlock()
	return fn(s.rand)
}

func normalizePassport(p string) string {
	return strings.ToUpper(strings.TrimSpace(p))
}
