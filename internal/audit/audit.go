// Package audit records check-in decisions to one or more sinks.
//
// Recording is best-effort: a sink failure is logged and returned to the
// caller, but every sink is always attempted and the check-in flow never
// waits on a retry.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andresmejia3/checkpoint/internal/types"
)

// Sink persists or forwards one audit event.
type Sink interface {
	Name() string
	Record(ctx context.Context, e types.AuditEvent) error
}

// Recorder stamps events and fans them out to its sinks.
type Recorder struct {
	sinks  []Sink
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

type Option func(*Recorder)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) { r.logger = logger }
}

// WithSink adds a sink. Sinks are called in the order they were added.
func WithSink(s Sink) Option {
	return func(r *Recorder) {
		if s != nil {
			r.sinks = append(r.sinks, s)
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

func New(opts ...Option) *Recorder {
	r := &Recorder{
		logger: slog.Default(),
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record fills in the event ID and timestamp when unset and sends the event
// to every sink. It returns the stamped event and the joined sink errors.
// A nil Recorder discards events.
func (r *Recorder) Record(ctx context.Context, e types.AuditEvent) (types.AuditEvent, error) {
	if r == nil {
		return e, nil
	}
	if e.ID == "" {
		e.ID = r.newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = r.now().UTC()
	}

	var errs []error
	for _, s := range r.sinks {
		if err := s.Record(ctx, e); err != nil {
			r.logger.WarnContext(ctx, "audit sink failed",
				"sink", s.Name(),
				"event_type", e.EventType,
				"event_id", e.ID,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return e, errors.Join(errs...)
}

// Event is a shorthand for Record with the common fields.
func (r *Recorder) Event(ctx context.Context, eventType, ticketRef, personRef, outcome, detail string) {
	_, _ = r.Record(ctx, types.AuditEvent{
		EventType: eventType,
		TicketRef: ticketRef,
		PersonRef: personRef,
		Outcome:   outcome,
		Detail:    detail,
	})
}

// LogSink writes events as structured log records. It never fails.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Record(ctx context.Context, e types.AuditEvent) error {
	s.logger.InfoContext(ctx, "audit",
		"event_id", e.ID,
		"event_type", e.EventType,
		"ticket_ref", e.TicketRef,
		"person_ref", e.PersonRef,
		"outcome", e.Outcome,
		"detail", e.Detail,
		"timestamp", e.Timestamp,
	)
	return nil
}

// EventStore is the subset of the ticket repository used for audit rows.
type EventStore interface {
	InsertAuditEvent(ctx context.Context, e types.AuditEvent) error
}

// StoreSink appends events to the audit_events table.
type StoreSink struct {
	store EventStore
}

func NewStoreSink(store EventStore) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) Name() string { return "postgres" }

func (s *StoreSink) Record(ctx context.Context, e types.AuditEvent) error {
	return s.store.InsertAuditEvent(ctx, e)
}

// Memory keeps events in process. Used by tests and the identify command.
type Memory struct {
	mu     sync.Mutex
	events []types.AuditEvent
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Record(_ context.Context, e types.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

// Events returns a copy of the recorded events in order.
func (m *Memory) Events() []types.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.AuditEvent(nil), m.events...)
}

// Types returns the recorded event types in order.
func (m *Memory) Types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, e := range m.events {
		out[i] = e.EventType
	}
	return out
}
