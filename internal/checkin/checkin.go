// Package checkin drives one kiosk attempt from camera frames to a ticket
// decision and the matching gate commands.
//
// The Orchestrator is the only component that changes ticket state, and the
// only place where capture, match and store errors are turned into a retry
// prompt, a manual-entry fallback or an audited failure.
package checkin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andresmejia3/checkpoint/internal/audit"
	"github.com/andresmejia3/checkpoint/internal/capture"
	"github.com/andresmejia3/checkpoint/internal/gate"
	"github.com/andresmejia3/checkpoint/internal/match"
	"github.com/andresmejia3/checkpoint/internal/metrics"
	"github.com/andresmejia3/checkpoint/internal/store"
	"github.com/andresmejia3/checkpoint/internal/types"
)

var (
	ErrNoMatch        = errors.New("no matching enrollment")
	ErrNoBookedTicket = errors.New("no booked ticket")
	ErrCommitFailed   = errors.New("ticket commit failed")
	ErrNotConfigured  = errors.New("ticket store not configured")
)

type State string

const (
	Idle      State = "IDLE"
	Scanning  State = "SCANNING"
	Matching  State = "MATCHING"
	Success   State = "SUCCESS"
	Failed    State = "FAILED"
	Cancelled State = "CANCELLED"
)

// Reason explains a FAILED or CANCELLED attempt.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonNoMatch        Reason = "NO_MATCH"
	ReasonAmbiguousMatch Reason = "AMBIGUOUS_MATCH"
	ReasonNoBookedTicket Reason = "NO_BOOKED_TICKET"
	ReasonCommitFailed   Reason = "COMMIT_FAILED"
	ReasonTimeout        Reason = "TIMEOUT"
	ReasonAborted        Reason = "ABORTED"
	ReasonError          Reason = "ERROR"
)

// Tickets is the part of the ticket repository the orchestrator uses.
type Tickets interface {
	FindPassengerByFaceRef(ctx context.Context, faceRef string) (types.Passenger, error)
	GetPassenger(ctx context.Context, id int64) (types.Passenger, error)
	BookedTicketForPassenger(ctx context.Context, passengerID int64) (types.Ticket, error)
	GetTicketByNumber(ctx context.Context, number string) (types.Ticket, error)
	CheckIn(ctx context.Context, ticketID int64) (types.Ticket, error)
	ResetCheckIn(ctx context.Context, number string) (types.Ticket, error)
	CleanupOldCheckIns(ctx context.Context, maxAge time.Duration) (int64, error)
	SetFaceRef(ctx context.Context, passengerID int64, faceRef string) error
	ClearFaceRef(ctx context.Context, faceRef string) error
}

// Vault is the part of the encrypted vector store the orchestrator uses.
type Vault interface {
	LoadAll() (map[string]types.IdentityVector, error)
	Load(personID string) (types.IdentityVector, error)
	Save(personID string, vec types.IdentityVector) error
	Delete(personID string) error
}

// Gate receives hardware commands. Dispatch must not block.
type Gate interface {
	Dispatch(cmds ...gate.Command)
}

type Config struct {
	Threshold      float64
	Capture        capture.Config
	SessionTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Threshold:      match.DefaultThreshold,
		Capture:        capture.DefaultConfig(),
		SessionTimeout: 120 * time.Second,
	}
}

// Result is the outcome of one attempt.
type Result struct {
	AttemptID string
	State     State
	Reason    Reason
	Match     types.MatchResult
	Passenger types.Passenger
	Ticket    types.Ticket
}

// Err maps a passenger-caused failure to its sentinel error. It is nil for
// SUCCESS, for infrastructure failures (the attempt already returned their
// error) and for cancellations.
func (r Result) Err() error {
	switch r.Reason {
	case ReasonNoMatch, ReasonAmbiguousMatch:
		return ErrNoMatch
	case ReasonNoBookedTicket:
		return ErrNoBookedTicket
	}
	return nil
}

type Orchestrator struct {
	cfg     Config
	codec   capture.Codec
	vault   Vault
	tickets Tickets
	gate    Gate

	logger     *slog.Logger
	metrics    *metrics.Metrics
	audit      *audit.Recorder
	now        func() time.Time
	onProgress func(capture.Progress)
	onState    func(State)

	mu    sync.Mutex
	state State
}

type Option func(*Orchestrator)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithAudit(r *audit.Recorder) Option {
	return func(o *Orchestrator) { o.audit = r }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithProgress receives capture progress while SCANNING.
func WithProgress(fn func(capture.Progress)) Option {
	return func(o *Orchestrator) { o.onProgress = fn }
}

// WithStateHook is called on every attempt state change.
func WithStateHook(fn func(State)) Option {
	return func(o *Orchestrator) { o.onState = fn }
}

// New wires an orchestrator. tickets may be nil for enrollment-only use;
// check-in then fails with ErrNotConfigured.
func New(cfg Config, c capture.Codec, v Vault, tickets Tickets, g Gate, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:     cfg,
		codec:   c,
		vault:   v,
		tickets: tickets,
		gate:    g,
		logger:  slog.Default(),
		now:     time.Now,
		state:   Idle,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// State returns the state of the current or last attempt.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	if o.onState != nil {
		o.onState(s)
	}
}

// CheckIn runs one attempt against frames from src.
//
// FAILED outcomes caused by the passenger (no match, ambiguity, nothing to
// check in) return a nil error so the caller can offer manual entry.
// CANCELLED returns capture.ErrAborted or capture.ErrTimeout. Infrastructure
// failures return FAILED with the wrapped error.
func (o *Orchestrator) CheckIn(ctx context.Context, src capture.FrameSource) (Result, error) {
	res := Result{AttemptID: uuid.NewString()}
	logger := o.logger.With("attempt_id", res.AttemptID)
	if o.tickets == nil {
		return o.fail(ctx, res, ReasonError, ErrNotConfigured)
	}

	o.setState(Scanning)
	o.dispatch(gate.LEDBlue)

	start := o.now()
	session := capture.NewSession(o.codec, o.cfg.Capture,
		capture.WithLogger(logger),
		capture.WithProgress(o.onProgress),
	)
	probe, err := session.Run(ctx, src, o.cfg.SessionTimeout)
	if err != nil {
		switch {
		case errors.Is(err, capture.ErrTimeout):
			return o.cancel(ctx, res, ReasonTimeout, err)
		case errors.Is(err, capture.ErrAborted):
			return o.cancel(ctx, res, ReasonAborted, err)
		default:
			return o.fail(ctx, res, ReasonError, fmt.Errorf("capture: %w", err))
		}
	}
	o.metrics.ObserveCapture(o.now().Sub(start))

	o.setState(Matching)
	if ctx.Err() != nil {
		return o.cancel(ctx, res, ReasonAborted, fmt.Errorf("%w: %w", capture.ErrAborted, ctx.Err()))
	}

	// One snapshot per attempt
	corpus, err := o.vault.LoadAll()
	if err != nil {
		return o.fail(ctx, res, ReasonError, fmt.Errorf("load corpus: %w", err))
	}
	o.dropForeignDims(logger, corpus, probe.Dim())

	m, err := match.Match(probe, corpus, o.cfg.Threshold)
	if err != nil {
		if errors.Is(err, match.ErrAmbiguousMatch) {
			res.Match = m
			o.metrics.ObserveConfidence(m.Confidence)
			logger.Warn("ambiguous match", "corpus", len(corpus), "confidence", m.Confidence)
			return o.fail(ctx, res, ReasonAmbiguousMatch, nil)
		}
		return o.fail(ctx, res, ReasonError, fmt.Errorf("match: %w", err))
	}
	res.Match = m
	o.metrics.ObserveConfidence(m.Confidence)
	logger.Info("probe scored",
		"matched", m.Matched,
		"person_id", m.PersonID,
		"confidence", m.Confidence,
		"distance", m.Distance,
		"corpus", len(corpus),
	)
	if !m.Matched {
		return o.fail(ctx, res, ReasonNoMatch, nil)
	}

	passenger, err := o.tickets.FindPassengerByFaceRef(ctx, m.PersonID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Warn("matched enrollment has no passenger", "person_id", m.PersonID)
			return o.fail(ctx, res, ReasonNoBookedTicket, nil)
		}
		return o.fail(ctx, res, ReasonError, fmt.Errorf("find passenger: %w", err))
	}
	res.Passenger = passenger

	ticket, err := o.tickets.BookedTicketForPassenger(ctx, passenger.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return o.fail(ctx, res, ReasonNoBookedTicket, nil)
		}
		return o.fail(ctx, res, ReasonError, fmt.Errorf("find ticket: %w", err))
	}
	res.Ticket = ticket

	return o.commit(ctx, res)
}

// CheckInByTicket is the manual-entry fallback: it checks in a BOOKED ticket
// by number without a face match.
func (o *Orchestrator) CheckInByTicket(ctx context.Context, number string) (Result, error) {
	res := Result{AttemptID: uuid.NewString()}
	if o.tickets == nil {
		return o.fail(ctx, res, ReasonError, ErrNotConfigured)
	}
	o.setState(Matching)

	ticket, err := o.tickets.GetTicketByNumber(ctx, number)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			res.Ticket.TicketNumber = number
			return o.fail(ctx, res, ReasonNoBookedTicket, nil)
		}
		return o.fail(ctx, res, ReasonError, fmt.Errorf("find ticket: %w", err))
	}
	res.Ticket = ticket
	if ticket.Status != types.TicketBooked {
		return o.fail(ctx, res, ReasonNoBookedTicket, nil)
	}
	if p, err := o.tickets.GetPassenger(ctx, ticket.PassengerID); err == nil {
		res.Passenger = p
	}
	return o.commit(ctx, res)
}

// commit performs BOOKED -> CHECKED_IN and only then drives the hardware.
func (o *Orchestrator) commit(ctx context.Context, res Result) (Result, error) {
	ticket, err := o.tickets.CheckIn(ctx, res.Ticket.ID)
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return o.fail(ctx, res, ReasonNoBookedTicket, nil)
		}
		return o.fail(ctx, res, ReasonCommitFailed, fmt.Errorf("%w: %w", ErrCommitFailed, err))
	}
	res.Ticket = ticket
	res.State = Success

	o.dispatch(gate.LEDGreen, gate.BuzzerSuccess, gate.OpenGate)
	o.setState(Success)
	o.metrics.IncrementOutcome(string(Success), string(ReasonNone))
	o.record(ctx, types.EventCheckInSuccess, res, fmt.Sprintf("seat=%s gate=%s confidence=%.3f",
		ticket.Seat, ticket.Gate, res.Match.Confidence))
	o.logger.Info("check-in complete",
		"attempt_id", res.AttemptID,
		"ticket", ticket.TicketNumber,
		"passenger", res.Passenger.FullName(),
		"seat", ticket.Seat,
		"gate", ticket.Gate,
	)
	return res, nil
}

// dropForeignDims removes enrollments whose dimension is not dim. Each one
// counts as a corrupt record.
func (o *Orchestrator) dropForeignDims(logger *slog.Logger, corpus map[string]types.IdentityVector, dim int) {
	for id, vec := range corpus {
		if vec.Dim() == dim {
			continue
		}
		delete(corpus, id)
		o.metrics.IncrementCorruptRecord()
		logger.Warn("skipping enrollment with foreign dimension", "person_id", id, "dim", vec.Dim(), "want", dim)
	}
}

func (o *Orchestrator) fail(ctx context.Context, res Result, reason Reason, cause error) (Result, error) {
	res.State = Failed
	res.Reason = reason

	o.dispatch(gate.LEDRed, gate.BuzzerError)
	o.setState(Failed)
	o.metrics.IncrementOutcome(string(Failed), string(reason))

	detail := string(reason)
	if cause != nil {
		detail = fmt.Sprintf("%s: %v", reason, cause)
	}
	if res.Match.Confidence > 0 || res.Match.Distance > 0 {
		detail = fmt.Sprintf("%s confidence=%.4f", detail, res.Match.Confidence)
	}
	o.record(ctx, types.EventCheckInFailed, res, detail)
	o.logger.Warn("check-in failed", "attempt_id", res.AttemptID, "reason", reason, "error", cause)
	return res, cause
}

func (o *Orchestrator) cancel(ctx context.Context, res Result, reason Reason, cause error) (Result, error) {
	res.State = Cancelled
	res.Reason = reason

	o.dispatch(gate.LEDOff)
	o.setState(Cancelled)
	o.metrics.IncrementOutcome(string(Cancelled), string(reason))
	// ctx is already done here; the audit write gets its own deadline
	actx, done := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer done()
	o.record(actx, types.EventCheckInCancelled, res, string(reason))
	o.logger.Info("check-in cancelled", "attempt_id", res.AttemptID, "reason", reason)
	return res, cause
}

func (o *Orchestrator) dispatch(cmds ...gate.Command) {
	if o.gate != nil {
		o.gate.Dispatch(cmds...)
	}
}

func (o *Orchestrator) record(ctx context.Context, eventType string, res Result, detail string) {
	o.audit.Event(ctx, eventType, res.Ticket.TicketNumber, res.Match.PersonID, string(res.State), detail)
}

// ResetCheckIn is the administrative CHECKED_IN -> BOOKED hook.
func (o *Orchestrator) ResetCheckIn(ctx context.Context, number string) (types.Ticket, error) {
	if o.tickets == nil {
		return types.Ticket{}, ErrNotConfigured
	}
	t, err := o.tickets.ResetCheckIn(ctx, number)
	if err != nil {
		return types.Ticket{}, err
	}
	o.audit.Event(ctx, types.EventResetCheckIn, t.TicketNumber, "", string(t.Status), "")
	o.logger.Info("check-in reset", "ticket", t.TicketNumber)
	return t, nil
}

// CleanupOldCheckIns resets check-ins older than maxAge. Run by the scheduler.
func (o *Orchestrator) CleanupOldCheckIns(ctx context.Context, maxAge time.Duration) (int64, error) {
	if o.tickets == nil {
		return 0, ErrNotConfigured
	}
	n, err := o.tickets.CleanupOldCheckIns(ctx, maxAge)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		o.audit.Event(ctx, types.EventCleanupCheckIns, "", "", "ok", fmt.Sprintf("reset=%d max_age=%s", n, maxAge))
		o.logger.Info("stale check-ins reset", "count", n, "max_age", maxAge)
	}
	return n, nil
}
