package types

import (
	"time"
)

// Frame is a single still image taken from the camera feed.
// Pix holds packed RGB24 pixels, row-major, 3 bytes per pixel.
type Frame struct {
	Index      int
	Width      int
	Height     int
	Pix        []byte
	CapturedAt time.Time
}

// Valid reports whether the pixel buffer matches the declared dimensions.
func (f Frame) Valid() bool {
	return f.Width > 0 && f.Height > 0 && len(f.Pix) == f.Width*f.Height*3
}

// FaceRegion is a detected face bounding box in pixel coordinates.
type FaceRegion struct {
	X      int     `json:"x"`
	Y      int     `json:"y"`
	Width  int     `json:"w"`
	Height int     `json:"h"`
	Score  float64 `json:"score"` // detector confidence, informational only
}

// Area returns the region size in pixels.
func (r FaceRegion) Area() int {
	if r.Width <= 0 || r.Height <= 0 {
		return 0
	}
	return r.Width * r.Height
}

// Center returns the region center in pixel coordinates.
func (r FaceRegion) Center() (float64, float64) {
	return float64(r.X) + float64(r.Width)/2, float64(r.Y) + float64(r.Height)/2
}

// IdentityVector is a fixed-length face encoding. It is immutable: the
// constructor and Components both copy.
type IdentityVector struct {
	c []float64
}

// NewIdentityVector copies components into a new vector.
func NewIdentityVector(components []float64) IdentityVector {
	c := make([]float64, len(components))
	copy(c, components)
	return IdentityVector{c: c}
}

// Dim returns the number of components.
func (v IdentityVector) Dim() int { return len(v.c) }

// Components returns a copy of the vector components.
func (v IdentityVector) Components() []float64 {
	c := make([]float64, len(v.c))
	copy(c, v.c)
	return c
}

// View exposes the backing slice for read-only hot paths (distance loops).
// Callers must not modify it.
func (v IdentityVector) View() []float64 { return v.c }

// MatchResult is produced fresh per match call and never cached.
type MatchResult struct {
	Matched    bool
	PersonID   string
	Confidence float64
	Distance   float64
}

// TicketStatus mirrors the booking system's ticket lifecycle.
type TicketStatus string

const (
	TicketBooked    TicketStatus = "BOOKED"
	TicketCheckedIn TicketStatus = "CHECKED_IN"
	TicketCancelled TicketStatus = "CANCELLED"
)

// Passenger holds only the fields the check-in core needs.
type Passenger struct {
	ID             int64
	FirstName      string
	LastName       string
	PassportNumber string
	FaceRef        string // vault person ID, empty if not enrolled
	CreatedAt      time.Time
}

// FullName returns "First Last".
func (p Passenger) FullName() string {
	return p.FirstName + " " + p.LastName
}

// Ticket holds only the fields the check-in core needs.
type Ticket struct {
	ID           int64
	TicketNumber string
	PassengerID  int64
	Status       TicketStatus
	Seat         string
	Gate         string
	CheckedInAt  *time.Time
	CreatedAt    time.Time
}

// AuditEvent is the structured record emitted for every check-in decision.
type AuditEvent struct {
	ID        string    `json:"id"`
	EventType string    `json:"eventType"`
	TicketRef string    `json:"ticketRef,omitempty"`
	PersonRef string    `json:"personRef,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Outcome   string    `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
}

// Audit event types.
const (
	EventCheckInSuccess   = "CHECKIN_SUCCESS"
	EventCheckInFailed    = "CHECKIN_FAILED"
	EventCheckInCancelled = "CHECKIN_CANCELLED"
	EventEnroll           = "ENROLL"
	EventForget           = "FORGET"
	EventResetCheckIn     = "RESET_CHECKIN"
	EventCleanupCheckIns  = "CLEANUP_CHECKINS"
	EventGateFailsafe     = "GATE_FAILSAFE_CLOSE"
	EventVaultCorrupt     = "VAULT_CORRUPT_RECORD"
	EventAdminAccess      = "ADMIN_ACCESS"
)
