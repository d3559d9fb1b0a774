// Package capture turns a stream of frames into one stable face sample.
//
// A Session accepts frames one at a time and only emits an identity vector
// after K consecutive frames each contained a single, centered, plausibly
// sized face. Any disqualifying frame empties the window.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/andresmejia3/checkpoint/internal/codec"
	"github.com/andresmejia3/checkpoint/internal/types"
)

var (
	ErrAborted  = errors.New("capture aborted")
	ErrTimeout  = errors.New("capture timed out")
	ErrFinished = errors.New("capture session already finished")
)

type State int

const (
	Idle State = iota
	Sampling
	Stable
	Captured
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Sampling:
		return "SAMPLING"
	case Stable:
		return "STABLE"
	case Captured:
		return "CAPTURED"
	case Aborted:
		return "ABORTED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Codec is the subset of codec.Codec the engine needs.
type Codec interface {
	Detect(frame types.Frame) (types.FaceRegion, error)
	Encode(frame types.Frame, region types.FaceRegion) (types.IdentityVector, error)
}

// FrameSource blocks until the next frame is available.
type FrameSource interface {
	Next(ctx context.Context) (types.Frame, error)
}

type Config struct {
	// K is the number of consecutive qualifying frames required.
	K int
	// CenterTolerance is the maximum face center offset from the frame
	// center, as a fraction of frame width (x) and height (y).
	CenterTolerance float64
	// MinFaceFraction and MaxFaceFraction bound face width / frame width.
	MinFaceFraction float64
	MaxFaceFraction float64
}

func DefaultConfig() Config {
	return Config{
		K:               30,
		CenterTolerance: 0.2,
		MinFaceFraction: 0.15,
		MaxFaceFraction: 0.8,
	}
}

// Validate rejects configurations under which a capture could never succeed.
func (c Config) Validate() error {
	switch {
	case c.K < 1:
		return fmt.Errorf("stability frames must be >= 1, got %d", c.K)
	case c.CenterTolerance <= 0 || c.CenterTolerance > 0.5:
		return fmt.Errorf("center tolerance must be within (0, 0.5], got %v", c.CenterTolerance)
	case c.MinFaceFraction < 0 || c.MaxFaceFraction > 1 || c.MinFaceFraction >= c.MaxFaceFraction:
		return fmt.Errorf("face fraction bounds [%v, %v] are invalid", c.MinFaceFraction, c.MaxFaceFraction)
	}
	return nil
}

// Progress is reported after every frame so a UI can render stability.
type Progress struct {
	State  State
	Window int
	K      int
	// Err is set when the frame ended a sampling run with an encoding failure.
	Err error
}

// Fraction returns Window/K in [0, 1].
func (p Progress) Fraction() float64 {
	if p.K == 0 {
		return 0
	}
	return math.Min(1, float64(p.Window)/float64(p.K))
}

type Session struct {
	codec      Codec
	cfg        Config
	state      State
	window     []types.FaceRegion
	last       types.Frame
	logger     *slog.Logger
	onProgress func(Progress)
}

type Option func(*Session)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithProgress registers a callback invoked synchronously after each frame.
func WithProgress(fn func(Progress)) Option {
	return func(s *Session) { s.onProgress = fn }
}

func NewSession(c Codec, cfg Config, opts ...Option) *Session {
	s := &Session{
		codec:  c,
		cfg:    cfg,
		state:  Idle,
		window: make([]types.FaceRegion, 0, cfg.K),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) State() State { return s.state }

// Progress returns the current window fill.
func (s *Session) Progress() Progress {
	return Progress{State: s.state, Window: len(s.window), K: s.cfg.K}
}

// Cancel aborts the session. It is a no-op once the session is terminal.
func (s *Session) Cancel() {
	if s.state == Captured || s.state == Aborted {
		return
	}
	s.state = Aborted
	s.window = s.window[:0]
	s.report(nil)
}

// Feed processes one frame.
//
// It returns captured=true together with the vector once K consecutive frames
// qualify. An encoding failure is returned wrapped in codec.ErrEncodingFailed
// and leaves the session SAMPLING with an empty window. Backend failures other
// than detection misses are returned unchanged and should end the session.
func (s *Session) Feed(frame types.Frame) (types.IdentityVector, bool, error) {
	switch s.state {
	case Captured, Aborted:
		return types.IdentityVector{}, false, ErrFinished
	case Idle:
		s.state = Sampling
	}

	region, err := s.codec.Detect(frame)
	switch {
	case err == nil:
	case errors.Is(err, codec.ErrNoFaceDetected),
		errors.Is(err, codec.ErrMultipleFacesAmbiguous),
		errors.Is(err, codec.ErrInvalidFrame):
		s.reset()
		return types.IdentityVector{}, false, nil
	default:
		s.reset()
		return types.IdentityVector{}, false, err
	}

	if !s.qualifies(frame, region) {
		s.reset()
		return types.IdentityVector{}, false, nil
	}

	s.window = append(s.window, region)
	s.last = frame
	if len(s.window) < s.cfg.K {
		s.report(nil)
		return types.IdentityVector{}, false, nil
	}

	s.state = Stable
	s.report(nil)

	vec, err := s.codec.Encode(s.last, s.window[len(s.window)-1])
	if err != nil {
		s.logger.Warn("encoding stable sample failed, restarting window", "frame", frame.Index, "error", err)
		s.state = Sampling
		s.window = s.window[:0]
		s.report(err)
		return types.IdentityVector{}, false, err
	}

	s.state = Captured
	s.report(nil)
	return vec, true, nil
}

// Run feeds frames from src until a vector is captured, ctx is done, or
// timeout elapses. A zero timeout means no deadline. Encoding failures keep
// the session sampling.
func (s *Session) Run(ctx context.Context, src FrameSource, timeout time.Duration) (types.IdentityVector, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, timeout, ErrTimeout)
		defer cancel()
	}

	for {
		frame, err := src.Next(ctx)
		if err != nil {
			s.Cancel()
			if ctx.Err() != nil {
				return types.IdentityVector{}, abortCause(ctx)
			}
			return types.IdentityVector{}, fmt.Errorf("%w: %w", ErrAborted, err)
		}

		vec, captured, err := s.Feed(frame)
		switch {
		case captured:
			return vec, nil
		case err == nil:
		case errors.Is(err, codec.ErrEncodingFailed):
			// Re-prompt: the window was already reset.
		default:
			s.Cancel()
			return types.IdentityVector{}, err
		}

		if ctx.Err() != nil {
			s.Cancel()
			return types.IdentityVector{}, abortCause(ctx)
		}
	}
}

func abortCause(ctx context.Context) error {
	if errors.Is(context.Cause(ctx), ErrTimeout) {
		return ErrTimeout
	}
	return fmt.Errorf("%w: %w", ErrAborted, ctx.Err())
}

func (s *Session) qualifies(frame types.Frame, region types.FaceRegion) bool {
	fw, fh := float64(frame.Width), float64(frame.Height)
	cx, cy := region.Center()
	if math.Abs(cx-fw/2)/fw >= s.cfg.CenterTolerance || math.Abs(cy-fh/2)/fh >= s.cfg.CenterTolerance {
		return false
	}
	size := float64(region.Width) / fw
	return size >= s.cfg.MinFaceFraction && size <= s.cfg.MaxFaceFraction
}

func (s *Session) reset() {
	s.window = s.window[:0]
	s.report(nil)
}

func (s *Session) report(err error) {
	if s.onProgress != nil {
		p := s.Progress()
		p.Err = err
		s.onProgress(p)
	}
}
