// Package codec turns a single still frame into at most one face region and
// that region into a fixed-length identity vector.
package codec

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/andresmejia3/checkpoint/internal/types"
	"github.com/andresmejia3/checkpoint/internal/worker"
)

var (
	ErrNoFaceDetected         = errors.New("no face detected")
	ErrMultipleFacesAmbiguous = errors.New("multiple faces detected")
	ErrEncodingFailed         = errors.New("face encoding failed")
	ErrInvalidFrame           = errors.New("invalid frame")
)

// DefaultMinFacePixels is the smallest face side the encoder is trusted with.
const DefaultMinFacePixels = 60

// Backend is the external detection/encoding capability.
type Backend interface {
	Detect(frame types.Frame) ([]types.FaceRegion, error)
	Encode(frame types.Frame, region types.FaceRegion) ([]float64, error)
}

type Codec struct {
	backend       Backend
	dim           int
	minFacePixels int
	strict        bool
	logger        *slog.Logger
}

type Option func(*Codec)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Codec) { c.logger = logger }
}

// WithStrictSingleSubject makes Detect fail with ErrMultipleFacesAmbiguous
// instead of picking the largest face.
func WithStrictSingleSubject() Option {
	return func(c *Codec) { c.strict = true }
}

func WithMinFacePixels(px int) Option {
	return func(c *Codec) { c.minFacePixels = px }
}

// New creates a codec producing vectors of exactly dim components.
func New(backend Backend, dim int, opts ...Option) *Codec {
	c := &Codec{
		backend:       backend,
		dim:           dim,
		minFacePixels: DefaultMinFacePixels,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dim returns the vector length this codec produces.
func (c *Codec) Dim() int { return c.dim }

// Detect returns the single face region in frame, clipped to the frame bounds.
func (c *Codec) Detect(frame types.Frame) (types.FaceRegion, error) {
	if !frame.Valid() {
		return types.FaceRegion{}, ErrInvalidFrame
	}
	regions, err := c.backend.Detect(frame)
	if err != nil {
		// The worker answered but could not process this frame
		if errors.Is(err, worker.ErrWorker) {
			return types.FaceRegion{}, fmt.Errorf("%w: frame %d: %w", ErrNoFaceDetected, frame.Index, err)
		}
		return types.FaceRegion{}, fmt.Errorf("detect frame %d: %w", frame.Index, err)
	}

	var valid []types.FaceRegion
	for _, r := range regions {
		r = clip(r, frame.Width, frame.Height)
		if r.Area() > 0 {
			valid = append(valid, r)
		}
	}

	switch len(valid) {
	case 0:
		return types.FaceRegion{}, ErrNoFaceDetected
	case 1:
		return valid[0], nil
	}

	if c.strict {
		return types.FaceRegion{}, fmt.Errorf("%w: %d regions", ErrMultipleFacesAmbiguous, len(valid))
	}
	best := Largest(valid)
	c.logger.Warn("multiple faces in frame, using largest",
		"frame", frame.Index, "faces", len(valid), "width", best.Width, "height", best.Height)
	return best, nil
}

// Encode converts region of frame into an identity vector.
func (c *Codec) Encode(frame types.Frame, region types.FaceRegion) (types.IdentityVector, error) {
	if !frame.Valid() {
		return types.IdentityVector{}, ErrInvalidFrame
	}
	region = clip(region, frame.Width, frame.Height)
	if region.Width < c.minFacePixels || region.Height < c.minFacePixels {
		return types.IdentityVector{}, fmt.Errorf("%w: region %dx%d below %dpx minimum",
			ErrEncodingFailed, region.Width, region.Height, c.minFacePixels)
	}

	raw, err := c.backend.Encode(frame, region)
	if err != nil {
		if errors.Is(err, worker.ErrWorker) {
			return types.IdentityVector{}, fmt.Errorf("%w: %w", ErrEncodingFailed, err)
		}
		return types.IdentityVector{}, fmt.Errorf("encode frame %d: %w", frame.Index, err)
	}
	if len(raw) != c.dim {
		return types.IdentityVector{}, fmt.Errorf("%w: got %d components, want %d", ErrEncodingFailed, len(raw), c.dim)
	}
	for _, v := range raw {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return types.IdentityVector{}, fmt.Errorf("%w: non-finite component", ErrEncodingFailed)
		}
	}
	return types.NewIdentityVector(raw), nil
}

// Largest returns the region with the biggest area. regions must be non-empty.
func Largest(regions []types.FaceRegion) types.FaceRegion {
	best := regions[0]
	for _, r := range regions[1:] {
		if r.Area() > best.Area() {
			best = r
		}
	}
	return best
}

func clip(r types.FaceRegion, width, height int) types.FaceRegion {
	x1, y1 := max(r.X, 0), max(r.Y, 0)
	x2, y2 := min(r.X+r.Width, width), min(r.Y+r.Height, height)
	r.X, r.Y = x1, y1
	r.Width, r.Height = max(x2-x1, 0), max(y2-y1, 0)
	return r
}
