// Package match scores a probe identity vector against an in-memory corpus.
//
// Everything here is pure: no I/O, no clocks, no randomness. The result does
// not depend on map iteration order.
package match

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/andresmejia3/checkpoint/internal/types"
)

const (
	// MaxDistance normalises raw Euclidean distance into a confidence. It is
	// calibrated to the 128-d dlib encoding space, where distances above 1.0
	// are never the same person.
	MaxDistance = 1.0

	// DefaultThreshold is the minimum confidence for acceptance.
	DefaultThreshold = 0.55

	// TieEpsilon is the distance window within which two candidates are
	// considered indistinguishable.
	TieEpsilon = 1e-9
)

var (
	ErrAmbiguousMatch    = errors.New("ambiguous match")
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	ErrInvalidThreshold  = errors.New("threshold must be within (0, 1]")
)

// Confidence converts a raw distance into [0, 1].
func Confidence(distance float64) float64 {
	return math.Max(0, 1-distance/MaxDistance)
}

// DistanceCutoff is the raw distance equivalent of a confidence threshold.
// The confidence threshold is the only configured knob; this is derived.
func DistanceCutoff(threshold float64) float64 {
	return (1 - threshold) * MaxDistance
}

// Distance returns the Euclidean distance between two vectors of equal length.
func Distance(a, b types.IdentityVector) (float64, error) {
	if a.Dim() != b.Dim() {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, a.Dim(), b.Dim())
	}
	if a.Dim() == 0 {
		return 0, fmt.Errorf("%w: empty vector", ErrDimensionMismatch)
	}
	return floats.Distance(a.View(), b.View(), 2), nil
}

// Match finds the nearest corpus entry to probe and applies threshold.
//
// A non-match returns Matched=false with the best confidence seen and a nil
// error. Two or more candidates tied for the minimum distance return
// ErrAmbiguousMatch and never a match.
func Match(probe types.IdentityVector, corpus map[string]types.IdentityVector, threshold float64) (types.MatchResult, error) {
	if threshold <= 0 || threshold > 1 || math.IsNaN(threshold) {
		return types.MatchResult{}, fmt.Errorf("%w: %v", ErrInvalidThreshold, threshold)
	}
	if len(corpus) == 0 {
		return types.MatchResult{Matched: false, Confidence: 0, Distance: math.Inf(1)}, nil
	}

	ids := make([]string, 0, len(corpus))
	for id := range corpus {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	dists := make([]float64, len(ids))
	best := math.Inf(1)
	bestID := ""
	for i, id := range ids {
		d, err := Distance(probe, corpus[id])
		if err != nil {
			return types.MatchResult{}, fmt.Errorf("corpus entry %q: %w", id, err)
		}
		dists[i] = d
		if d < best {
			best, bestID = d, id
		}
	}

	ties := 0
	for _, d := range dists {
		if d-best <= TieEpsilon {
			ties++
		}
	}

	conf := Confidence(best)
	if ties > 1 {
		return types.MatchResult{Matched: false, Confidence: conf, Distance: best},
			fmt.Errorf("%w: %d candidates at distance %.6f", ErrAmbiguousMatch, ties, best)
	}
	if conf < threshold {
		return types.MatchResult{Matched: false, Confidence: conf, Distance: best}, nil
	}
	return types.MatchResult{Matched: true, PersonID: bestID, Confidence: conf, Distance: best}, nil
}
