package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/andresmejia3/checkpoint/internal/types"
)

var ErrSlotClosed = errors.New("frame source closed")

// Slot is a single-frame handoff between the camera goroutine and the
// consumer. Put never blocks: a new frame replaces one that has not been
// taken yet, so the consumer always sees the most recent frame.
type Slot struct {
	mu      sync.Mutex
	frame   types.Frame
	full    bool
	closed  bool
	ready   chan struct{}
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

func NewSlot() *Slot {
	return &Slot{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Put publishes frame, overwriting any unconsumed frame.
func (s *Slot) Put(frame types.Frame) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.full {
		s.dropped.Add(1)
	}
	s.frame = frame
	s.full = true
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Next blocks until a frame is available, ctx is done, or the slot is closed
// and drained.
func (s *Slot) Next(ctx context.Context) (types.Frame, error) {
	for {
		s.mu.Lock()
		if s.full {
			f := s.frame
			s.frame = types.Frame{}
			s.full = false
			s.mu.Unlock()
			return f, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return types.Frame{}, ErrSlotClosed
		}

		select {
		case <-ctx.Done():
			return types.Frame{}, ctx.Err()
		case <-s.ready:
		case <-s.done:
		}
	}
}

// Close wakes any waiting consumer. Frames put after Close are discarded.
func (s *Slot) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
	})
}

// Dropped returns how many frames were overwritten before being consumed.
func (s *Slot) Dropped() uint64 {
	return s.dropped.Load()
}
