// Package capture acquires live frames and hands the most recent one to the
// frame pump. Frames are never queued: a single-slot mailbox keeps only the
// latest frame and counts overwrites, so a slow consumer sees fresh frames
// instead of a growing backlog.
package capture

import (
	"sync"
	"time"
)

// Frame is one captured video frame (JPEG encoded).
type Frame struct {
	Data      []byte
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
}

// Source produces live frames.
type Source interface {
	// Start begins capturing. Returns an error if already started.
	Start() error

	// Stop halts capture and releases the device.
	Stop()

	// Take removes and returns the most recent frame, if any.
	Take() (*Frame, bool)

	// Producing reports whether frames arrived recently.
	Producing() bool

	// Dimensions returns the source's native frame size; either value may be
	// zero when the device has not reported a size yet.
	Dimensions() (width, height int)
}

// frameSlot is a single-slot latest-frame mailbox with overwrite semantics.
type frameSlot struct {
	mu       sync.Mutex
	frame    *Frame
	lastSet  time.Time
	drops    uint64
	produced uint64
}

func (s *frameSlot) set(f *Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frame != nil {
		s.drops++
	}
	s.frame = f
	s.lastSet = time.Now()
	s.produced++
}

func (s *frameSlot) take() (*Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frame == nil {
		return nil, false
	}
	f := s.frame
	s.frame = nil
	return f, true
}

func (s *frameSlot) fresh(window time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.lastSet.IsZero() && time.Since(s.lastSet) < window
}

// Stats reports capture counters.
type Stats struct {
	FramesCaptured uint64
	FramesDropped  uint64
}

func (s *frameSlot) stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{FramesCaptured: s.produced, FramesDropped: s.drops}
}
