// Package imageslot implements the single-slot handoff of the latest camera image from a
// producer to one acquisition pipeline.
package imageslot

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

// ErrClosed is returned when waiting on a closed slot.
var ErrClosed = errors.New("image slot closed")

// Image is one captured image and its capture time.
type Image struct {
	Data      image.Image
	Timestamp uint64
}

// Stats counts slot activity.
type Stats struct {
	Published uint64
	Consumed  uint64
	Dropped   uint64
}

// Slot holds at most one unconsumed image. Publishing overwrites an unconsumed image. The
// consumer takes its own copy, so the producer may publish the next image while the previous
// one is processed; the consumer acknowledges with ProcessingDone.
type Slot struct {
	clock clock.Clock

	mu         sync.Mutex
	pending    *Image
	processing bool
	// sequence numbers of the pending, the in-process and the last acknowledged image
	pendingSeq    uint64
	processingSeq uint64
	ackedSeq      uint64
	closed        bool
	ready         chan struct{}
	done          chan struct{}
	stats         Stats
}

// New returns an empty slot. A nil clock uses the wall clock.
func New(clk clock.Clock) *Slot {
	if clk == nil {
		clk = clock.New()
	}
	return &Slot{clock: clk, ready: make(chan struct{}), done: make(chan struct{})}
}

// Publish stores img as the latest image without blocking.
func (s *Slot) Publish(img image.Image, timestamp uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishLocked(img, timestamp)
}

func (s *Slot) publishLocked(img image.Image, timestamp uint64) uint64 {
	if s.closed {
		return 0
	}
	if s.pending != nil {
		s.stats.Dropped++
	}
	s.pending = &Image{Data: img, Timestamp: timestamp}
	s.stats.Published++
	s.pendingSeq = s.stats.Published
	close(s.ready)
	s.ready = make(chan struct{})
	return s.pendingSeq
}

// PublishAndWait publishes img and blocks until the consumer has acknowledged it or a later
// image.
func (s *Slot) PublishAndWait(ctx context.Context, img image.Image, timestamp uint64) error {
	s.mu.Lock()
	seq := s.publishLocked(img, timestamp)
	s.mu.Unlock()
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return ErrClosed
		}
		if s.ackedSeq >= seq {
			s.mu.Unlock()
			return nil
		}
		done := s.done
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
		}
	}
}

// WaitForData waits up to timeout for an image and takes it. It returns false on timeout,
// cancellation or close.
func (s *Slot) WaitForData(ctx context.Context, timeout time.Duration) (Image, bool) {
	timer := s.clock.Timer(timeout)
	defer timer.Stop()
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return Image{}, false
		}
		if s.pending != nil {
			img := *s.pending
			s.pending = nil
			s.processing = true
			s.processingSeq = s.pendingSeq
			s.stats.Consumed++
			s.mu.Unlock()
			return img, true
		}
		ready := s.ready
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Image{}, false
		case <-timer.C:
			return Image{}, false
		case <-ready:
		}
	}
}

// ProcessingDone acknowledges that the last image taken has been consumed.
func (s *Slot) ProcessingDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.processing {
		return
	}
	s.processing = false
	s.ackedSeq = s.processingSeq
	close(s.done)
	s.done = make(chan struct{})
}

// WaitForProcessingDone blocks the producer until the consumer has acknowledged the image it
// is working on. It returns immediately when nothing is being processed.
func (s *Slot) WaitForProcessingDone(ctx context.Context) error {
	s.mu.Lock()
	if !s.processing || s.closed {
		s.mu.Unlock()
		return nil
	}
	done := s.done
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Close wakes any waiter and rejects further images.
func (s *Slot) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.pending = nil
	close(s.ready)
	s.processing = false
	close(s.done)
}

// Closed reports whether Close has been called.
func (s *Slot) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Stats returns a snapshot of the slot counters.
func (s *Slot) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
