// Package pump drives the capture-detect loop. It paces the live frame source
// against the slower asynchronous detector with a single-flight discipline:
// at most one inference request is ever outstanding, and scheduling resumes
// only when the reply for that request arrives.
package pump

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"facelock/internal/capture"
	"facelock/internal/worker"
)

// ErrAlreadyRunning is returned by Start on a pump that is already running.
var ErrAlreadyRunning = errors.New("pump already running")

// Detector runs inference on one frame tensor.
type Detector interface {
	Detect(ctx context.Context, tensor *capture.Tensor) (*worker.DetectionResult, error)
}

// Sink consumes detection replies in issue order.
type Sink interface {
	OnDetections(frame *capture.Frame, result *worker.DetectionResult)
}

// Stats counts pump activity.
type Stats struct {
	Dispatched     uint64
	Completed      uint64
	Failed         uint64
	DiscardedLate  uint64
	SkippedNoFrame uint64
}

// Pump is the single-flight capture loop.
type Pump struct {
	source   capture.Source
	detector Detector
	sink     Sink

	tick      time.Duration
	fallbackW int
	fallbackH int

	mu       sync.Mutex
	running  bool
	inFlight bool
	epoch    uint64 // bumped on Stop; replies from older epochs are discarded
	stopCh   chan struct{}
	resumeCh chan struct{}
	stats    Stats
}

// Options configure the pump.
type Options struct {
	TickInterval   time.Duration // scheduling tick; default 33ms
	FallbackWidth  int           // secondary dimension estimate when the source reports zero
	FallbackHeight int
}

// New creates a pump over the given source and detector.
func New(source capture.Source, detector Detector, sink Sink, opts Options) *Pump {
	if opts.TickInterval <= 0 {
		opts.TickInterval = 33 * time.Millisecond
	}
	return &Pump{
		source:    source,
		detector:  detector,
		sink:      sink,
		tick:      opts.TickInterval,
		fallbackW: opts.FallbackWidth,
		fallbackH: opts.FallbackHeight,
	}
}

// Start begins the scheduling loop. Idempotent start is an error.
func (p *Pump) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrAlreadyRunning
	}
	p.running = true
	p.inFlight = false
	p.stopCh = make(chan struct{})
	p.resumeCh = make(chan struct{}, 1)

	go p.loop(ctx, p.stopCh, p.resumeCh, p.epoch)
	log.Printf("[Pump] Started (tick %s)", p.tick)
	return nil
}

// Stop halts scheduling synchronously: the in-flight flag is cleared, the
// pending tick is dropped, and any reply still traveling is discarded when it
// lands because its epoch no longer matches.
func (p *Pump) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	p.inFlight = false
	p.epoch++
	close(p.stopCh)
	log.Printf("[Pump] Stopped")
}

// InFlight reports whether a detect request is outstanding.
func (p *Pump) InFlight() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

// GetStats returns a copy of the pump counters.
func (p *Pump) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *Pump) loop(ctx context.Context, stopCh, resumeCh chan struct{}, epoch uint64) {
	timer := time.NewTimer(p.tick)
	defer timer.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			p.Stop()
			return
		case <-resumeCh:
			// Reply handled; resume ticking immediately.
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(0)
		case <-timer.C:
			if p.tryDispatch(ctx, epoch) {
				// In flight: no further ticks until the reply resumes us.
				continue
			}
			timer.Reset(p.tick)
		}
	}
}

// tryDispatch captures and dispatches one frame. Returns true when a request
// went out (scheduling must pause), false when the tick should reschedule.
func (p *Pump) tryDispatch(ctx context.Context, epoch uint64) bool {
	p.mu.Lock()
	if !p.running || p.epoch != epoch || p.inFlight {
		inFlight := p.inFlight
		p.mu.Unlock()
		return inFlight
	}
	p.mu.Unlock()

	if !p.source.Producing() {
		return false
	}

	frame, ok := p.source.Take()
	if !ok {
		p.count(func(s *Stats) { s.SkippedNoFrame++ })
		return false
	}

	width, height := p.source.Dimensions()
	if width == 0 || height == 0 {
		// Secondary estimate; if that is also unknown, reschedule until the
		// source reports a valid size.
		width, height = p.fallbackW, p.fallbackH
		if width == 0 || height == 0 {
			return false
		}
	}

	tensor, err := capture.ToTensor(frame, width, height)
	if err != nil {
		log.Printf("[Pump] Frame conversion failed: %v", err)
		return false
	}

	p.mu.Lock()
	if !p.running || p.epoch != epoch {
		p.mu.Unlock()
		return false
	}
	p.inFlight = true
	p.stats.Dispatched++
	p.mu.Unlock()

	go p.dispatch(ctx, epoch, frame, tensor)
	return true
}

func (p *Pump) dispatch(ctx context.Context, epoch uint64, frame *capture.Frame, tensor *capture.Tensor) {
	result, err := p.detector.Detect(ctx, tensor)
	p.complete(epoch, frame, result, err)
}

// complete is the reply path: it clears the in-flight flag, forwards the
// result, and resumes scheduling. A reply that arrives after Stop carries a
// stale epoch and is discarded rather than applied.
func (p *Pump) complete(epoch uint64, frame *capture.Frame, result *worker.DetectionResult, err error) {
	p.mu.Lock()
	if p.epoch != epoch || !p.running {
		p.stats.DiscardedLate++
		p.mu.Unlock()
		return
	}
	p.inFlight = false
	if err != nil {
		p.stats.Failed++
	} else {
		p.stats.Completed++
	}
	resumeCh := p.resumeCh
	p.mu.Unlock()

	if err != nil {
		log.Printf("[Pump] Detect failed: %v", err)
	} else if p.sink != nil {
		p.sink.OnDetections(frame, result)
	}

	select {
	case resumeCh <- struct{}{}:
	default:
	}
}

func (p *Pump) count(fn func(*Stats)) {
	p.mu.Lock()
	fn(&p.stats)
	p.mu.Unlock()
}
