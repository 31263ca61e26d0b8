package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"facelock/internal/config"
	"facelock/internal/face"
)

// State describes the supervisor lifecycle.
type State string

const (
	StateUninitialized     State = "uninitialized"
	StateRegistering       State = "registering"
	StateWaitingActivation State = "waiting_activation"
	StateReady             State = "ready"
	StateDegraded          State = "degraded"
	StateReinitializing    State = "reinitializing"
)

// ErrInitFailed is returned when neither the primary nor the fallback worker
// could be brought up. This is fatal to the session; there is no retry loop
// beyond the single fallback attempt.
var ErrInitFailed = errors.New("worker initialization failed")

// ErrNotReady is returned for requests issued before a worker is active.
var ErrNotReady = errors.New("worker not ready")

const healthCacheWindow = 10 * time.Second

// Options tune the supervisor timeouts and the warmup self-test input.
type Options struct {
	ActivationTimeout time.Duration // upper bound on the ready wait
	HealthTimeout     time.Duration // upper bound on a ping round-trip
	RequestTimeout    time.Duration // upper bound on detect round-trips
	WarmupImage       []byte        // reference image; nil uses a 1x1 buffer
	WarmupWidth       int
	WarmupHeight      int
	OnStateChange     func(State) // optional, called synchronously
}

func (o *Options) fill() {
	if o.ActivationTimeout <= 0 {
		o.ActivationTimeout = 12 * time.Second
	}
	if o.HealthTimeout <= 0 {
		o.HealthTimeout = 3 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 5 * time.Second
	}
}

// Supervisor owns the lifecycle of the persistent inference worker and its
// fallback: registration, activation wait, model loading with warmup, health
// probing and transparent reinitialization. All requests are serialized, which
// together with the pump's single-flight discipline keeps reply routing
// correlation-free; IDs are still matched so a reply that straggles in after
// a timeout is discarded instead of answering the next request.
type Supervisor struct {
	primary  Runner
	fallback Runner
	opts     Options

	mu      sync.Mutex // serializes lifecycle and requests
	sess    *session
	active  string
	state   State
	stateMu sync.RWMutex

	seq atomic.Uint64

	progressMu sync.Mutex
	progressFn func(Progress)

	healthMu   sync.Mutex
	lastHealth time.Time

	// last successfully loaded model config, reloaded after a silent reinit
	models *config.DetectorConfig
}

// session is one established worker connection and its routing channels.
type session struct {
	conn    Conn
	replies chan *Envelope
	ready   chan struct{}
	done    chan struct{}
}

// NewSupervisor creates a supervisor over the given worker runners. fallback
// may be nil when no fallback path exists.
func NewSupervisor(primary, fallback Runner, opts Options) *Supervisor {
	opts.fill()
	return &Supervisor{
		primary:  primary,
		fallback: fallback,
		opts:     opts,
		state:    StateUninitialized,
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Active returns the name of the active runner, or "" before initialization.
func (s *Supervisor) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Supervisor) setState(st State) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(st)
	}
}

// Start brings up the primary worker, falling back to the secondary on any
// registration or activation failure. Both paths failing is fatal.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(ctx)
}

func (s *Supervisor) startLocked(ctx context.Context) error {
	s.setState(StateRegistering)

	primaryErr := s.activateLocked(ctx, s.primary)
	if primaryErr == nil {
		return nil
	}
	log.Printf("[Supervisor] Primary worker failed: %v", primaryErr)

	if s.fallback == nil {
		s.setState(StateDegraded)
		return fmt.Errorf("%w: primary: %v (no fallback configured)", ErrInitFailed, primaryErr)
	}

	log.Printf("[Supervisor] Attempting fallback worker %s", s.fallback.Name())
	if fallbackErr := s.activateLocked(ctx, s.fallback); fallbackErr != nil {
		s.setState(StateDegraded)
		return fmt.Errorf("%w: primary: %v; fallback: %v", ErrInitFailed, primaryErr, fallbackErr)
	}
	return nil
}

// activateLocked starts one runner and waits for its ready announcement.
func (s *Supervisor) activateLocked(ctx context.Context, runner Runner) error {
	conn, err := runner.Start(ctx)
	if err != nil {
		return fmt.Errorf("registration: %w", err)
	}

	sess := &session{
		conn:    conn,
		replies: make(chan *Envelope, 8),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.recvLoop(sess)

	s.setState(StateWaitingActivation)

	select {
	case <-sess.ready:
	case <-sess.done:
		conn.Close()
		return fmt.Errorf("worker exited before activation")
	case <-time.After(s.opts.ActivationTimeout):
		conn.Close()
		return fmt.Errorf("activation timed out after %s", s.opts.ActivationTimeout)
	case <-ctx.Done():
		conn.Close()
		return ctx.Err()
	}

	s.sess = sess
	s.active = runner.Name()
	s.setState(StateReady)
	s.markHealthy()
	log.Printf("[Supervisor] Worker %s active", runner.Name())
	return nil
}

// recvLoop routes incoming envelopes: ready and progress are unsolicited,
// everything else is a reply.
func (s *Supervisor) recvLoop(sess *session) {
	defer close(sess.done)

	readyOnce := false
	for {
		env, err := sess.conn.Recv()
		if err != nil {
			return
		}

		switch env.Type {
		case MsgReady:
			if !readyOnce {
				readyOnce = true
				close(sess.ready)
			}
		case MsgProgress:
			var p Progress
			if err := env.Decode(&p); err != nil {
				log.Printf("[Supervisor] Bad progress payload: %v", err)
				continue
			}
			s.progressMu.Lock()
			fn := s.progressFn
			s.progressMu.Unlock()
			if fn != nil {
				fn(p)
			}
		default:
			select {
			case sess.replies <- env:
			default:
				log.Printf("[Supervisor] Dropping %s reply, channel full", env.Type)
			}
		}
	}
}

// LoadModels instructs the active worker to load the detection, landmark and
// recognition models, streaming progress to onProgress. Loading completion
// alone is not readiness: a warmup self-test must also detect successfully.
func (s *Supervisor) LoadModels(ctx context.Context, det config.DetectorConfig, onProgress func(Progress)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadModelsLocked(ctx, det, onProgress)
}

func (s *Supervisor) loadModelsLocked(ctx context.Context, det config.DetectorConfig, onProgress func(Progress)) error {
	if s.sess == nil {
		return ErrNotReady
	}

	s.progressMu.Lock()
	s.progressFn = onProgress
	s.progressMu.Unlock()
	defer func() {
		s.progressMu.Lock()
		s.progressFn = nil
		s.progressMu.Unlock()
	}()

	if _, err := s.roundTripLocked(ctx, MsgLoadModels, LoadModelsRequest{Detector: det}, MsgModelsLoaded, 0); err != nil {
		return fmt.Errorf("model load failed: %w", err)
	}

	if err := s.warmupLocked(ctx); err != nil {
		return fmt.Errorf("warmup self-test failed: %w", err)
	}

	cfg := det
	s.models = &cfg
	log.Printf("[Supervisor] Models loaded on %s worker", s.active)
	return nil
}

// warmupLocked runs a single detection against the reference image to prove
// the loaded models actually infer.
func (s *Supervisor) warmupLocked(ctx context.Context) error {
	req := WarmupRequest{Image: s.opts.WarmupImage, Width: s.opts.WarmupWidth, Height: s.opts.WarmupHeight}
	if req.Image == nil {
		req.Width, req.Height = 1, 1
	}
	reply, err := s.roundTripLocked(ctx, MsgWarmup, req, MsgWarmupResult, s.opts.RequestTimeout)
	if err != nil {
		return err
	}
	var res WarmupResult
	return reply.Decode(&res)
}

// Detect sends one frame buffer to the active worker and returns the typed
// detections. At most one detect call is in flight at a time; the frame pump
// enforces that upstream and the supervisor mutex enforces it here.
func (s *Supervisor) Detect(ctx context.Context, frame []byte, width, height int, det config.DetectorConfig) (*DetectionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sess == nil {
		return nil, ErrNotReady
	}

	req := DetectRequest{Frame: frame, Width: width, Height: height, Detector: det}
	reply, err := s.roundTripLocked(ctx, MsgDetectFaces, req, MsgDetectionResult, s.opts.RequestTimeout)
	if err != nil {
		return nil, err
	}

	var res DetectionResult
	if err := reply.Decode(&res); err != nil {
		return nil, err
	}
	for i := range res.Detections {
		if d := res.Detections[i].Descriptor; d != nil && len(d) != face.DescriptorLen {
			log.Printf("[Supervisor] Unexpected descriptor length %d", len(d))
		}
	}
	return &res, nil
}

// HealthCheck sends a lightweight ping to the active worker. A missed reply
// within the bounded timeout means the worker is presumed terminated and
// initialization is retried transparently; that recovery failing is fatal.
// Results are cached briefly so focus-regain bursts do not ping repeatedly.
func (s *Supervisor) HealthCheck(ctx context.Context) error {
	s.healthMu.Lock()
	if time.Since(s.lastHealth) < healthCacheWindow {
		s.healthMu.Unlock()
		return nil
	}
	s.healthMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sess == nil {
		return s.reinitLocked(ctx)
	}

	_, err := s.roundTripLocked(ctx, MsgPing, nil, MsgPong, s.opts.HealthTimeout)
	if err == nil {
		s.markHealthy()
		return nil
	}

	log.Printf("[Supervisor] Health check failed (%v), reinitializing", err)
	return s.reinitLocked(ctx)
}

// reinitLocked tears the current worker down and restarts the full
// initialization path, reloading the last model set so the recovery is
// invisible to the pipelines above.
func (s *Supervisor) reinitLocked(ctx context.Context) error {
	s.setState(StateReinitializing)
	s.teardownLocked()

	if err := s.startLocked(ctx); err != nil {
		return err
	}
	if s.models != nil {
		if err := s.loadModelsLocked(ctx, *s.models, nil); err != nil {
			s.setState(StateDegraded)
			return err
		}
	}
	s.markHealthy()
	return nil
}

func (s *Supervisor) teardownLocked() {
	if s.sess != nil {
		s.sess.conn.Close()
		s.sess = nil
	}
	s.active = ""
}

func (s *Supervisor) markHealthy() {
	s.healthMu.Lock()
	s.lastHealth = time.Now()
	s.healthMu.Unlock()
}

// roundTripLocked performs one request/reply exchange. Replies with a stale ID
// (left over from a timed-out exchange) are discarded. A timeout of 0 leaves
// the deadline entirely to ctx.
func (s *Supervisor) roundTripLocked(ctx context.Context, t MsgType, payload any, want MsgType, timeout time.Duration) (*Envelope, error) {
	sess := s.sess
	if sess == nil {
		return nil, ErrNotReady
	}

	id := s.seq.Add(1)
	env, err := NewEnvelope(t, id, payload)
	if err != nil {
		return nil, err
	}
	if err := sess.conn.Send(env); err != nil {
		return nil, fmt.Errorf("send %s: %w", t, err)
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case reply := <-sess.replies:
			if reply.ID != id {
				// Straggler from a timed-out exchange.
				continue
			}
			if err := reply.Err(); err != nil {
				return nil, err
			}
			if reply.Type != want {
				return nil, fmt.Errorf("unexpected reply %s to %s", reply.Type, t)
			}
			return reply, nil
		case <-sess.done:
			return nil, fmt.Errorf("worker connection lost during %s", t)
		case <-deadline:
			return nil, fmt.Errorf("%s timed out after %s", t, timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close shuts the active worker down.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked()
	s.setState(StateUninitialized)
	return nil
}
