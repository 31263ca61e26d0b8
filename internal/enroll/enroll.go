// Package enroll implements the registration pipeline: a gated capture loop
// that accumulates face descriptors for one user until the target count is
// reached, then persists the finished profile.
package enroll

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"facelock/internal/config"
	"facelock/internal/event"
	"facelock/internal/face"
	"facelock/internal/profile"
)

// State is the enrollment session lifecycle.
type State int

const (
	StateIdle State = iota
	StateCollectingInfo
	StateCapturing
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCollectingInfo:
		return "collecting_info"
	case StateCapturing:
		return "capturing"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// RejectReason explains why a frame was not accepted.
type RejectReason string

const (
	RejectNoFace        RejectReason = "no_face"
	RejectMultipleFaces RejectReason = "multiple_faces"
	RejectLowQuality    RejectReason = "low_quality"
	RejectDuplicate     RejectReason = "duplicate_identity"
	RejectInconsistent  RejectReason = "inconsistent"
)

// ErrSessionActive is returned when starting while a session is in progress.
var ErrSessionActive = errors.New("enrollment session already active")

// ErrNoSession is returned when processing frames without an active session.
var ErrNoSession = errors.New("no active enrollment session")

// Session is the in-memory state of one enrollment run.
type Session struct {
	UserID      string
	UserName    string
	Captured    []face.Descriptor
	PreviewRefs []string
	Completed   bool
}

// Result reports the outcome of processing one frame.
type Result struct {
	Accepted  bool
	Reason    RejectReason // set when not accepted
	Captured  int
	Target    int
	Completed bool
}

// Pipeline runs enrollment sessions. One session at a time; callers feed it
// detection results frame by frame via Process.
type Pipeline struct {
	mu     sync.Mutex
	cfg    *config.Config
	store  profile.Store
	drafts profile.DraftStore
	dup    *profile.DupIndex
	bus    *event.Bus

	session *Session

	// Consistency-rejection fallback bookkeeping. Reset on every accept.
	inconsistentStreak int
	bestCandidate      face.Descriptor
	bestDist           float64
}

// NewPipeline creates an enrollment pipeline over the given stores.
func NewPipeline(cfg *config.Config, store profile.Store, drafts profile.DraftStore, dup *profile.DupIndex, bus *event.Bus) *Pipeline {
	return &Pipeline{
		cfg:    cfg,
		store:  store,
		drafts: drafts,
		dup:    dup,
		bus:    bus,
	}
}

// Start begins a new session for the given user. Fails when a session is
// already active or the id is already registered.
func (p *Pipeline) Start(userID, userName string) error {
	if userID == "" || userName == "" {
		return fmt.Errorf("user id and name are required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.session != nil && !p.session.Completed {
		return ErrSessionActive
	}
	if _, err := p.store.Get(userID); err == nil {
		return profile.ErrDuplicateID
	} else if !errors.Is(err, profile.ErrNotFound) {
		return fmt.Errorf("checking existing profile: %w", err)
	}

	p.session = &Session{UserID: userID, UserName: userName}
	p.resetFallbackLocked()
	log.Printf("[Enroll] Session started for %s (%s), target %d captures", userName, userID, p.cfg.TargetCaptures)
	return nil
}

// Resume restores an interrupted session from a persisted draft.
func (p *Pipeline) Resume(d *profile.Draft) error {
	if d == nil {
		return fmt.Errorf("nil draft")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.session != nil && !p.session.Completed {
		return ErrSessionActive
	}

	captured := make([]face.Descriptor, len(d.Captured))
	for i, desc := range d.Captured {
		captured[i] = desc.Clone()
	}
	p.session = &Session{
		UserID:      d.UserID,
		UserName:    d.UserName,
		Captured:    captured,
		PreviewRefs: append([]string(nil), d.PreviewRefs...),
	}
	p.resetFallbackLocked()
	log.Printf("[Enroll] Session resumed for %s (%s), %d/%d captures", d.UserName, d.UserID, len(captured), p.cfg.TargetCaptures)
	return nil
}

// Cancel abandons the active session and clears the draft.
func (p *Pipeline) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.session == nil {
		return
	}
	log.Printf("[Enroll] Session cancelled for %s", p.session.UserID)
	p.session = nil
	p.resetFallbackLocked()
	if err := p.drafts.ClearDraft(); err != nil {
		log.Printf("[Enroll] Failed to clear draft: %v", err)
	}
}

// State returns the lifecycle state of the pipeline.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.session == nil:
		return StateIdle
	case p.session.Completed:
		return StateCompleted
	case p.session.UserID == "":
		return StateCollectingInfo
	default:
		return StateCapturing
	}
}

// Active reports whether a session is collecting captures.
func (p *Pipeline) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session != nil && !p.session.Completed
}

// Snapshot returns a copy of the current session state, or nil.
func (p *Pipeline) Snapshot() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.session == nil {
		return nil
	}
	s := &Session{
		UserID:      p.session.UserID,
		UserName:    p.session.UserName,
		PreviewRefs: append([]string(nil), p.session.PreviewRefs...),
		Completed:   p.session.Completed,
	}
	for _, d := range p.session.Captured {
		s.Captured = append(s.Captured, d.Clone())
	}
	return s
}

// Process runs one frame's detections through the capture gates. frameWidth
// and frameHeight are the dimensions the detections were produced at.
func (p *Pipeline) Process(detections []face.Detection, frameWidth, frameHeight int) (*Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.session == nil || p.session.Completed {
		return nil, ErrNoSession
	}

	// A completed capture set waiting on a failed save retries persistence
	// before looking at new frames.
	if len(p.session.Captured) >= p.cfg.TargetCaptures {
		return p.finalizeLocked()
	}

	if reason, ok := p.gateLocked(detections, frameWidth, frameHeight); !ok {
		return p.rejectLocked(reason), nil
	}
	return p.acceptLocked(detections[0].Descriptor)
}

// gateLocked applies the rejection gates in order. Returns ok=true when the
// single detection passed every gate except the fallback-managed consistency
// gate outcome, which acceptLocked consumes.
func (p *Pipeline) gateLocked(detections []face.Detection, frameWidth, frameHeight int) (RejectReason, bool) {
	switch len(detections) {
	case 0:
		return RejectNoFace, false
	case 1:
	default:
		return RejectMultipleFaces, false
	}

	det := detections[0]
	frameArea := float32(frameWidth * frameHeight)
	if det.Score < p.cfg.Thresholds.MinScore || frameArea <= 0 || det.Box.Area() < p.cfg.Thresholds.MinAreaFrac*frameArea {
		return RejectLowQuality, false
	}

	if _, dist, ok := p.dup.Nearest(det.Descriptor); ok && dist < p.cfg.Thresholds.Duplicate {
		return RejectDuplicate, false
	}

	if len(p.session.Captured) > 0 {
		_, dist := face.Nearest(p.session.Captured, det.Descriptor)
		if dist > p.cfg.Thresholds.Consistency {
			// Track the least-inconsistent candidate so a long streak of
			// near-misses can still make progress.
			if dist < p.bestDist {
				p.bestDist = dist
				p.bestCandidate = det.Descriptor.Clone()
			}
			p.inconsistentStreak++
			if p.cfg.MaxAttempts > 0 && p.inconsistentStreak >= p.cfg.MaxAttempts {
				return "", true // acceptLocked picks up bestCandidate
			}
			return RejectInconsistent, false
		}
	}
	return "", true
}

func (p *Pipeline) acceptLocked(d face.Descriptor) (*Result, error) {
	if p.bestCandidate != nil && p.cfg.MaxAttempts > 0 && p.inconsistentStreak >= p.cfg.MaxAttempts {
		log.Printf("[Enroll] Accepting best candidate after %d consecutive inconsistent frames (distance %.3f)", p.inconsistentStreak, p.bestDist)
		d = p.bestCandidate
	}
	p.resetFallbackLocked()

	p.session.Captured = append(p.session.Captured, d.Clone())
	p.session.PreviewRefs = append(p.session.PreviewRefs, uuid.NewString())

	if err := p.drafts.SaveDraft(&profile.Draft{
		UserID:      p.session.UserID,
		UserName:    p.session.UserName,
		Captured:    p.session.Captured,
		PreviewRefs: p.session.PreviewRefs,
		UpdatedAt:   time.Now(),
	}); err != nil {
		log.Printf("[Enroll] Failed to persist draft: %v", err)
	}

	captured := len(p.session.Captured)
	p.bus.Publish(&event.Event{
		Type:     event.TypeCaptureAccepted,
		UserID:   p.session.UserID,
		Captured: captured,
		Target:   p.cfg.TargetCaptures,
	})
	log.Printf("[Enroll] Capture accepted (%d/%d)", captured, p.cfg.TargetCaptures)

	if captured >= p.cfg.TargetCaptures {
		return p.finalizeLocked()
	}
	return &Result{Accepted: true, Captured: captured, Target: p.cfg.TargetCaptures}, nil
}

func (p *Pipeline) rejectLocked(reason RejectReason) *Result {
	p.bus.Publish(&event.Event{
		Type:     event.TypeCaptureRejected,
		UserID:   p.session.UserID,
		Reason:   string(reason),
		Captured: len(p.session.Captured),
		Target:   p.cfg.TargetCaptures,
	})
	return &Result{Reason: reason, Captured: len(p.session.Captured), Target: p.cfg.TargetCaptures}
}

// finalizeLocked computes the mean descriptor and persists the profile. A
// store failure leaves the session and draft untouched so the save can be
// retried; only the fault is reported.
func (p *Pipeline) finalizeLocked() (*Result, error) {
	s := p.session
	prof := &profile.UserProfile{
		ID:             s.UserID,
		Name:           s.UserName,
		RawDescriptors: s.Captured,
		MeanDescriptor: face.Mean(s.Captured),
		CreatedAt:      time.Now(),
	}

	if err := p.store.Save(prof); err != nil {
		log.Printf("[Enroll] Failed to save profile %s: %v", s.UserID, err)
		p.bus.Publish(&event.Event{
			Type:    event.TypePersistenceFault,
			UserID:  s.UserID,
			Message: err.Error(),
		})
		return &Result{Captured: len(s.Captured), Target: p.cfg.TargetCaptures}, fmt.Errorf("saving profile: %w", err)
	}

	s.Completed = true
	if err := p.drafts.ClearDraft(); err != nil {
		log.Printf("[Enroll] Failed to clear draft after save: %v", err)
	}

	p.bus.Publish(&event.Event{
		Type:     event.TypeEnrollCompleted,
		UserID:   s.UserID,
		UserName: s.UserName,
		Captured: len(s.Captured),
		Target:   p.cfg.TargetCaptures,
	})
	log.Printf("[Enroll] Enrollment completed for %s (%s)", s.UserName, s.UserID)
	return &Result{Accepted: true, Captured: len(s.Captured), Target: p.cfg.TargetCaptures, Completed: true}, nil
}

func (p *Pipeline) resetFallbackLocked() {
	p.inconsistentStreak = 0
	p.bestCandidate = nil
	p.bestDist = math.Inf(1)
}
