// Package verify implements the verification pipeline: every detected face is
// matched against a snapshot of the enrolled profiles, and each identity is
// verified at most once per session.
package verify

import (
	"errors"
	"log"
	"sync"

	"facelock/internal/config"
	"facelock/internal/event"
	"facelock/internal/face"
	"facelock/internal/profile"
)

// State is the verification session lifecycle.
type State int

const (
	StateIdle State = iota
	StateAwaitingCandidates
	StateMatching
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingCandidates:
		return "awaiting_candidates"
	case StateMatching:
		return "matching"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// ErrNoProfiles is returned when starting with an empty store.
var ErrNoProfiles = errors.New("no enrolled profiles to verify against")

// ErrNoSession is returned when processing frames without an active session.
var ErrNoSession = errors.New("no active verification session")

// ErrSessionActive is returned when starting while a session is in progress.
var ErrSessionActive = errors.New("verification session already active")

// Match is one identity verified by a frame.
type Match struct {
	UserID   string
	UserName string
	Distance float64
}

// Result reports the outcome of processing one frame.
type Result struct {
	Matches   []Match // identities newly verified by this frame
	Verified  int
	Total     int
	Completed bool
}

type identity struct {
	id       string
	name     string
	verified bool
}

// Pipeline runs verification sessions against a point-in-time snapshot of the
// profile store. Profiles saved after Start are invisible to the session.
type Pipeline struct {
	mu    sync.Mutex
	cfg   *config.Config
	store profile.Store
	bus   *event.Bus

	active     bool
	completed  bool
	identities []identity
	verified   int

	// Parallel slices: pool[i] belongs to identities[owners[i]]. Entries are
	// removed as identities verify, so the pool only ever shrinks.
	pool   []face.Descriptor
	owners []int
}

// NewPipeline creates a verification pipeline over the given store.
func NewPipeline(cfg *config.Config, store profile.Store, bus *event.Bus) *Pipeline {
	return &Pipeline{cfg: cfg, store: store, bus: bus}
}

// Start snapshots the store and begins a session.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.active && !p.completed {
		return ErrSessionActive
	}

	profiles, err := p.store.GetAll()
	if err != nil {
		return err
	}
	if len(profiles) == 0 {
		return ErrNoProfiles
	}

	p.identities = p.identities[:0]
	p.pool = p.pool[:0]
	p.owners = p.owners[:0]
	for i, prof := range profiles {
		p.identities = append(p.identities, identity{id: prof.ID, name: prof.Name})
		for _, d := range prof.RawDescriptors {
			p.pool = append(p.pool, d)
			p.owners = append(p.owners, i)
		}
		if p.cfg.IncludeMeanInPool && prof.MeanDescriptor != nil {
			p.pool = append(p.pool, prof.MeanDescriptor)
			p.owners = append(p.owners, i)
		}
	}

	p.active = true
	p.completed = false
	p.verified = 0
	log.Printf("[Verify] Session started: %d identities, %d pool descriptors", len(p.identities), len(p.pool))
	return nil
}

// Cancel ends the session without requiring full coverage.
func (p *Pipeline) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.active {
		return
	}
	log.Printf("[Verify] Session cancelled: %d/%d verified", p.verified, len(p.identities))
	p.active = false
	p.pool = nil
	p.owners = nil
}

// Active reports whether a session is matching frames.
func (p *Pipeline) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active && !p.completed
}

// State returns the lifecycle state of the pipeline.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case !p.active:
		return StateIdle
	case p.completed:
		return StateCompleted
	case p.verified == 0:
		return StateAwaitingCandidates
	default:
		return StateMatching
	}
}

// Progress returns the verified and total identity counts.
func (p *Pipeline) Progress() (verified, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.verified, len(p.identities)
}

// Process matches each detected face against the live pool. Faces are
// evaluated in order, each against the pool as shrunk by the previous ones.
func (p *Pipeline) Process(detections []face.Detection) (*Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.active || p.completed {
		return nil, ErrNoSession
	}

	res := &Result{Total: len(p.identities)}
	for _, det := range detections {
		if len(p.pool) == 0 {
			break
		}
		idx, dist := face.Nearest(p.pool, det.Descriptor)
		if idx < 0 || dist >= p.cfg.Thresholds.Verify {
			continue
		}

		owner := p.owners[idx]
		ident := &p.identities[owner]
		if ident.verified {
			// Unreachable once entries are removed, but kept as a guard.
			continue
		}
		ident.verified = true
		p.verified++
		p.removeOwnerLocked(owner)

		res.Matches = append(res.Matches, Match{UserID: ident.id, UserName: ident.name, Distance: dist})
		p.bus.Publish(&event.Event{
			Type:     event.TypeIdentityVerified,
			UserID:   ident.id,
			UserName: ident.name,
			Verified: p.verified,
			Total:    len(p.identities),
		})
		log.Printf("[Verify] Identity verified: %s (%s), distance %.3f (%d/%d)", ident.name, ident.id, dist, p.verified, len(p.identities))
	}

	res.Verified = p.verified
	if p.verified == len(p.identities) {
		p.completed = true
		res.Completed = true
		p.bus.Publish(&event.Event{
			Type:     event.TypeSessionCompleted,
			Verified: p.verified,
			Total:    len(p.identities),
		})
		log.Printf("[Verify] Session completed: all %d identities verified", p.verified)
	}
	return res, nil
}

// removeOwnerLocked drops every pool entry belonging to the given identity.
func (p *Pipeline) removeOwnerLocked(owner int) {
	pool := p.pool[:0]
	owners := p.owners[:0]
	for i, o := range p.owners {
		if o == owner {
			continue
		}
		pool = append(pool, p.pool[i])
		owners = append(owners, o)
	}
	p.pool = pool
	p.owners = owners
}
