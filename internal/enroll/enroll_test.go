package enroll

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"facelock/internal/config"
	"facelock/internal/event"
	"facelock/internal/face"
	"facelock/internal/profile"
)

type memStore struct {
	mu       sync.Mutex
	profiles map[string]*profile.UserProfile
	saveErr  error
}

func newMemStore() *memStore {
	return &memStore{profiles: make(map[string]*profile.UserProfile)}
}

func (m *memStore) GetAll() ([]*profile.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*profile.UserProfile, 0, len(m.profiles))
	for _, p := range m.profiles {
		out = append(out, p)
	}
	return out, nil
}

func (m *memStore) Get(id string) (*profile.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok {
		return nil, profile.ErrNotFound
	}
	return p, nil
}

func (m *memStore) Save(p *profile.UserProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	if _, ok := m.profiles[p.ID]; ok {
		return profile.ErrDuplicateID
	}
	m.profiles[p.ID] = p
	return nil
}

func (m *memStore) Rename(id, newName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok {
		return profile.ErrNotFound
	}
	p.Name = newName
	return nil
}

func (m *memStore) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[id]; !ok {
		return profile.ErrNotFound
	}
	delete(m.profiles, id)
	return nil
}

type memDrafts struct {
	mu    sync.Mutex
	draft *profile.Draft
	saves int
}

func (m *memDrafts) SaveDraft(d *profile.Draft) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.draft = d
	m.saves++
	return nil
}

func (m *memDrafts) LoadDraft() (*profile.Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.draft, nil
}

func (m *memDrafts) ClearDraft() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.draft = nil
	return nil
}

// descriptorAt returns a descriptor whose distance from descriptorAt(0) is
// exactly |offset|.
func descriptorAt(offset float32) face.Descriptor {
	d := make(face.Descriptor, face.DescriptorLen)
	d[0] = offset
	return d
}

func goodDetection(d face.Descriptor) face.Detection {
	return face.Detection{
		Score:      0.9,
		Box:        face.Box{X: 100, Y: 100, Width: 200, Height: 200},
		Descriptor: d,
	}
}

const frameW, frameH = 640, 480

func newTestPipeline(t *testing.T, target int) (*Pipeline, *memStore, *memDrafts, *event.Bus) {
	t.Helper()
	cfg := config.Default()
	cfg.TargetCaptures = target
	store := newMemStore()
	drafts := &memDrafts{}
	dup := profile.NewDupIndex()
	bus := event.NewBus()
	return NewPipeline(cfg, store, drafts, dup, bus), store, drafts, bus
}

func collectEvents(bus *event.Bus) *[]event.Event {
	var mu sync.Mutex
	events := &[]event.Event{}
	bus.Subscribe(func(e *event.Event) {
		mu.Lock()
		*events = append(*events, *e)
		mu.Unlock()
	})
	return events
}

func TestStartRejectsDuplicateID(t *testing.T) {
	p, store, _, _ := newTestPipeline(t, 3)
	store.profiles["u1"] = &profile.UserProfile{ID: "u1", Name: "Alice"}

	err := p.Start("u1", "Alice Again")
	assert.ErrorIs(t, err, profile.ErrDuplicateID)
}

func TestStartRejectsConcurrentSession(t *testing.T) {
	p, _, _, _ := newTestPipeline(t, 3)
	require.NoError(t, p.Start("u1", "Alice"))

	err := p.Start("u2", "Bob")
	assert.ErrorIs(t, err, ErrSessionActive)
}

func TestProcessWithoutSession(t *testing.T) {
	p, _, _, _ := newTestPipeline(t, 3)
	_, err := p.Process([]face.Detection{goodDetection(descriptorAt(0))}, frameW, frameH)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestGateRejections(t *testing.T) {
	tests := []struct {
		name       string
		detections []face.Detection
		want       RejectReason
	}{
		{"no face", nil, RejectNoFace},
		{"multiple faces", []face.Detection{goodDetection(descriptorAt(0)), goodDetection(descriptorAt(0.1))}, RejectMultipleFaces},
		{"low score", []face.Detection{{Score: 0.3, Box: face.Box{Width: 200, Height: 200}, Descriptor: descriptorAt(0)}}, RejectLowQuality},
		{"small face", []face.Detection{{Score: 0.9, Box: face.Box{Width: 40, Height: 40}, Descriptor: descriptorAt(0)}}, RejectLowQuality},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _, _, _ := newTestPipeline(t, 3)
			require.NoError(t, p.Start("u1", "Alice"))

			res, err := p.Process(tt.detections, frameW, frameH)
			require.NoError(t, err)
			assert.False(t, res.Accepted)
			assert.Equal(t, tt.want, res.Reason)
			assert.Equal(t, 0, res.Captured)
		})
	}
}

func TestDuplicateIdentityRejected(t *testing.T) {
	p, _, _, _ := newTestPipeline(t, 3)

	other := &profile.UserProfile{
		ID:             "bob",
		Name:           "Bob",
		RawDescriptors: []face.Descriptor{descriptorAt(0)},
		MeanDescriptor: descriptorAt(0),
	}
	p.dup.Rebuild([]*profile.UserProfile{other})

	require.NoError(t, p.Start("u1", "Alice"))

	// Within the duplicate threshold of Bob's stored descriptor.
	res, err := p.Process([]face.Detection{goodDetection(descriptorAt(0.1))}, frameW, frameH)
	require.NoError(t, err)
	assert.Equal(t, RejectDuplicate, res.Reason)

	// Far from Bob is fine.
	res, err = p.Process([]face.Detection{goodDetection(descriptorAt(5))}, frameW, frameH)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
}

func TestSelfConsistencyGate(t *testing.T) {
	p, _, _, _ := newTestPipeline(t, 5)
	require.NoError(t, p.Start("u1", "Alice"))

	res, err := p.Process([]face.Detection{goodDetection(descriptorAt(0))}, frameW, frameH)
	require.NoError(t, err)
	require.True(t, res.Accepted)

	// Too far from the first capture.
	res, err = p.Process([]face.Detection{goodDetection(descriptorAt(2))}, frameW, frameH)
	require.NoError(t, err)
	assert.Equal(t, RejectInconsistent, res.Reason)

	// Close to the first capture.
	res, err = p.Process([]face.Detection{goodDetection(descriptorAt(0.1))}, frameW, frameH)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, 2, res.Captured)
}

func TestMaxAttemptsAcceptsBestCandidate(t *testing.T) {
	p, _, _, _ := newTestPipeline(t, 5)
	p.cfg.MaxAttempts = 3
	require.NoError(t, p.Start("u1", "Alice"))

	_, err := p.Process([]face.Detection{goodDetection(descriptorAt(0))}, frameW, frameH)
	require.NoError(t, err)

	// Two inconsistent frames; the second is closer and becomes the best
	// candidate.
	res, err := p.Process([]face.Detection{goodDetection(descriptorAt(3))}, frameW, frameH)
	require.NoError(t, err)
	require.Equal(t, RejectInconsistent, res.Reason)

	res, err = p.Process([]face.Detection{goodDetection(descriptorAt(1))}, frameW, frameH)
	require.NoError(t, err)
	require.Equal(t, RejectInconsistent, res.Reason)

	// Third consecutive inconsistent frame triggers the fallback; the best
	// candidate (distance 1) is stored, not this frame's descriptor.
	res, err = p.Process([]face.Detection{goodDetection(descriptorAt(4))}, frameW, frameH)
	require.NoError(t, err)
	assert.True(t, res.Accepted)

	snap := p.Snapshot()
	require.Len(t, snap.Captured, 2)
	assert.InDelta(t, 1.0, float64(snap.Captured[1][0]), 1e-6)
}

func TestCompletionPersistsProfileWithMean(t *testing.T) {
	p, store, drafts, bus := newTestPipeline(t, 3)
	events := collectEvents(bus)
	require.NoError(t, p.Start("u1", "Alice"))

	offsets := []float32{0, 0.1, 0.2}
	var last *Result
	for _, off := range offsets {
		res, err := p.Process([]face.Detection{goodDetection(descriptorAt(off))}, frameW, frameH)
		require.NoError(t, err)
		require.True(t, res.Accepted)
		last = res
	}

	require.True(t, last.Completed)
	assert.Equal(t, StateCompleted, p.State())

	saved, err := store.Get("u1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", saved.Name)
	require.Len(t, saved.RawDescriptors, 3)
	require.Len(t, saved.MeanDescriptor, face.DescriptorLen)
	assert.InDelta(t, 0.1, float64(saved.MeanDescriptor[0]), 1e-6)

	// Draft cleared on completion.
	d, err := drafts.LoadDraft()
	require.NoError(t, err)
	assert.Nil(t, d)

	var types []event.Type
	for _, e := range *events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []event.Type{
		event.TypeCaptureAccepted,
		event.TypeCaptureAccepted,
		event.TypeCaptureAccepted,
		event.TypeEnrollCompleted,
	}, types)
}

func TestPersistenceFaultKeepsSession(t *testing.T) {
	p, store, drafts, bus := newTestPipeline(t, 2)
	events := collectEvents(bus)
	require.NoError(t, p.Start("u1", "Alice"))

	_, err := p.Process([]face.Detection{goodDetection(descriptorAt(0))}, frameW, frameH)
	require.NoError(t, err)

	store.saveErr = errors.New("disk full")
	res, err := p.Process([]face.Detection{goodDetection(descriptorAt(0.1))}, frameW, frameH)
	require.Error(t, err)
	assert.False(t, res.Completed)

	// Session and draft survive the fault.
	assert.True(t, p.Active())
	d, lerr := drafts.LoadDraft()
	require.NoError(t, lerr)
	require.NotNil(t, d)
	assert.Len(t, d.Captured, 2)

	fault := (*events)[len(*events)-1]
	assert.Equal(t, event.TypePersistenceFault, fault.Type)

	// Once the store recovers, the next frame retries the save without
	// consuming new captures.
	store.saveErr = nil
	res, err = p.Process(nil, frameW, frameH)
	require.NoError(t, err)
	assert.True(t, res.Completed)

	saved, err := store.Get("u1")
	require.NoError(t, err)
	assert.Len(t, saved.RawDescriptors, 2)
}

func TestDraftSavedPerAcceptAndResume(t *testing.T) {
	p, _, drafts, _ := newTestPipeline(t, 5)
	require.NoError(t, p.Start("u1", "Alice"))

	for _, off := range []float32{0, 0.1} {
		_, err := p.Process([]face.Detection{goodDetection(descriptorAt(off))}, frameW, frameH)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, drafts.saves)

	d, err := drafts.LoadDraft()
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Len(t, d.Captured, 2)
	assert.Len(t, d.PreviewRefs, 2)

	// A fresh pipeline resumes from the draft and keeps counting.
	p2 := NewPipeline(p.cfg, newMemStore(), drafts, profile.NewDupIndex(), event.NewBus())
	require.NoError(t, p2.Resume(d))
	assert.Equal(t, StateCapturing, p2.State())

	res, err := p2.Process([]face.Detection{goodDetection(descriptorAt(0.05))}, frameW, frameH)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, 3, res.Captured)
}

func TestCancelClearsDraft(t *testing.T) {
	p, _, drafts, _ := newTestPipeline(t, 5)
	require.NoError(t, p.Start("u1", "Alice"))

	_, err := p.Process([]face.Detection{goodDetection(descriptorAt(0))}, frameW, frameH)
	require.NoError(t, err)

	p.Cancel()
	assert.False(t, p.Active())

	d, err := drafts.LoadDraft()
	require.NoError(t, err)
	assert.Nil(t, d)
}
