package app

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"facelock/internal/capture"
	"facelock/internal/config"
	"facelock/internal/face"
	"facelock/internal/profile"
	"facelock/internal/worker"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	cfg := config.Default()
	cfg.DBPath = filepath.Join(t.TempDir(), "facelock.db")
	cfg.ListenAddr = "" // no event server in tests
	cfg.TargetCaptures = 3

	a, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { a.Store.Close() })
	return a
}

func descriptorAt(offset float32) face.Descriptor {
	d := make(face.Descriptor, face.DescriptorLen)
	d[0] = offset
	return d
}

func resultWith(offsets ...float32) *worker.DetectionResult {
	r := &worker.DetectionResult{}
	for _, off := range offsets {
		r.Detections = append(r.Detections, face.Detection{
			Score:      0.9,
			Box:        face.Box{X: 100, Y: 100, Width: 200, Height: 200},
			Descriptor: descriptorAt(off),
		})
	}
	return r
}

func testFrame() *capture.Frame {
	return &capture.Frame{Width: 640, Height: 480, Timestamp: time.Now()}
}

func TestEnrollmentRoutingAndCompletion(t *testing.T) {
	a := newTestApp(t)
	require.NoError(t, a.BeginEnrollment("u1", "Alice"))
	assert.Equal(t, ModeEnroll, a.Mode())

	for _, off := range []float32{0, 0.1, 0.2} {
		a.OnDetections(testFrame(), resultWith(off))
	}

	// Completion returns the app to idle and persists the profile.
	assert.Equal(t, ModeIdle, a.Mode())
	saved, err := a.Store.Get("u1")
	require.NoError(t, err)
	assert.Len(t, saved.RawDescriptors, 3)
	require.Len(t, saved.MeanDescriptor, face.DescriptorLen)
}

func TestIdleModeDropsDetections(t *testing.T) {
	a := newTestApp(t)

	// No session: replies are discarded without side effects.
	a.OnDetections(testFrame(), resultWith(0))

	profiles, err := a.Store.GetAll()
	require.NoError(t, err)
	assert.Empty(t, profiles)
}

func TestVerificationRouting(t *testing.T) {
	a := newTestApp(t)

	raw := []face.Descriptor{descriptorAt(0), descriptorAt(0.1)}
	require.NoError(t, a.Store.Save(&profile.UserProfile{
		ID:             "u1",
		Name:           "Alice",
		RawDescriptors: raw,
		MeanDescriptor: face.Mean(raw),
		CreatedAt:      time.Now(),
	}))

	require.NoError(t, a.BeginVerification())
	assert.Equal(t, ModeVerify, a.Mode())

	a.OnDetections(testFrame(), resultWith(0.05))
	assert.Equal(t, ModeIdle, a.Mode())

	verified, total := a.Verify.Progress()
	assert.Equal(t, 1, verified)
	assert.Equal(t, 1, total)
}

func TestEnrollmentRejectsDuplicateOfStoredProfile(t *testing.T) {
	a := newTestApp(t)

	raw := []face.Descriptor{descriptorAt(0)}
	require.NoError(t, a.Store.Save(&profile.UserProfile{
		ID:             "bob",
		Name:           "Bob",
		RawDescriptors: raw,
		MeanDescriptor: face.Mean(raw),
		CreatedAt:      time.Now(),
	}))
	require.NoError(t, a.rebuildDupIndex())

	require.NoError(t, a.BeginEnrollment("u1", "Alice"))

	// A face matching Bob's stored descriptors never accumulates captures.
	a.OnDetections(testFrame(), resultWith(0.05))
	snap := a.Enroll.Snapshot()
	require.NotNil(t, snap)
	assert.Empty(t, snap.Captured)
}

func TestCancelReturnsToIdle(t *testing.T) {
	a := newTestApp(t)
	require.NoError(t, a.BeginEnrollment("u1", "Alice"))

	a.CancelEnrollment()
	assert.Equal(t, ModeIdle, a.Mode())

	// Detections after cancel are dropped.
	a.OnDetections(testFrame(), resultWith(0))
	profiles, err := a.Store.GetAll()
	require.NoError(t, err)
	assert.Empty(t, profiles)
}

func TestResumeDraft(t *testing.T) {
	a := newTestApp(t)

	require.NoError(t, a.Store.SaveDraft(&profile.Draft{
		UserID:      "u1",
		UserName:    "Alice",
		Captured:    []face.Descriptor{descriptorAt(0)},
		PreviewRefs: []string{"ref-1"},
		UpdatedAt:   time.Now(),
	}))

	resumed, err := a.ResumeDraft()
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.Equal(t, ModeEnroll, a.Mode())

	snap := a.Enroll.Snapshot()
	require.NotNil(t, snap)
	assert.Len(t, snap.Captured, 1)
}

func TestDeleteProfileReopensDuplicateGate(t *testing.T) {
	a := newTestApp(t)

	raw := []face.Descriptor{descriptorAt(0)}
	require.NoError(t, a.Store.Save(&profile.UserProfile{
		ID:             "bob",
		Name:           "Bob",
		RawDescriptors: raw,
		MeanDescriptor: face.Mean(raw),
		CreatedAt:      time.Now(),
	}))
	require.NoError(t, a.rebuildDupIndex())

	require.NoError(t, a.BeginEnrollment("u1", "Alice"))
	a.OnDetections(testFrame(), resultWith(0.05))
	require.Empty(t, a.Enroll.Snapshot().Captured)

	// Removing Bob clears his descriptors from the duplicate index; the same
	// face is now enrollable.
	require.NoError(t, a.DeleteProfile("bob"))
	a.OnDetections(testFrame(), resultWith(0.05))
	assert.Len(t, a.Enroll.Snapshot().Captured, 1)
}

func TestRenameProfile(t *testing.T) {
	a := newTestApp(t)

	raw := []face.Descriptor{descriptorAt(0)}
	require.NoError(t, a.Store.Save(&profile.UserProfile{
		ID:             "u1",
		Name:           "Alice",
		RawDescriptors: raw,
		MeanDescriptor: face.Mean(raw),
		CreatedAt:      time.Now(),
	}))

	require.NoError(t, a.RenameProfile("u1", "Alice B"))
	saved, err := a.Store.Get("u1")
	require.NoError(t, err)
	assert.Equal(t, "Alice B", saved.Name)
}

func TestResumeDraftWithoutDraft(t *testing.T) {
	a := newTestApp(t)

	resumed, err := a.ResumeDraft()
	require.NoError(t, err)
	assert.False(t, resumed)
	assert.Equal(t, ModeIdle, a.Mode())
}
