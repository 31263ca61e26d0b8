package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 20, cfg.TargetCaptures)
	assert.Equal(t, 416, cfg.Detector.InputSize)
	assert.Equal(t, 0.3, cfg.Thresholds.Verify)
	assert.Equal(t, 12*time.Second, cfg.ActivationTimeout)
	assert.True(t, cfg.IncludeMeanInPool)
}

func TestLoadYAMLOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "facelock.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
target_captures: 5
detector:
  input_size: 320
  score_threshold: 0.7
thresholds:
  verify: 0.4
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.TargetCaptures)
	assert.Equal(t, 320, cfg.Detector.InputSize)
	assert.Equal(t, float32(0.7), cfg.Detector.ScoreThreshold)
	assert.Equal(t, 0.4, cfg.Thresholds.Verify)
	// Untouched fields keep their defaults.
	assert.Equal(t, 0.3, cfg.Thresholds.Duplicate)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.TargetCaptures)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FACELOCK_DB", "/tmp/other.db")
	t.Setenv("FACELOCK_TARGET_CAPTURES", "7")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/other.db", cfg.DBPath)
	assert.Equal(t, 7, cfg.TargetCaptures)
}

func TestApplyDeviceProfile(t *testing.T) {
	tests := []struct {
		name          string
		cpus, memMB   int
		wantInputSize int
		wantThreshold float32
	}{
		{"unconstrained", 8, 16384, 416, 0.5},
		{"low cpu", 2, 8192, 320, 0.6},
		{"low memory", 4, 1024, 320, 0.6},
		{"unknown", 0, 0, 416, 0.5},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.ApplyDeviceProfile(tc.cpus, tc.memMB)
			assert.Equal(t, tc.wantInputSize, cfg.Detector.InputSize)
			assert.Equal(t, tc.wantThreshold, cfg.Detector.ScoreThreshold)
		})
	}
}

func TestApplyDeviceProfileNeverRaisesInputSize(t *testing.T) {
	cfg := Default()
	cfg.Detector.InputSize = 160
	cfg.ApplyDeviceProfile(1, 512)
	assert.Equal(t, 160, cfg.Detector.InputSize)
}
