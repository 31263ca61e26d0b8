// Package config loads runtime configuration from defaults, an optional YAML
// file and environment variable overrides, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DetectorConfig holds the options passed to the inference worker.
type DetectorConfig struct {
	InputSize        int     `yaml:"input_size"`        // minimum input resolution
	ScoreThreshold   float32 `yaml:"score_threshold"`   // [0,1]
	MaxDetectedFaces int     `yaml:"max_detected_faces"`
}

// Thresholds holds the decision thresholds for both pipelines.
type Thresholds struct {
	Duplicate   float64 `yaml:"duplicate"`   // reject enrollment capture closer than this to another profile
	Consistency float64 `yaml:"consistency"` // reject enrollment capture farther than this from prior captures
	Verify      float64 `yaml:"verify"`      // accept verification match below this distance
	MinScore    float32 `yaml:"min_score"`   // minimum detection confidence for enrollment
	MinAreaFrac float32 `yaml:"min_area_frac"` // minimum face area as fraction of frame area
}

// WorkerConfig describes how to launch one inference worker process.
type WorkerConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// CameraConfig describes the live frame source.
type CameraConfig struct {
	Device string `yaml:"device"`
	FPS    int    `yaml:"fps"`
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
}

// Config is the full runtime configuration.
type Config struct {
	Detector   DetectorConfig `yaml:"detector"`
	Thresholds Thresholds     `yaml:"thresholds"`

	// TargetCaptures is the number of accepted captures that completes an
	// enrollment session.
	TargetCaptures int `yaml:"target_captures"`
	// MaxAttempts bounds consecutive consistency rejections before the best
	// candidate seen so far is accepted. 0 disables the fallback.
	MaxAttempts int `yaml:"max_attempts"`
	// IncludeMeanInPool adds each profile's mean descriptor to the
	// verification candidate pool as an identity anchor.
	IncludeMeanInPool bool `yaml:"include_mean_in_pool"`

	PrimaryWorker  WorkerConfig `yaml:"primary_worker"`
	FallbackWorker WorkerConfig `yaml:"fallback_worker"`

	ActivationTimeout time.Duration `yaml:"activation_timeout"`
	HealthTimeout     time.Duration `yaml:"health_timeout"`
	DetectTimeout     time.Duration `yaml:"detect_timeout"`

	Camera CameraConfig `yaml:"camera"`

	DBPath     string `yaml:"db_path"`
	ListenAddr string `yaml:"listen_addr"` // local WebSocket event hub
}

// Default returns the configuration defaults observed on unconstrained
// hardware.
func Default() *Config {
	return &Config{
		Detector: DetectorConfig{
			InputSize:        416,
			ScoreThreshold:   0.5,
			MaxDetectedFaces: 10,
		},
		Thresholds: Thresholds{
			Duplicate:   0.3,
			Consistency: 0.3,
			Verify:      0.3,
			MinScore:    0.5,
			MinAreaFrac: 0.05,
		},
		TargetCaptures:    20,
		MaxAttempts:       0,
		IncludeMeanInPool: true,
		PrimaryWorker: WorkerConfig{
			Command: "facelock-worker",
			Args:    []string{"--backend", "gpu"},
		},
		FallbackWorker: WorkerConfig{
			Command: "facelock-worker",
			Args:    []string{"--backend", "cpu", "--model-set", "tiny"},
		},
		ActivationTimeout: 12 * time.Second,
		HealthTimeout:     3 * time.Second,
		DetectTimeout:     5 * time.Second,
		Camera: CameraConfig{
			Device: "/dev/video0",
			FPS:    15,
			Width:  640,
			Height: 480,
		},
		DBPath:     "facelock.db",
		ListenAddr: "127.0.0.1:8089",
	}
}

// Load reads the configuration from the given YAML file (optional) and applies
// environment overrides on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("FACELOCK_DB"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("FACELOCK_CAMERA"); v != "" {
		c.Camera.Device = v
	}
	if v := os.Getenv("FACELOCK_LISTEN"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("FACELOCK_TARGET_CAPTURES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.TargetCaptures = n
		}
	}
	if v := os.Getenv("FACELOCK_WORKER"); v != "" {
		c.PrimaryWorker.Command = v
	}
	if v := os.Getenv("FACELOCK_FALLBACK_WORKER"); v != "" {
		c.FallbackWorker.Command = v
	}
}

// ApplyDeviceProfile adjusts detector options for constrained hardware:
// smaller input resolution and a stricter score threshold so the cheaper
// models produce fewer low-confidence detections. Never raises the input size.
func (c *Config) ApplyDeviceProfile(cpus int, totalMemMB int) {
	constrained := cpus > 0 && cpus <= 2 || totalMemMB > 0 && totalMemMB <= 2048
	if !constrained {
		return
	}
	if c.Detector.InputSize > 320 {
		c.Detector.InputSize = 320
	}
	if c.Detector.ScoreThreshold < 0.6 {
		c.Detector.ScoreThreshold = 0.6
	}
}
