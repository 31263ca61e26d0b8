package capture

import (
	"fmt"
	"io"
	"log"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"facelock/internal/config"
)

// freshWindow is how recently a frame must have arrived for the source to
// count as producing.
const freshWindow = 2 * time.Second

// FFmpegSource captures frames from a V4L2 device, RTSP or HTTP stream by
// piping an ffmpeg MJPEG stream and splitting it on JPEG markers.
type FFmpegSource struct {
	cfg config.CameraConfig

	slot    frameSlot
	seq     atomic.Uint64
	running atomic.Bool

	mu     sync.Mutex
	cmd    *exec.Cmd
	stopCh chan struct{}
}

// NewFFmpegSource creates a source for the configured camera.
func NewFFmpegSource(cfg config.CameraConfig) *FFmpegSource {
	return &FFmpegSource{cfg: cfg}
}

// Start launches ffmpeg and begins filling the frame slot.
func (s *FFmpegSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return fmt.Errorf("camera %s already started", s.cfg.Device)
	}

	cmd := exec.Command("ffmpeg", s.ffmpegArgs()...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	s.cmd = cmd
	s.stopCh = make(chan struct{})
	s.running.Store(true)

	go s.readLoop(stdout, s.stopCh)

	log.Printf("[Capture] Started capture (device: %s, fps: %d)", s.cfg.Device, s.cfg.FPS)
	return nil
}

// Stop kills ffmpeg and clears the frame slot so no stale frame survives the
// session.
func (s *FFmpegSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return
	}
	close(s.stopCh)
	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	s.running.Store(false)
	s.slot.take()

	log.Printf("[Capture] Stopped capture (device: %s)", s.cfg.Device)
}

func (s *FFmpegSource) Take() (*Frame, bool) {
	return s.slot.take()
}

func (s *FFmpegSource) Producing() bool {
	return s.running.Load() && s.slot.fresh(freshWindow)
}

func (s *FFmpegSource) Dimensions() (int, int) {
	return s.cfg.Width, s.cfg.Height
}

// GetStats returns capture counters.
func (s *FFmpegSource) GetStats() Stats {
	return s.slot.stats()
}

func (s *FFmpegSource) ffmpegArgs() []string {
	switch {
	case strings.HasPrefix(s.cfg.Device, "rtsp://"):
		return []string{
			"-rtsp_transport", "tcp",
			"-i", s.cfg.Device,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-r", fmt.Sprintf("%d", s.cfg.FPS),
			"-q:v", "5",
			"-",
		}
	case strings.HasPrefix(s.cfg.Device, "http://"), strings.HasPrefix(s.cfg.Device, "https://"):
		return []string{
			"-i", s.cfg.Device,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-r", fmt.Sprintf("%d", s.cfg.FPS),
			"-q:v", "5",
			"-",
		}
	default:
		// V4L2 device (USB camera)
		return []string{
			"-f", "v4l2",
			"-video_size", fmt.Sprintf("%dx%d", s.cfg.Width, s.cfg.Height),
			"-framerate", fmt.Sprintf("%d", s.cfg.FPS),
			"-i", s.cfg.Device,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-q:v", "5",
			"-",
		}
	}
}

func (s *FFmpegSource) readLoop(stdout io.Reader, stopCh chan struct{}) {
	buffer := make([]byte, 0, 1024*1024)
	chunk := make([]byte, 8192)

	for {
		select {
		case <-stopCh:
			return
		default:
			n, err := stdout.Read(chunk)
			if err != nil {
				if err != io.EOF {
					log.Printf("[Capture] Error reading frame: %v", err)
				}
				return
			}
			buffer = append(buffer, chunk[:n]...)

			for {
				frame := extractJPEGFrame(&buffer)
				if frame == nil {
					break
				}
				s.publish(frame)
			}
		}
	}
}

func (s *FFmpegSource) publish(data []byte) {
	seq := s.seq.Add(1)
	s.slot.set(&Frame{
		Data:      data,
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     s.cfg.Width,
		Height:    s.cfg.Height,
	})
	if seq%100 == 0 {
		st := s.slot.stats()
		log.Printf("[Capture] Frame %d (%d dropped)", seq, st.FramesDropped)
	}
}

// extractJPEGFrame extracts one complete JPEG (FFD8..FFD9) from the buffer.
func extractJPEGFrame(buffer *[]byte) []byte {
	if len(*buffer) < 4 {
		return nil
	}

	startIdx := -1
	for i := 0; i < len(*buffer)-1; i++ {
		if (*buffer)[i] == 0xFF && (*buffer)[i+1] == 0xD8 {
			startIdx = i
			break
		}
	}
	if startIdx == -1 {
		return nil
	}

	endIdx := -1
	for i := startIdx + 2; i < len(*buffer)-1; i++ {
		if (*buffer)[i] == 0xFF && (*buffer)[i+1] == 0xD9 {
			endIdx = i + 2
			break
		}
	}
	if endIdx == -1 {
		return nil
	}

	frame := make([]byte, endIdx-startIdx)
	copy(frame, (*buffer)[startIdx:endIdx])
	*buffer = (*buffer)[endIdx:]

	return frame
}

// Ensure FFmpegSource implements Source
var _ Source = (*FFmpegSource)(nil)
