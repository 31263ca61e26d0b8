// Package app wires the worker supervisor, the camera source, the frame pump
// and the two session pipelines into one coordinator, and routes every
// detection reply to whichever pipeline the current mode selects.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"facelock/internal/capture"
	"facelock/internal/config"
	"facelock/internal/enroll"
	"facelock/internal/event"
	"facelock/internal/profile"
	"facelock/internal/pump"
	"facelock/internal/verify"
	"facelock/internal/worker"
	"facelock/internal/ws"
)

// Mode selects which pipeline consumes detection replies.
type Mode int

const (
	ModeIdle Mode = iota
	ModeEnroll
	ModeVerify
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeEnroll:
		return "enroll"
	case ModeVerify:
		return "verify"
	default:
		return "unknown"
	}
}

// App owns the full runtime: supervisor, camera, pump, pipelines, store and
// the local event hub.
type App struct {
	cfg *config.Config

	Supervisor *worker.Supervisor
	Store      *profile.SQLiteStore
	Enroll     *enroll.Pipeline
	Verify     *verify.Pipeline
	Bus        *event.Bus

	source capture.Source
	pump   *pump.Pump
	dup    *profile.DupIndex
	hub    *ws.EventHub
	server *http.Server

	mu         sync.Mutex
	mode       Mode
	cameraOn   bool
	detachHub  func()
	pumpCancel context.CancelFunc
}

// New builds the runtime from configuration. The worker is not started until
// Start is called.
func New(cfg *config.Config) (*App, error) {
	store, err := profile.OpenSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening profile store: %w", err)
	}

	bus := event.NewBus()
	dup := profile.NewDupIndex()

	a := &App{
		cfg:    cfg,
		Store:  store,
		Bus:    bus,
		dup:    dup,
		hub:    ws.NewEventHub(),
		Enroll: enroll.NewPipeline(cfg, store, store, dup, bus),
		Verify: verify.NewPipeline(cfg, store, bus),
	}

	var fallback worker.Runner
	if cfg.FallbackWorker.Command != "" {
		fallback = worker.NewProcessRunner("fallback", cfg.FallbackWorker)
	}
	a.Supervisor = worker.NewSupervisor(
		worker.NewProcessRunner("primary", cfg.PrimaryWorker),
		fallback,
		worker.Options{
			ActivationTimeout: cfg.ActivationTimeout,
			HealthTimeout:     cfg.HealthTimeout,
			RequestTimeout:    cfg.DetectTimeout,
			OnStateChange: func(st worker.State) {
				bus.Publish(&event.Event{Type: event.TypeWorkerState, State: string(st)})
			},
		},
	)

	a.source = capture.NewFFmpegSource(cfg.Camera)
	a.pump = pump.New(a.source, &supervisorDetector{sup: a.Supervisor, det: cfg.Detector}, a, pump.Options{
		FallbackWidth:  cfg.Camera.Width,
		FallbackHeight: cfg.Camera.Height,
	})

	if err := a.rebuildDupIndex(); err != nil {
		store.Close()
		return nil, err
	}
	return a, nil
}

// Start brings up the worker, loads models and starts the local event hub.
// Model-load progress is forwarded to the bus and to onProgress when set.
func (a *App) Start(ctx context.Context, onProgress func(worker.Progress)) error {
	if err := a.Supervisor.Start(ctx); err != nil {
		return err
	}

	err := a.Supervisor.LoadModels(ctx, a.cfg.Detector, func(p worker.Progress) {
		a.Bus.Publish(&event.Event{
			Type:     event.TypeModelProgress,
			Stage:    p.Stage,
			Fraction: p.Fraction,
			Message:  p.Message,
		})
		if onProgress != nil {
			onProgress(p)
		}
	})
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.detachHub = a.hub.Attach(a.Bus)
	a.mu.Unlock()
	a.startEventServer()
	return nil
}

// ResumeDraft restores an interrupted enrollment session if one was left
// behind, and reports whether it did.
func (a *App) ResumeDraft() (bool, error) {
	draft, err := a.Store.LoadDraft()
	if err != nil {
		return false, err
	}
	if draft == nil {
		return false, nil
	}
	if err := a.Enroll.Resume(draft); err != nil {
		return false, err
	}
	a.setMode(ModeEnroll)
	return true, nil
}

// StartCamera opens the frame source and starts the pump.
func (a *App) StartCamera(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cameraOn {
		return nil
	}
	// Re-validate the worker before frames start flowing; a dead worker is
	// reinitialized here instead of failing the first detect.
	if err := a.Supervisor.HealthCheck(ctx); err != nil {
		return fmt.Errorf("worker health check: %w", err)
	}
	if err := a.source.Start(); err != nil {
		return fmt.Errorf("starting camera: %w", err)
	}

	pumpCtx, cancel := context.WithCancel(ctx)
	if err := a.pump.Start(pumpCtx); err != nil {
		cancel()
		a.source.Stop()
		return err
	}
	a.pumpCancel = cancel
	a.cameraOn = true
	return nil
}

// StopCamera stops the pump before releasing the camera, so no reply arriving
// after this call reaches a pipeline.
func (a *App) StopCamera() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.cameraOn {
		return
	}
	a.pump.Stop()
	if a.pumpCancel != nil {
		a.pumpCancel()
		a.pumpCancel = nil
	}
	a.source.Stop()
	a.cameraOn = false
}

// BeginEnrollment starts an enrollment session and routes replies to it.
func (a *App) BeginEnrollment(userID, userName string) error {
	if err := a.Enroll.Start(userID, userName); err != nil {
		return err
	}
	a.setMode(ModeEnroll)
	return nil
}

// CancelEnrollment abandons the active enrollment session.
func (a *App) CancelEnrollment() {
	a.Enroll.Cancel()
	a.setMode(ModeIdle)
}

// BeginVerification starts a verification session and routes replies to it.
func (a *App) BeginVerification() error {
	if err := a.Verify.Start(); err != nil {
		return err
	}
	a.setMode(ModeVerify)
	return nil
}

// CancelVerification ends the active verification session.
func (a *App) CancelVerification() {
	a.Verify.Cancel()
	a.setMode(ModeIdle)
}

// Mode returns the current reply-routing mode.
func (a *App) Mode() Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

func (a *App) setMode(m Mode) {
	a.mu.Lock()
	a.mode = m
	a.mu.Unlock()
	log.Printf("[App] Mode: %s", m)
}

// RenameProfile renames a stored profile.
func (a *App) RenameProfile(id, newName string) error {
	if err := a.Store.Rename(id, newName); err != nil {
		return err
	}
	return a.rebuildDupIndex()
}

// DeleteProfile removes a stored profile and its descriptors.
func (a *App) DeleteProfile(id string) error {
	if err := a.Store.Delete(id); err != nil {
		return err
	}
	return a.rebuildDupIndex()
}

// OnDetections implements pump.Sink: each reply goes to the pipeline selected
// by the current mode.
func (a *App) OnDetections(frame *capture.Frame, result *worker.DetectionResult) {
	a.mu.Lock()
	mode := a.mode
	a.mu.Unlock()

	switch mode {
	case ModeEnroll:
		w, h := frame.Width, frame.Height
		if w <= 0 || h <= 0 {
			if sw, sh := a.source.Dimensions(); sw > 0 && sh > 0 {
				w, h = sw, sh
			} else {
				w, h = a.cfg.Camera.Width, a.cfg.Camera.Height
			}
		}
		res, err := a.Enroll.Process(result.Detections, w, h)
		if err != nil {
			log.Printf("[App] Enrollment frame dropped: %v", err)
			return
		}
		if res.Completed {
			a.setMode(ModeIdle)
			if err := a.rebuildDupIndex(); err != nil {
				log.Printf("[App] Duplicate index rebuild failed: %v", err)
			}
		}
	case ModeVerify:
		res, err := a.Verify.Process(result.Detections)
		if err != nil {
			log.Printf("[App] Verification frame dropped: %v", err)
			return
		}
		if res.Completed {
			a.setMode(ModeIdle)
		}
	}
}

// Close releases everything in reverse startup order.
func (a *App) Close() error {
	a.StopCamera()

	a.mu.Lock()
	if a.detachHub != nil {
		a.detachHub()
		a.detachHub = nil
	}
	server := a.server
	a.server = nil
	a.mu.Unlock()

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		server.Shutdown(shutdownCtx)
		cancel()
	}

	if err := a.Supervisor.Close(); err != nil {
		log.Printf("[App] Worker shutdown: %v", err)
	}
	a.Bus.Close()
	return a.Store.Close()
}

func (a *App) rebuildDupIndex() error {
	profiles, err := a.Store.GetAll()
	if err != nil {
		return fmt.Errorf("loading profiles: %w", err)
	}
	a.dup.Rebuild(profiles)
	return nil
}

// startEventServer serves the WebSocket event feed on the loopback address.
func (a *App) startEventServer() {
	if a.cfg.ListenAddr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/ws/events", ws.NewHandler(a.hub))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	server := &http.Server{Addr: a.cfg.ListenAddr, Handler: mux}
	a.mu.Lock()
	a.server = server
	a.mu.Unlock()

	go func() {
		log.Printf("[App] Event hub listening on %s", a.cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[App] Event hub stopped: %v", err)
		}
	}()
}

// supervisorDetector adapts the supervisor to the pump's Detector interface.
type supervisorDetector struct {
	sup *worker.Supervisor
	det config.DetectorConfig
}

func (d *supervisorDetector) Detect(ctx context.Context, tensor *capture.Tensor) (*worker.DetectionResult, error) {
	return d.sup.Detect(ctx, tensor.Pixels, tensor.Width, tensor.Height, d.det)
}
