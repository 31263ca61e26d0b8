package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"facelock/internal/app"
	"facelock/internal/config"
	"facelock/internal/worker"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the service with the camera live",
	Long: `Start the inference worker, load models, open the camera and serve the
local WebSocket event feed. An interrupted enrollment session is resumed
automatically. Runs until interrupted.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, _, err := startApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if resumed, err := a.ResumeDraft(); err != nil {
		return fmt.Errorf("resuming enrollment draft: %w", err)
	} else if resumed {
		fmt.Println("Resumed interrupted enrollment session")
	}

	if err := a.StartCamera(ctx); err != nil {
		return err
	}

	fmt.Println("Running. Press Ctrl+C to stop.")
	<-ctx.Done()
	return nil
}

// startApp loads configuration, builds the runtime and brings up the worker
// with a model-load progress bar.
func startApp(ctx context.Context) (*app.App, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	cfg.ApplyDeviceProfile(config.DetectDeviceResources())

	a, err := app.New(cfg)
	if err != nil {
		return nil, nil, err
	}

	bar := progressbar.NewOptions(100,
		progressbar.OptionSetDescription("Loading models"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionFullWidth(),
	)
	err = a.Start(ctx, func(p worker.Progress) {
		_ = bar.Set(int(p.Fraction * 100))
	})
	_ = bar.Finish()
	fmt.Fprintln(os.Stderr)
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	return a, cfg, nil
}
