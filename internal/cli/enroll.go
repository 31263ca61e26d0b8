package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"facelock/internal/event"
	"facelock/internal/profile"
)

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Enroll a new face profile",
	Long: `Start an enrollment session for one user and capture face descriptors
from the camera until the target count is reached. An interrupted session
for the same user is resumed instead of restarted.`,
	RunE: runEnroll,
}

func init() {
	rootCmd.AddCommand(enrollCmd)

	enrollCmd.Flags().String("id", "", "Unique id for the new profile (required)")
	enrollCmd.Flags().String("name", "", "Display name for the new profile (required)")
	enrollCmd.MarkFlagRequired("id")
	enrollCmd.MarkFlagRequired("name")
}

func runEnroll(cmd *cobra.Command, args []string) error {
	userID := mustGetString(cmd, "id")
	userName := mustGetString(cmd, "name")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, cfg, err := startApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if resumed, err := a.ResumeDraft(); err != nil {
		return fmt.Errorf("resuming enrollment draft: %w", err)
	} else if resumed {
		snap := a.Enroll.Snapshot()
		if snap.UserID != userID {
			return fmt.Errorf("an interrupted enrollment for %q exists; finish or cancel it first", snap.UserID)
		}
		fmt.Printf("Resuming enrollment for %s (%d captures so far)\n", snap.UserName, len(snap.Captured))
	} else if err := a.BeginEnrollment(userID, userName); err != nil {
		if errors.Is(err, profile.ErrDuplicateID) {
			return fmt.Errorf("profile id %q is already registered", userID)
		}
		return err
	}

	snap := a.Enroll.Snapshot()
	bar := progressbar.NewOptions(cfg.TargetCaptures,
		progressbar.OptionSetDescription("Capturing"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionSetItsString("captures"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionFullWidth(),
	)
	_ = bar.Set(len(snap.Captured))

	done := make(chan struct{})
	unsubscribe := a.Bus.Subscribe(func(e *event.Event) {
		switch e.Type {
		case event.TypeCaptureAccepted:
			_ = bar.Set(e.Captured)
		case event.TypeCaptureRejected:
			bar.Describe(fmt.Sprintf("Capturing (last reject: %s)", e.Reason))
		case event.TypePersistenceFault:
			fmt.Fprintf(os.Stderr, "\nProfile save failed (%s), retrying on next frame\n", e.Message)
		case event.TypeEnrollCompleted:
			close(done)
		}
	})
	defer unsubscribe()

	if err := a.StartCamera(ctx); err != nil {
		return err
	}

	select {
	case <-done:
		_ = bar.Finish()
		fmt.Fprintln(os.Stderr)
		fmt.Printf("Enrollment completed for %s (%s)\n", userName, userID)
		return nil
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr)
		fmt.Println("Interrupted; progress saved, rerun to resume")
		return nil
	}
}
