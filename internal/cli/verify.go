package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"facelock/internal/event"
	"facelock/internal/verify"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify enrolled identities against the camera",
	Long: `Start a verification session over every enrolled profile. Each detected
face is matched against the remaining candidates; the session ends when
every identity has been seen or on interrupt.`,
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, _, err := startApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.BeginVerification(); err != nil {
		if errors.Is(err, verify.ErrNoProfiles) {
			return fmt.Errorf("no enrolled profiles; run 'facelock enroll' first")
		}
		return err
	}

	done := make(chan struct{})
	unsubscribe := a.Bus.Subscribe(func(e *event.Event) {
		switch e.Type {
		case event.TypeIdentityVerified:
			fmt.Printf("Verified %s (%d/%d)\n", e.UserName, e.Verified, e.Total)
		case event.TypeSessionCompleted:
			close(done)
		}
	})
	defer unsubscribe()

	if err := a.StartCamera(ctx); err != nil {
		return err
	}

	select {
	case <-done:
		verified, total := a.Verify.Progress()
		fmt.Printf("Session completed: %d/%d identities verified\n", verified, total)
		return nil
	case <-ctx.Done():
		verified, total := a.Verify.Progress()
		fmt.Printf("Interrupted: %d/%d identities verified\n", verified, total)
		return nil
	}
}
