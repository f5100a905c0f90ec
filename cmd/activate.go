package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/ptyhandoff/internal/activation"
	"github.com/zjrosen/ptyhandoff/internal/handle"
	"github.com/zjrosen/ptyhandoff/internal/log"
)

var activateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Activate a registered identity, handing over this process's stdio",
	Long: `Connect to the serve process registered for the identity and pass six
handles: stdin as In, stdout as Out, stderr as Client, and the null device
for the rest. Returns once the consumer has taken them.

Example:
  ptyhandoff activate --id 6a3f2c1e-9b7d-4e2a-8c5f-1d0b9e8a7c6b --title shell`,
	RunE: runActivate,
}

var (
	activateID      string
	activateTitle   string
	activateCols    uint16
	activateRows    uint16
	activateTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(activateCmd)

	activateCmd.Flags().StringVar(&activateID, "id", "", "activation identity (default: handoff.activation_id)")
	activateCmd.Flags().StringVar(&activateTitle, "title", "", "window title passed in the startup info")
	activateCmd.Flags().Uint16Var(&activateCols, "cols", 80, "initial columns")
	activateCmd.Flags().Uint16Var(&activateRows, "rows", 24, "initial rows")
	activateCmd.Flags().DurationVar(&activateTimeout, "timeout", 0, "give up after this long (0 waits forever)")
}

func runActivate(cmd *cobra.Command, _ []string) error {
	cleanupLog, err := setupLogging("activate")
	if err != nil {
		return err
	}
	defer cleanupLog()

	raw := activateID
	if raw == "" {
		raw = cfg.Handoff.ActivationID
	}
	id, err := activation.ParseID(raw)
	if err != nil {
		return fmt.Errorf("activation identity: %w", err)
	}

	null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("opening %s: %w", os.DevNull, err)
	}
	defer null.Close()

	p := handle.Payload{
		Handles: handle.Set{
			In:     handle.Handle(os.Stdin.Fd()),
			Out:    handle.Handle(os.Stdout.Fd()),
			Signal: handle.Handle(null.Fd()),
			Ref:    handle.Handle(null.Fd()),
			Server: handle.Handle(null.Fd()),
			Client: handle.Handle(os.Stderr.Fd()),
		},
		StartupInfo: handle.StartupInfo{
			Title:      activateTitle,
			ShowWindow: 1,
			Columns:    activateCols,
			Rows:       activateRows,
		},
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if activateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, activateTimeout)
		defer cancel()
	}

	if err := activation.Dial(ctx, cfg.Activation.SocketDir, id, p); err != nil {
		log.ErrorErr(log.CatCLI, "Activation failed", err, "id", id)
		return err
	}
	log.Info(log.CatCLI, "Activation delivered", "id", id)
	return nil
}
