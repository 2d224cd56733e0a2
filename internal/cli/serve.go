package cli

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/harun/halte/internal/daemon"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the halte daemon in the foreground",
	Long: `Run the halte daemon: the agent loop, scheduled session sweeps,
live bus state and the JSON-RPC gateway. Stops on SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	loader, cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log, err := setupLogger(cfg, false)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}

	if err := d.WatchConfig(loader); err != nil {
		zl := log.Zerolog()
		zl.Debug().Err(err).Msg("Config hot reload disabled")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return d.Run(ctx)
}
