package cli

import (
	"fmt"

	"github.com/harun/halte/internal/config"
	"github.com/harun/halte/internal/daemon"
	"github.com/harun/halte/internal/logger"
	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "halte",
	Short: "Halte - conversational bus tracking assistant",
	Long: `Halte answers rider questions about bus routes, nearby stops,
arrival times and live bus locations. It runs as a daemon serving a
JSON-RPC gateway, or in-process from the command line.`,
	Version:       daemon.Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the halte version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "halte version %s\n", GetVersion())
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.halte/halte.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")

	// Version template
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the config file named by --config and applies an explicit
// --log-level over the file's level.
func loadConfig(cmd *cobra.Command) (*config.Loader, *config.Config, error) {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		cfg.Logging.Level = logLevel
	}
	return loader, cfg, nil
}

// setupLogger installs the global logger. Interactive commands keep the
// console quiet below warn so replies stay readable.
func setupLogger(cfg *config.Config, interactive bool) (*logger.Logger, error) {
	lc := logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	}
	if interactive && (lc.Level == "" || lc.Level == "info" || lc.Level == "debug" || lc.Level == "trace") {
		lc.Level = "warn"
	}
	return logger.New(lc)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return daemon.Version
}
