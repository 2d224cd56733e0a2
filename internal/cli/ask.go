package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/harun/halte/internal/daemon"
	"github.com/harun/halte/pkg/agent"
	"github.com/harun/halte/pkg/session"
	"github.com/spf13/cobra"
)

var (
	askLat  float64
	askLng  float64
	askJSON bool
)

var askCmd = &cobra.Command{
	Use:   "ask <user-id> <message...>",
	Short: "Run a single conversational turn",
	Long: `Run one turn through the agent loop in-process and print the reply.
Live state comes from the configured route catalog and database.`,
	Example: `  halte ask rider-1 "when does bus 42 reach Central Station?"
  halte ask rider-1 "nearest stops?" --lat -6.2 --lng 106.8`,
	Args: cobra.MinimumNArgs(2),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().Float64Var(&askLat, "lat", 0, "rider latitude")
	askCmd.Flags().Float64Var(&askLng, "lng", 0, "rider longitude")
	askCmd.Flags().BoolVar(&askJSON, "json", false, "print the full turn result as JSON")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	location, err := locationFromFlags(cmd)
	if err != nil {
		return err
	}

	_, cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := setupLogger(cfg, true)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	core, err := daemon.NewCore(cfg, log.Zerolog())
	if err != nil {
		return err
	}
	defer core.Close()

	text := strings.Join(args[1:], " ")
	result := core.Loop().HandleTurn(cmd.Context(), args[0], text, location)
	return printTurn(cmd.OutOrStdout(), result, askJSON)
}

// locationFromFlags requires --lat and --lng together.
func locationFromFlags(cmd *cobra.Command) (*session.Location, error) {
	lat := cmd.Flags().Lookup("lat")
	lng := cmd.Flags().Lookup("lng")
	if lat.Changed != lng.Changed {
		return nil, fmt.Errorf("--lat and --lng must be given together")
	}
	if !lat.Changed {
		return nil, nil
	}
	if askLat < -90 || askLat > 90 || askLng < -180 || askLng > 180 {
		return nil, fmt.Errorf("location out of range: %v,%v", askLat, askLng)
	}
	return &session.Location{Lat: askLat, Lng: askLng}, nil
}

func printTurn(w io.Writer, result agent.TurnResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
	_, err := fmt.Fprintln(w, result.Reply)
	return err
}
