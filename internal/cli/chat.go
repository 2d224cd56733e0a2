package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/harun/halte/internal/daemon"
	"github.com/harun/halte/pkg/agent"
	"github.com/harun/halte/pkg/session"
	"github.com/spf13/cobra"
)

var chatUser string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the assistant interactively",
	Long: `Start an interactive conversation with the agent loop in-process.

Commands:
  /loc <lat> <lng>   set your location for following messages
  /loc off           clear your location
  /status            show the session summary
  /reset             start a fresh session
  exit, quit         leave`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatUser, "user", "cli", "user id for the conversation")
	rootCmd.AddCommand(chatCmd)
}

// turnRunner is the part of the agent loop the REPL drives.
type turnRunner interface {
	HandleTurn(ctx context.Context, userID, text string, location *session.Location) agent.TurnResult
	ResetSession(ctx context.Context, userID string) error
	Status(userID string) session.Summary
}

// chatSession holds REPL state between lines.
type chatSession struct {
	turns    turnRunner
	userID   string
	location *session.Location
	out      io.Writer
}

// handleLine processes one input line and reports whether the REPL should exit.
func (c *chatSession) handleLine(ctx context.Context, line string) bool {
	input := strings.TrimSpace(line)
	if input == "" {
		return false
	}

	switch {
	case input == "exit" || input == "quit":
		fmt.Fprintln(c.out, "Goodbye!")
		return true

	case input == "/reset":
		if err := c.turns.ResetSession(ctx, c.userID); err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
			return false
		}
		fmt.Fprintln(c.out, "Session reset.")

	case input == "/status":
		s := c.turns.Status(c.userID)
		fmt.Fprintf(c.out, "Session age: %s, messages: %d, recent searches: %d, location: %t\n",
			s.SessionAge, s.MessageCount, s.RecentSearches, s.HasLocation)

	case input == "/loc" || strings.HasPrefix(input, "/loc "):
		c.setLocation(strings.Fields(input)[1:])

	default:
		result := c.turns.HandleTurn(ctx, c.userID, input, c.location)
		fmt.Fprintf(c.out, "halte: %s\n\n", result.Reply)
	}
	return false
}

func (c *chatSession) setLocation(args []string) {
	if len(args) == 1 && args[0] == "off" {
		c.location = nil
		fmt.Fprintln(c.out, "Location cleared.")
		return
	}
	if len(args) != 2 {
		fmt.Fprintln(c.out, "Usage: /loc <lat> <lng> | /loc off")
		return
	}
	lat, errLat := strconv.ParseFloat(args[0], 64)
	lng, errLng := strconv.ParseFloat(args[1], 64)
	if errLat != nil || errLng != nil || lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		fmt.Fprintln(c.out, "Invalid coordinates.")
		return
	}
	c.location = &session.Location{Lat: lat, Lng: lng}
	fmt.Fprintf(c.out, "Location set to %.5f, %.5f.\n", lat, lng)
}

func runChat(cmd *cobra.Command, args []string) error {
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

	out := cmd.OutOrStdout()
	chat := &chatSession{turns: core.Loop(), userID: chatUser, out: out}

	fmt.Fprintf(out, "halte %s interactive mode (user %s). Type /status, /reset, /loc or exit.\n\n", GetVersion(), chatUser)
	interactiveMode(cmd.Context(), chat)
	return nil
}

func interactiveMode(ctx context.Context, chat *chatSession) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "You: ",
		HistoryFile:     filepath.Join(os.TempDir(), ".halte_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Fprintf(chat.out, "Error initializing readline: %v\n", err)
		fmt.Fprintln(chat.out, "Falling back to simple input mode...")
		simpleInteractiveMode(ctx, chat, os.Stdin)
		return
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				fmt.Fprintln(chat.out, "\nGoodbye!")
				return
			}
			fmt.Fprintf(chat.out, "Error reading input: %v\n", err)
			continue
		}
		if chat.handleLine(ctx, line) {
			return
		}
	}
}

func simpleInteractiveMode(ctx context.Context, chat *chatSession, in io.Reader) {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(chat.out, "You: ")
		if !scanner.Scan() {
			fmt.Fprintln(chat.out, "\nGoodbye!")
			return
		}
		if chat.handleLine(ctx, scanner.Text()) {
			return
		}
	}
}
