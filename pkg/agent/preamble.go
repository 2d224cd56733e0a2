package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/harun/halte/pkg/toolexecutor"
)

// PreambleContext is the live context described to the model.
type PreambleContext struct {
	Now          time.Time
	HasLocation  bool
	ActiveBuses  int
	KnownRoutes  int
	Instructions string
	Tools        []toolexecutor.ToolDefinition
}

const basePersona = "You are a helpful assistant for a city bus tracking service. " +
	"You answer questions about bus routes, stops, arrival times and live bus locations."

// BuildPreamble renders the system message: persona, tool-call protocol,
// available tools and the current context.
func BuildPreamble(pc PreambleContext) string {
	var b strings.Builder

	b.WriteString(basePersona)
	if pc.Instructions != "" {
		b.WriteString("\n\n")
		b.WriteString(strings.TrimSpace(pc.Instructions))
	}

	if len(pc.Tools) > 0 {
		b.WriteString("\n\n## Tools\n")
		b.WriteString("When you need live data, reply with ONLY a JSON object and nothing else:\n")
		b.WriteString(`{"tool_name": "<name>", "arguments": {<parameters>}}`)
		b.WriteString("\nYou will then receive the tool result and should answer the rider in plain language. ")
		b.WriteString("If no tool is needed, answer directly in plain text.\n\nAvailable tools:\n")

		for _, t := range pc.Tools {
			fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
			for _, p := range t.Parameters {
				req := "optional"
				if p.Required {
					req = "required"
				}
				fmt.Fprintf(&b, "  - %s (%s, %s): %s", p.Name, p.Type, req, p.Description)
				if p.Default != nil {
					fmt.Fprintf(&b, " Default: %v.", p.Default)
				}
				b.WriteString("\n")
			}
		}
	}

	b.WriteString("\n## Current context\n")
	fmt.Fprintf(&b, "- Time: %s\n", pc.Now.Format("Monday, 2 January 2006 15:04 MST"))
	if pc.HasLocation {
		b.WriteString("- Rider location: shared\n")
	} else {
		b.WriteString("- Rider location: not shared (ask the rider to share it for nearby stops)\n")
	}
	fmt.Fprintf(&b, "- Active buses: %d\n", pc.ActiveBuses)
	fmt.Fprintf(&b, "- Known routes: %d\n", pc.KnownRoutes)

	return b.String()
}
