package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/basket/puter-bridge/internal/config"
	"github.com/basket/puter-bridge/internal/gateway"
)

// isTerminal reports whether styled output should be used.
var isTerminal = func() bool { return isatty.IsTerminal(os.Stdout.Fd()) }

func runStatusCommand(ctx context.Context, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		switch arg {
		case "-json", "--json":
			jsonOutput = true
		default:
			fmt.Fprintln(stderr, "usage: puterbridge status [-json]")
			return 2
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config load: %v\n", err)
		return 1
	}

	var rep gateway.StatusReport
	if err := callGateway(ctx, cfg, "GET", "/api/status", &rep); err != nil {
		fmt.Fprintf(stderr, "status: %v\n", err)
		return 1
	}

	if jsonOutput || !isTerminal() {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			fmt.Fprintf(stderr, "encode: %v\n", err)
			return 1
		}
		return 0
	}
	renderStatus(stdout, rep)
	return 0
}

func renderStatus(w io.Writer, rep gateway.StatusReport) {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	ok := lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	hot := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	onOff := func(b bool) string {
		if b {
			return ok.Render("on")
		}
		return dim.Render("off")
	}

	fmt.Fprintln(w, title.Render("Puter bridge"))
	fmt.Fprintf(w, "  default model  %s\n", rep.DefaultModel)
	fmt.Fprintf(w, "  fallback       %s\n", onOff(rep.FallbackEnabled))
	fmt.Fprintf(w, "  rotation       %s\n", onOff(rep.RotationEnabled))
	fmt.Fprintf(w, "  uptime         %ds\n", rep.UptimeSeconds)
	if rep.Fingerprint != "" {
		fmt.Fprintf(w, "  config         %s\n", dim.Render(rep.Fingerprint))
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, title.Render("Accounts"))
	if len(rep.Accounts) == 0 {
		fmt.Fprintln(w, dim.Render("  none configured"))
	}
	for _, a := range rep.Accounts {
		marker := " "
		if a.Active {
			marker = ok.Render("*")
		}
		state := ok.Render("ready")
		if a.OnCooldown {
			state = hot.Render(fmt.Sprintf("cooling %ds", a.RemainingSeconds))
			if a.Reason != "" {
				state += dim.Render(" (" + a.Reason + ")")
			}
		}
		fmt.Fprintf(w, "  %s %-20s %s\n", marker, a.Username, state)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, title.Render("Model cooldowns"))
	if len(rep.ModelCooldowns) == 0 {
		fmt.Fprintln(w, dim.Render("  none"))
	}
	for _, c := range rep.ModelCooldowns {
		line := fmt.Sprintf("  %-28s %s", c.ID, hot.Render(fmt.Sprintf("%ds", c.RemainingSeconds)))
		if c.ConsecutiveFailures > 1 {
			line += dim.Render(fmt.Sprintf(" x%d", c.ConsecutiveFailures))
		}
		fmt.Fprintln(w, line)
	}

	if len(rep.Requests) > 0 {
		keys := make([]string, 0, len(rep.Requests))
		for k := range rep.Requests {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%d", k, rep.Requests[k]))
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, title.Render("Requests"))
		fmt.Fprintf(w, "  %s\n", strings.Join(parts, "  "))
	}
}
