package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/puter-bridge/internal/config"
	"github.com/basket/puter-bridge/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		if arg == "-json" || arg == "--json" {
			jsonOutput = true
		}
	}

	var cfgPtr *config.Config
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "Error loading config: %v\n", err)
		// Diagnose anyway; a half-loaded config still tells the user a lot.
	}
	if cfg.HomeDir != "" {
		cfgPtr = &cfg
	}

	opts := doctor.Options{Version: Version}
	if cfgPtr != nil {
		opts.Identity = identityChecker(cfg)
	}
	diag := doctor.Run(ctx, cfgPtr, opts)

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(stderr, "Error encoding json: %v\n", err)
			return 1
		}
		return 0
	}

	fmt.Fprintf(stdout, "Puter Bridge Doctor Report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(stdout, "System: %s/%s (%s) %s\n", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)
	fmt.Fprintln(stdout, "---")

	for _, res := range diag.Results {
		icon := "✅"
		switch res.Status {
		case doctor.StatusFail:
			icon = "❌"
		case doctor.StatusWarn:
			icon = "⚠️ "
		case doctor.StatusSkip:
			icon = "⏩"
		}
		fmt.Fprintf(stdout, "%s %-12s: %s\n", icon, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(stdout, "    %s\n", res.Detail)
		}
	}

	if diag.Failed() {
		return 1
	}
	return 0
}
