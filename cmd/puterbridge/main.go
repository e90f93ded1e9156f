package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/puter-bridge/internal/audit"
	"github.com/basket/puter-bridge/internal/config"
	"github.com/basket/puter-bridge/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

SERVER:
  %s [serve]                  Start the local OpenAI/Gemini-compatible gateway

SUBCOMMANDS:
  %s status [-json]           Show cooldowns, accounts and request counts
  %s accounts <action>        Manage Puter accounts
                              Actions: list, add <user> <token> [-temporary],
                                       remove <user>, use <user>
  %s cooldowns clear [scope]  Clear model/account cooldowns
                              Scope: models, accounts (default: both)
  %s doctor [-json]           Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  PUTER_BRIDGE_HOME         Data directory (default: ~/.puter-bridge)
  PUTER_BRIDGE_BIND_ADDR    Listen address (default: %s)
  PUTER_BRIDGE_AUTH_TOKEN   Token local clients must present
  PUTER_API_URL             Puter API root (default: %s)

EXAMPLES:
  Start the gateway:      %s
  Add an account:         %s accounts add alice <token>
  Check gateway state:    %s status
  Run diagnostics:        %s doctor
`, config.DefaultBindAddr, config.DefaultUpstreamURL, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	quiet := flag.Bool("quiet", false, "write logs to the log file only")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "serve":
			if len(args) > 1 {
				fmt.Fprintln(os.Stderr, "usage: puterbridge serve")
				os.Exit(2)
			}
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "accounts":
			os.Exit(runAccountsCommand(ctx, args[1:]))
		case "cooldowns":
			os.Exit(runCooldownsCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit before the logger so E_LOGGER_INIT failures are recorded too.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version)

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && cfg.AuthToken == "" {
			logger.Warn("auth_token is empty on a non-loopback bind; anyone who can reach the port can spend your Puter accounts", "bind_addr", cfg.BindAddr)
		}
	}

	if cfg.NeedsGenesis {
		if err := config.WriteGenesis(cfg); err != nil {
			fatalStartup(logger, "E_CONFIG_WRITE", err)
		}
		logger.Info("config.yaml written with starter fallback chains", "path", config.ConfigPath(cfg.HomeDir))
		cfg, err = config.Load()
		if err != nil {
			fatalStartup(logger, "E_CONFIG_RELOAD", err)
		}
	}

	if err := serve(ctx, cfg, logger); err != nil {
		var se *startupError
		if errors.As(err, &se) {
			fatalStartup(logger, se.code, se.err)
		}
		logger.Error("gateway stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(audit.OutcomeFatal, "runtime.startup", reasonCode, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	// lsof identifies the occupying process on macOS/Linux.
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	cmd := execCommandFunc(name, args...)
	out, err := cmd.Output()
	return string(out), err
}

var execCommandFunc = newExecCommand

func newExecCommand(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
}

// stdout and stderr are swapped out by tests.
var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)
