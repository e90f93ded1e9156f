package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/puter-bridge/internal/accounts"
	"github.com/basket/puter-bridge/internal/audit"
	"github.com/basket/puter-bridge/internal/config"
	"github.com/basket/puter-bridge/internal/doctor"
	"github.com/basket/puter-bridge/internal/shared"
	"github.com/basket/puter-bridge/internal/upstream"
)

const accountsUsage = `usage: puterbridge accounts list
       puterbridge accounts add <username> <token> [-temporary] [-verify]
       puterbridge accounts remove <username>
       puterbridge accounts use <username>`

// identityChecker is swapped out by tests.
var identityChecker = func(cfg config.Config) doctor.Identity {
	return upstream.New(upstream.Config{BaseURL: cfg.Upstream.BaseURL, Timeout: cfg.UpstreamTimeout()})
}

func runAccountsCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, accountsUsage)
		return 2
	}
	action := strings.ToLower(args[0])
	positional, flags := splitFlags(args[1:])

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config load: %v\n", err)
		return 1
	}
	store, err := accounts.Open(config.AuthPath(cfg.HomeDir))
	if err != nil {
		fmt.Fprintf(stderr, "accounts: %v\n", err)
		return 1
	}
	if err := audit.Init(cfg.HomeDir); err == nil {
		defer func() { _ = audit.Close() }()
	}

	switch action {
	case "list", "ls":
		if len(positional) != 0 {
			fmt.Fprintln(stderr, accountsUsage)
			return 2
		}
		listAccounts(store)
		return 0

	case "add":
		if len(positional) != 2 {
			fmt.Fprintln(stderr, accountsUsage)
			return 2
		}
		username, token := positional[0], positional[1]
		if flags["verify"] {
			user, err := identityChecker(cfg).WhoAmI(ctx, token)
			if err != nil {
				audit.Record(audit.OutcomeDeny, "account.add", username, err.Error())
				fmt.Fprintf(stderr, "verify token: %s\n", shared.Redact(err.Error()))
				return 1
			}
			if user.Username != username {
				audit.Record(audit.OutcomeDeny, "account.add", username, "token belongs to "+user.Username)
				fmt.Fprintf(stderr, "token belongs to %q, not %q\n", user.Username, username)
				return 1
			}
		}
		idx, err := store.Add(username, token, flags["temporary"])
		if err != nil {
			fmt.Fprintf(stderr, "add: %v\n", err)
			return 1
		}
		reason := ""
		if flags["temporary"] {
			reason = "temporary"
		}
		audit.Record(audit.OutcomeAllow, "account.add", username, reason)
		fmt.Fprintf(stdout, "saved account %s (#%d)\n", username, idx)
		return 0

	case "remove", "rm":
		if len(positional) != 1 {
			fmt.Fprintln(stderr, accountsUsage)
			return 2
		}
		if err := store.Remove(positional[0]); err != nil {
			fmt.Fprintf(stderr, "remove: %v\n", err)
			return 1
		}
		audit.Record(audit.OutcomeAllow, "account.remove", positional[0], "")
		fmt.Fprintf(stdout, "removed account %s\n", positional[0])
		return 0

	case "use":
		if len(positional) != 1 {
			fmt.Fprintln(stderr, accountsUsage)
			return 2
		}
		if err := store.Use(ctx, positional[0]); err != nil {
			fmt.Fprintf(stderr, "use: %v\n", err)
			return 1
		}
		audit.Record(audit.OutcomeAllow, "account.use", positional[0], "")
		fmt.Fprintf(stdout, "active account is now %s\n", positional[0])
		return 0

	default:
		fmt.Fprintf(stderr, "unknown accounts action %q\n%s\n", action, accountsUsage)
		return 2
	}
}

func listAccounts(store *accounts.Store) {
	list := store.Accounts()
	if len(list) == 0 {
		fmt.Fprintln(stdout, "no accounts configured")
		return
	}
	active := store.ActiveIndex()
	mark := lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	if !isTerminal() {
		mark, dim = lipgloss.NewStyle(), lipgloss.NewStyle()
	}
	for i, a := range list {
		marker := " "
		if i == active {
			marker = mark.Render("*")
		}
		extra := "added " + a.AddedAt.Format(time.DateOnly)
		if !a.LastUsed.IsZero() {
			extra += ", last used " + a.LastUsed.Format(time.DateTime)
		}
		if a.IsTemporary {
			extra += ", temporary"
		}
		fmt.Fprintf(stdout, "%s %d  %-20s %s\n", marker, i, a.Username, dim.Render(extra))
	}
}

// splitFlags separates "-name" switches from positional arguments so
// switches may follow them.
func splitFlags(args []string) ([]string, map[string]bool) {
	var positional []string
	flags := map[string]bool{}
	for _, a := range args {
		if strings.HasPrefix(a, "-") && len(a) > 1 {
			flags[strings.TrimLeft(a, "-")] = true
			continue
		}
		positional = append(positional, a)
	}
	return positional, flags
}
