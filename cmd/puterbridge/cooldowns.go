package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/basket/puter-bridge/internal/audit"
	"github.com/basket/puter-bridge/internal/config"
	"github.com/basket/puter-bridge/internal/engine"
	"github.com/basket/puter-bridge/internal/persistence"
)

const cooldownsUsage = "usage: puterbridge cooldowns clear [models|accounts] [-id <model-or-username>]"

func runCooldownsCommand(ctx context.Context, args []string) int {
	if len(args) == 0 || strings.ToLower(args[0]) != "clear" {
		fmt.Fprintln(stderr, cooldownsUsage)
		return 2
	}
	scope, id, err := parseCooldownArgs(args[1:])
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config load: %v\n", err)
		return 1
	}
	if err := audit.Init(cfg.HomeDir); err == nil {
		defer func() { _ = audit.Close() }()
	}

	// A running gateway owns the live registries; clear them there so the
	// next request sees the change. Otherwise edit the persisted state.
	q := url.Values{}
	if scope != "" {
		q.Set("scope", scope)
	}
	if id != "" {
		q.Set("id", id)
	}
	path := "/api/cooldowns"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Cleared map[string]int `json:"cleared"`
	}
	err = callGateway(ctx, cfg, "DELETE", path, &out)
	var apiErr *apiError
	switch {
	case err == nil:
		printCleared(out.Cleared, "gateway")
		return 0
	case errors.As(err, &apiErr):
		fmt.Fprintf(stderr, "cooldowns: %v\n", err)
		return 1
	}

	cleared, err := clearPersistedCooldowns(ctx, cfg, scope, id)
	if err != nil {
		fmt.Fprintf(stderr, "cooldowns: %v\n", err)
		return 1
	}
	printCleared(cleared, "stored state")
	return 0
}

func parseCooldownArgs(args []string) (scope, id string, err error) {
	for i := 0; i < len(args); i++ {
		switch a := args[i]; a {
		case "-id", "--id":
			if i+1 >= len(args) {
				return "", "", errors.New(cooldownsUsage)
			}
			i++
			id = args[i]
		case "models", "accounts":
			if scope != "" {
				return "", "", errors.New(cooldownsUsage)
			}
			scope = a
		default:
			return "", "", fmt.Errorf("unexpected argument %q\n%s", a, cooldownsUsage)
		}
	}
	return scope, id, nil
}

// clearPersistedCooldowns edits the registry state the gateway restores at
// startup.
func clearPersistedCooldowns(ctx context.Context, cfg config.Config, scope, id string) (map[string]int, error) {
	store, err := persistence.Open(config.DBPath(cfg.HomeDir))
	if err != nil {
		return nil, err
	}
	defer store.Close()

	regs := []*engine.CooldownRegistry{
		engine.NewCooldownRegistry("models", cfg.ModelCooldown()),
		engine.NewCooldownRegistry("accounts", cfg.AccountCooldown()),
	}
	cleared := map[string]int{}
	for _, reg := range regs {
		if scope != "" && reg.Name() != scope {
			continue
		}
		reg.SetKVStore(store)
		if err := reg.LoadState(ctx); err != nil {
			return nil, fmt.Errorf("load %s cooldowns: %w", reg.Name(), err)
		}
		if id != "" {
			if _, ok := reg.Status(id); ok {
				cleared[reg.Name()] = 1
			} else {
				cleared[reg.Name()] = 0
			}
			reg.Remove(id)
			continue
		}
		cleared[reg.Name()] = len(reg.Snapshot())
		reg.Clear()
	}
	return cleared, nil
}

func printCleared(cleared map[string]int, where string) {
	audit.Record(audit.OutcomeAllow, "cooldowns.clear", where, fmt.Sprint(cleared))
	names := make([]string, 0, len(cleared))
	for name := range cleared {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(stdout, "cleared %d %s cooldown(s) in %s\n", cleared[name], strings.TrimSuffix(name, "s"), where)
	}
}
