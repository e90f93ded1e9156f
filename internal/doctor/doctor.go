package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/puter-bridge/internal/accounts"
	"github.com/basket/puter-bridge/internal/config"
	"github.com/basket/puter-bridge/internal/engine"
	"github.com/basket/puter-bridge/internal/persistence"
	"github.com/basket/puter-bridge/internal/shared"
	"github.com/basket/puter-bridge/internal/upstream"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Identity resolves the Puter user behind a session token.
type Identity interface {
	WhoAmI(ctx context.Context, token string) (*upstream.User, error)
}

type Options struct {
	Version string
	// Identity verifies the active account against Puter. Nil skips the
	// upstream check.
	Identity Identity
}

type checker struct {
	cfg  *config.Config
	opts Options
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, opts Options) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: opts.Version,
		},
	}

	c := &checker{cfg: cfg, opts: opts}
	checks := []func(context.Context) CheckResult{
		c.checkConfig,
		c.checkAccounts,
		c.checkDatabase,
		c.checkPermissions,
		c.checkNetwork,
		c.checkUpstream,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx))
	}
	return d
}

func (c *checker) checkConfig(context.Context) CheckResult {
	if c.cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if c.cfg.NeedsGenesis {
		return CheckResult{
			Name:    "Config",
			Status:  StatusWarn,
			Message: "config.yaml missing, using defaults",
			Detail:  "run `puterbridge serve` once to write a starter config",
		}
	}
	if err := c.cfg.Validate(); err != nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: err.Error()}
	}
	return CheckResult{
		Name:    "Config",
		Status:  StatusPass,
		Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(c.cfg.HomeDir)),
		Detail:  "fingerprint " + c.cfg.Fingerprint(),
	}
}

func (c *checker) checkAccounts(context.Context) CheckResult {
	if c.cfg == nil {
		return CheckResult{Name: "Accounts", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := accounts.Open(config.AuthPath(c.cfg.HomeDir))
	if err != nil {
		return CheckResult{Name: "Accounts", Status: StatusFail, Message: fmt.Sprintf("Account store unreadable: %v", err)}
	}
	list := store.Accounts()
	if len(list) == 0 {
		return CheckResult{
			Name:    "Accounts",
			Status:  StatusWarn,
			Message: "No Puter accounts configured",
			Detail:  "run `puterbridge accounts add <username> <token>`",
		}
	}
	temporary := 0
	for _, a := range list {
		if a.IsTemporary {
			temporary++
		}
	}
	active := store.ActiveAccount()
	res := CheckResult{
		Name:    "Accounts",
		Status:  StatusPass,
		Message: fmt.Sprintf("%d account(s), active: %s", len(list), active.Username),
	}
	if temporary > 0 {
		res.Detail = fmt.Sprintf("%d temporary account(s) may expire", temporary)
	}
	if len(list) == 1 {
		res.Status = StatusWarn
		res.Detail = "only one account: rotation has nowhere to go when it is throttled"
	}
	return res
}

func (c *checker) checkDatabase(ctx context.Context) CheckResult {
	if c.cfg == nil || c.cfg.NeedsGenesis {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(config.DBPath(c.cfg.HomeDir))
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	version, err := store.SchemaVersion(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	counts, err := store.CountRequests(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return CheckResult{
		Name:    "Database",
		Status:  StatusPass,
		Message: fmt.Sprintf("Schema v%d, %d ledger rows", version, total),
	}
}

func (c *checker) checkPermissions(context.Context) CheckResult {
	if c.cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}

	testFile := filepath.Join(c.cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	info, err := os.Stat(config.AuthPath(c.cfg.HomeDir))
	if err == nil && info.Mode().Perm()&0o077 != 0 {
		return CheckResult{
			Name:    "Permissions",
			Status:  StatusWarn,
			Message: fmt.Sprintf("auth.json is readable by other users (%s)", info.Mode().Perm()),
			Detail:  "chmod 600 " + config.AuthPath(c.cfg.HomeDir),
		}
	}
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable, credentials private"}
}

func (c *checker) checkNetwork(ctx context.Context) CheckResult {
	if c.cfg == nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Config missing"}
	}

	base := c.cfg.Upstream.BaseURL
	if base == "" {
		base = config.DefaultUpstreamURL
	}
	u, err := url.Parse(base)
	if err != nil || u.Hostname() == "" {
		return CheckResult{Name: "Network", Status: StatusFail, Message: fmt.Sprintf("Invalid upstream URL %q", base)}
	}
	host := u.Hostname()

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("addresses=%v", addrs),
	}
}

// checkUpstream asks Puter who the active account is, which proves both
// reachability and that the stored token is still accepted.
func (c *checker) checkUpstream(ctx context.Context) CheckResult {
	if c.cfg == nil || c.opts.Identity == nil {
		return CheckResult{Name: "Upstream", Status: StatusSkip, Message: "Upstream check disabled"}
	}
	store, err := accounts.Open(config.AuthPath(c.cfg.HomeDir))
	if err != nil {
		return CheckResult{Name: "Upstream", Status: StatusSkip, Message: "Account store unreadable"}
	}
	active := store.ActiveAccount()
	if active == nil {
		return CheckResult{Name: "Upstream", Status: StatusSkip, Message: "No active account"}
	}

	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	start := time.Now()
	user, err := c.opts.Identity.WhoAmI(callCtx, active.Credential)
	latency := time.Since(start)
	if err != nil {
		res := CheckResult{
			Name:    "Upstream",
			Status:  StatusFail,
			Message: shared.Redact(err.Error()),
			Detail:  fmt.Sprintf("account=%s, latency=%dms", active.Username, latency.Milliseconds()),
		}
		if engine.Classify(err).Type == engine.ErrorTypeAuth {
			res.Detail = fmt.Sprintf("token for %s was rejected; re-add it with `puterbridge accounts add`", active.Username)
		}
		return res
	}
	if user.Username != active.Username {
		return CheckResult{
			Name:    "Upstream",
			Status:  StatusWarn,
			Message: fmt.Sprintf("Token for %s belongs to %s", active.Username, user.Username),
		}
	}
	return CheckResult{
		Name:    "Upstream",
		Status:  StatusPass,
		Message: fmt.Sprintf("Authenticated as %s (%dms)", user.Username, latency.Milliseconds()),
	}
}
