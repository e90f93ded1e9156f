package main

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/basket/puter-bridge/internal/accounts"
	"github.com/basket/puter-bridge/internal/audit"
	"github.com/basket/puter-bridge/internal/config"
	"github.com/basket/puter-bridge/internal/doctor"
	"github.com/basket/puter-bridge/internal/upstream"
)

type fakeIdentity struct {
	username string
	err      error
}

func (f fakeIdentity) WhoAmI(context.Context, string) (*upstream.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &upstream.User{Username: f.username}, nil
}

func stubIdentity(t *testing.T, id doctor.Identity) {
	t.Helper()
	prev := identityChecker
	identityChecker = func(config.Config) doctor.Identity { return id }
	t.Cleanup(func() { identityChecker = prev })
}

func openAccounts(t *testing.T, home string) *accounts.Store {
	t.Helper()
	store, err := accounts.Open(config.AuthPath(home))
	if err != nil {
		t.Fatalf("open accounts: %v", err)
	}
	return store
}

func TestRunAccountsCommand_Lifecycle(t *testing.T) {
	home := setTestConfig(t, "")
	out, _ := captureOutput(t)
	ctx := context.Background()

	for _, args := range [][]string{
		{"add", "alice", "tok-alice"},
		{"add", "bob", "tok-bob", "-temporary"},
		{"use", "bob"},
	} {
		if code := runAccountsCommand(ctx, args); code != 0 {
			t.Fatalf("%v: exit %d", args, code)
		}
	}

	store := openAccounts(t, home)
	if got := store.ActiveAccount(); got == nil || got.Username != "bob" || !got.IsTemporary {
		t.Fatalf("active account = %+v", got)
	}

	out.Reset()
	if code := runAccountsCommand(ctx, []string{"list"}); code != 0 {
		t.Fatalf("list: exit %d", code)
	}
	listing := out.String()
	if !strings.Contains(listing, "alice") || !strings.Contains(listing, "* 1  bob") || !strings.Contains(listing, "temporary") {
		t.Fatalf("listing = %q", listing)
	}
	if strings.Contains(listing, "tok-") {
		t.Fatal("listing leaked a token")
	}

	if code := runAccountsCommand(ctx, []string{"remove", "bob"}); code != 0 {
		t.Fatalf("remove: exit %d", code)
	}
	store = openAccounts(t, home)
	if got := store.ActiveAccount(); got == nil || got.Username != "alice" {
		t.Fatalf("active after remove = %+v", got)
	}

	trail, err := os.ReadFile(audit.Path(home))
	if err != nil {
		t.Fatalf("read audit trail: %v", err)
	}
	for _, action := range []string{"account.add", "account.use", "account.remove"} {
		if !strings.Contains(string(trail), action) {
			t.Errorf("audit trail missing %s:\n%s", action, trail)
		}
	}
	if strings.Contains(string(trail), "tok-alice") {
		t.Fatal("audit trail leaked a token")
	}
}

func TestRunAccountsCommand_Errors(t *testing.T) {
	setTestConfig(t, "")
	captureOutput(t)
	ctx := context.Background()

	tests := []struct {
		args []string
		want int
	}{
		{nil, 2},
		{[]string{"frobnicate"}, 2},
		{[]string{"add", "alice"}, 2},
		{[]string{"remove"}, 2},
		{[]string{"use", "ghost"}, 1},
		{[]string{"remove", "ghost"}, 1},
	}
	for _, tt := range tests {
		if code := runAccountsCommand(ctx, tt.args); code != tt.want {
			t.Errorf("%v: exit %d, want %d", tt.args, code, tt.want)
		}
	}
}

func TestRunAccountsCommand_Verify(t *testing.T) {
	home := setTestConfig(t, "")
	_, errOut := captureOutput(t)
	ctx := context.Background()

	stubIdentity(t, fakeIdentity{username: "mallory"})
	if code := runAccountsCommand(ctx, []string{"add", "alice", "tok", "-verify"}); code != 1 {
		t.Fatalf("mismatched token: exit %d", code)
	}
	if !strings.Contains(errOut.String(), "mallory") {
		t.Fatalf("stderr = %q", errOut.String())
	}

	stubIdentity(t, fakeIdentity{err: &upstream.StatusError{Status: 401, Message: "bad token"}})
	if code := runAccountsCommand(ctx, []string{"add", "alice", "tok", "-verify"}); code != 1 {
		t.Fatalf("rejected token: exit %d", code)
	}
	if len(openAccounts(t, home).Accounts()) != 0 {
		t.Fatal("unverified account was saved")
	}

	stubIdentity(t, fakeIdentity{username: "alice"})
	if code := runAccountsCommand(ctx, []string{"add", "alice", "tok", "-verify"}); code != 0 {
		t.Fatalf("verified token: exit %d", code)
	}
	if len(openAccounts(t, home).Accounts()) != 1 {
		t.Fatal("verified account not saved")
	}
}
