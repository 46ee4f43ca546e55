package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/netinvent/npbackup/internal/config"
	"github.com/netinvent/npbackup/internal/lock"
)

func TestSplitRawCommandSplitsOnSpacesCollapsingRuns(t *testing.T) {
	got := splitRawCommand("snapshots  --json   --tag nightly")
	want := []string{"snapshots", "--json", "--tag", "nightly"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestSplitRawCommandEmptyString(t *testing.T) {
	if got := splitRawCommand(""); got != nil {
		t.Fatalf("expected nil for an empty raw command, got %v", got)
	}
}

func TestEnvOrDefaultUsesEnvWhenSet(t *testing.T) {
	t.Setenv("NPBACKUP_TEST_VAR", "from-env")
	if got := envOrDefault("NPBACKUP_TEST_VAR", "fallback"); got != "from-env" {
		t.Fatalf("got %q", got)
	}
}

func TestEnvOrDefaultFallsBackWhenUnset(t *testing.T) {
	t.Setenv("NPBACKUP_TEST_VAR_UNSET", "")
	if got := envOrDefault("NPBACKUP_TEST_VAR_UNSET", "fallback"); got != "fallback" {
		t.Fatalf("got %q", got)
	}
}

func TestExitCodeFromErrorMapsConcurrencyRefusal(t *testing.T) {
	busy := &lock.ErrAlreadyRunning{}
	code, ok := exitCodeFromError(busy)
	if !ok || code != exitAlreadyRunning {
		t.Fatalf("got %d, %v, want %d, true", code, ok, exitAlreadyRunning)
	}
}

func TestExitCodeFromErrorUnmappedReturnsFalse(t *testing.T) {
	_, ok := exitCodeFromError(os.ErrNotExist)
	if ok {
		t.Fatalf("expected an unmapped error to return ok=false")
	}
}

func writeTestConfig(t *testing.T, yaml string) *config.Store {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "npbackup.conf")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cipher, err := config.NewCipher(make([]byte, 32), nil)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	store, err := config.Load(path, cipher)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return store
}

func TestResolveRepoNamesDefaultsToEveryRepo(t *testing.T) {
	store := writeTestConfig(t, "conf_version: 5\nrepos:\n  r1: {}\n  r2: {}\n")
	names, err := resolveRepoNames(store, &cliFlags{})
	if err != nil {
		t.Fatalf("resolveRepoNames: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("expected 2 repo names, got %v", names)
	}
}

func TestResolveRepoNamesByExplicitName(t *testing.T) {
	store := writeTestConfig(t, "conf_version: 5\nrepos:\n  r1: {}\n  r2: {}\n")
	names, err := resolveRepoNames(store, &cliFlags{repoName: "r1"})
	if err != nil {
		t.Fatalf("resolveRepoNames: %v", err)
	}
	if len(names) != 1 || names[0] != "r1" {
		t.Fatalf("got %v", names)
	}
}

func TestResolveRepoNamesByGroup(t *testing.T) {
	store := writeTestConfig(t, "conf_version: 5\nrepos:\n  r1:\n    repo_group: g1\n  r2: {}\n")
	names, err := resolveRepoNames(store, &cliFlags{repoGroup: "g1"})
	if err != nil {
		t.Fatalf("resolveRepoNames: %v", err)
	}
	if len(names) != 1 || names[0] != "r1" {
		t.Fatalf("got %v", names)
	}
}

func TestResolveRepoNamesEmptyGroupErrors(t *testing.T) {
	store := writeTestConfig(t, "conf_version: 5\nrepos:\n  r1: {}\n")
	_, err := resolveRepoNames(store, &cliFlags{repoGroup: "ghost"})
	if err == nil {
		t.Fatalf("expected an error for a group with no members")
	}
}
