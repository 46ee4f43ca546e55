package lock

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	dir := t.TempDir()
	p := New(dir, "npbackup-test")

	if err := p.Acquire(false, "", false); err != nil {
		t.Fatalf("first Acquire should succeed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "npbackuptest.pid"))
	if err != nil {
		t.Fatalf("expected lock file to exist: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("expected lock file to contain a pid")
	}

	second := New(dir, "npbackup-test")
	if err := second.Acquire(false, "", false); err == nil {
		t.Fatalf("second Acquire should be refused while the first holds the lock")
	}

	if err := p.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if err := second.Acquire(false, "", false); err != nil {
		t.Fatalf("Acquire after Release should succeed: %v", err)
	}
}

func TestFullConcurrencyBypassesGate(t *testing.T) {
	dir := t.TempDir()
	p := New(dir, "npbackup-test")
	if err := p.Acquire(false, "", true); err != nil {
		t.Fatalf("full concurrency Acquire should never fail: %v", err)
	}
	if p.acquired {
		t.Fatalf("full concurrency bypass must not mark the lock as acquired")
	}
}

func TestSanitize(t *testing.T) {
	if got := Sanitize("np-backup_v2.exe"); got != "npbackupv2exe" {
		t.Errorf("Sanitize = %q", got)
	}
}
