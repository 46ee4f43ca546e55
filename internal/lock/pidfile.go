// Package lock implements the process-wide concurrency gate: a PID file
// keyed by a sanitized identifier, acquired by mutating operations
// (backup, repair, forget, prune, raw, unlock, housekeeping) so that only one such
// operation runs at a time per identifier.
//
// The file holds a bare PID; "is it actually still running" is answered
// by checking both PID liveness and (optionally) that the live
// process's executable name still matches, so a recycled PID belonging
// to an unrelated program does not wrongly block a new run.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	ps "github.com/mitchellh/go-ps"
)

// ErrAlreadyRunning is returned by Acquire when a live process already
// holds the lock.
type ErrAlreadyRunning struct {
	PID int
}

func (e *ErrAlreadyRunning) Error() string {
	return fmt.Sprintf("lock: another instance is already running (pid %d)", e.PID)
}

var sanitizePattern = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// Sanitize strips everything but alphanumerics from an identifier, mirroring
// pidfile_ng.py's PIDFile.sanitize().
func Sanitize(s string) string {
	return sanitizePattern.ReplaceAllString(s, "")
}

// PIDFile represents one concurrency-gate lock file.
type PIDFile struct {
	path       string
	identifier string
	acquired   bool
}

// New builds a PIDFile at <dir>/<identifier>.pid, where identifier is the
// sanitized executable name unless an explicit identifier is supplied.
func New(dir, identifier string) *PIDFile {
	name := Sanitize(identifier)
	if name == "" {
		name = "npbackup"
	}
	return &PIDFile{
		path:       filepath.Join(dir, name+".pid"),
		identifier: identifier,
	}
}

// isRunning reports whether the PID recorded in the file still belongs to
// a live process. When checkCmdline is true, the live process's name must
// also match processName (best-effort: go-ps only exposes the executable
// name, not the full command line available to psutil).
func (p *PIDFile) isRunning(checkCmdline bool, processName string) (bool, int) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return false, 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false, 0
	}
	proc, err := ps.FindProcess(pid)
	if err != nil || proc == nil {
		return false, 0
	}
	if checkCmdline && processName != "" {
		if !strings.EqualFold(proc.Executable(), processName) {
			return false, 0
		}
	}
	return true, pid
}

// Acquire checks for a live holder and, if none is found, writes the
// current process's PID to the lock file. fullConcurrency bypasses the
// gate entirely (always succeeds, never writes). Per-repository locking
// is decided where the PIDFile is built: in repo-aware mode the CLI
// builds one PIDFile per repository identifier.
func (p *PIDFile) Acquire(checkCmdline bool, processName string, fullConcurrency bool) error {
	if fullConcurrency {
		return nil
	}
	if running, pid := p.isRunning(checkCmdline, processName); running {
		return &ErrAlreadyRunning{PID: pid}
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("lock: cannot create lock directory: %w", err)
	}
	if err := os.WriteFile(p.path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("lock: cannot write lock file: %w", err)
	}
	p.acquired = true
	return nil
}

// Release removes the lock file if this instance acquired it. Safe to call
// unconditionally (e.g. via defer) even when Acquire failed or was
// bypassed via fullConcurrency.
func (p *PIDFile) Release() error {
	if !p.acquired {
		return nil
	}
	p.acquired = false
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("lock: cannot remove lock file: %w", err)
	}
	return nil
}
