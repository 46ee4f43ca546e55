package restic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/netinvent/npbackup/internal/units"
)

// BackupSourceType selects the argument form used to tell restic what to
// back up.
type BackupSourceType string

const (
	SourceFolderList       BackupSourceType = "folder_list"
	SourceFilesFrom        BackupSourceType = "files_from"
	SourceFilesFromVerbatim BackupSourceType = "files_from_verbatim"
	SourceFilesFromRaw     BackupSourceType = "files_from_raw"
	SourceStdinFromCommand BackupSourceType = "stdin_from_command"
)

// BackupRequest carries everything the Backup operation needs beyond the
// Wrapper's own Options.
type BackupRequest struct {
	SourceType       BackupSourceType
	Paths            []string // folder_list entries, or the files_from-style list/raw file path
	StdinCommand     string   // for stdin_from_command
	StdinFilename    string   // virtual filename restic records for stdin backups
	Tags             []string
	ExcludePatterns  []string
	ExcludeFiles     []string
	ExcludesDir      string // directory probed for ./excludes/<basename> fallback
	ExcludeFilesLargerThan string
	OneFileSystem    bool
}

// PreflightIssue records one unreadable or missing source path found
// during Backup preflight. Failures are logged but do not themselves
// abort the backup.
type PreflightIssue struct {
	Path   string
	Reason string
}

// Init creates the repository. "already initialized" is treated as
// success.
func (w *Wrapper) Init(ctx context.Context) (Result, error) {
	res, err := w.executor(ctx, "init", nil, true, FastCommandsTimeout, nil)
	if err != nil {
		return res, err
	}
	if !res.Success && strings.Contains(strings.ToLower(res.Reason+resultText(res)), "already initialized") {
		res.Success = true
		res.IsInit = true
		w.state = StateInitialized
	}
	return res, nil
}

func resultText(r Result) string {
	var b strings.Builder
	for _, v := range r.Output {
		if m, ok := v.(map[string]interface{}); ok {
			if s, ok := m["data"].(string); ok {
				b.WriteString(s)
				b.WriteString("\n")
			}
		}
	}
	return b.String()
}

// ensureProbed implements the "first non-init operation attempts a
// snapshots listing" readiness probe.
func (w *Wrapper) ensureProbed(ctx context.Context) {
	if w.state != StateUnknown {
		return
	}
	_, _ = w.executor(ctx, "snapshots", []string{"--latest", "1"}, true, FastCommandsTimeout, nil)
	if w.state == StateUnknown {
		w.state = StateProbed
	}
}

// Snapshots lists snapshots, optionally filtered to one ID.
func (w *Wrapper) Snapshots(ctx context.Context, id string, errorsAllowed bool) (Result, error) {
	var args []string
	if id != "" {
		args = append(args, id)
	}
	return w.executor(ctx, "snapshots", args, errorsAllowed, 0, nil)
}

// List lists repository objects of the given subject (e.g. "index",
// "packs", "locks").
func (w *Wrapper) List(ctx context.Context, subject string) (Result, error) {
	return w.executor(ctx, "list", []string{subject}, false, 0, nil)
}

// Ls lists the contents of a snapshot.
func (w *Wrapper) Ls(ctx context.Context, snapshot string) (Result, error) {
	return w.executor(ctx, "ls", []string{snapshot}, false, 0, nil)
}

// Find locates a path across all snapshots.
func (w *Wrapper) Find(ctx context.Context, path string) (Result, error) {
	return w.executor(ctx, "find", []string{path}, false, 0, nil)
}

// Preflight verifies every folder_list/files_from-derived path exists
// and is readable. It never returns an error itself: failures are
// reported as issues for the caller to log, and backup proceeds
// regardless.
func Preflight(req BackupRequest, statFn func(string) error) []PreflightIssue {
	var issues []PreflightIssue
	switch req.SourceType {
	case SourceFolderList, SourceFilesFrom, SourceFilesFromVerbatim:
		for _, p := range req.Paths {
			if err := statFn(p); err != nil {
				issues = append(issues, PreflightIssue{Path: p, Reason: err.Error()})
			}
		}
	case SourceFilesFromRaw:
		for _, p := range req.Paths {
			cleaned := strings.ReplaceAll(p, "\x00", "")
			if cleaned == "" {
				continue
			}
			if err := statFn(cleaned); err != nil {
				issues = append(issues, PreflightIssue{Path: cleaned, Reason: err.Error()})
			}
		}
	}
	return issues
}

// Backup runs a backup, selecting the argument form from req.SourceType.
// For stdin_from_command, req.StdinCommand is passed to restic itself via
// --stdin-from-command; restic runs and pipes the command, so this
// package never executes it directly.
func (w *Wrapper) Backup(ctx context.Context, req BackupRequest, findExcludeFile func(name string) (string, error), onProgress ProgressFunc) (Result, error) {
	if !w.IsInit() {
		w.ensureProbed(ctx)
	}
	if w.state == StateUninitialized || w.state == StateUnknown || w.state == StateProbed {
		if _, err := w.Init(ctx); err != nil {
			return Result{}, err
		}
	}

	args := backupArgs(req, findExcludeFile)
	if w.opts.IgnoreCloudFiles && w.version != "" && !VersionLess(w.version, "0.18") {
		args = append(args, "--exclude-cloud-files")
	}

	return w.executor(ctx, "backup", args, false, 0, onProgress)
}

// backupArgs assembles the "backup" subcommand arguments from req,
// selecting the argument form for req.SourceType. For stdin_from_command,
// req.StdinCommand is split on whitespace and passed to restic itself via
// --stdin-from-command -- <command> <args...>; restic runs and pipes the
// command, so this package never executes it directly.
func backupArgs(req BackupRequest, findExcludeFile func(name string) (string, error)) []string {
	var args []string
	switch req.SourceType {
	case SourceFolderList:
		args = append(args, req.Paths...)
	case SourceFilesFrom:
		for _, p := range req.Paths {
			args = append(args, "--files-from", p)
		}
	case SourceFilesFromVerbatim:
		for _, p := range req.Paths {
			args = append(args, "--files-from-verbatim", p)
		}
	case SourceFilesFromRaw:
		for _, p := range req.Paths {
			args = append(args, "--files-from-raw", p)
		}
	case SourceStdinFromCommand:
		if req.StdinFilename != "" {
			args = append(args, "--stdin-filename", req.StdinFilename)
		}
		if req.StdinCommand != "" {
			args = append(args, "--stdin-from-command", "--")
			args = append(args, strings.Fields(req.StdinCommand)...)
		}
	}

	for _, t := range req.Tags {
		args = append(args, "--tag", t)
	}
	for _, ex := range req.ExcludePatterns {
		args = append(args, "--exclude", ex)
	}
	for _, ef := range req.ExcludeFiles {
		path := ef
		if findExcludeFile != nil {
			if resolved, err := findExcludeFile(ef); err == nil {
				path = resolved
			}
		}
		args = append(args, "--exclude-file", path)
	}
	if req.ExcludeFilesLargerThan != "" {
		b, err := units.ToBytes(req.ExcludeFilesLargerThan, false)
		if err == nil {
			args = append(args, "--exclude-larger-than", fmt.Sprintf("%d", b))
		}
	}
	if req.OneFileSystem {
		args = append(args, "--one-file-system")
	}
	return args
}

// Restore restores a snapshot (or a path within it) to target.
func (w *Wrapper) Restore(ctx context.Context, snapshot, target string, includes []string, extraArgs []string) (Result, error) {
	args := []string{snapshot, "--target", target}
	for _, inc := range includes {
		args = append(args, "--include", inc)
	}
	args = append(args, extraArgs...)
	return w.executor(ctx, "restore", args, false, 0, nil)
}

// retentionArgs translates a RetentionPolicy into backend flags.
func retentionArgs(policy RetentionPolicy) ([]string, error) {
	if isEmptyPolicy(policy) {
		return nil, fmt.Errorf("restic: refusing to run forget with an empty retention policy")
	}
	var args []string
	entries := []struct {
		name  string
		count int
	}{
		{"last", policy.Last},
		{"hourly", policy.Hourly},
		{"daily", policy.Daily},
		{"weekly", policy.Weekly},
		{"monthly", policy.Monthly},
		{"yearly", policy.Yearly},
	}
	for _, e := range entries {
		if e.count <= 0 {
			continue
		}
		keepWithin := e.name != "last" && policy.KeepWithin[e.name]
		if !keepWithin {
			args = append(args, fmt.Sprintf("--keep-%s", e.name), fmt.Sprintf("%d", e.count))
			continue
		}
		suffix := durationSuffix(e.name)
		value := e.count
		if e.name == "weekly" {
			// restic's --keep-within does not accept a week unit; convert
			// to days (w -> d*7).
			value *= 7
		}
		args = append(args, fmt.Sprintf("--keep-within-%s", e.name), fmt.Sprintf("%d%s", value, suffix))
	}
	if len(policy.KeepTags) > 0 {
		for _, t := range policy.KeepTags {
			args = append(args, "--keep-tag", t)
		}
	}
	if gb := policy.GroupBy.String(); gb != "" {
		args = append(args, "--group-by", gb)
	}
	return args, nil
}

func durationSuffix(name string) string {
	switch name {
	case "hourly":
		return "h"
	case "daily":
		return "d"
	case "weekly":
		return "d" // converted to days above
	case "monthly":
		return "m"
	case "yearly":
		return "y"
	default:
		return "d"
	}
}

func isEmptyPolicy(p RetentionPolicy) bool {
	return p.Last == 0 && p.Hourly == 0 && p.Daily == 0 && p.Weekly == 0 &&
		p.Monthly == 0 && p.Yearly == 0 && len(p.KeepTags) == 0
}

// ForgetRequest selects between forgetting explicit snapshot IDs or
// applying a retention policy, optionally grouped.
type ForgetRequest struct {
	SnapshotIDs []string
	Policy      *RetentionPolicy
	Prune       bool
}

// Forget removes snapshots, either by explicit ID or by retention
// policy. Callers must run the NTP drift guard themselves before a
// policy-based forget since it needs operator configuration
// (ntp_server) this package does not own.
func (w *Wrapper) Forget(ctx context.Context, req ForgetRequest) (Result, error) {
	var args []string
	if req.Policy != nil {
		policyArgs, err := retentionArgs(*req.Policy)
		if err != nil {
			return Result{}, err
		}
		args = append(args, policyArgs...)
	} else {
		args = append(args, req.SnapshotIDs...)
	}
	if req.Prune {
		args = append(args, "--prune")
	}
	return w.executor(ctx, "forget", args, false, 0, nil)
}

// PruneOptions carries optional prune tuning.
type PruneOptions struct {
	MaxUnused      string // human byte size, or "N%"
	MaxRepackSize  string
}

// Prune removes unreferenced data from the repository.
func (w *Wrapper) Prune(ctx context.Context, opts PruneOptions) (Result, error) {
	var args []string
	if opts.MaxUnused != "" {
		if pct, ok := units.ParsePercent(opts.MaxUnused); ok {
			args = append(args, "--max-unused", fmt.Sprintf("%g%%", pct))
		} else {
			b, err := units.ToBytes(opts.MaxUnused, false)
			if err != nil {
				return Result{}, fmt.Errorf("restic: bad prune_max_unused: %w", err)
			}
			args = append(args, "--max-unused", fmt.Sprintf("%d", b))
		}
	}
	if opts.MaxRepackSize != "" {
		b, err := units.ToBytes(opts.MaxRepackSize, false)
		if err != nil {
			return Result{}, fmt.Errorf("restic: bad prune_max_repack_size: %w", err)
		}
		args = append(args, "--max-repack-size", fmt.Sprintf("%d", b))
	}
	return w.executor(ctx, "prune", args, false, 0, nil)
}

// Check verifies repository integrity. readData requests the full
// (slow) data-block read-back verification.
func (w *Wrapper) Check(ctx context.Context, readData bool, onProgress ProgressFunc) (Result, error) {
	args := []string{}
	if readData {
		args = append(args, "--read-data")
	}
	return w.executor(ctx, "check", args, false, 0, onProgress)
}

// RepairSubject selects what Repair acts on: the index, snapshots, or
// specific data packs.
type RepairSubject string

const (
	RepairIndex     RepairSubject = "index"
	RepairSnapshots RepairSubject = "snapshots"
	RepairPacks     RepairSubject = "packs"
)

// Repair runs "repair <subject>", passing pack IDs when subject is
// RepairPacks.
func (w *Wrapper) Repair(ctx context.Context, subject RepairSubject, packIDs []string) (Result, error) {
	args := []string{string(subject)}
	if subject == RepairPacks {
		args = append(args, packIDs...)
	}
	return w.executor(ctx, "repair", args, false, 0, nil)
}

// Recover attempts to recover snapshots from an index-less repository.
func (w *Wrapper) Recover(ctx context.Context) (Result, error) {
	return w.executor(ctx, "recover", nil, false, 0, nil)
}

// Unlock removes stale repository locks.
func (w *Wrapper) Unlock(ctx context.Context) (Result, error) {
	return w.executor(ctx, "unlock", nil, false, 0, nil)
}

// Dump streams one file's content from a snapshot. Its output is binary
// and must not go through the noise-stripping text filter, so Dump
// bypasses outputFilter/parseOutputLines and returns raw bytes directly.
func (w *Wrapper) Dump(ctx context.Context, snapshot, path string) ([]byte, error) {
	args := w.buildArgs("dump", false, []string{snapshot, path})
	cmd := exec.CommandContext(ctx, w.binaryPath, args...)
	cmd.Env = w.buildEnv()
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		w.scrubSecrets()
		return nil, fmt.Errorf("restic: dump failed: %w\n%s", err, strings.TrimSpace(stderr.String()))
	}
	w.scrubSecrets()
	return stdout.Bytes(), nil
}

// Stats reports repository size statistics, optionally scoped to subject
// (a snapshot ID, or "" for the whole repository).
func (w *Wrapper) Stats(ctx context.Context, subject string) (Result, error) {
	var args []string
	if subject != "" {
		args = append(args, subject)
	}
	return w.executor(ctx, "stats", args, false, 0, nil)
}

// Raw passes an arbitrary command straight through to the backend binary,
// for operations this wrapper doesn't otherwise expose.
func (w *Wrapper) Raw(ctx context.Context, command []string) (Result, error) {
	if len(command) == 0 {
		return Result{}, fmt.Errorf("restic: raw command must not be empty")
	}
	return w.executor(ctx, command[0], command[1:], false, 0, nil)
}

// HasRecentSnapshot fetches the latest snapshot (tolerating an
// uninitialized repo) and compares its timestamp against
// now-deltaMinutes.
func (w *Wrapper) HasRecentSnapshot(ctx context.Context, deltaMinutes int) (recent bool, snapshotTime time.Time, err error) {
	res, execErr := w.executor(ctx, "snapshots", []string{"--latest", "1"}, true, 0, nil)
	if execErr != nil {
		return false, time.Time{}, execErr
	}
	if !res.Success {
		return false, time.Time{}, nil
	}
	var snaps []SnapshotInfo
	if err := decodeSnapshots(res, &snaps); err != nil || len(snaps) == 0 {
		return false, time.Time{}, nil
	}
	ts, perr := time.Parse(time.RFC3339Nano, snaps[len(snaps)-1].Time)
	if perr != nil {
		return false, time.Time{}, perr
	}
	if time.Since(ts) < time.Duration(deltaMinutes)*time.Minute {
		return true, ts, nil
	}
	return false, ts, nil
}

func decodeSnapshots(res Result, out *[]SnapshotInfo) error {
	b, err := json.Marshal(res.Output)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
