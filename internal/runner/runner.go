// Package runner implements the high-level operation orchestrator:
// permission gating, concurrency gating via a process-wide lock,
// pre/post-exec hooks, NTP drift checking, retention-policy
// translation, housekeeping composition, and metrics emission. Each
// public method builds a fresh backend Wrapper from the materialized
// repository view, so configuration edits take effect on the next call
// without restarting anything.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/netinvent/npbackup/internal/config"
	"github.com/netinvent/npbackup/internal/lock"
	"github.com/netinvent/npbackup/internal/logging"
	"github.com/netinvent/npbackup/internal/metrics"
	"github.com/netinvent/npbackup/internal/metrics/parse"
	"github.com/netinvent/npbackup/internal/ntpcheck"
	"github.com/netinvent/npbackup/internal/restic"
)

// Permission is one of the four roles a repository may grant.
type Permission string

const (
	PermissionBackup      Permission = "backup"
	PermissionRestore      Permission = "restore"
	PermissionRestoreOnly  Permission = "restore_only"
	PermissionFull         Permission = "full"
)

// ErrNotEnoughPermissions is surfaced (not panicked) when the repo's
// granted permission doesn't cover the requested operation.
type ErrNotEnoughPermissions struct {
	Operation  string
	Permission Permission
}

func (e *ErrNotEnoughPermissions) Error() string {
	return fmt.Sprintf("runner: operation %q not allowed with permission %q: Not enough permissions", e.Operation, e.Permission)
}

// ErrNotReady is surfaced when the backend wrapper cannot be built
// (no backend binary or no repository URI configured).
type ErrNotReady struct{ Reason string }

func (e *ErrNotReady) Error() string { return "runner: not ready: " + e.Reason }

// permissionTable maps each operation to the set of permissions that
// may run it.
var permissionTable = map[string]map[Permission]bool{
	"init":               {PermissionBackup: true, PermissionRestore: true, PermissionFull: true},
	"backup":             {PermissionBackup: true, PermissionRestore: true, PermissionFull: true},
	"has_recent_snapshot": {PermissionBackup: true, PermissionRestore: true, PermissionRestoreOnly: true, PermissionFull: true},
	"snapshots":          {PermissionBackup: true, PermissionRestore: true, PermissionRestoreOnly: true, PermissionFull: true},
	"ls":                 {PermissionBackup: true, PermissionRestore: true, PermissionRestoreOnly: true, PermissionFull: true},
	"find":               {PermissionBackup: true, PermissionRestore: true, PermissionRestoreOnly: true, PermissionFull: true},
	"restore":            {PermissionRestore: true, PermissionRestoreOnly: true, PermissionFull: true},
	"dump":               {PermissionRestore: true, PermissionRestoreOnly: true, PermissionFull: true},
	"check":              {PermissionRestore: true, PermissionFull: true},
	"recover":            {PermissionRestore: true, PermissionFull: true},
	"unlock":             {PermissionBackup: true, PermissionRestore: true, PermissionFull: true},
	"list":               {PermissionFull: true},
	"repair":             {PermissionFull: true},
	"forget":             {PermissionFull: true},
	"prune":              {PermissionFull: true},
	"housekeeping":        {PermissionFull: true},
	"raw":                {PermissionFull: true},
}

// Allowed reports whether perm may run operation.
func Allowed(operation string, perm Permission) bool {
	set, ok := permissionTable[operation]
	if !ok {
		return false
	}
	return set[perm]
}

// Dependencies bundles the collaborators a Runner needs beyond the
// materialized repo view, so tests can substitute fakes.
type Dependencies struct {
	Logger        *zap.Logger
	Tracker       *logging.Tracker
	Locker        *lock.PIDFile
	BinaryPath    string
	BinaryVersion string
	FullConcurrency bool
	LockIdentifierUsesCmdline bool
	ProcessName   string
}

// Runner orchestrates operations for one repository view.
type Runner struct {
	deps               Dependencies
	repo               *config.RepoView
	log                *zap.Logger
	dryRun             bool
	jsonOutput         bool
	pruneMaxOverride   string
	metricsWrittenOnce bool
}

// New builds a Runner bound to one materialized repository view.
func New(deps Dependencies, repo *config.RepoView) *Runner {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{deps: deps, repo: repo, log: log.With(zap.String("repo", repo.Name))}
}

// SetDryRun overrides whether dry-run-capable operations
// (backup/forget/prune/restore) pass --dry-run, regardless of
// configuration — set from the CLI entry layer's --dry-run flag.
func (r *Runner) SetDryRun(v bool) { r.dryRun = v }

// SetJSONOutput forces JSON output capture even when not otherwise
// requested — set from the CLI entry layer's --json flag.
func (r *Runner) SetJSONOutput(v bool) { r.jsonOutput = v }

// SetPruneMaxOverride overrides repo_opts.prune_max_unused for the next
// Prune call — set from the CLI entry layer's --prune-max flag.
func (r *Runner) SetPruneMaxOverride(v string) { r.pruneMaxOverride = v }

// OperationResult is the envelope every Runner method returns.
type OperationResult struct {
	Result              bool
	Operation           string
	Args                map[string]interface{}
	Output              interface{}
	Reason              string
	AdditionalErrorInfo []string
	AdditionalWarningInfo []string
	ExecTime            float64
	Detail              map[string]OperationResult
}

// buildWrapperOptions assembles restic.Options from the materialized
// view, re-applied on every call so edits take effect immediately.
func (r *Runner) buildWrapperOptions(noLock bool) restic.Options {
	priority := restic.Priority(r.repo.GetString("backup_opts.priority"))
	if priority == "" {
		priority = restic.PriorityNormal
	}
	return restic.Options{
		LimitUploadKiB:     r.repo.GetInt("backup_opts.upload_speed"),
		LimitDownloadKiB:   r.repo.GetInt("backup_opts.download_speed"),
		BackendConnections: r.repo.GetInt("repo_opts.backend_connections"),
		Priority:           priority,
		DryRun:             r.dryRun,
		Verbose:            r.repo.GetBool("backup_opts.verbose"),
		JSONOutput:         true,
		NoCache:            r.repo.GetBool("repo_opts.no_cache"),
		NoLock:             noLock || r.repo.GetBool("repo_opts.no_lock"),
		LiveStdout:         r.repo.GetBool("backup_opts.live_output"),
		Env:                r.repo.Env(),
		EncryptedEnv:       r.repo.EncryptedEnv(),
		ExtraArguments:     r.repo.GetString("repo_opts.extra_arguments"),
		IgnoreCloudFiles:   r.repo.GetBool("backup_opts.ignore_cloud_files"),
	}
}

// readOnlyOperations force no_lock regardless of configuration.
var readOnlyOperations = map[string]bool{
	"snapshots": true, "ls": true, "find": true, "list": true, "stats": true, "has_recent_snapshot": true,
}

// lockingOperations are the mutating operations that must hold the
// process-wide concurrency gate; every other operation is read-only and
// may run concurrently with them (and with each other). housekeeping is
// included because it composes forget/prune/unlock without re-acquiring
// the gate itself.
var lockingOperations = map[string]bool{
	"backup":       true,
	"repair":       true,
	"forget":       true,
	"prune":        true,
	"raw":          true,
	"unlock":       true,
	"housekeeping": true,
}

// newWrapper constructs a backend Wrapper for operation, applying the
// materialized configuration and the no-lock injection rule for
// read-only operations.
func (r *Runner) newWrapper(operation string) (*restic.Wrapper, error) {
	if r.deps.BinaryPath == "" {
		return nil, &ErrNotReady{Reason: "no backend binary configured"}
	}
	if r.repo.RepoURI() == "" {
		return nil, &ErrNotReady{Reason: "no repository URI configured"}
	}
	opts := r.buildWrapperOptions(readOnlyOperations[operation])
	return restic.NewWrapper(r.log, r.deps.BinaryPath, r.deps.BinaryVersion, r.repo.RepoURI(), r.repo.ManagerPassword(), opts), nil
}

// permissionCheck rejects an operation the repo's granted permission
// does not cover.
func (r *Runner) permissionCheck(operation string) error {
	perm := Permission(r.repo.Permissions())
	if !Allowed(operation, perm) {
		return &ErrNotEnoughPermissions{Operation: operation, Permission: perm}
	}
	return nil
}

// runGated wraps body with the concurrency gate, permission gate,
// readiness check, exec timer, and a panic-recovering envelope, composed
// linearly in one function rather than as a decorator stack. The
// concurrency gate is only acquired for operation in lockingOperations;
// read-only operations run unlocked and may overlap each other and any
// in-flight read-only work. bypassLock skips the concurrency gate; every
// current caller passes false, and inline housekeeping after a backup
// calls housekeepingInner directly instead of going through runGated.
func (r *Runner) runGated(ctx context.Context, operation string, bypassLock bool, body func(ctx context.Context) OperationResult) OperationResult {
	start := time.Now()
	result := r.runGatedInner(ctx, operation, bypassLock, body)
	result.ExecTime = time.Since(start).Seconds()
	if !metricsExemptOperations[operation] {
		r.emitOperationMetrics(operation, result)
	}
	return result
}

// metricsExemptOperations skips the generic post-operation metrics
// emission: "backup" runs its own Analyse/deliver pipeline inline since
// a too-small backup must feed back into its own success decision
// before Detail is built, and "has_recent_snapshot" is itself a read
// used internally by backup and never emits metrics on its own.
var metricsExemptOperations = map[string]bool{
	"backup":              true,
	"has_recent_snapshot": true,
}

// emitOperationMetrics delivers the exec-state (and, when the backend's
// output happens to carry a JSON summary, the per-category) samples for
// any gated operation other than backup.
func (r *Runner) emitOperationMetrics(operation string, result OperationResult) {
	worst := logging.LevelInfo
	if r.deps.Tracker != nil {
		worst = r.deps.Tracker.Worst()
	}
	outputText := genericOutputText(result.Output)
	labels := r.repoMetricsLabels(operation)
	samples, _ := metrics.Analyse(result.Result, outputText, labels, "", worst)
	r.deliverMetrics(samples, operation)
}

func (r *Runner) runGatedInner(ctx context.Context, operation string, bypassLock bool, body func(ctx context.Context) OperationResult) (result OperationResult) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic recovered in operation", zap.String("operation", operation), zap.Any("panic", rec))
			result = OperationResult{Operation: operation, Result: false, Reason: fmt.Sprintf("internal error: %v", rec)}
		}
	}()

	if err := r.permissionCheck(operation); err != nil {
		return OperationResult{Operation: operation, Result: false, Reason: err.Error()}
	}

	if !bypassLock && lockingOperations[operation] && r.deps.Locker != nil {
		if err := r.deps.Locker.Acquire(r.deps.LockIdentifierUsesCmdline, r.deps.ProcessName, r.deps.FullConcurrency); err != nil {
			return OperationResult{Operation: operation, Result: false, Reason: err.Error()}
		}
		defer r.deps.Locker.Release()
	}

	return body(ctx)
}

// envelopeFromResticResult converts a restic.Result into an
// OperationResult, recording the failure reason when unsuccessful.
func envelopeFromResticResult(operation string, res restic.Result) OperationResult {
	env := OperationResult{
		Operation: operation,
		Result:    res.Success,
		Output:    collapseOutput(res.Output),
		ExecTime:  res.Duration.Seconds(),
	}
	if !res.Success {
		env.Reason = res.Reason
	}
	return env
}

// genericOutputText re-serializes an OperationResult's already-collapsed
// Output back to JSON text so metrics.Analyse can scan it for a
// message_type:"summary" line the way it does for raw backend output.
// Most non-backup operations carry no such line, so this degrades
// gracefully to "no per-category samples, only the exec-state one."
func genericOutputText(output interface{}) string {
	if output == nil {
		return ""
	}
	b, err := json.Marshal(output)
	if err != nil {
		return ""
	}
	return string(b)
}

// collapseOutput collapses a single-element output slice to the bare
// object itself, leaving multi-element output as a slice.
func collapseOutput(output []interface{}) interface{} {
	if len(output) == 1 {
		return output[0]
	}
	return output
}

// ntpGuard implements the NTP drift guard: before a policy-based
// forget, if ntp_server is set, query it; fail-closed on either a query
// error or drift beyond restic.MaxAllowedNTPOffset (both branches reject
// the operation the same way).
func (r *Runner) ntpGuard(ntpServer string) error {
	if ntpServer == "" {
		return nil
	}
	offset, err := ntpcheck.Offset(ntpServer, 5*time.Second)
	if err != nil || offset < 0 {
		offset = absFloat(offset)
	}
	if err != nil {
		return fmt.Errorf("runner: cannot obtain NTP offset from %s: %w", ntpServer, err)
	}
	if time.Duration(offset*float64(time.Second)) > restic.MaxAllowedNTPOffset {
		return fmt.Errorf("runner: NTP offset %.1fs exceeds maximum allowed %s, refusing policy-based forget", offset, restic.MaxAllowedNTPOffset)
	}
	return nil
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// repoMetricsLabels builds the Labels metrics.Analyse needs for operation.
func (r *Runner) repoMetricsLabels(operation string) metrics.Labels {
	additional := map[string]string{}
	raw, _ := r.repo.Get("global_prometheus.additional_labels")
	if m, ok := raw.(map[string]interface{}); ok {
		for k, v := range m {
			if s, ok := v.(string); ok {
				additional[k] = s
			}
		}
	}
	return metrics.Labels{
		Version:    r.deps.BinaryVersion,
		RepoName:   r.repo.Name,
		Operation:  operation,
		Audience:   r.repo.GetString("audience"),
		BackupJob:  r.repo.GetString("backup_opts.backup_job"),
		Group:      r.repo.GetString("repo_group"),
		Instance:   r.repo.GetString("identity.instance"),
		Additional: additional,
	}
}

// deliverMetrics sends samples to the single configured
// global_prometheus.destination: a value starting with "http" is a push
// gateway URL, anything else is a file path. Delivery is gated on
// global_prometheus.metrics and is never fatal to the calling operation
// — failures are logged only.
//
// The first file write through a Runner truncates; every later write
// through the same Runner appends. Inline housekeeping after a backup
// delivers no samples of its own.
func (r *Runner) deliverMetrics(samples []parse.Sample, action string) {
	if !r.repo.GetBool("global_prometheus.metrics") {
		return
	}
	destination := r.repo.GetString("global_prometheus.destination")
	if destination == "" {
		return
	}
	if r.dryRun {
		r.log.Debug("dry run: not delivering metrics")
		return
	}

	if strings.HasPrefix(strings.ToLower(destination), "http") {
		cfg := metrics.PushConfig{
			URL:          destination,
			HTTPUsername: r.repo.GetString("global_prometheus.http_username"),
			HTTPPassword: r.repo.GetString("global_prometheus.http_password"),
			NoCertVerify: r.repo.GetBool("global_prometheus.no_cert_verify"),
			RepoName:     r.repo.Name,
			Action:       action,
		}
		if err := metrics.Push(cfg, samples); err != nil {
			r.log.Warn(err.Error())
		}
		return
	}

	if err := metrics.WriteFile(destination, samples, r.metricsWrittenOnce); err != nil {
		r.log.Warn(err.Error())
		return
	}
	r.metricsWrittenOnce = true
}
