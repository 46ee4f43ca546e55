// Backup orchestration: resolve what to back up, run pre-exec
// commands, invoke the backend, parse metrics, run post-exec commands,
// then opportunistically trigger inline housekeeping.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/netinvent/npbackup/internal/hooks"
	"github.com/netinvent/npbackup/internal/logging"
	"github.com/netinvent/npbackup/internal/metrics"
	"github.com/netinvent/npbackup/internal/restic"
	"github.com/netinvent/npbackup/internal/scheduler"
)

// BackupOptions carries the caller-supplied knobs that aren't part of
// the repository's own configuration.
type BackupOptions struct {
	Force bool
}

// Backup runs the full backup orchestration sequence for this
// repository.
func (r *Runner) Backup(ctx context.Context, opts BackupOptions) OperationResult {
	return r.runGated(ctx, "backup", false, func(ctx context.Context) OperationResult {
		return r.backupInner(ctx, opts)
	})
}

func (r *Runner) backupInner(ctx context.Context, opts BackupOptions) OperationResult {
	detail := map[string]OperationResult{}

	// Step 1: has_recent_snapshot short-circuit.
	minimumAge := r.repo.GetInt("backup_opts.minimum_backup_age")
	if !opts.Force {
		w, err := r.newWrapper("has_recent_snapshot")
		if err != nil {
			return OperationResult{Operation: "backup", Reason: err.Error()}
		}
		recent, _, err := w.HasRecentSnapshot(ctx, minimumAge)
		if err == nil && recent {
			return OperationResult{Operation: "backup", Result: true, Reason: "No backup necessary"}
		}
	}

	// Step 2: resolve source.
	req, err := r.resolveBackupRequest()
	if err != nil {
		return OperationResult{Operation: "backup", Reason: err.Error()}
	}

	// Step 3: exclude file fallback to ./excludes/<basename> is handled
	// by findExcludeFile, passed to the backend wrapper.
	excludesDir := r.repo.GetString("backup_opts.excludes_dir")
	findExcludeFile := func(name string) (string, error) {
		if _, err := os.Stat(name); err == nil {
			return name, nil
		}
		candidate := filepath.Join(excludesDir, "excludes", filepath.Base(name))
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		return "", fmt.Errorf("runner: exclude file %q not found", name)
	}

	// Step 4: pre-exec commands.
	preCommands := r.repo.GetStringList("backup_opts.pre_exec_commands")
	preFatal := r.repo.GetBool("backup_opts.pre_exec_failure_is_fatal")
	if len(preCommands) > 0 {
		hookRunner := hooks.NewRunner(0)
		series := hookRunner.RunSeries(ctx, preCommands, preFatal)
		detail["pre_exec"] = seriesToOperationResult("pre_exec", series)
		if series.Aborted {
			return OperationResult{Operation: "backup", Reason: "pre-exec command failed and pre_exec_failure_is_fatal is set", Detail: detail}
		}
	}

	// Step 5: run the backup.
	w, err := r.newWrapper("backup")
	if err != nil {
		return OperationResult{Operation: "backup", Reason: err.Error(), Detail: detail}
	}
	start := time.Now()
	res, backupErr := w.Backup(ctx, req, findExcludeFile, nil)
	duration := time.Since(start)

	backupEnv := envelopeFromResticResult("backup", res)
	if backupErr != nil {
		backupEnv = OperationResult{Operation: "backup", Reason: backupErr.Error()}
	}
	detail["backup"] = backupEnv

	// Step 6: metrics.
	minimumSize := r.repo.GetString("backup_opts.minimum_backup_size_error")
	labels := r.repoMetricsLabels("backup")
	worst := logging.LevelInfo
	if r.deps.Tracker != nil {
		worst = r.deps.Tracker.Worst()
	}
	samples, tooSmall := metrics.Analyse(backupEnv.Result, jsonOutputText(res), labels, minimumSize, worst)
	r.deliverMetrics(samples, "backup")

	overallSuccess := backupEnv.Result && !tooSmall
	if tooSmall {
		detail["backup"] = OperationResult{Operation: "backup", Result: false, Reason: "backup_too_small: processed bytes below minimum_backup_size_error"}
	}

	// Step 7: post-exec commands.
	postCommands := r.repo.GetStringList("backup_opts.post_exec_commands")
	runPostOnError := r.repo.GetBool("backup_opts.post_exec_execute_even_on_backup_error")
	skipPost := detail["pre_exec"].Result == false && preFatal && len(preCommands) > 0
	if len(postCommands) > 0 && !skipPost && (overallSuccess || runPostOnError) {
		hookRunner := hooks.NewRunner(0)
		series := hookRunner.RunSeries(ctx, postCommands, false)
		detail["post_exec"] = seriesToOperationResult("post_exec", series)
	}

	result := OperationResult{
		Operation: "backup",
		Result:    overallSuccess,
		ExecTime:  duration.Seconds(),
		Detail:    detail,
	}
	if !overallSuccess {
		result.Reason = backupEnv.Reason
	}

	// Step 8: opportunistic inline housekeeping.
	if overallSuccess {
		percent := r.repo.GetInt("backup_opts.post_backup_housekeeping_percent_chance")
		interval := r.repo.GetInt("backup_opts.post_backup_housekeeping_interval")
		jobName := r.repo.GetString("backup_opts.backup_job")
		if jobName == "" {
			jobName = r.repo.Name
		}
		if scheduler.OnChanceOrInterval(jobName, percent, interval) {
			hkEnv := r.housekeepingInline(ctx)
			detail["housekeeping"] = hkEnv
		}
	}

	return result
}

// resolveBackupRequest reads backup_opts into a restic.BackupRequest,
// rejecting a source path equal to the repository URI.
func (r *Runner) resolveBackupRequest() (restic.BackupRequest, error) {
	sourceType := restic.BackupSourceType(r.repo.GetString("backup_opts.source_type"))
	if sourceType == "" {
		sourceType = restic.SourceFolderList
	}

	req := restic.BackupRequest{
		SourceType:             sourceType,
		Tags:                   r.repo.GetStringList("backup_opts.tags"),
		ExcludePatterns:        r.repo.GetStringList("backup_opts.exclude_patterns"),
		ExcludeFiles:           r.repo.GetStringList("backup_opts.exclude_files"),
		ExcludeFilesLargerThan: r.repo.GetString("backup_opts.exclude_files_larger_than"),
		OneFileSystem:          r.repo.GetBool("backup_opts.one_file_system"),
	}

	repoURI := r.repo.RepoURI()
	switch sourceType {
	case restic.SourceStdinFromCommand:
		req.StdinCommand = r.repo.GetString("backup_opts.stdin_command")
		req.StdinFilename = r.repo.GetString("backup_opts.stdin_filename")
	default:
		paths := r.repo.GetStringList("backup_opts.paths")
		for _, p := range paths {
			if p == repoURI {
				return restic.BackupRequest{}, fmt.Errorf("runner: backup path %q equals the repository URI, refusing", p)
			}
		}
		req.Paths = paths
	}

	return req, nil
}

// jsonOutputText reassembles the backend's JSON summary line from the
// result envelope for metrics.Analyse, which expects the raw JSON text
// rather than the already-parsed envelope.
func jsonOutputText(res restic.Result) string {
	scalar := res.Scalar()
	if s, ok := scalar.(string); ok {
		return s
	}
	if m, ok := scalar.(map[string]interface{}); ok {
		if data, ok := m["data"].(string); ok {
			return data
		}
	}
	var out string
	for _, line := range res.Output {
		if m, ok := line.(map[string]interface{}); ok {
			if mt, ok := m["message_type"]; ok && mt == "summary" {
				if b, err := json.Marshal(m); err == nil {
					out = string(b)
				}
			}
		}
	}
	return out
}

func seriesToOperationResult(op string, series hooks.SeriesResult) OperationResult {
	var outputs []interface{}
	for _, res := range series.Results {
		outputs = append(outputs, map[string]interface{}{
			"output":    res.Output,
			"exit_code": res.ExitCode,
			"duration":  res.Duration.Seconds(),
		})
	}
	return OperationResult{
		Operation: op,
		Result:    !series.FailedAny,
		Output:    collapseOutput(outputs),
	}
}
