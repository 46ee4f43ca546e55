package restic

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the repository-readiness state machine: unknown -> probed ->
// initialized | uninitialized.
type State int

const (
	StateUnknown State = iota
	StateProbed
	StateInitialized
	StateUninitialized
)

// dryRunOperations lists the subcommands that accept --dry-run, and for
// which it must be placed immediately after the subcommand rather than
// at the end of the argument list.
var dryRunOperations = map[string]bool{
	"backup":  true,
	"forget":  true,
	"prune":   true,
	"restore": true,
	"rewrite": true,
}

// readOnlyOperations always force --no-lock, regardless of configured
// NoLock.
var readOnlyOperations = map[string]bool{
	"snapshots": true,
	"stats":     true,
	"list":      true,
	"ls":        true,
	"find":      true,
}

var remoteBackendTypes = map[string]bool{
	"rest": true, "s3": true, "b2": true, "sftp": true,
	"swift": true, "azure": true, "gz": true, "rclone": true,
}

// cloudErrorPattern matches the narrow set of Windows cloud-file error
// lines that restic < 0.18 cannot filter itself via --exclude-cloud-files.
var cloudErrorPattern = regexp.MustCompile(`(?i)^error: read .*: The cloud operation is not supported on a read-only volume\.|^error: read .*: The media is write protected\.|^error:.*:.*cloud.*`)

var errorLinePattern = regexp.MustCompile(`(?i)^error`)

// noisePatterns strips known noise lines from output (e.g. rclone debug
// log lines).
var noisePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2} DEBUG :`),
	regexp.MustCompile(`(?i)^\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2} NOTICE:`),
}

// Wrapper executes one backend binary against one repository. Each
// method maps to one public operation. A Wrapper is rebuilt from the
// materialized configuration view on every Runner operation, so it is
// cheap to construct.
type Wrapper struct {
	log *zap.Logger

	binaryPath string
	version    string
	repoURI    string
	password   string
	repoType   string // "local" or a remote backend name

	opts Options

	mu        sync.Mutex
	state     State
	cancelled bool
}

// NewWrapper builds a Wrapper bound to one repository URI. version may be
// "" if unknown (cloud-file workaround is then skipped, since it cannot
// be proven restic is < 0.18).
func NewWrapper(log *zap.Logger, binaryPath, version, repoURI, password string, opts Options) *Wrapper {
	return &Wrapper{
		log:        log,
		binaryPath: binaryPath,
		version:    version,
		repoURI:    repoURI,
		password:   password,
		repoType:   detectRepoType(repoURI),
		opts:       opts,
		state:      StateUnknown,
	}
}

func detectRepoType(uri string) string {
	idx := strings.Index(uri, ":")
	if idx <= 0 {
		return "local"
	}
	scheme := strings.ToLower(uri[:idx])
	if remoteBackendTypes[scheme] {
		return scheme
	}
	return "local"
}

// Cancel requests that any in-flight executor call terminate the child
// process at its next suspension point.
func (w *Wrapper) Cancel() {
	w.mu.Lock()
	w.cancelled = true
	w.mu.Unlock()
}

func (w *Wrapper) isCancelled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancelled
}

// IsInit reports the last-known readiness state.
func (w *Wrapper) IsInit() bool { return w.state == StateInitialized }

// genericArguments assembles the prefix applied to every command: rate
// limits, backend-connection tuning (non-local only), -vv, --json,
// --no-cache, --no-lock.
func (w *Wrapper) genericArguments(forceNoLock bool) []string {
	var args []string
	if w.opts.LimitUploadKiB > 0 {
		args = append(args, "--limit-upload", strconv.Itoa(w.opts.LimitUploadKiB))
	}
	if w.opts.LimitDownloadKiB > 0 {
		args = append(args, "--limit-download", strconv.Itoa(w.opts.LimitDownloadKiB))
	}
	if w.opts.BackendConnections > 0 && w.repoType != "local" {
		args = append(args, "-o", fmt.Sprintf("%s.connections=%d", w.repoType, w.opts.BackendConnections))
	}
	if w.opts.Verbose {
		args = append(args, "-vv")
	}
	if w.opts.JSONOutput {
		args = append(args, "--json")
	}
	if w.opts.NoCache {
		args = append(args, "--no-cache")
	}
	if w.opts.NoLock || forceNoLock {
		args = append(args, "--no-lock")
	}
	return args
}

// buildArgs assembles the full argument list for one subcommand:
// dry-run injected right after the subcommand when supported, then the
// generic arguments, any extra arguments, and the subcommand's own
// arguments.
func (w *Wrapper) buildArgs(operation string, forceNoLock bool, commandArgs []string) []string {
	args := []string{operation}
	if w.opts.DryRun && dryRunOperations[operation] {
		args = append(args, "--dry-run")
	}
	args = append(args, w.genericArguments(forceNoLock)...)
	if w.opts.ExtraArguments != "" {
		args = append(args, strings.Fields(w.opts.ExtraArguments)...)
	}
	args = append(args, commandArgs...)
	return args
}

// gomaxprocs applies a core-count heuristic: 1 core -> 1, 2-4 -> n-1,
// 5+ -> n-2, unless the caller already set GOMAXPROCS in opts.Env.
func gomaxprocs() int {
	n := runtime.NumCPU()
	switch {
	case n <= 1:
		return 1
	case n <= 4:
		return n - 1
	default:
		return n - 2
	}
}

// buildEnv composes the child process environment: inherited process
// env, repository URI and password, GOMAXPROCS default, then plain and
// decrypted operator-supplied variables.
func (w *Wrapper) buildEnv() []string {
	env := append([]string{}, os.Environ()...)
	env = append(env,
		"RESTIC_REPOSITORY="+w.repoURI,
		"RESTIC_PASSWORD="+w.password,
	)
	if _, overridden := w.opts.Env["GOMAXPROCS"]; !overridden {
		env = append(env, fmt.Sprintf("GOMAXPROCS=%d", gomaxprocs()))
	}
	for k, v := range w.opts.Env {
		env = append(env, k+"="+v)
	}
	for k, v := range w.opts.EncryptedEnv {
		env = append(env, k+"="+v)
	}
	return env
}

// scrubSecrets overwrites the repository password and every encrypted
// environment value held by the Wrapper with hiddenSentinel once a
// command completes, so later invocations through the same Wrapper pass
// the sentinel instead of the secret.
func (w *Wrapper) scrubSecrets() {
	w.password = hiddenSentinel
	for k := range w.opts.EncryptedEnv {
		w.opts.EncryptedEnv[k] = hiddenSentinel
	}
}

// executor spawns the backend binary with operation and commandArgs,
// streaming stdout line-by-line to onProgress (if non-nil) and also
// accumulating every line for output conversion. errorsAllowed suppresses
// error-level logging of a non-zero exit (used while probing whether a
// repository is initialized). timeout of zero applies no deadline beyond
// ctx's own.
func (w *Wrapper) executor(ctx context.Context, operation string, commandArgs []string, errorsAllowed bool, timeout time.Duration, onProgress ProgressFunc) (Result, error) {
	start := time.Now()

	forceNoLock := readOnlyOperations[operation]
	args := w.buildArgs(operation, forceNoLock, commandArgs)

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, w.binaryPath, args...)
	cmd.Env = w.buildEnv()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("restic: cannot open stdout pipe: %w", err)
	}
	var stderrBuf strings.Builder
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("restic: cannot start %s: %w", operation, err)
	}

	var lines []string
	heartbeatDone := make(chan struct{})
	go w.heartbeat(operation, heartbeatDone)
	defer close(heartbeatDone)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		lines = append(lines, line)
		if onProgress != nil && w.opts.JSONOutput {
			var ev ProgressEvent
			if json.Unmarshal([]byte(line), &ev) == nil {
				ev.Raw = line
				if cbErr := onProgress(ev); cbErr != nil {
					_ = cmd.Process.Kill()
					return Result{}, fmt.Errorf("restic: progress callback aborted %s: %w", operation, cbErr)
				}
			}
		}
		if w.isCancelled() {
			_ = cmd.Process.Kill()
		}
	}

	waitErr := cmd.Wait()
	w.scrubSecrets()

	exitCode := 0
	if waitErr != nil {
		if ee, ok := waitErr.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		} else {
			exitCode = -1
		}
	}

	output := w.outputFilter(strings.Join(lines, "\n"))
	success, isInit, reason := w.classify(operation, exitCode, output, stderrBuf.String())
	if !success && !errorsAllowed && w.log != nil {
		w.log.Error("backend command failed", zap.String("operation", operation), zap.Int("exit_code", exitCode), zap.String("reason", reason))
	}

	return Result{
		Success:  success,
		IsInit:   isInit,
		ExitCode: exitCode,
		Reason:   reason,
		Output:   w.parseOutputLines(operation, output),
		Duration: time.Since(start),
	}, nil
}

func (w *Wrapper) heartbeat(operation string, done <-chan struct{}) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if w.log != nil {
				w.log.Info("operation still running", zap.String("operation", operation))
			}
		}
	}
}

// classify turns a backend exit code and its output into a success flag,
// a readiness signal, and a human-readable failure reason.
func (w *Wrapper) classify(operation string, exitCode int, output, stderr string) (success bool, isInit bool, reason string) {
	if exitCode == 0 {
		w.state = StateInitialized
		return true, true, ""
	}
	if exitCode == 10 || strings.Contains(output, "Fatal: repository does not exist") || strings.Contains(stderr, "Fatal: repository does not exist") {
		w.state = StateUninitialized
		return false, false, "Repository is not initialized or does not exist"
	}
	if exitCode == 3 && runtime.GOOS == "windows" && w.opts.IgnoreCloudFiles && w.version != "" && VersionLess(w.version, "0.18") {
		if allCloudErrors(output) {
			return true, w.state == StateInitialized, ""
		}
		return false, w.state == StateInitialized, "Some files could not be backed up"
	}
	reason = strings.TrimSpace(stderr)
	if reason == "" {
		reason = strings.TrimSpace(output)
	}
	return false, w.state == StateInitialized, reason
}

// allCloudErrors reports whether every "error:"-prefixed line in output
// matches the narrow cloud-file-error patterns.
func allCloudErrors(output string) bool {
	found := false
	for _, line := range strings.Split(output, "\n") {
		if !errorLinePattern.MatchString(line) {
			continue
		}
		found = true
		if !cloudErrorPattern.MatchString(line) {
			return false
		}
	}
	return found
}

// outputFilter strips known noise lines. Skipped by callers whose
// output is binary (dump).
func (w *Wrapper) outputFilter(output string) string {
	lines := strings.Split(output, "\n")
	kept := lines[:0]
	for _, l := range lines {
		noisy := false
		for _, p := range noisePatterns {
			if p.MatchString(l) {
				noisy = true
				break
			}
		}
		if !noisy {
			kept = append(kept, l)
		}
	}
	return strings.Join(kept, "\n")
}

// parseOutputLines converts each non-empty output line to a JSON object
// when --json was requested and the line parses, else wraps it as
// {"data": line} opaque text.
func (w *Wrapper) parseOutputLines(operation, output string) []interface{} {
	var out []interface{}
	for _, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if w.opts.JSONOutput {
			if operation == "ls" {
				var entry LsEntry
				if json.Unmarshal([]byte(line), &entry) == nil && entry.Type != "" {
					out = append(out, entry)
					continue
				}
			}
			var generic map[string]interface{}
			if json.Unmarshal([]byte(line), &generic) == nil {
				out = append(out, generic)
				continue
			}
		}
		out = append(out, map[string]interface{}{"data": line})
	}
	return out
}
