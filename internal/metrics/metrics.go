// Package metrics composes labelled Prometheus samples from a backend
// run's summary and delivers them to a file or a push gateway.
package metrics

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"

	"github.com/netinvent/npbackup/internal/logging"
	"github.com/netinvent/npbackup/internal/metrics/parse"
)

// Labels identifies the dimensions attached to every sample emitted for
// one operation: version, repo name, operation, audience, OS, arch,
// backup_job, group, instance.
type Labels struct {
	Version    string
	RepoName   string
	Operation  string
	Audience   string
	BackupJob  string
	Group      string
	Instance   string
	Additional map[string]string
}

func (l Labels) toMap() map[string]string {
	m := map[string]string{
		"version":    l.Version,
		"repo_name":  l.RepoName,
		"operation":  l.Operation,
		"audience":   l.Audience,
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"backup_job": l.BackupJob,
		"group":      l.Group,
		"instance":   l.Instance,
	}
	for k, v := range l.Additional {
		m[k] = v
	}
	return m
}

// ExecState maps the worst log level reached during a run to the
// npbackup_exec_state value: 0 (info) through 3 (critical), overridden
// to 2 (error) when the metrics parser itself
// flags the operation as a failure even though the backend process
// exited 0 (e.g. a too-small backup).
func ExecState(worst logging.Level, metricDerivedFailure bool) int {
	state := 0
	switch worst {
	case logging.LevelWarn:
		state = 1
	case logging.LevelError:
		state = 2
	case logging.LevelCritical:
		state = 3
	}
	if metricDerivedFailure && state < 2 {
		state = 2
	}
	return state
}

// Analyse converts a backend operation's JSON summary output into
// Prometheus samples, applying minimumBackupSizeError to flag a
// too-small backup. It also appends the npbackup_exec_state aggregate
// sample.
func Analyse(resticSuccess bool, jsonSummaryOrStream string, labels Labels, minimumBackupSizeError string, worst logging.Level) (samples []parse.Sample, backupTooSmall bool) {
	_, parsed, tooSmall := parse.JSONToPrometheus(resticSuccess, jsonSummaryOrStream, labels.toMap(), minimumBackupSizeError)
	samples = parsed

	state := ExecState(worst, tooSmall)
	samples = append(samples, parse.Sample{
		Name:   "npbackup_exec_state",
		Labels: labels.toMap(),
		Value:  float64(state),
	})

	if upgradeState, ok := lastUpgradeExecState(); ok {
		upgradeLabels := labels.toMap()
		upgradeLabels["action"] = "upgrade"
		samples = append(samples, parse.Sample{Name: "npbackup_exec_state", Labels: upgradeLabels, Value: float64(upgradeState)})
	}

	return samples, tooSmall
}

// lastUpgradeExecState reads the outcome of the last auto-upgrade
// attempt from the environment variable the upgrade client sets, so a
// second npbackup_exec_state sample can be emitted for that attempt.
func lastUpgradeExecState() (int, bool) {
	v := os.Getenv("NPBACKUP_UPGRADE_EXEC_STATE")
	if v == "" {
		return 0, false
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return 0, false
	}
	return n, true
}

// Render formats samples in Prometheus text exposition format, one
// sample per line, sorted for deterministic output.
func Render(samples []parse.Sample) string {
	lines := make([]string, 0, len(samples))
	for _, s := range samples {
		lines = append(lines, s.Render())
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n") + "\n"
}

// WriteFile writes samples at path, the textfile-collector destination.
// append controls whether an existing file is truncated or appended to:
// the first write of a run truncates (a fresh textfile-collector file),
// and any further write within the same run appends, so a file is
// overwritten once per process and accumulates every later operation's
// samples into that same file.
func WriteFile(path string, samples []parse.Sample, append bool) error {
	flag := os.O_CREATE | os.O_WRONLY
	if append {
		flag |= os.O_APPEND
	} else {
		flag |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return fmt.Errorf("metrics: cannot open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(Render(samples)); err != nil {
		return fmt.Errorf("metrics: cannot write %s: %w", path, err)
	}
	return nil
}
