package parse

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/netinvent/npbackup/internal/units"
)

// Sample is one labelled Prometheus exposition-format line.
type Sample struct {
	Name   string
	Labels map[string]string
	Value  float64
}

// Render formats the sample in Prometheus text exposition format.
func (s Sample) Render() string {
	keys := make([]string, 0, len(s.Labels))
	for k := range s.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var pairs []string
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf(`%s="%s"`, k, s.Labels[k]))
	}
	return fmt.Sprintf("%s{%s} %v", s.Name, strings.Join(pairs, ","), s.Value)
}

// summaryFields mirror restic's "summary" JSON message for a backup run.
type summaryFields struct {
	MessageType         string  `json:"message_type"`
	FilesNew            *int64  `json:"files_new"`
	FilesChanged         *int64  `json:"files_changed"`
	FilesUnmodified      *int64  `json:"files_unmodified"`
	DirsNew              *int64  `json:"dirs_new"`
	DirsChanged          *int64  `json:"dirs_changed"`
	DirsUnmodified       *int64  `json:"dirs_unmodified"`
	DataAdded            *int64  `json:"data_added"`
	TotalFilesProcessed  *int64  `json:"total_files_processed"`
	TotalBytesProcessed  *int64  `json:"total_bytes_processed"`
	TotalDuration        *float64 `json:"total_duration"`
}

// FindSummaryLine scans reverse through a possibly-multi-line JSON
// stream for the line carrying `"message_type":"summary"`, tolerating
// whitespace variants.
func FindSummaryLine(streamOrLine string) (string, bool) {
	lines := strings.Split(streamOrLine, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		l := lines[i]
		if strings.Contains(l, `"message_type":"summary"`) || strings.Contains(l, `"message_type": "summary"`) {
			return l, true
		}
	}
	return "", false
}

// JSONToPrometheus converts a single restic summary object (already
// located via FindSummaryLine when the input was a raw stream) into
// labelled samples, plus whether the backup is considered too small.
// labels is merged into every sample verbatim (caller supplies
// version/repo/operation/audience/os/arch/backup_job/group/instance/
// additional_labels already assembled).
func JSONToPrometheus(resticResult bool, summaryJSON string, labels map[string]string, minimumBackupSizeError string) (bool, []Sample, bool) {
	line := summaryJSON
	if !strings.HasPrefix(strings.TrimSpace(summaryJSON), "{") {
		found, ok := FindSummaryLine(summaryJSON)
		if !ok {
			return false, nil, true
		}
		line = found
	}

	var fields summaryFields
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(line), &fields); err != nil {
		return false, nil, true
	}
	_ = json.Unmarshal([]byte(line), &raw)

	var samples []Sample
	addCount := func(name, state string, v *int64) {
		if v == nil {
			return
		}
		l := cloneLabels(labels)
		l["state"] = state
		l["action"] = "backup"
		samples = append(samples, Sample{Name: name, Labels: l, Value: float64(*v)})
	}
	addCount("restic_files", "new", fields.FilesNew)
	addCount("restic_files", "changed", fields.FilesChanged)
	addCount("restic_files", "unmodified", fields.FilesUnmodified)
	addCount("restic_dirs", "new", fields.DirsNew)
	addCount("restic_dirs", "changed", fields.DirsChanged)
	addCount("restic_dirs", "unmodified", fields.DirsUnmodified)
	addCount("restic_files", "total", fields.TotalFilesProcessed)

	if fields.TotalBytesProcessed != nil {
		l := cloneLabels(labels)
		l["action"] = "backup"
		l["type"] = "processed"
		// The original source carried a misspelling here
		// (restic_snasphot_size_bytes); corrected per the current name.
		samples = append(samples, Sample{Name: "restic_snapshot_size_bytes", Labels: l, Value: float64(*fields.TotalBytesProcessed)})
	}
	if fields.DataAdded != nil {
		l := cloneLabels(labels)
		l["action"] = "backup"
		samples = append(samples, Sample{Name: "restic_data_added", Labels: l, Value: float64(*fields.DataAdded)})
	}
	if fields.TotalDuration != nil {
		l := cloneLabels(labels)
		l["action"] = "backup"
		samples = append(samples, Sample{Name: "restic_total_duration_seconds", Labels: l, Value: *fields.TotalDuration})
	}

	backupTooSmall := false
	if minimumBackupSizeError != "" {
		threshold, err := units.ToBytes(minimumBackupSizeError, false)
		if err != nil || fields.TotalBytesProcessed == nil || *fields.TotalBytesProcessed < threshold {
			backupTooSmall = true
		}
	}
	goodBackup := resticResult && !backupTooSmall

	failureLabels := cloneLabels(labels)
	failureLabels["timestamp"] = fmt.Sprintf("%d", time.Now().Unix())
	failureValue := 0.0
	if !goodBackup {
		failureValue = 1
	}
	samples = append(samples, Sample{Name: "restic_backup_failure", Labels: failureLabels, Value: failureValue})

	return resticResult, samples, backupTooSmall
}

func cloneLabels(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
