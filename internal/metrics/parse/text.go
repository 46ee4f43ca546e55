// Package parse extracts backup/check/prune summaries from the backend
// binary's free-text and JSON-line output.
package parse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/netinvent/npbackup/internal/units"
)

// TextSummary is the parsed result of scanning a non-JSON restic run log.
type TextSummary struct {
	FilesNew         *int64
	FilesChanged     *int64
	FilesUnmodified  *int64
	DirsNew          *int64
	DirsChanged      *int64
	DirsUnmodified   *int64
	DataAddedBytes   *int64
	DataStoredBytes  *int64
	TotalFilesProcessed *int64
	TotalBytesProcessed *int64
	TotalDurationSeconds *int64
	Errors           bool
}

var (
	filesLinePattern = regexp.MustCompile(`(?i)^Files:\s+(\d+)\s*new,\s+(\d+)\s*changed,\s+(\d+)\s*unmodified`)
	dirsLinePattern  = regexp.MustCompile(`(?i)^Dirs:\s+(\d+)\s*new,\s+(\d+)\s*changed,\s+(\d+)\s*unmodified`)
	addedLinePattern = regexp.MustCompile(`(?i)^Added to the repo.*:\s([-+]?(?:\d*\.\d+|\d+))\s(\w+)\s+\((.*)\s*stored\)`)
	processedLinePattern = regexp.MustCompile(`(?i)^processed\s(\d+)\sfiles,\s([-+]?(?:\d*\.\d+|\d+))\s(\w+)\sin\s((\d+:\d+:\d+)|(\d+:\d+)|(\d+))`)
	errorSentinelPattern = regexp.MustCompile(`(?i)Failure|Fatal|Unauthorized|no such host|[Ii]s there a repository at the following location\?`)
)

// StrOutputToJSON scans a text output stream for the summary lines
// restic (pre-JSON, or verbose mode) produces. success is the backend's
// own reported result; any parse miss or error sentinel found sets
// Errors.
func StrOutputToJSON(success bool, output string) TextSummary {
	summary := TextSummary{Errors: !success}

	for _, line := range strings.Split(output, "\n") {
		if m := filesLinePattern.FindStringSubmatch(line); m != nil {
			summary.FilesNew = parseInt64(m[1])
			summary.FilesChanged = parseInt64(m[2])
			summary.FilesUnmodified = parseInt64(m[3])
			continue
		}
		if m := dirsLinePattern.FindStringSubmatch(line); m != nil {
			summary.DirsNew = parseInt64(m[1])
			summary.DirsChanged = parseInt64(m[2])
			summary.DirsUnmodified = parseInt64(m[3])
			continue
		}
		if m := addedLinePattern.FindStringSubmatch(line); m != nil {
			if added, err := units.ToBytes(m[1]+" "+m[2], false); err == nil {
				summary.DataAddedBytes = &added
			} else {
				summary.Errors = true
			}
			if stored, err := units.ToBytes(strings.TrimSpace(m[3]), false); err == nil {
				summary.DataStoredBytes = &stored
			} else {
				summary.Errors = true
			}
			continue
		}
		if m := processedLinePattern.FindStringSubmatch(line); m != nil {
			summary.TotalFilesProcessed = parseInt64(m[1])
			if processed, err := units.ToBytes(m[2]+" "+m[3], false); err == nil {
				summary.TotalBytesProcessed = &processed
			} else {
				summary.Errors = true
			}
			if seconds, err := parseElapsed(m[4]); err == nil {
				summary.TotalDurationSeconds = &seconds
			} else {
				summary.Errors = true
			}
			continue
		}
		if errorSentinelPattern.MatchString(line) {
			summary.Errors = true
		}
	}
	return summary
}

func parseInt64(s string) *int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

// parseElapsed converts "H:M:S", "M:S" or "S" to total seconds.
func parseElapsed(s string) (int64, error) {
	parts := strings.Split(s, ":")
	var h, m, sec int64
	var err error
	switch len(parts) {
	case 3:
		h, err = strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return 0, err
		}
		m, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, err
		}
		sec, err = strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return 0, err
		}
	case 2:
		m, err = strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return 0, err
		}
		sec, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, err
		}
	case 1:
		sec, err = strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return 0, err
		}
	default:
		return 0, fmt.Errorf("parse: unrecognized elapsed-time format %q", s)
	}
	return h*3600 + m*60 + sec, nil
}
