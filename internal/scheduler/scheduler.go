// Package scheduler implements durable, file-backed "run every N
// invocations" and "P% chance per invocation" counters used to decide
// opportunistic post-backup housekeeping.
package scheduler

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

const programName = "npbackup"

// searchPaths returns the ordered fallback locations probed for the
// counter file: OS-specific system log dir, then the OS temp dir, then
// the current working directory.
func searchPaths(jobName string) []string {
	fileName := fmt.Sprintf("%s.%s.log", programName, jobName)
	systemDir := "/var/log"
	if runtime.GOOS == "windows" {
		windir := os.Getenv("windir")
		if windir == "" {
			windir = `C:\Windows`
		}
		systemDir = filepath.Join(windir, "Temp")
	}
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	return []string{
		filepath.Join(systemDir, fileName),
		filepath.Join(os.TempDir(), fileName),
		filepath.Join(cwd, fileName),
	}
}

// writeCount atomically (temp file + rename, in the same directory)
// writes count to file, the same atomic-state-write idiom used by the
// configuration store.
func writeCount(file string, count int) bool {
	dir := filepath.Dir(file)
	tmp, err := os.CreateTemp(dir, filepath.Base(file)+".*.tmp")
	if err != nil {
		return false
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(strconv.Itoa(count)); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return false
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return false
	}
	if err := os.Rename(tmpName, file); err != nil {
		os.Remove(tmpName)
		return false
	}
	return true
}

func getCount(file string) (int, bool) {
	data, err := os.ReadFile(file)
	if err != nil {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return n, true
}

// OnInterval returns true only once every interval calls for jobName,
// fail-closed: if no location in the fallback list is writable, it
// never fires. interval <= 0 always returns false.
func OnInterval(jobName string, interval int) bool {
	if interval <= 0 {
		return false
	}

	for _, file := range searchPaths(jobName) {
		if _, err := os.Stat(file); os.IsNotExist(err) {
			if !writeCount(file, 1) {
				continue
			}
		}
		count, ok := getCount(file)
		if !ok {
			continue
		}
		if !writeCount(file, count+1) {
			continue
		}
		if count >= interval {
			writeCount(file, 1)
			return true
		}
		return false
	}
	return false
}

// OnChance returns true with probability percent/100, via a uniform RNG.
func OnChance(percent int) bool {
	if percent <= 0 {
		return false
	}
	return rand.Intn(100)+1 <= percent
}

// OnChanceOrInterval is the logical OR of OnChance and OnInterval,
// evaluated in that order, each with its own correctly-ordered
// (percent, jobName, interval) arguments.
func OnChanceOrInterval(jobName string, percent, interval int) bool {
	return OnChance(percent) || OnInterval(jobName, interval)
}
