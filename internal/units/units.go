// Package units converts the human-readable size strings used throughout
// repository configuration ("10 MiB", "800 Mib", "5%") to and from bytes.
package units

import (
	"fmt"
	"strconv"
	"strings"

	goUnits "github.com/docker/go-units"
)

// ErrPercentNotAllowed is returned by ToBytes for any percent value;
// percent forms are read with ParsePercent instead.
var ErrPercentNotAllowed = fmt.Errorf("units: percent value not allowed here")

// ParsePercent reports whether s is a bare percent value (e.g. "5%"),
// returning the numeric value when it is. Only prune_max_unused accepts
// this form.
func ParsePercent(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasSuffix(s, "%") {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ToBytes parses a human size string ("10 MiB", "10.5 MB", "0 B") into a
// byte count. Binary (MiB/GiB, 1024-based) and SI (MB/GB, 1000-based)
// prefixes are both accepted. A trailing "%" is rejected with
// ErrPercentNotAllowed whatever allowPercent says; prune_max_unused's
// percent form is handled by its caller through ParsePercent.
func ToBytes(s string, allowPercent bool) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if strings.HasSuffix(s, "%") {
		if allowPercent {
			return 0, ErrPercentNotAllowed
		}
		return 0, ErrPercentNotAllowed
	}
	// Normalize by removing the separating space since restic-style configs
	// write "10 MiB" with a space. go-units' RAMInBytes reads every prefix
	// as 1024-based and FromHumanSize as 1000-based, so the parser is chosen
	// by whether the unit carries the binary "i".
	normalized := strings.ReplaceAll(s, " ", "")
	parse := goUnits.FromHumanSize
	if strings.Contains(strings.ToLower(normalized), "ib") {
		parse = goUnits.RAMInBytes
	}
	n, err := parse(normalized)
	if err != nil {
		return 0, fmt.Errorf("units: cannot parse %q: %w", s, err)
	}
	return n, nil
}

// FromBytes renders a byte count back to a human string ("10MiB") matching
// the binary-prefix convention the configuration store displays values in.
func FromBytes(n int64) string {
	return goUnits.BytesSize(float64(n))
}

// KBytes converts a human size string to kilobytes, rounding down, for use
// with restic's --limit-upload/--limit-download flags which are expressed
// in KiB/s.
func KBytes(s string) (int64, error) {
	b, err := ToBytes(s, false)
	if err != nil {
		return 0, err
	}
	return b / 1024, nil
}

// Equivalent reports whether two human size strings denote the same byte
// count, e.g. "10 MiB" == "10.0 MiB". Used by the configuration store to
// decide whether a materialized-view value is actually identical to its
// group default before writing it back (spec §4.B's re-save invariant).
func Equivalent(a, b string) bool {
	if strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b)) {
		return true
	}
	ab, errA := ToBytes(a, false)
	bb, errB := ToBytes(b, false)
	if errA != nil || errB != nil {
		return false
	}
	return ab == bb
}
