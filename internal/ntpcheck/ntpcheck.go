// Package ntpcheck queries an NTP server for clock offset, used by the
// Runner's retention-policy forget guard.
package ntpcheck

import (
	"time"

	"github.com/beevik/ntp"
)

// Offset returns the clock offset (in seconds, positive meaning the local
// clock is ahead) reported by server. It returns an error if the server
// cannot be reached within timeout — the caller (runner) treats any error
// identically to an offset that exceeds the allowed threshold, failing
// closed either way.
func Offset(server string, timeout time.Duration) (float64, error) {
	resp, err := ntp.QueryWithOptions(server, ntp.QueryOptions{Timeout: timeout})
	if err != nil {
		return 0, err
	}
	if err := resp.Validate(); err != nil {
		return 0, err
	}
	return resp.ClockOffset.Seconds(), nil
}
