package config

import (
	"crypto/rand"
	"math/big"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// maxSubstitutionPasses bounds the number of times Evaluate re-scans a
// string for nested variable references, resolving them in a small fixed
// number of passes.
const maxSubstitutionPasses = 5

const randomAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var randomTokenPattern = regexp.MustCompile(`\$\{RANDOM\}\[(\d+)\]`)

// Variables holds the substitution context for one evaluation pass.
type Variables struct {
	MachineID    string
	MachineGroup string
	BackupJob    string
	Hostname     string
}

// randomValue produces n random alphanumeric characters. n==0 yields "".
func randomValue(n int) (string, error) {
	if n <= 0 {
		return "", nil
	}
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(randomAlphabet))))
		if err != nil {
			return "", err
		}
		out[i] = randomAlphabet[idx.Int64()]
	}
	return string(out), nil
}

// Evaluate substitutes ${MACHINE_ID}, ${MACHINE_GROUP}, ${BACKUP_JOB},
// ${HOSTNAME} and ${RANDOM}[n] tokens in s. ${RANDOM}[n] materializes a
// fresh random value via materializeRandom the first time it is
// encountered for a given (path) key, and reuses the persisted value on
// subsequent calls so repeated evaluation (e.g. display refresh) is
// stable. materializeRandom is nil-safe: when nil, a ${RANDOM}[n] token is
// replaced with a freshly generated value every call without persistence,
// which is sufficient for in-memory display evaluation.
func (v Variables) Evaluate(s string, materializeRandom func(token, value string)) (string, error) {
	for pass := 0; pass < maxSubstitutionPasses; pass++ {
		replaced := s
		replaced = strings.ReplaceAll(replaced, "${MACHINE_ID}", v.MachineID)
		replaced = strings.ReplaceAll(replaced, "${MACHINE_GROUP}", v.MachineGroup)
		replaced = strings.ReplaceAll(replaced, "${BACKUP_JOB}", v.BackupJob)
		replaced = strings.ReplaceAll(replaced, "${HOSTNAME}", v.Hostname)

		var rerr error
		replaced = randomTokenPattern.ReplaceAllStringFunc(replaced, func(tok string) string {
			m := randomTokenPattern.FindStringSubmatch(tok)
			n, err := strconv.Atoi(m[1])
			if err != nil {
				rerr = err
				return tok
			}
			val, err := randomValue(n)
			if err != nil {
				rerr = err
				return tok
			}
			if materializeRandom != nil {
				materializeRandom(tok, val)
			}
			return val
		})
		if rerr != nil {
			return "", rerr
		}
		if replaced == s {
			return replaced, nil
		}
		s = replaced
	}
	return s, nil
}

// DefaultVariables builds a Variables context from the current host,
// falling back to "unknown" when the hostname cannot be determined.
func DefaultVariables(machineID, machineGroup, backupJob string) Variables {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return Variables{
		MachineID:    machineID,
		MachineGroup: machineGroup,
		BackupJob:    backupJob,
		Hostname:     hostname,
	}
}
