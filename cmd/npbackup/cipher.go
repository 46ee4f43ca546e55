package main

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/netinvent/npbackup/internal/config"
)

// builtInKey is the fallback AES-256 key used when no override is
// configured via NPBACKUP_KEY_LOCATION or NPBACKUP_KEY_COMMAND.
// Shipping a default key keeps single-machine setups working out of the
// box; any fleet sharing configuration across machines should override
// it.
var builtInKey = []byte("npbackup-default-encryption-key")

// buildCipher resolves the AES key from NPBACKUP_KEY_LOCATION /
// NPBACKUP_KEY_COMMAND, defaulting to builtInKey, and reads an optional
// earlier key for decrypt fallback from NPBACKUP_EARLIER_KEY_LOCATION (an
// unreadable earlier-key file is ignored).
func buildCipher() (*config.Cipher, error) {
	key, err := resolveKey()
	if err != nil {
		return nil, err
	}
	var earlier []byte
	if loc := os.Getenv("NPBACKUP_EARLIER_KEY_LOCATION"); loc != "" {
		data, err := os.ReadFile(loc)
		if err == nil {
			earlier = normalizeKey(data)
		}
	}
	return config.NewCipher(key, earlier)
}

func resolveKey() ([]byte, error) {
	if loc := os.Getenv("NPBACKUP_KEY_LOCATION"); loc != "" {
		data, err := os.ReadFile(loc)
		if err != nil {
			return nil, fmt.Errorf("cannot read NPBACKUP_KEY_LOCATION %s: %w", loc, err)
		}
		return normalizeKey(data), nil
	}
	if cmdLine := os.Getenv("NPBACKUP_KEY_COMMAND"); cmdLine != "" {
		parts := strings.Fields(cmdLine)
		if len(parts) == 0 {
			return nil, fmt.Errorf("NPBACKUP_KEY_COMMAND is empty")
		}
		out, err := exec.Command(parts[0], parts[1:]...).Output()
		if err != nil {
			return nil, fmt.Errorf("NPBACKUP_KEY_COMMAND failed: %w", err)
		}
		return normalizeKey(out), nil
	}
	return normalizeKey(builtInKey), nil
}

// normalizeKey pads or truncates to exactly 32 bytes (AES-256), trimming
// trailing newlines a key file or command commonly carries.
func normalizeKey(raw []byte) []byte {
	s := strings.TrimRight(string(raw), "\r\n")
	b := []byte(s)
	out := make([]byte, 32)
	copy(out, b)
	if len(b) < 32 {
		for i := len(b); i < 32; i++ {
			out[i] = byte(i)
		}
	}
	return out[:32]
}
