package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNormalizeKeyPadsShortInput(t *testing.T) {
	out := normalizeKey([]byte("short"))
	if len(out) != 32 {
		t.Fatalf("expected a 32-byte key, got %d bytes", len(out))
	}
	if string(out[:5]) != "short" {
		t.Fatalf("expected the original bytes to be preserved, got %v", out[:5])
	}
}

func TestNormalizeKeyTruncatesLongInput(t *testing.T) {
	long := make([]byte, 64)
	for i := range long {
		long[i] = 'x'
	}
	out := normalizeKey(long)
	if len(out) != 32 {
		t.Fatalf("expected truncation to 32 bytes, got %d", len(out))
	}
}

func TestNormalizeKeyTrimsTrailingNewline(t *testing.T) {
	a := normalizeKey([]byte("mykey\n"))
	b := normalizeKey([]byte("mykey"))
	if string(a) != string(b) {
		t.Fatalf("expected a trailing newline to be trimmed before normalization")
	}
}

func TestResolveKeyDefaultsToBuiltIn(t *testing.T) {
	t.Setenv("NPBACKUP_KEY_LOCATION", "")
	t.Setenv("NPBACKUP_KEY_COMMAND", "")
	key, err := resolveKey()
	if err != nil {
		t.Fatalf("resolveKey: %v", err)
	}
	want := normalizeKey(builtInKey)
	if string(key) != string(want) {
		t.Fatalf("expected resolveKey to fall back to the built-in key")
	}
}

func TestResolveKeyReadsKeyLocation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "key")
	if err := os.WriteFile(path, []byte("file-provided-key"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("NPBACKUP_KEY_LOCATION", path)
	t.Setenv("NPBACKUP_KEY_COMMAND", "")

	key, err := resolveKey()
	if err != nil {
		t.Fatalf("resolveKey: %v", err)
	}
	want := normalizeKey([]byte("file-provided-key"))
	if string(key) != string(want) {
		t.Fatalf("expected the key to be read from NPBACKUP_KEY_LOCATION")
	}
}

func TestBuildCipherProducesA32ByteKeyCipher(t *testing.T) {
	t.Setenv("NPBACKUP_KEY_LOCATION", "")
	t.Setenv("NPBACKUP_KEY_COMMAND", "")
	t.Setenv("NPBACKUP_EARLIER_KEY_LOCATION", "")
	c, err := buildCipher()
	if err != nil {
		t.Fatalf("buildCipher: %v", err)
	}
	wrapped, err := c.Encrypt("value")
	if err != nil {
		t.Fatalf("Encrypt with built cipher: %v", err)
	}
	plain, err := c.Decrypt(wrapped)
	if err != nil {
		t.Fatalf("Decrypt with built cipher: %v", err)
	}
	if plain != "value" {
		t.Fatalf("got %q", plain)
	}
}
