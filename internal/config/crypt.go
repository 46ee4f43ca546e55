package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// sentinel delimits an encrypted scalar at rest:
// <ID_STRING>base64<ID_STRING>, a two-copy marker around an AES-256-GCM
// ciphertext, adapted from a bare base64 blob form into this
// sentinel-wrapped scalar form so an encrypted field stays a plain YAML
// string.
const sentinel = "<ID_STRING>"

// encryptedPaths lists every dotted path (relative to a repo/group entry)
// whose scalar value is encrypted at rest.
var encryptedPaths = []string{
	"repo_uri",
	"manager_password",
	"backup_opts.stdin_from_command",
	"prometheus.http_username",
	"prometheus.http_password",
}

// encryptedDocPaths lists encrypted scalars at the document root (outside
// any individual repo/group), e.g. global SMTP and push-gateway
// credentials and the upgrade-server credential pair, which this store
// still encrypts/decrypts even though it never calls the upgrade HTTP
// client itself — stored credentials stay encrypted regardless of
// whether this binary is the one using them.
var encryptedDocPaths = []string{
	"global_email.smtp_username",
	"global_email.smtp_password",
	"global_prometheus.http_username",
	"global_prometheus.http_password",
	"upgrade.server_username",
	"upgrade.server_password",
}

// Cipher performs sentinel-wrapped AES-256-GCM encryption with an
// optional earlier key for decrypt fallback: if decryption with the
// current key fails and an earlier key is configured, it retries with
// the earlier key.
type Cipher struct {
	key      []byte
	earlier  []byte
	resave   bool // set when a value only decrypted under the earlier key
	wrapped  bool // set when a previously-unwrapped value was found
}

// NewCipher builds a Cipher. key must be 32 bytes (AES-256); earlier may
// be nil.
func NewCipher(key, earlier []byte) (*Cipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("config: encryption key must be 32 bytes, got %d", len(key))
	}
	if earlier != nil && len(earlier) != 32 {
		return nil, fmt.Errorf("config: earlier encryption key must be 32 bytes, got %d", len(earlier))
	}
	return &Cipher{key: key, earlier: earlier}, nil
}

// NeedsResave reports whether any value decrypted only via the earlier
// key, or any encryptable value was found unwrapped — either case means
// the document must be re-saved with the current key.
func (c *Cipher) NeedsResave() bool {
	return c.resave || c.wrapped
}

// IsWrapped reports whether s carries the sentinel on both ends.
func IsWrapped(s string) bool {
	return len(s) >= 2*len(sentinel) && strings.HasPrefix(s, sentinel) && strings.HasSuffix(s, sentinel)
}

func seal(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return sentinel + base64.StdEncoding.EncodeToString(ciphertext) + sentinel, nil
}

func open(key []byte, wrapped string) (string, error) {
	inner := strings.TrimSuffix(strings.TrimPrefix(wrapped, sentinel), sentinel)
	data, err := base64.StdEncoding.DecodeString(inner)
	if err != nil {
		return "", fmt.Errorf("config: cannot base64-decode encrypted value: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", errors.New("config: encrypted value too short")
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// Encrypt wraps plaintext with the sentinel using the current key. Values
// already wrapped are returned unchanged, never re-encrypted.
func (c *Cipher) Encrypt(value string) (string, error) {
	if value == "" || IsWrapped(value) {
		return value, nil
	}
	return seal(c.key, value)
}

// Decrypt unwraps a sentinel-wrapped scalar, trying the current key then
// (on failure) the earlier key. A value that isn't wrapped at all is
// returned unchanged and flags the document for re-save, since it was
// expected to be encrypted and should be wrapped the next time the
// document is saved.
func (c *Cipher) Decrypt(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	if !IsWrapped(value) {
		c.wrapped = true
		return value, nil
	}
	plain, err := open(c.key, value)
	if err == nil {
		return plain, nil
	}
	if c.earlier != nil {
		plain, earlierErr := open(c.earlier, value)
		if earlierErr == nil {
			c.resave = true
			return plain, nil
		}
	}
	return "", fmt.Errorf("config: cannot decrypt value with current or earlier key: %w", err)
}

// DecryptTree walks the repo/group entry's encrypted paths, decrypting
// each in place, and decrypts the encrypted_env_variables map wholesale.
func (c *Cipher) DecryptTree(entry Tree) error {
	for _, path := range encryptedPaths {
		if err := c.decryptPath(entry, path); err != nil {
			return err
		}
	}
	encVars, _ := Get(entry, "encrypted_env_variables")
	if m, ok := encVars.(Tree); ok {
		for k, v := range m {
			s, ok := v.(string)
			if !ok {
				continue
			}
			plain, err := c.Decrypt(s)
			if err != nil {
				return fmt.Errorf("config: encrypted_env_variables[%s]: %w", k, err)
			}
			m[k] = plain
		}
	}
	return nil
}

// EncryptTree re-wraps every encrypted path in entry, for writing back to
// disk.
func (c *Cipher) EncryptTree(entry Tree) error {
	for _, path := range encryptedPaths {
		if err := c.encryptPath(entry, path); err != nil {
			return err
		}
	}
	encVars, _ := Get(entry, "encrypted_env_variables")
	if m, ok := encVars.(Tree); ok {
		for k, v := range m {
			s, ok := v.(string)
			if !ok {
				continue
			}
			wrapped, err := c.Encrypt(s)
			if err != nil {
				return fmt.Errorf("config: encrypted_env_variables[%s]: %w", k, err)
			}
			m[k] = wrapped
		}
	}
	return nil
}

// DecryptDocRoot decrypts the document-level encrypted paths (SMTP,
// push-gateway, upgrade-server credentials).
func (c *Cipher) DecryptDocRoot(root Tree) error {
	for _, path := range encryptedDocPaths {
		if err := c.decryptPath(root, path); err != nil {
			return err
		}
	}
	return nil
}

// EncryptDocRoot re-wraps the document-level encrypted paths.
func (c *Cipher) EncryptDocRoot(root Tree) error {
	for _, path := range encryptedDocPaths {
		if err := c.encryptPath(root, path); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cipher) decryptPath(t Tree, path string) error {
	s, ok := GetString(t, path)
	if !ok || s == "" {
		return nil
	}
	plain, err := c.Decrypt(s)
	if err != nil {
		return fmt.Errorf("config: %s: %w", path, err)
	}
	Set(t, path, plain)
	return nil
}

func (c *Cipher) encryptPath(t Tree, path string) error {
	s, ok := GetString(t, path)
	if !ok || s == "" {
		return nil
	}
	wrapped, err := c.Encrypt(s)
	if err != nil {
		return fmt.Errorf("config: %s: %w", path, err)
	}
	Set(t, path, wrapped)
	return nil
}
