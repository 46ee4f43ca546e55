package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store owns a loaded Document plus the cipher used to decrypt/encrypt
// its sensitive fields, and is the entry point used by the CLI and the
// Runner.
type Store struct {
	path   string
	doc    *Document
	cipher *Cipher
}

// Load reads path, parses and migrates it, and decrypts every encrypted
// scalar (repo/group entries and the document root) using cipher. When
// cipher.NeedsResave() is true afterward, the caller should call Save
// promptly so the document is rewritten under the current key and with
// previously-unwrapped fields now wrapped.
func Load(path string, cipher *Cipher) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %s: %w", path, err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, err
	}

	if err := cipher.DecryptDocRoot(doc.Root); err != nil {
		return nil, err
	}
	if err := forEachRepoAndGroupEntry(doc, cipher.DecryptTree); err != nil {
		return nil, err
	}

	materializeRandomVariables(doc)

	return &Store{path: path, doc: doc, cipher: cipher}, nil
}

func forEachRepoAndGroupEntry(doc *Document, fn func(Tree) error) error {
	for _, section := range []string{"repos", "groups"} {
		v, _ := Get(doc.Root, section)
		tree, ok := v.(Tree)
		if !ok {
			continue
		}
		for name, e := range tree {
			entry, ok := e.(Tree)
			if !ok {
				continue
			}
			if err := fn(entry); err != nil {
				return fmt.Errorf("config: %s.%s: %w", section, name, err)
			}
		}
	}
	return nil
}

// materializeRandomVariables walks every repo/group entry and resolves
// any ${RANDOM}[n] token found in a known variable-bearing field, writing
// the materialized value back into the loaded tree. The value reaches the
// file only when the document is next saved: Load neither saves nor flags
// the document for re-save, so a token that was never saved is resolved
// afresh on the next load.
func materializeRandomVariables(doc *Document) {
	_ = forEachRepoAndGroupEntry(doc, func(entry Tree) error {
		for _, path := range []string{"backup_opts.stdin_filename", "repo_uri"} {
			s, ok := GetString(entry, path)
			if !ok || s == "" {
				continue
			}
			resolved, err := (Variables{}).Evaluate(s, func(token, value string) {
				// Persist by replacing only the token occurrence, leaving
				// any other variables (MACHINE_ID, etc.) for display-time
				// evaluation.
				cur, _ := GetString(entry, path)
				Set(entry, path, replaceToken(cur, token, value))
			})
			_ = resolved
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func replaceToken(s, token, value string) string {
	idx := strings.Index(s, token)
	if idx < 0 {
		return s
	}
	return s[:idx] + value + s[idx+len(token):]
}

// Save re-wraps every encrypted field with the current key and writes the
// document back to disk atomically (temp file + rename).
// currentManagerPassword is accepted but not consulted: Save writes each
// repo's repo_uri, permissions and manager_password as separate fields
// and never writes the (uri, permissions, manager_password) triple form.
func (s *Store) Save(currentManagerPassword string) error {
	if err := forEachRepoAndGroupEntry(s.doc, s.cipher.EncryptTree); err != nil {
		return err
	}
	if err := s.cipher.EncryptDocRoot(s.doc.Root); err != nil {
		return err
	}

	data, err := s.doc.Marshal()
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), "npbackup-config-*.tmp")
	if err != nil {
		return fmt.Errorf("config: cannot create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("config: cannot write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("config: cannot close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("config: cannot rename temp file into place: %w", err)
	}

	// Decrypt back in memory so the in-process Store keeps serving plain
	// values after Save.
	if err := forEachRepoAndGroupEntry(s.doc, s.cipher.DecryptTree); err != nil {
		return err
	}
	return s.cipher.DecryptDocRoot(s.doc.Root)
}

// RepoNames returns every repo name in the document.
func (s *Store) RepoNames() []string {
	v, _ := Get(s.doc.Root, "repos")
	tree, ok := v.(Tree)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(tree))
	for name := range tree {
		out = append(out, name)
	}
	return out
}

// FullConcurrency reports global_options.full_concurrency: when true,
// the concurrency gate is bypassed entirely, so multiple instances may
// run simultaneously against any repository.
func (s *Store) FullConcurrency() bool {
	return GetBool(s.doc.Root, "global_options.full_concurrency")
}

// RepoAwareConcurrency reports global_options.repo_aware_concurrency:
// when true, the concurrency gate is keyed per repository name instead
// of once per process, so concurrent runs against different repositories
// no longer block each other (though two runs against the same
// repository still do).
func (s *Store) RepoAwareConcurrency() bool {
	return GetBool(s.doc.Root, "global_options.repo_aware_concurrency")
}

// RepoNamesInGroup returns every repo name whose repo_group equals group.
func (s *Store) RepoNamesInGroup(group string) []string {
	v, _ := Get(s.doc.Root, "repos")
	tree, ok := v.(Tree)
	if !ok {
		return nil
	}
	var out []string
	for name, e := range tree {
		entry, ok := e.(Tree)
		if !ok {
			continue
		}
		if g, _ := GetString(entry, "repo_group"); g == group {
			out = append(out, name)
		}
	}
	return out
}
