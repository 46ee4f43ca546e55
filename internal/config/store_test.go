package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "npbackup.conf")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadDecryptsEncryptedFields(t *testing.T) {
	cipher, _ := NewCipher(testKey(), nil)
	wrapped, _ := cipher.Encrypt("s3cr3t")

	yaml := "conf_version: 5\nrepos:\n  r1:\n    manager_password: \"" + wrapped + "\"\n"
	path := writeTempConfig(t, yaml)

	loadCipher, _ := NewCipher(testKey(), nil)
	store, err := Load(path, loadCipher)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	view, err := store.GetRepoConfig("r1", Variables{})
	if err != nil {
		t.Fatalf("GetRepoConfig: %v", err)
	}
	if view.ManagerPassword() != "s3cr3t" {
		t.Fatalf("got %q, want s3cr3t", view.ManagerPassword())
	}
}

func TestLoadUnknownRepoReturnsErrRepoNotFound(t *testing.T) {
	path := writeTempConfig(t, "conf_version: 5\nrepos: {}\n")
	cipher, _ := NewCipher(testKey(), nil)
	store, err := Load(path, cipher)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	_, err = store.GetRepoConfig("missing", Variables{})
	if err == nil {
		t.Fatalf("expected ErrRepoNotFound")
	}
	if _, ok := err.(*ErrRepoNotFound); !ok {
		t.Fatalf("expected *ErrRepoNotFound, got %T", err)
	}
}

func TestSaveReencryptsAndPersists(t *testing.T) {
	path := writeTempConfig(t, "conf_version: 5\nrepos:\n  r1:\n    manager_password: plainpw\n")
	cipher, _ := NewCipher(testKey(), nil)
	store, err := Load(path, cipher)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := store.Save(""); err != nil {
		t.Fatalf("Save: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(raw), "<ID_STRING>") {
		t.Fatalf("expected the saved document to carry wrapped encrypted fields, got:\n%s", raw)
	}

	view, err := store.GetRepoConfig("r1", Variables{})
	if err != nil {
		t.Fatalf("GetRepoConfig after Save: %v", err)
	}
	if view.ManagerPassword() != "plainpw" {
		t.Fatalf("expected the in-memory store to still serve plaintext after Save, got %q", view.ManagerPassword())
	}
}

func TestRepoNamesAndRepoNamesInGroup(t *testing.T) {
	yaml := "conf_version: 5\nrepos:\n  r1:\n    repo_group: g1\n  r2:\n    repo_group: g1\n  r3: {}\ngroups:\n  g1: {}\n"
	path := writeTempConfig(t, yaml)
	cipher, _ := NewCipher(testKey(), nil)
	store, err := Load(path, cipher)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	names := store.RepoNames()
	if len(names) != 3 {
		t.Fatalf("expected 3 repo names, got %v", names)
	}
	inGroup := store.RepoNamesInGroup("g1")
	if len(inGroup) != 2 {
		t.Fatalf("expected 2 repos in group g1, got %v", inGroup)
	}
}

func TestGetRepoConfigMergesGroupAndEvaluatesVars(t *testing.T) {
	yaml := "conf_version: 5\n" +
		"groups:\n  g1:\n    backup_opts:\n      tags: [\"from-group\"]\n" +
		"repos:\n  r1:\n    repo_group: g1\n    repo_uri: \"/backup/${BACKUP_JOB}\"\n"
	path := writeTempConfig(t, yaml)
	cipher, _ := NewCipher(testKey(), nil)
	store, err := Load(path, cipher)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	view, err := store.GetRepoConfig("r1", Variables{BackupJob: "nightly"})
	if err != nil {
		t.Fatalf("GetRepoConfig: %v", err)
	}
	if view.RepoURI() != "/backup/nightly" {
		t.Fatalf("got %q", view.RepoURI())
	}
	tags := view.GetStringList("backup_opts.tags")
	if len(tags) != 1 || tags[0] != "from-group" {
		t.Fatalf("expected inherited group tags, got %v", tags)
	}
	if !view.WasInherited("backup_opts.tags") {
		t.Fatalf("expected backup_opts.tags to be marked as inherited")
	}
}

func TestApplyRepoViewSkipsAndClearsGroupEquivalentValues(t *testing.T) {
	yaml := "conf_version: 5\n" +
		"groups:\n  g1:\n    backup_opts:\n      exclude_max_size: \"10 MiB\"\n    repo_opts:\n      compression: \"auto\"\n" +
		"repos:\n  r1:\n    repo_group: g1\n    backup_opts:\n      exclude_max_size: \"5 MiB\"\n    repo_opts:\n      compression: \"auto\"\n"
	path := writeTempConfig(t, yaml)
	cipher, _ := NewCipher(testKey(), nil)
	store, err := Load(path, cipher)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	view, err := store.GetRepoConfig("r1", Variables{})
	if err != nil {
		t.Fatalf("GetRepoConfig: %v", err)
	}

	// Editing exclude_max_size to an alias of the repo's own current value
	// should still be written (it's a repo override either way), but
	// setting compression back to the group's value must clear the repo's
	// override rather than freezing it.
	Set(view.Tree, "backup_opts.exclude_max_size", "5.0 MiB")
	Set(view.Tree, "repo_opts.compression", "auto")

	if err := store.ApplyRepoView("r1", view); err != nil {
		t.Fatalf("ApplyRepoView: %v", err)
	}

	repos, _ := Get(store.doc.Root, "repos")
	r1, _ := Get(repos.(Tree), "r1")
	r1Tree := r1.(Tree)

	gotSize, ok := GetString(r1Tree, "backup_opts.exclude_max_size")
	if !ok || gotSize != "5.0 MiB" {
		t.Fatalf("expected exclude_max_size to remain a repo override, got %q (present=%v)", gotSize, ok)
	}
	if _, ok := Get(r1Tree, "repo_opts.compression"); ok {
		t.Fatalf("expected compression override to be cleared once it matched the group value")
	}

	reloaded, err := store.GetRepoConfig("r1", Variables{})
	if err != nil {
		t.Fatalf("GetRepoConfig after ApplyRepoView: %v", err)
	}
	if reloaded.GetString("repo_opts.compression") != "auto" {
		t.Fatalf("expected compression to still resolve to the group value, got %q", reloaded.GetString("repo_opts.compression"))
	}
	if !reloaded.WasInherited("repo_opts.compression") {
		t.Fatalf("expected compression to be marked inherited again after ApplyRepoView")
	}
}

func TestApplyRepoViewWritesDivergentValues(t *testing.T) {
	yaml := "conf_version: 5\n" +
		"groups:\n  g1:\n    repo_opts:\n      compression: \"auto\"\n" +
		"repos:\n  r1:\n    repo_group: g1\n"
	path := writeTempConfig(t, yaml)
	cipher, _ := NewCipher(testKey(), nil)
	store, err := Load(path, cipher)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	view, err := store.GetRepoConfig("r1", Variables{})
	if err != nil {
		t.Fatalf("GetRepoConfig: %v", err)
	}
	if !view.WasInherited("repo_opts.compression") {
		t.Fatalf("expected compression to start out inherited")
	}
	Set(view.Tree, "repo_opts.compression", "max")

	if err := store.ApplyRepoView("r1", view); err != nil {
		t.Fatalf("ApplyRepoView: %v", err)
	}

	reloaded, err := store.GetRepoConfig("r1", Variables{})
	if err != nil {
		t.Fatalf("GetRepoConfig after ApplyRepoView: %v", err)
	}
	if reloaded.GetString("repo_opts.compression") != "max" {
		t.Fatalf("expected the repo override to take effect, got %q", reloaded.GetString("repo_opts.compression"))
	}
	if reloaded.WasInherited("repo_opts.compression") {
		t.Fatalf("expected compression to no longer be marked inherited")
	}
}

func TestFullAndRepoAwareConcurrencyDefaultFalse(t *testing.T) {
	path := writeTempConfig(t, "conf_version: 5\nrepos: {}\n")
	cipher, _ := NewCipher(testKey(), nil)
	store, err := Load(path, cipher)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if store.FullConcurrency() {
		t.Fatalf("expected full_concurrency to default to false")
	}
	if store.RepoAwareConcurrency() {
		t.Fatalf("expected repo_aware_concurrency to default to false")
	}
}

func TestFullAndRepoAwareConcurrencyReadFromGlobalOptions(t *testing.T) {
	yaml := "conf_version: 5\nglobal_options:\n  full_concurrency: true\n  repo_aware_concurrency: true\nrepos: {}\n"
	path := writeTempConfig(t, yaml)
	cipher, _ := NewCipher(testKey(), nil)
	store, err := Load(path, cipher)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !store.FullConcurrency() {
		t.Fatalf("expected full_concurrency to be true")
	}
	if !store.RepoAwareConcurrency() {
		t.Fatalf("expected repo_aware_concurrency to be true")
	}
}

func TestGetRepoConfigUnknownGroupErrors(t *testing.T) {
	yaml := "conf_version: 5\nrepos:\n  r1:\n    repo_group: ghost\n"
	path := writeTempConfig(t, yaml)
	cipher, _ := NewCipher(testKey(), nil)
	store, err := Load(path, cipher)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	_, err = store.GetRepoConfig("r1", Variables{})
	if err == nil {
		t.Fatalf("expected ErrGroupNotFound")
	}
	if _, ok := err.(*ErrGroupNotFound); !ok {
		t.Fatalf("expected *ErrGroupNotFound, got %T", err)
	}
}
