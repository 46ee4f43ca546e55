package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Supported conf_version range. Versions below
// MinMigratableConfVersion cannot be migrated forward automatically and
// must be rejected; versions above MaxConfVersion come from a newer
// release than this binary understands.
const (
	MinMigratableConfVersion = 4
	MaxConfVersion           = 7
)

// Document is the decoded top-level configuration file.
type Document struct {
	Root Tree
}

// ErrBogusConfVersion is returned when conf_version falls outside
// [MinMigratableConfVersion, MaxConfVersion].
type ErrBogusConfVersion struct {
	Got int
}

func (e *ErrBogusConfVersion) Error() string {
	return fmt.Sprintf("config: conf_version %d is out of supported range [%d, %d]", e.Got, MinMigratableConfVersion, MaxConfVersion)
}

// ErrDottedKey is returned when a top-level repo or group name contains a
// '.', which would make dotted-path accessors ambiguous.
type ErrDottedKey struct {
	Key string
}

func (e *ErrDottedKey) Error() string {
	return fmt.Sprintf("config: name %q must not contain '.'", e.Key)
}

// Parse decodes raw YAML bytes into a Document, validates conf_version and
// key naming, applies ordered migrations, and ensures the structural keys
// (paths/tags/exclude_patterns/... are lists; additional_labels/
// env_variables are maps) are present with the right shape.
func Parse(data []byte) (*Document, error) {
	root := Tree{}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &root); err != nil {
			return nil, fmt.Errorf("config: invalid YAML: %w", err)
		}
	}
	doc := &Document{Root: normalizeDecoded(root).(Tree)}

	if err := doc.validateNames(); err != nil {
		return nil, err
	}

	confVersion, _ := GetInt(doc.Root, "conf_version")
	if confVersion == 0 {
		confVersion = MinMigratableConfVersion
		Set(doc.Root, "conf_version", confVersion)
	}
	if confVersion < MinMigratableConfVersion || confVersion > MaxConfVersion {
		return nil, &ErrBogusConfVersion{Got: confVersion}
	}

	if err := migrate(doc); err != nil {
		return nil, err
	}
	ensureStructuralKeys(doc)
	return doc, nil
}

// Marshal re-encodes the document to YAML bytes. Callers are expected to
// have already re-wrapped encrypted fields (Store.Save does this).
func (d *Document) Marshal() ([]byte, error) {
	return yaml.Marshal(d.Root)
}

// validateNames rejects '.' in repo/group names, since dotted-path
// accessors would otherwise treat the name as a path, and rejects a
// group referencing another group via repo_group: nested groups are
// forbidden.
func (d *Document) validateNames() error {
	for section := range map[string]bool{"repos": true, "groups": true} {
		m, _ := Get(d.Root, section)
		sub, ok := m.(Tree)
		if !ok {
			continue
		}
		for name, v := range sub {
			if strings.Contains(name, ".") {
				return &ErrDottedKey{Key: name}
			}
			if section == "groups" {
				if entry, ok := v.(Tree); ok {
					if rg, _ := GetString(entry, "repo_group"); rg != "" {
						return fmt.Errorf("config: group %q must not set repo_group (nested groups are forbidden)", name)
					}
				}
			}
		}
	}
	return nil
}

// ensureStructuralKeys normalizes fields that must always behave as lists
// or maps regardless of how a single value was written in YAML.
func ensureStructuralKeys(d *Document) {
	repos, _ := Get(d.Root, "repos")
	reposTree, _ := repos.(Tree)
	for _, v := range reposTree {
		entry, ok := v.(Tree)
		if !ok {
			continue
		}
		normalizeRepoLikeEntry(entry)
	}
	groups, _ := Get(d.Root, "groups")
	groupsTree, _ := groups.(Tree)
	for _, v := range groupsTree {
		entry, ok := v.(Tree)
		if !ok {
			continue
		}
		normalizeRepoLikeEntry(entry)
	}
}

var listFields = []string{
	"backup_opts.paths",
	"backup_opts.tags",
	"backup_opts.exclude_patterns",
	"backup_opts.exclude_files",
	"backup_opts.pre_exec_commands",
	"backup_opts.post_exec_commands",
	"repo_opts.retention_policy.keep_tags",
	"repo_opts.retention_policy.apply_on_tags",
}

var mapFields = []string{
	"env",
	"global_prometheus.additional_labels",
}

func normalizeRepoLikeEntry(entry Tree) {
	for _, path := range listFields {
		v, ok := Get(entry, path)
		if !ok || v == nil {
			continue
		}
		if _, isList := v.([]interface{}); !isList {
			Set(entry, path, []interface{}{v})
		}
	}
	for _, path := range mapFields {
		v, ok := Get(entry, path)
		if ok && v != nil {
			continue
		}
		Set(entry, path, Tree{})
	}
}

// normalizeDecoded deep-copies the map[string]interface{}/[]interface{}
// shapes yaml.v3 produces into Tree values, so the rest of the package can
// assume Tree/[]interface{}/scalar only. Maps with non-string keys are
// left as decoded.
func normalizeDecoded(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := Tree{}
		for k, e := range val {
			out[k] = normalizeDecoded(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = normalizeDecoded(e)
		}
		return out
	default:
		return v
	}
}
