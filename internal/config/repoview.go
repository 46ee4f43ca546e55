package config

import (
	"fmt"
	"reflect"

	"github.com/netinvent/npbackup/internal/units"
)

// RepoView is a fully materialized repo configuration: the repo's own
// tree merged with its group (if any) and variables evaluated.
type RepoView struct {
	Name      string
	Tree      Tree
	Inherited Tree
}

// ErrRepoNotFound is returned by GetRepoConfig for an unknown repo name.
type ErrRepoNotFound struct{ Name string }

func (e *ErrRepoNotFound) Error() string { return fmt.Sprintf("config: repo %q not found", e.Name) }

// ErrGroupNotFound is returned when a repo references a repo_group that
// does not exist in the document.
type ErrGroupNotFound struct{ Name string }

func (e *ErrGroupNotFound) Error() string {
	return fmt.Sprintf("config: group %q not found", e.Name)
}

// GetRepoConfig returns the materialized view and inheritance map for
// repo name, with vars evaluated against the given substitution context.
// The returned Tree is a deep copy: the caller (Runner) may use it freely
// without risk of mutating the Store.
func (s *Store) GetRepoConfig(name string, vars Variables) (*RepoView, error) {
	repos, _ := Get(s.doc.Root, "repos")
	reposTree, _ := repos.(Tree)
	repoRaw, ok := reposTree[name]
	if !ok {
		return nil, &ErrRepoNotFound{Name: name}
	}
	repoEntry, _ := repoRaw.(Tree)
	if repoEntry == nil {
		repoEntry = Tree{}
	}

	var groupEntry Tree
	if groupName, _ := GetString(repoEntry, "repo_group"); groupName != "" {
		groups, _ := Get(s.doc.Root, "groups")
		groupsTree, _ := groups.(Tree)
		groupRaw, ok := groupsTree[groupName]
		if !ok {
			return nil, &ErrGroupNotFound{Name: groupName}
		}
		groupEntry, _ = groupRaw.(Tree)
	}

	view, inherit := Merge(groupEntry, Clone(repoEntry).(Tree))

	if err := evaluateTreeVariables(view, vars); err != nil {
		return nil, err
	}

	return &RepoView{Name: name, Tree: view, Inherited: inherit}, nil
}

// ApplyRepoView writes view's tree back into repo name's own configuration
// entry, skipping (and clearing) any leaf whose value equals the group's
// materialized value at the same path: re-saving a materialized view must
// not propagate inherited values into the repo block, or every field would
// freeze at its current group value and stop tracking later group edits.
// Byte-size strings are compared with units.Equivalent so aliases like
// "10 MiB"/"10.0 MiB" are still treated as inherited.
func (s *Store) ApplyRepoView(name string, view *RepoView) error {
	repos, _ := Get(s.doc.Root, "repos")
	reposTree, _ := repos.(Tree)
	if reposTree == nil {
		return &ErrRepoNotFound{Name: name}
	}
	repoRaw, ok := reposTree[name]
	if !ok {
		return &ErrRepoNotFound{Name: name}
	}
	repoEntry, _ := repoRaw.(Tree)
	if repoEntry == nil {
		repoEntry = Tree{}
		reposTree[name] = repoEntry
	}

	var groupEntry Tree
	if groupName, _ := GetString(repoEntry, "repo_group"); groupName != "" {
		groups, _ := Get(s.doc.Root, "groups")
		groupsTree, _ := groups.(Tree)
		groupRaw, ok := groupsTree[groupName]
		if !ok {
			return &ErrGroupNotFound{Name: groupName}
		}
		groupEntry, _ = groupRaw.(Tree)
	}

	applyRepoLeaves(view.Tree, groupEntry, repoEntry)
	return nil
}

// applyRepoLeaves recurses view/group/repo in lockstep. Each leaf is
// written into repo unless it equals the corresponding group leaf, in
// which case any existing repo override is removed so the leaf resumes
// inheriting from the group.
func applyRepoLeaves(view, group, repo Tree) {
	for k, v := range view {
		if sub, ok := v.(Tree); ok {
			gSub, _ := group[k].(Tree)
			rSub, ok := repo[k].(Tree)
			if !ok {
				rSub = Tree{}
			}
			applyRepoLeaves(sub, gSub, rSub)
			if len(rSub) == 0 {
				delete(repo, k)
			} else {
				repo[k] = rSub
			}
			continue
		}

		if leafEquivalent(group[k], v) {
			delete(repo, k)
			continue
		}
		repo[k] = v
	}
}

// leafEquivalent reports whether a materialized leaf v is the same value
// as the group's leaf gv, treating byte-size string aliases as equal.
func leafEquivalent(gv, v interface{}) bool {
	if gv == nil {
		return false
	}
	gs, gOK := gv.(string)
	vs, vOK := v.(string)
	if gOK && vOK {
		return gs == vs || units.Equivalent(gs, vs)
	}
	return reflect.DeepEqual(gv, v)
}

// evaluateTreeVariables walks every string leaf in t and evaluates
// variable tokens in place.
func evaluateTreeVariables(t Tree, vars Variables) error {
	var walk func(Tree) error
	walk = func(m Tree) error {
		for k, v := range m {
			switch val := v.(type) {
			case string:
				evaluated, err := vars.Evaluate(val, nil)
				if err != nil {
					return err
				}
				m[k] = evaluated
			case Tree:
				if err := walk(val); err != nil {
					return err
				}
			case []interface{}:
				for i, e := range val {
					if s, ok := e.(string); ok {
						evaluated, err := vars.Evaluate(s, nil)
						if err != nil {
							return err
						}
						val[i] = evaluated
					}
				}
			}
		}
		return nil
	}
	return walk(t)
}

// RepoURI, Permissions, ManagerPassword, Env are hot-path named
// accessors used every operation by the Runner, kept as explicit methods
// rather than stringly-typed Get calls everywhere, while Get remains
// available for the long tail of rarely-touched fields.

func (v *RepoView) RepoURI() string {
	s, _ := GetString(v.Tree, "repo_uri")
	return s
}

func (v *RepoView) Permissions() string {
	s, _ := GetString(v.Tree, "permissions")
	if s == "" {
		return "full"
	}
	return s
}

func (v *RepoView) ManagerPassword() string {
	s, _ := GetString(v.Tree, "manager_password")
	return s
}

func (v *RepoView) Env() map[string]string {
	out := map[string]string{}
	raw, _ := Get(v.Tree, "env")
	tree, _ := raw.(Tree)
	for k, val := range tree {
		if s, ok := val.(string); ok {
			out[k] = s
		}
	}
	return out
}

func (v *RepoView) EncryptedEnv() map[string]string {
	out := map[string]string{}
	raw, _ := Get(v.Tree, "encrypted_env_variables")
	tree, _ := raw.(Tree)
	for k, val := range tree {
		if s, ok := val.(string); ok {
			out[k] = s
		}
	}
	return out
}

// Get exposes the dotted-path accessor directly for call sites that need
// one-off field access.
func (v *RepoView) Get(path string) (interface{}, bool) { return Get(v.Tree, path) }

func (v *RepoView) GetString(path string) string {
	s, _ := GetString(v.Tree, path)
	return s
}

func (v *RepoView) GetBool(path string) bool { return GetBool(v.Tree, path) }

func (v *RepoView) GetInt(path string) int {
	n, _ := GetInt(v.Tree, path)
	return n
}

func (v *RepoView) GetStringList(path string) []string { return GetStringList(v.Tree, path) }

// WasInherited reports whether the leaf at path came from the group
// rather than the repo's own configuration. For a list, whose inheritance
// record maps each element to a bool, it reports true only when every
// element came from the group.
func (v *RepoView) WasInherited(path string) bool {
	val, ok := Get(v.Inherited, path)
	if !ok {
		return false
	}
	if elems, isMap := val.(Tree); isMap {
		if len(elems) == 0 {
			return false
		}
		for _, e := range elems {
			if fromGroup, _ := e.(bool); !fromGroup {
				return false
			}
		}
		return true
	}
	b, _ := val.(bool)
	return b
}
