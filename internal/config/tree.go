// Package config implements the configuration store: loading/migrating/
// decrypting YAML documents, resolving repo↔group inheritance into a
// materialized view, and evaluating variable tokens.
//
// Configuration values are modeled as a generic nested tree
// (map[string]interface{} / []interface{} / scalars) accessed through a
// small path-access helper rather than named struct fields — the schema
// is expressive enough (lists, maps of maps, mixed scalar/list fields
// depending on migration history) that a frozen struct-per-field schema
// would fight the data rather than model it.
package config

import "strings"

// Tree is a generic configuration node: a map, a list, or a scalar
// (string, bool, int, float64, nil).
type Tree = map[string]interface{}

// splitPath splits a dotted accessor path ("backup_opts.tags") into its
// segments.
func splitPath(path string) []string {
	return strings.Split(path, ".")
}

// Get walks t following the dotted path and returns the value found there,
// or (nil, false) if any segment is missing or the tree shape doesn't
// match (e.g. a list in the middle of the path).
func Get(t Tree, path string) (interface{}, bool) {
	segs := splitPath(path)
	var cur interface{} = t
	for _, seg := range segs {
		m, ok := cur.(Tree)
		if !ok {
			return nil, false
		}
		v, present := m[seg]
		if !present {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// GetString is a convenience wrapper over Get for string-valued leaves.
func GetString(t Tree, path string) (string, bool) {
	v, ok := Get(t, path)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetBool is a convenience wrapper over Get for bool-valued leaves.
func GetBool(t Tree, path string) bool {
	v, ok := Get(t, path)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// GetInt is a convenience wrapper over Get for integer-valued leaves,
// tolerating the float64 numbers produced by YAML decoding.
func GetInt(t Tree, path string) (int, bool) {
	v, ok := Get(t, path)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	}
	return 0, false
}

// GetStringList normalizes a leaf that may be absent, a scalar string, or
// a list of strings into a []string — paths, tags, exclude_patterns and
// similar fields all convert a lone value to a single-element list.
func GetStringList(t Tree, path string) []string {
	v, ok := Get(t, path)
	if !ok || v == nil {
		return nil
	}
	switch val := v.(type) {
	case string:
		if val == "" {
			return nil
		}
		return []string{val}
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, e := range val {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return val
	}
	return nil
}

// Set writes value at the dotted path, creating intermediate maps as
// needed.
func Set(t Tree, path string, value interface{}) {
	segs := splitPath(path)
	cur := t
	for i, seg := range segs {
		if i == len(segs)-1 {
			cur[seg] = value
			return
		}
		next, ok := cur[seg].(Tree)
		if !ok {
			next = Tree{}
			cur[seg] = next
		}
		cur = next
	}
}

// Delete removes the leaf at the dotted path, if present, doing nothing
// when any intermediate segment is missing or not a Tree.
func Delete(t Tree, path string) {
	segs := splitPath(path)
	cur := t
	for i, seg := range segs {
		if i == len(segs)-1 {
			delete(cur, seg)
			return
		}
		next, ok := cur[seg].(Tree)
		if !ok {
			return
		}
		cur = next
	}
}

// Clone deep-copies a tree (maps and slices); scalars are copied by value.
// Used so the Runner never mutates the store's copy.
func Clone(v interface{}) interface{} {
	switch val := v.(type) {
	case Tree:
		out := make(Tree, len(val))
		for k, e := range val {
			out[k] = Clone(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = Clone(e)
		}
		return out
	default:
		return v
	}
}
