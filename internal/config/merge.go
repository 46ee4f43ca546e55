package config

import "fmt"

// Merge resolves a repo tree against its group tree into a materialized
// view plus a parallel inheritance map:
//
//   - Scalars: repo overrides group; a group value with no repo value
//     propagates down; empty string/null counts as unset.
//   - Lists: concatenated (group first, then repo) with order-preserving
//     deduplication; a repo scalar where the group has a list is promoted
//     to a one-element list first; if both sides are lists of maps, the
//     elements are merged into a single combined map.
//   - Inheritance map: same shape; leaves are bool (scalars) or
//     map[value]bool (list elements), recording whether each leaf came
//     from the group.
func Merge(group, repo Tree) (Tree, Tree) {
	view := Tree{}
	inherit := Tree{}
	mergeInto(group, repo, view, inherit)
	return view, inherit
}

func mergeInto(group, repo Tree, view, inherit Tree) {
	keys := map[string]struct{}{}
	for k := range group {
		keys[k] = struct{}{}
	}
	for k := range repo {
		keys[k] = struct{}{}
	}

	for k := range keys {
		gv, gOK := group[k]
		rv, rOK := repo[k]

		switch {
		case isTree(gv) || isTree(rv):
			gSub, _ := gv.(Tree)
			rSub, _ := rv.(Tree)
			subView := Tree{}
			subInherit := Tree{}
			mergeInto(gSub, rSub, subView, subInherit)
			view[k] = subView
			inherit[k] = subInherit

		case isList(gv) || isList(rv):
			merged, fromGroup := mergeLists(toList(gv), toList(rv))
			view[k] = merged
			inherit[k] = fromGroup

		default:
			if isUnset(rv) && !isUnset(gv) {
				view[k] = gv
				inherit[k] = true
			} else if rOK {
				view[k] = rv
				inherit[k] = false
			} else if gOK {
				view[k] = gv
				inherit[k] = true
			}
		}
	}
}

func isUnset(v interface{}) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok && s == "" {
		return true
	}
	return false
}

func isTree(v interface{}) bool {
	_, ok := v.(Tree)
	return ok
}

func isList(v interface{}) bool {
	_, ok := v.([]interface{})
	return ok
}

func toList(v interface{}) []interface{} {
	if l, ok := v.([]interface{}); ok {
		return l
	}
	if v == nil {
		return nil
	}
	// promote a scalar to a one-element list so it merges like a list
	return []interface{}{v}
}

// mergeLists concatenates group-then-repo with order-preserving
// deduplication, collapsing lists-of-maps into a single merged map, and
// returns the parallel {value: fromGroup} inheritance record.
func mergeLists(group, repo []interface{}) ([]interface{}, Tree) {
	if allMaps(group) && allMaps(repo) && (len(group) > 0 || len(repo) > 0) {
		merged := Tree{}
		for _, e := range group {
			m := e.(Tree)
			for k, v := range m {
				merged[k] = v
			}
		}
		for _, e := range repo {
			m := e.(Tree)
			for k, v := range m {
				merged[k] = v
			}
		}
		return []interface{}{merged}, Tree{"__merged_map__": true}
	}

	fromGroup := Tree{}
	seen := map[string]bool{}
	out := make([]interface{}, 0, len(group)+len(repo))

	add := func(v interface{}, inherited bool) {
		key := fmt.Sprintf("%v", v)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, v)
		fromGroup[key] = inherited
	}
	for _, v := range group {
		add(v, true)
	}
	for _, v := range repo {
		add(v, false)
	}
	return out, fromGroup
}

func allMaps(list []interface{}) bool {
	if len(list) == 0 {
		return false
	}
	for _, e := range list {
		if _, ok := e.(Tree); !ok {
			return false
		}
	}
	return true
}
