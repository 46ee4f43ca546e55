package config

// migrate applies the ordered, idempotent migrations needed to bring an
// older configuration document up to date: renaming `tags`→`keep_tags`
// inside retention policies, relocating `compression` from backup_opts
// to repo_opts, and seeding `presets`. Each step only acts if its
// precondition still holds, so running migrate twice on an
// already-migrated document is a no-op.
func migrate(d *Document) error {
	migrateRetentionTagsRename(d)
	migrateCompressionLocation(d)
	seedPresets(d)
	return nil
}

func eachRepoAndGroup(d *Document, fn func(entry Tree)) {
	for _, section := range []string{"repos", "groups"} {
		v, _ := Get(d.Root, section)
		tree, ok := v.(Tree)
		if !ok {
			continue
		}
		for _, e := range tree {
			if entry, ok := e.(Tree); ok {
				fn(entry)
			}
		}
	}
}

// migrateRetentionTagsRename renames the legacy `repo_opts.retention_policy.tags`
// key to `keep_tags`, the current name for that field.
func migrateRetentionTagsRename(d *Document) {
	eachRepoAndGroup(d, func(entry Tree) {
		policy, _ := Get(entry, "repo_opts.retention_policy")
		policyTree, ok := policy.(Tree)
		if !ok {
			return
		}
		if old, present := policyTree["tags"]; present {
			if _, hasNew := policyTree["keep_tags"]; !hasNew {
				policyTree["keep_tags"] = old
			}
			delete(policyTree, "tags")
		}
	})
}

// migrateCompressionLocation moves `backup_opts.compression` to
// `repo_opts.compression`, where newer releases expect it (compression
// is a repository-level property, not a per-backup one).
func migrateCompressionLocation(d *Document) {
	eachRepoAndGroup(d, func(entry Tree) {
		backupOpts, _ := Get(entry, "backup_opts")
		boTree, ok := backupOpts.(Tree)
		if !ok {
			return
		}
		val, present := boTree["compression"]
		if !present {
			return
		}
		delete(boTree, "compression")
		if _, exists := Get(entry, "repo_opts.compression"); !exists {
			Set(entry, "repo_opts.compression", val)
		}
	})
}

// seedPresets ensures the top-level `presets` map exists so downstream
// code (and the GUI, out of scope here) never needs a nil check.
func seedPresets(d *Document) {
	if _, ok := Get(d.Root, "presets"); !ok {
		Set(d.Root, "presets", Tree{})
	}
}
