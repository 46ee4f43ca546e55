package runner

import (
	"testing"

	"github.com/netinvent/npbackup/internal/config"
)

func viewWithTree(tree config.Tree) *config.RepoView {
	return &config.RepoView{Name: "test-repo", Tree: tree, Inherited: config.Tree{}}
}

func TestRetentionPolicyFromViewAppliesKeepWithinUniformly(t *testing.T) {
	view := viewWithTree(config.Tree{
		"repo_opts": config.Tree{
			"retention_policy": config.Tree{
				"last":           3,
				"daily":          7,
				"weekly":         4,
				"keep_within":    true,
				"group_by_host":  true,
				"group_by_tags":  true,
			},
		},
	})
	r := &Runner{repo: view}
	policy := r.retentionPolicyFromView()

	if policy.Last != 3 || policy.Daily != 7 || policy.Weekly != 4 {
		t.Fatalf("unexpected counts: %+v", policy)
	}
	if !policy.KeepWithin["daily"] || !policy.KeepWithin["weekly"] {
		t.Errorf("expected keep_within to apply to daily and weekly, got %+v", policy.KeepWithin)
	}
	if policy.KeepWithin["last"] {
		t.Errorf("keep_within must never apply to last")
	}
	if !policy.GroupBy.Host || !policy.GroupBy.Tags || policy.GroupBy.Paths {
		t.Errorf("unexpected GroupBy: %+v", policy.GroupBy)
	}
}

func TestRetentionPolicyFromViewCountBasedWhenKeepWithinFalse(t *testing.T) {
	view := viewWithTree(config.Tree{
		"repo_opts": config.Tree{
			"retention_policy": config.Tree{
				"hourly":      24,
				"keep_within": false,
			},
		},
	})
	r := &Runner{repo: view}
	policy := r.retentionPolicyFromView()
	if policy.Hourly != 24 {
		t.Fatalf("expected Hourly=24, got %+v", policy)
	}
	if len(policy.KeepWithin) != 0 {
		t.Errorf("expected no keep_within units set, got %+v", policy.KeepWithin)
	}
}

func TestRetentionPolicyFeedsRetentionArgsTranslation(t *testing.T) {
	view := viewWithTree(config.Tree{
		"repo_opts": config.Tree{
			"retention_policy": config.Tree{
				"last":          3,
				"daily":         7,
				"weekly":        4,
				"keep_within":   true,
				"group_by_host": true,
				"group_by_tags": true,
			},
		},
	})
	r := &Runner{repo: view}
	policy := r.retentionPolicyFromView()

	if policy.GroupBy.String() != "host,tags" {
		t.Errorf("GroupBy.String() = %q, want %q", policy.GroupBy.String(), "host,tags")
	}
}

func TestNTPServerReadsConfiguredValue(t *testing.T) {
	view := viewWithTree(config.Tree{
		"repo_opts": config.Tree{
			"retention_policy": config.Tree{
				"ntp_server": "pool.ntp.org",
			},
		},
	})
	r := &Runner{repo: view}
	if got := r.ntpServer(); got != "pool.ntp.org" {
		t.Errorf("ntpServer() = %q, want %q", got, "pool.ntp.org")
	}
}
