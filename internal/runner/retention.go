package runner

import "github.com/netinvent/npbackup/internal/restic"

// retentionPolicyFromView reads repo_opts.retention_policy into a
// restic.RetentionPolicy. keep_within is one configuration-wide switch:
// when set, every non-last unit keeps within its window instead of a
// fixed count, so it is applied uniformly here rather than per-unit.
func (r *Runner) retentionPolicyFromView() restic.RetentionPolicy {
	keepWithin := r.repo.GetBool("repo_opts.retention_policy.keep_within")
	units := map[string]bool{}
	if keepWithin {
		for _, u := range []string{"hourly", "daily", "weekly", "monthly", "yearly"} {
			units[u] = true
		}
	}
	return restic.RetentionPolicy{
		Last:       r.repo.GetInt("repo_opts.retention_policy.last"),
		Hourly:     r.repo.GetInt("repo_opts.retention_policy.hourly"),
		Daily:      r.repo.GetInt("repo_opts.retention_policy.daily"),
		Weekly:     r.repo.GetInt("repo_opts.retention_policy.weekly"),
		Monthly:    r.repo.GetInt("repo_opts.retention_policy.monthly"),
		Yearly:     r.repo.GetInt("repo_opts.retention_policy.yearly"),
		KeepWithin: units,
		KeepTags:   r.repo.GetStringList("repo_opts.retention_policy.keep_tags"),
		GroupBy: restic.GroupBy{
			Host:  r.repo.GetBool("repo_opts.retention_policy.group_by_host"),
			Paths: r.repo.GetBool("repo_opts.retention_policy.group_by_paths"),
			Tags:  r.repo.GetBool("repo_opts.retention_policy.group_by_tags"),
		},
	}
}

func (r *Runner) ntpServer() string {
	return r.repo.GetString("repo_opts.retention_policy.ntp_server")
}
