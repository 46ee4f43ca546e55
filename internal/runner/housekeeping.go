package runner

import (
	"context"

	"github.com/netinvent/npbackup/internal/restic"
)

// Forget removes snapshots, by explicit ID (ids non-empty) or by the
// repository's configured retention policy. Policy-based forgets are
// guarded by the NTP drift check.
func (r *Runner) Forget(ctx context.Context, ids []string, usePolicy bool) OperationResult {
	return r.runGated(ctx, "forget", false, func(ctx context.Context) OperationResult {
		return r.forgetInner(ctx, ids, usePolicy)
	})
}

func (r *Runner) forgetInner(ctx context.Context, ids []string, usePolicy bool) OperationResult {
	req := restic.ForgetRequest{SnapshotIDs: ids}
	if usePolicy {
		if err := r.ntpGuard(r.ntpServer()); err != nil {
			r.log.Error(err.Error())
			return OperationResult{Operation: "forget", Reason: err.Error()}
		}
		policy := r.retentionPolicyFromView()
		req.Policy = &policy
	}
	w, err := r.newWrapper("forget")
	if err != nil {
		return OperationResult{Operation: "forget", Reason: err.Error()}
	}
	res, err := w.Forget(ctx, req)
	if err != nil {
		return OperationResult{Operation: "forget", Reason: err.Error()}
	}
	return envelopeFromResticResult("forget", res)
}

// Prune removes unreferenced data from the repository.
func (r *Runner) Prune(ctx context.Context) OperationResult {
	return r.runGated(ctx, "prune", false, func(ctx context.Context) OperationResult {
		return r.pruneInner(ctx)
	})
}

func (r *Runner) pruneInner(ctx context.Context) OperationResult {
	w, err := r.newWrapper("prune")
	if err != nil {
		return OperationResult{Operation: "prune", Reason: err.Error()}
	}
	maxUnused := r.repo.GetString("repo_opts.prune_max_unused")
	if r.pruneMaxOverride != "" {
		maxUnused = r.pruneMaxOverride
	}
	opts := restic.PruneOptions{
		MaxUnused:     maxUnused,
		MaxRepackSize: r.repo.GetString("repo_opts.prune_max_repack_size"),
	}
	res, err := w.Prune(ctx, opts)
	if err != nil {
		return OperationResult{Operation: "prune", Reason: err.Error()}
	}
	return envelopeFromResticResult("prune", res)
}

// Housekeeping runs unlock → check(read_data=false) → forget(policy) →
// prune, short-circuiting on the first failing step and attaching every
// step's envelope under Detail.<step>. Gated to full permission only.
func (r *Runner) Housekeeping(ctx context.Context) OperationResult {
	return r.runGated(ctx, "housekeeping", false, func(ctx context.Context) OperationResult {
		return r.housekeepingInner(ctx)
	})
}

// housekeepingInline runs the same composition as Housekeeping but
// bypasses the concurrency gate and permission check, for the case where
// the caller already holds the lock.
func (r *Runner) housekeepingInline(ctx context.Context) OperationResult {
	return r.housekeepingInner(ctx)
}

func (r *Runner) housekeepingInner(ctx context.Context) OperationResult {
	detail := map[string]OperationResult{}

	unlockW, err := r.newWrapper("unlock")
	if err != nil {
		return OperationResult{Operation: "housekeeping", Reason: err.Error()}
	}
	unlockRes, err := unlockW.Unlock(ctx)
	unlockEnv := resultOrError("unlock", unlockRes, err)
	detail["unlock"] = unlockEnv
	if !unlockEnv.Result {
		return OperationResult{Operation: "housekeeping", Reason: "unlock step failed: " + unlockEnv.Reason, Detail: detail}
	}

	checkW, err := r.newWrapper("check")
	if err != nil {
		return OperationResult{Operation: "housekeeping", Reason: err.Error(), Detail: detail}
	}
	checkRes, err := checkW.Check(ctx, false, nil)
	checkEnv := resultOrError("check", checkRes, err)
	detail["check"] = checkEnv
	if !checkEnv.Result {
		return OperationResult{Operation: "housekeeping", Reason: "check step failed: " + checkEnv.Reason, Detail: detail}
	}

	forgetEnv := r.forgetInner(ctx, nil, true)
	detail["forget"] = forgetEnv
	if !forgetEnv.Result {
		return OperationResult{Operation: "housekeeping", Reason: "forget step failed: " + forgetEnv.Reason, Detail: detail}
	}

	pruneEnv := r.pruneInner(ctx)
	detail["prune"] = pruneEnv
	if !pruneEnv.Result {
		return OperationResult{Operation: "housekeeping", Reason: "prune step failed: " + pruneEnv.Reason, Detail: detail}
	}

	return OperationResult{Operation: "housekeeping", Result: true, Detail: detail}
}

func resultOrError(op string, res restic.Result, err error) OperationResult {
	if err != nil {
		return OperationResult{Operation: op, Reason: err.Error()}
	}
	return envelopeFromResticResult(op, res)
}
