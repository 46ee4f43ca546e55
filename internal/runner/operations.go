package runner

import (
	"context"

	"github.com/netinvent/npbackup/internal/restic"
)

// Init creates the backend repository. Allowed for backup, restore, and
// full permission.
func (r *Runner) Init(ctx context.Context) OperationResult {
	return r.runGated(ctx, "init", false, func(ctx context.Context) OperationResult {
		w, err := r.newWrapper("init")
		if err != nil {
			return OperationResult{Operation: "init", Reason: err.Error()}
		}
		res, err := w.Init(ctx)
		if err != nil {
			return OperationResult{Operation: "init", Reason: err.Error()}
		}
		return envelopeFromResticResult("init", res)
	})
}

// HasRecentSnapshot reports whether the repository already has a
// snapshot younger than deltaMinutes.
func (r *Runner) HasRecentSnapshot(ctx context.Context, deltaMinutes int) OperationResult {
	return r.runGated(ctx, "has_recent_snapshot", false, func(ctx context.Context) OperationResult {
		w, err := r.newWrapper("has_recent_snapshot")
		if err != nil {
			return OperationResult{Operation: "has_recent_snapshot", Reason: err.Error()}
		}
		recent, ts, err := w.HasRecentSnapshot(ctx, deltaMinutes)
		if err != nil {
			return OperationResult{Operation: "has_recent_snapshot", Reason: err.Error()}
		}
		return OperationResult{Operation: "has_recent_snapshot", Result: true, Output: map[string]interface{}{"recent": recent, "snapshot_time": ts}}
	})
}

// Snapshots lists snapshots, optionally filtered to one ID.
func (r *Runner) Snapshots(ctx context.Context, id string) OperationResult {
	return r.runGated(ctx, "snapshots", false, func(ctx context.Context) OperationResult {
		w, err := r.newWrapper("snapshots")
		if err != nil {
			return OperationResult{Operation: "snapshots", Reason: err.Error()}
		}
		res, err := w.Snapshots(ctx, id, true)
		if err != nil {
			return OperationResult{Operation: "snapshots", Reason: err.Error()}
		}
		return envelopeFromResticResult("snapshots", res)
	})
}

// List lists repository objects of the given subject.
func (r *Runner) List(ctx context.Context, subject string) OperationResult {
	return r.runGated(ctx, "list", false, func(ctx context.Context) OperationResult {
		w, err := r.newWrapper("list")
		if err != nil {
			return OperationResult{Operation: "list", Reason: err.Error()}
		}
		res, err := w.List(ctx, subject)
		if err != nil {
			return OperationResult{Operation: "list", Reason: err.Error()}
		}
		return envelopeFromResticResult("list", res)
	})
}

// Ls lists the contents of a snapshot.
func (r *Runner) Ls(ctx context.Context, snapshot string) OperationResult {
	return r.runGated(ctx, "ls", false, func(ctx context.Context) OperationResult {
		w, err := r.newWrapper("ls")
		if err != nil {
			return OperationResult{Operation: "ls", Reason: err.Error()}
		}
		res, err := w.Ls(ctx, snapshot)
		if err != nil {
			return OperationResult{Operation: "ls", Reason: err.Error()}
		}
		return envelopeFromResticResult("ls", res)
	})
}

// Find locates a path across all snapshots.
func (r *Runner) Find(ctx context.Context, path string) OperationResult {
	return r.runGated(ctx, "find", false, func(ctx context.Context) OperationResult {
		w, err := r.newWrapper("find")
		if err != nil {
			return OperationResult{Operation: "find", Reason: err.Error()}
		}
		res, err := w.Find(ctx, path)
		if err != nil {
			return OperationResult{Operation: "find", Reason: err.Error()}
		}
		return envelopeFromResticResult("find", res)
	})
}

// Restore restores a snapshot (or a path within it) to target.
func (r *Runner) Restore(ctx context.Context, snapshot, target string, includes []string, extraArgs []string) OperationResult {
	return r.runGated(ctx, "restore", false, func(ctx context.Context) OperationResult {
		w, err := r.newWrapper("restore")
		if err != nil {
			return OperationResult{Operation: "restore", Reason: err.Error()}
		}
		res, err := w.Restore(ctx, snapshot, target, includes, extraArgs)
		if err != nil {
			return OperationResult{Operation: "restore", Reason: err.Error()}
		}
		return envelopeFromResticResult("restore", res)
	})
}

// Dump streams one file's content from a snapshot.
func (r *Runner) Dump(ctx context.Context, snapshot, path string) ([]byte, error) {
	w, err := r.newWrapper("dump")
	if err != nil {
		return nil, err
	}
	if err := r.permissionCheck("dump"); err != nil {
		return nil, err
	}
	return w.Dump(ctx, snapshot, path)
}

// Check verifies repository integrity.
func (r *Runner) Check(ctx context.Context, readData bool) OperationResult {
	return r.runGated(ctx, "check", false, func(ctx context.Context) OperationResult {
		w, err := r.newWrapper("check")
		if err != nil {
			return OperationResult{Operation: "check", Reason: err.Error()}
		}
		res, err := w.Check(ctx, readData, nil)
		if err != nil {
			return OperationResult{Operation: "check", Reason: err.Error()}
		}
		return envelopeFromResticResult("check", res)
	})
}

// Repair runs "repair <subject>".
func (r *Runner) Repair(ctx context.Context, subject restic.RepairSubject, packIDs []string) OperationResult {
	return r.runGated(ctx, "repair", false, func(ctx context.Context) OperationResult {
		w, err := r.newWrapper("repair")
		if err != nil {
			return OperationResult{Operation: "repair", Reason: err.Error()}
		}
		res, err := w.Repair(ctx, subject, packIDs)
		if err != nil {
			return OperationResult{Operation: "repair", Reason: err.Error()}
		}
		return envelopeFromResticResult("repair", res)
	})
}

// Recover attempts to recover snapshots from an index-less repository.
func (r *Runner) Recover(ctx context.Context) OperationResult {
	return r.runGated(ctx, "recover", false, func(ctx context.Context) OperationResult {
		w, err := r.newWrapper("recover")
		if err != nil {
			return OperationResult{Operation: "recover", Reason: err.Error()}
		}
		res, err := w.Recover(ctx)
		if err != nil {
			return OperationResult{Operation: "recover", Reason: err.Error()}
		}
		return envelopeFromResticResult("recover", res)
	})
}

// Unlock removes stale repository locks.
func (r *Runner) Unlock(ctx context.Context) OperationResult {
	return r.runGated(ctx, "unlock", false, func(ctx context.Context) OperationResult {
		w, err := r.newWrapper("unlock")
		if err != nil {
			return OperationResult{Operation: "unlock", Reason: err.Error()}
		}
		res, err := w.Unlock(ctx)
		if err != nil {
			return OperationResult{Operation: "unlock", Reason: err.Error()}
		}
		return envelopeFromResticResult("unlock", res)
	})
}

// Stats reports repository size statistics.
func (r *Runner) Stats(ctx context.Context, subject string) OperationResult {
	return r.runGated(ctx, "stats", false, func(ctx context.Context) OperationResult {
		w, err := r.newWrapper("stats")
		if err != nil {
			return OperationResult{Operation: "stats", Reason: err.Error()}
		}
		res, err := w.Stats(ctx, subject)
		if err != nil {
			return OperationResult{Operation: "stats", Reason: err.Error()}
		}
		return envelopeFromResticResult("stats", res)
	})
}

// Raw passes an arbitrary command straight through to the backend
// binary, gated at full permission only.
func (r *Runner) Raw(ctx context.Context, command []string) OperationResult {
	return r.runGated(ctx, "raw", false, func(ctx context.Context) OperationResult {
		w, err := r.newWrapper("raw")
		if err != nil {
			return OperationResult{Operation: "raw", Reason: err.Error()}
		}
		res, err := w.Raw(ctx, command)
		if err != nil {
			return OperationResult{Operation: "raw", Reason: err.Error()}
		}
		return envelopeFromResticResult("raw", res)
	})
}
