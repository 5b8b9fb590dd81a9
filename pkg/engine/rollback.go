package engine

import (
	"context"

	"github.com/lattice-ops/lattice/pkg/stores"
)

// rollback compensates for an aborted forward phase. Rollback steps run in
// reverse declaration order and a failing step does not stop the rest. The
// script artifact is written whether or not the steps ran.
func (r *run) rollback(ctx context.Context, f *failure) error {
	e := r.e
	steps := r.def.Rollback.Steps
	if len(steps) == 0 {
		return r.logf(ctx, stores.LogLevelInfo, nil, nil, "no rollback steps declared")
	}

	if r.def.Rollback.IsEnabled() {
		_ = e.tel.Events.PublishRollbackStarted(r.op.ExecutionID, len(steps))
		if err := r.logf(ctx, stores.LogLevelInfo, nil, map[string]interface{}{"steps": len(steps)},
			"rolling back %d step(s)", len(steps)); err != nil {
			return err
		}

		failed := 0
		for i := len(steps) - 1; i >= 0; i-- {
			step := steps[i]
			res, err := r.runStep(ctx, ctx, stores.StepPhaseRollback, i, step.Name, step.Command, step.Target)
			if err != nil {
				return err
			}
			if res.err != nil {
				failed++
				r.logger.WithStep(i, step.Name).WithError(res.err).Error("rollback step failed")
			}
		}
		level := stores.LogLevelInfo
		if failed > 0 {
			level = stores.LogLevelError
		}
		if err := r.logf(ctx, level, nil, map[string]interface{}{"failed": failed},
			"rollback finished, %d of %d step(s) failed", failed, len(steps)); err != nil {
			return err
		}
	} else {
		if err := r.logf(ctx, stores.LogLevelWarning, nil, nil,
			"automatic rollback disabled; %d rollback step(s) not run", len(steps)); err != nil {
			return err
		}
	}

	path := e.artifacts.RollbackPath(r.op.ExecutionID, r.attempt)
	script := RollbackScript{
		OperationName:  r.def.Name,
		OperationID:    r.def.ID,
		ExecutionID:    r.op.ExecutionID,
		GeneratedAt:    e.now(),
		FailedStep:     f.index,
		FailedStepName: f.name,
		Enabled:        r.def.Rollback.IsEnabled(),
		Steps:          steps,
	}
	if err := e.artifacts.WriteRollback(path, script); err != nil {
		r.logger.WithError(err).Warn("rollback artifact not written")
		return r.logf(ctx, stores.LogLevelWarning, nil, nil, "rollback artifact not written: %v", err)
	}
	if err := e.store.SetRollbackArtifact(ctx, r.op.ExecutionID, path); err != nil {
		return classifyStoreError("record rollback artifact", err)
	}
	return r.logf(ctx, stores.LogLevelInfo, nil, map[string]interface{}{"rollback_artifact": path},
		"rollback script written to %s", path)
}
