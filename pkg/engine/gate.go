package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/lattice-ops/lattice/pkg/cache"
	"github.com/lattice-ops/lattice/pkg/cloud"
	"github.com/lattice-ops/lattice/pkg/resourceid"
	"github.com/lattice-ops/lattice/pkg/stores"
)

// gate runs the policy, prerequisite and cycle checks in that order. A
// non-nil failure blocks the operation; the error is a store failure.
func (r *run) gate(ctx context.Context) (*failure, error) {
	for _, check := range []func(context.Context) (*failure, error){r.checkPolicy, r.checkPrerequisites, r.checkCycles} {
		f, err := check(ctx)
		if err != nil || f != nil {
			return f, err
		}
	}
	return nil, nil
}

func (r *run) checkPolicy(ctx context.Context) (*failure, error) {
	e := r.e
	if e.policy == nil {
		return nil, nil
	}

	result, err := e.policy.EvaluateDefinition(ctx, r.def)
	if err != nil {
		pe := NewPolicyDeniedError([]string{err.Error()})
		if logErr := r.logf(ctx, stores.LogLevelError, nil, map[string]interface{}{"code": pe.Code}, "policy evaluation failed: %v", err); logErr != nil {
			return nil, logErr
		}
		return &failure{code: pe.Code, err: err, message: "policy evaluation failed: " + err.Error()}, nil
	}

	if result == nil {
		return nil, nil
	}
	for _, w := range result.Warnings {
		if err := r.logf(ctx, stores.LogLevelWarning, nil, map[string]interface{}{"policy": w.Policy, "severity": w.Severity},
			"policy %s: %s", w.Policy, w.Message); err != nil {
			return nil, err
		}
	}
	if result.Allowed && len(result.Violations) == 0 {
		return nil, nil
	}

	messages := make([]string, 0, len(result.Violations))
	for _, v := range result.Violations {
		messages = append(messages, fmt.Sprintf("%s: %s", v.Policy, v.Message))
		details := map[string]interface{}{"policy": v.Policy, "code": CodePolicyDenied}
		if v.Remediation != "" {
			details["remediation"] = v.Remediation
		}
		if err := r.logf(ctx, stores.LogLevelError, nil, details, "policy %s denied: %s", v.Policy, v.Message); err != nil {
			return nil, err
		}
		_ = e.tel.Events.PublishPolicyDenied(r.op.ExecutionID, v.Policy, v.Message)
	}
	pe := NewPolicyDeniedError(messages)
	return &failure{code: pe.Code, err: pe, message: pe.Message + ": " + joinLines(messages)}, nil
}

// checkPrerequisites collects every unmet prerequisite before deciding.
func (r *run) checkPrerequisites(ctx context.Context) (*failure, error) {
	e := r.e
	var unmet []string

	for _, ref := range r.def.Prerequisites.Operations {
		_, err := e.store.FindCompletedOperation(ctx, ref)
		switch {
		case err == nil:
			continue
		case errors.Is(err, stores.ErrNotFound):
			unmet = append(unmet, fmt.Sprintf("operation %s has not completed", ref))
		default:
			return nil, classifyStoreError("look up prerequisite operation", err)
		}
	}

	for _, ref := range r.def.Prerequisites.Resources {
		id, err := resourceid.Parse(ref)
		if err != nil {
			unmet = append(unmet, fmt.Sprintf("resource %s is not a valid identity", ref))
			continue
		}
		_, err = e.cache.Get(ctx, id.Type, id.Name, id.Group)
		switch {
		case err == nil:
			continue
		case IsStoreUnavailable(err):
			return nil, classifyStoreError("look up prerequisite resource", err)
		case errors.Is(err, cache.ErrNotFound), errors.Is(err, cloud.ErrNotFound), errors.Is(err, stores.ErrNotFound):
			unmet = append(unmet, fmt.Sprintf("resource %s does not exist", ref))
		default:
			unmet = append(unmet, fmt.Sprintf("resource %s could not be resolved: %v", ref, err))
		}
	}

	if len(unmet) == 0 {
		return nil, nil
	}
	for _, msg := range unmet {
		if err := r.logf(ctx, stores.LogLevelWarning, nil, map[string]interface{}{"code": CodePrerequisiteNotMet},
			"prerequisite not met: %s", msg); err != nil {
			return nil, err
		}
	}
	pe := NewPrerequisiteError(unmet)
	return &failure{code: pe.Code, err: pe, message: pe.Message + ": " + joinLines(unmet)}, nil
}

func (r *run) checkCycles(ctx context.Context) (*failure, error) {
	if r.e.cycles == nil || r.def.Resource == "" {
		return nil, nil
	}
	cycles, err := r.e.cycles.CyclesThrough(ctx, r.def.Resource)
	if err != nil {
		if IsStoreUnavailable(err) {
			return nil, classifyStoreError("check dependency cycles", err)
		}
		return nil, r.logf(ctx, stores.LogLevelWarning, nil, nil, "cycle check skipped: %v", err)
	}
	if len(cycles) == 0 {
		return nil, nil
	}

	paths := make([]string, len(cycles))
	for i, c := range cycles {
		paths[i] = c.String()
	}
	ce := NewCycleError(r.def.Resource, paths)
	if err := r.logf(ctx, stores.LogLevelError, nil, map[string]interface{}{"code": ce.Code, "cycles": paths},
		"%s is part of %d dependency cycle(s)", r.def.Resource, len(cycles)); err != nil {
		return nil, err
	}
	return &failure{code: ce.Code, err: ce, message: ce.Message + ": " + joinLines(paths)}, nil
}
