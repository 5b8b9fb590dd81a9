package definition

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.starlark.net/starlark"
)

// Defaults for CheckEvaluator.
const (
	DefaultCheckTimeout  = 5 * time.Second
	DefaultCheckMaxSteps = 100000
)

// CheckInput is what a post-check expression sees.
type CheckInput struct {
	Properties json.RawMessage
	State      string
	Tags       map[string]string
}

// CheckResult is the outcome of one post-check expression.
type CheckResult struct {
	Expression string `json:"expression"`
	Passed     bool   `json:"passed"`
	Error      string `json:"error,omitempty"`
}

// CheckEvaluator runs post-check expressions in Starlark. Each expression is
// evaluated with resource (the subject's properties), state (its
// provisioning state) and tags bound, and must evaluate to True.
type CheckEvaluator struct {
	timeout  time.Duration
	maxSteps uint64
}

// NewCheckEvaluator creates an evaluator. Zero values select the defaults.
func NewCheckEvaluator(timeout time.Duration, maxSteps uint64) *CheckEvaluator {
	if timeout == 0 {
		timeout = DefaultCheckTimeout
	}
	if maxSteps == 0 {
		maxSteps = DefaultCheckMaxSteps
	}
	return &CheckEvaluator{timeout: timeout, maxSteps: maxSteps}
}

// EvaluateAll runs every expression in order and stops at the first one that
// does not pass. The returned error describes that expression.
func (ce *CheckEvaluator) EvaluateAll(ctx context.Context, exprs []string, in CheckInput) ([]CheckResult, error) {
	env, err := checkEnv(in)
	if err != nil {
		return nil, err
	}

	results := make([]CheckResult, 0, len(exprs))
	for _, expr := range exprs {
		res := CheckResult{Expression: expr}
		passed, err := ce.eval(ctx, expr, env)
		res.Passed = passed
		if err != nil {
			res.Error = err.Error()
		}
		results = append(results, res)

		switch {
		case err != nil:
			return results, fmt.Errorf("post-check %q: %w", expr, err)
		case !passed:
			return results, fmt.Errorf("post-check %q evaluated to False", expr)
		}
	}
	return results, nil
}

// Evaluate runs a single expression.
func (ce *CheckEvaluator) Evaluate(ctx context.Context, expr string, in CheckInput) (bool, error) {
	env, err := checkEnv(in)
	if err != nil {
		return false, err
	}
	return ce.eval(ctx, expr, env)
}

func (ce *CheckEvaluator) eval(ctx context.Context, expr string, env starlark.StringDict) (bool, error) {
	evalCtx, cancel := context.WithTimeout(ctx, ce.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  "post-check",
		Print: func(_ *starlark.Thread, _ string) {},
	}
	thread.SetMaxExecutionSteps(ce.maxSteps)

	type outcome struct {
		val starlark.Value
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		val, err := starlark.Eval(thread, "post-check", expr, env)
		done <- outcome{val: val, err: err}
	}()

	var out outcome
	select {
	case <-evalCtx.Done():
		thread.Cancel("timeout")
		<-done
		return false, fmt.Errorf("check timed out after %v", ce.timeout)
	case out = <-done:
	}
	if out.err != nil {
		return false, out.err
	}

	b, ok := out.val.(starlark.Bool)
	if !ok {
		return false, fmt.Errorf("check must evaluate to a bool, got %s", out.val.Type())
	}
	return bool(b), nil
}

func checkEnv(in CheckInput) (starlark.StringDict, error) {
	var props interface{} = map[string]interface{}{}
	if len(bytes.TrimSpace(in.Properties)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(in.Properties))
		dec.UseNumber()
		if err := dec.Decode(&props); err != nil {
			return nil, fmt.Errorf("failed to decode resource properties: %w", err)
		}
	}
	resource, err := toStarlarkValue(props)
	if err != nil {
		return nil, fmt.Errorf("failed to convert resource properties: %w", err)
	}

	tags := starlark.NewDict(len(in.Tags))
	for k, v := range in.Tags {
		if err := tags.SetKey(starlark.String(k), starlark.String(v)); err != nil {
			return nil, err
		}
	}

	return starlark.StringDict{
		"resource": resource,
		"state":    starlark.String(in.State),
		"tags":     tags,
		"lookup":   starlark.NewBuiltin("lookup", builtinLookup),
	}, nil
}

// builtinLookup implements lookup(value, "a.b.c", default=None): a nested
// dict walk that returns default when any key is missing.
func builtinLookup(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		value starlark.Value
		path  string
		def   starlark.Value = starlark.None
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "value", &value, "path", &path, "default?", &def); err != nil {
		return nil, err
	}

	current := value
	for _, key := range strings.Split(path, ".") {
		m, ok := current.(starlark.Mapping)
		if !ok {
			return def, nil
		}
		next, found, err := m.Get(starlark.String(key))
		if err != nil {
			return nil, err
		}
		if !found {
			return def, nil
		}
		current = next
	}
	return current, nil
}

// toStarlarkValue converts decoded JSON to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return starlark.MakeInt64(i), nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, err
		}
		return starlark.Float(f), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}
