package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/lattice-ops/lattice/pkg/definition"
	"github.com/lattice-ops/lattice/pkg/stores"
	"github.com/lattice-ops/lattice/pkg/telemetry"
)

// PostCheckStep is the step name recorded when a post-check fails.
const PostCheckStep = "post-check"

const outputTail = 64 << 10

// ExecuteOptions tune one execution.
type ExecuteOptions struct {
	// Force skips the policy gate, prerequisite and cycle checks.
	Force bool

	// ParentExecutionID links the execution to the one that spawned it.
	ParentExecutionID string
}

// Executor drives operations through validation, sequential steps, rollback
// and a terminal state.
type Executor struct {
	store      Store
	cache      ResourceCache
	cycles     CycleChecker
	runner     StepRunner
	artifacts  *Artifacts
	policy     PolicyGate
	checks     *definition.CheckEvaluator
	classifier *PatternClassifier
	now        func() time.Time

	tel    *telemetry.Telemetry
	logger *telemetry.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithPolicy installs the policy gate evaluated before prerequisites.
func WithPolicy(p PolicyGate) Option {
	return func(e *Executor) { e.policy = p }
}

// WithCheckEvaluator replaces the post-check evaluator.
func WithCheckEvaluator(c *definition.CheckEvaluator) Option {
	return func(e *Executor) { e.checks = c }
}

// WithClassifier replaces the error pattern classifier.
func WithClassifier(c *PatternClassifier) Option {
	return func(e *Executor) { e.classifier = c }
}

// WithClock injects the clock used for timestamps and durations.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithTelemetry attaches logging, metrics, tracing and events.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(e *Executor) { e.tel = tel }
}

// NewExecutor wires an executor. cycles may be nil to skip cycle checks.
func NewExecutor(store Store, cache ResourceCache, cycles CycleChecker, runner StepRunner, artifacts *Artifacts, opts ...Option) *Executor {
	e := &Executor{
		store:     store,
		cache:     cache,
		cycles:    cycles,
		runner:    runner,
		artifacts: artifacts,
		checks:    definition.NewCheckEvaluator(0, 0),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tel == nil {
		e.tel = telemetry.NewNopTelemetry()
	}
	if e.classifier == nil {
		e.classifier, _ = NewPatternClassifier()
	}
	e.logger = e.tel.Logger.NewComponentLogger("executor")
	return e
}

// ExecuteDocument parses a YAML definition and executes it.
func (e *Executor) ExecuteDocument(ctx context.Context, data []byte, opts ExecuteOptions) (*stores.Operation, error) {
	def, err := definition.Parse(data)
	if err != nil {
		return nil, NewDefinitionError(err)
	}
	return e.Execute(ctx, def, opts)
}

// Execute creates an operation record for def and runs it to a terminal
// state. Step and rollback failures are recorded, not returned: the error is
// non-nil only for an invalid definition (nothing recorded) or an
// unavailable store (record left in its last committed state).
func (e *Executor) Execute(ctx context.Context, def *definition.Definition, opts ExecuteOptions) (*stores.Operation, error) {
	if def == nil {
		return nil, NewDefinitionError(errors.New("definition is nil"))
	}
	if err := definition.Validate(def); err != nil {
		return nil, NewDefinitionError(err)
	}
	serialized, err := def.Marshal()
	if err != nil {
		return nil, NewDefinitionError(err)
	}

	now := e.now()
	op := &stores.Operation{
		ExecutionID: NewExecutionID(def.ID, now),
		OperationID: def.ID,
		Capability:  def.Capability,
		Name:        def.Name,
		Kind:        def.Kind,
		Status:      stores.OperationStatusPending,
		TotalSteps:  len(def.Steps),
		MaxRetries:  def.EffectiveMaxRetries(),
		Definition:  serialized,
	}
	if def.Resource != "" {
		op.ResourceID = &def.Resource
	}
	if opts.ParentExecutionID != "" {
		op.ParentExecutionID = &opts.ParentExecutionID
	}
	if err := e.store.CreateOperation(ctx, op); err != nil {
		return nil, NewStoreUnavailableError("create operation", err).WithOperation(op.ExecutionID)
	}

	run := e.newRun(op, def)
	if err := run.logf(ctx, stores.LogLevelInfo, nil, nil, "operation %s created (%d steps)", def.ID, len(def.Steps)); err != nil {
		return op, err
	}
	return e.execute(ctx, run, opts.Force)
}

// Retry re-runs a failed or blocked execution with its stored definition.
// Once retry_count has reached max_retries the record is left unchanged and
// an error matching ErrRetriesExhausted is returned.
func (e *Executor) Retry(ctx context.Context, executionID string) (*stores.Operation, error) {
	op, err := e.store.GetOperation(ctx, executionID)
	if err != nil {
		return nil, classifyStoreError("load operation", err)
	}
	def, err := definition.Unmarshal(op.Definition)
	if err != nil {
		return op, NewDefinitionError(err).WithOperation(executionID)
	}

	reset, err := e.store.ResetForRetry(ctx, executionID)
	if err != nil {
		if reset == nil {
			reset = op
		}
		return reset, classifyStoreError("reset operation", err)
	}
	e.tel.Metrics.RecordRetry(reset.Capability)

	run := e.newRun(reset, def)
	if err := run.logf(ctx, stores.LogLevelInfo, nil, map[string]interface{}{"retry": reset.RetryCount, "max_retries": reset.MaxRetries},
		"retry %d of %d", reset.RetryCount, reset.MaxRetries); err != nil {
		return reset, err
	}
	return e.execute(ctx, run, false)
}

// run is the state of one attempt.
type run struct {
	e       *Executor
	op      *stores.Operation
	def     *definition.Definition
	attempt int
	logger  *telemetry.Logger
	// running is set while the operation is counted in the running gauge.
	running bool
}

func (e *Executor) newRun(op *stores.Operation, def *definition.Definition) *run {
	logger := e.logger.WithExecutionID(op.ExecutionID)
	if def.Resource != "" {
		logger = logger.WithResourceID(def.Resource)
	}
	return &run{e: e, op: op, def: def, attempt: op.RetryCount, logger: logger}
}

// failure describes why the forward phase stopped.
type failure struct {
	index   int
	name    string
	err     error
	output  string
	code    string
	hint    string
	message string
}

func (e *Executor) execute(ctx context.Context, r *run, force bool) (*stores.Operation, error) {
	ctx, span := e.tel.Tracer.StartOperationSpan(ctx, r.op.ExecutionID, r.op.OperationID, r.op.Capability)
	defer span.End()

	// Records are written even after the caller cancels. Cancellation stops
	// the forward phase between steps and nothing else.
	work := ctx
	ctx = context.WithoutCancel(ctx)

	started := e.now()
	_ = e.tel.Events.PublishOperationStarted(r.op.ExecutionID, r.op.OperationID, r.def.Resource)

	if !force {
		blocked, err := r.gate(ctx)
		if err != nil {
			telemetry.RecordError(span, err)
			return e.reload(ctx, r.op), err
		}
		if blocked != nil {
			err := r.finish(ctx, started, stores.OperationStatusBlocked, blocked)
			span.SetAttributes(telemetry.AttrStatus.String(string(stores.OperationStatusBlocked)), telemetry.AttrErrorCode.String(blocked.code))
			return e.reload(ctx, r.op), err
		}
	} else {
		if err := r.logf(ctx, stores.LogLevelWarning, nil, nil, "forced execution: policy, prerequisite and cycle checks skipped"); err != nil {
			return e.reload(ctx, r.op), err
		}
	}

	if err := e.store.StartOperation(ctx, r.op.ExecutionID, e.now()); err != nil {
		err = classifyStoreError("start operation", err)
		telemetry.RecordError(span, err)
		return e.reload(ctx, r.op), err
	}
	e.tel.Metrics.RecordOperationStarted(r.op.Capability)
	r.running = true
	defer func() {
		if r.running {
			e.tel.Metrics.RecordOperationAbandoned(r.op.Capability)
		}
	}()
	r.logger.Info("operation started")

	abort, err := r.forward(ctx, work)
	if err != nil {
		telemetry.RecordError(span, err)
		return e.reload(ctx, r.op), err
	}
	if abort == nil {
		abort, err = r.complete(ctx)
		if err != nil {
			telemetry.RecordError(span, err)
			return e.reload(ctx, r.op), err
		}
	}

	if abort != nil {
		if err := r.rollback(ctx, abort); err != nil {
			telemetry.RecordError(span, err)
			return e.reload(ctx, r.op), err
		}
		err := r.finish(ctx, started, stores.OperationStatusFailed, abort)
		span.SetAttributes(telemetry.AttrStatus.String(string(stores.OperationStatusFailed)), telemetry.AttrErrorCode.String(abort.code))
		telemetry.RecordError(span, errors.New(abort.message))
		return e.reload(ctx, r.op), err
	}

	if err := r.finish(ctx, started, stores.OperationStatusCompleted, nil); err != nil {
		return e.reload(ctx, r.op), err
	}
	span.SetAttributes(telemetry.AttrStatus.String(string(stores.OperationStatusCompleted)))
	telemetry.RecordSuccess(span)
	return e.reload(ctx, r.op), nil
}

// reload returns the stored record, or op itself when the store cannot
// answer.
func (e *Executor) reload(ctx context.Context, op *stores.Operation) *stores.Operation {
	fresh, err := e.store.GetOperation(ctx, op.ExecutionID)
	if err != nil {
		return op
	}
	return fresh
}

// forward runs the declared steps in order. It returns the failure that
// stopped the phase, or nil when every step either succeeded or was allowed
// to fail. work carries the caller's cancellation.
func (r *run) forward(ctx, work context.Context) (*failure, error) {
	total := len(r.def.Steps)
	for i, step := range r.def.Steps {
		if err := work.Err(); err != nil {
			return &failure{
				index:   i,
				name:    step.Name,
				err:     err,
				code:    CodeStepFailed,
				message: fmt.Sprintf("cancelled before step %d (%s): %v", i, step.Name, err),
			}, nil
		}

		res, err := r.runStep(ctx, work, stores.StepPhaseForward, i, step.Name, step.Command, step.Target)
		if err != nil {
			return nil, err
		}
		if err := r.e.store.UpdateOperationProgress(ctx, r.op.ExecutionID, i+1, total, step.Name); err != nil {
			return nil, classifyStoreError("update progress", err)
		}
		if res.err == nil {
			continue
		}

		if step.ContinueOnError {
			if err := r.logf(ctx, stores.LogLevelWarning, &i, map[string]interface{}{"log_file": res.logFile},
				"step %d (%s) failed, continuing: %v", i, step.Name, res.err); err != nil {
				return nil, err
			}
			continue
		}
		return r.classify(i, step.Name, res), nil
	}
	return nil, nil
}

// complete runs post-checks and resource bookkeeping after the last step.
func (r *run) complete(ctx context.Context) (*failure, error) {
	subject := r.def.Resource
	var input definition.CheckInput
	if subject != "" {
		res, err := r.e.cache.Refresh(ctx, subject)
		switch {
		case err == nil:
			input = definition.CheckInput{Properties: res.Properties, State: res.ProvisioningState, Tags: res.Tags}
		case IsStoreUnavailable(err):
			return nil, classifyStoreError("refresh subject", err)
		case len(r.def.Validation.PostChecks) > 0:
			return r.postCheckFailure(fmt.Errorf("refresh %s: %w", subject, err)), nil
		default:
			if err := r.logf(ctx, stores.LogLevelWarning, nil, nil, "failed to refresh %s: %v", subject, err); err != nil {
				return nil, err
			}
		}
	}

	if checks := r.def.Validation.PostChecks; len(checks) > 0 {
		results, err := r.e.checks.EvaluateAll(ctx, checks, input)
		details := map[string]interface{}{"results": results}
		if err != nil {
			idx := len(r.def.Steps)
			if logErr := r.logf(ctx, stores.LogLevelError, &idx, details, "post-check failed: %v", err); logErr != nil {
				return nil, logErr
			}
			return r.postCheckFailure(err), nil
		}
		if err := r.logf(ctx, stores.LogLevelInfo, nil, details, "%d post-check(s) passed", len(results)); err != nil {
			return nil, err
		}
	}

	if subject != "" {
		switch r.def.Kind {
		case "create":
			r.track(ctx, "created", r.e.cache.MarkCreated)
			r.track(ctx, "managed", r.e.cache.MarkManaged)
		case "adopt":
			r.track(ctx, "managed", r.e.cache.MarkManaged)
		}
	}
	return nil, nil
}

func (r *run) track(ctx context.Context, what string, mark func(context.Context, string) error) {
	if err := mark(ctx, r.def.Resource); err != nil {
		r.logger.WithError(err).Warnf("failed to mark resource %s", what)
		_ = r.logf(ctx, stores.LogLevelWarning, nil, nil, "failed to mark %s as %s: %v", r.def.Resource, what, err)
	}
}

func (r *run) postCheckFailure(err error) *failure {
	return &failure{
		index:   len(r.def.Steps),
		name:    PostCheckStep,
		err:     err,
		code:    CodeStepFailed,
		message: err.Error(),
	}
}

// classify fills the failure code from the error pattern catalog.
func (r *run) classify(index int, name string, res stepResult) *failure {
	f := &failure{
		index:   index,
		name:    name,
		err:     res.err,
		output:  res.output,
		code:    CodeStepFailed,
		message: fmt.Sprintf("step %d (%s) failed: %v", index, name, res.err),
	}
	if m, ok := r.e.classifier.Classify(res.output); ok {
		f.code = m.Code
		f.hint = m.Hint
		f.message += ": " + m.Excerpt
	}
	return f
}

// stepResult is the outcome of one command.
type stepResult struct {
	err      error
	exitCode int
	output   string
	logFile  string
}

// runStep records, runs and logs one command. The returned error is a store
// failure; the command's own failure is in stepResult.err.
func (r *run) runStep(ctx, work context.Context, phase stores.StepPhase, index int, name, command, target string) (stepResult, error) {
	e := r.e
	logger := r.logger.WithStep(index, name).WithField("phase", string(phase))
	started := e.now()
	logPath := e.artifacts.StepLogPath(r.op.ExecutionID, phase, index, name, r.attempt)

	rec := &stores.StepRecord{
		ExecutionID: r.op.ExecutionID,
		Phase:       phase,
		Index:       index,
		Name:        name,
		Status:      stores.StepStatusRunning,
		LogFile:     &logPath,
		StartedAt:   started,
	}
	if err := e.store.UpsertStepRecord(ctx, rec); err != nil {
		return stepResult{}, classifyStoreError("record step", err)
	}

	_, span := e.tel.Tracer.StartStepSpan(ctx, string(phase), index, name)
	defer span.End()
	if target != "" {
		span.SetAttributes(telemetry.AttrTarget.String(target))
	}
	stepCtx := trace.ContextWithSpan(work, span)

	tail := newTailBuffer(outputTail)
	var out io.Writer = tail
	logFile, err := e.artifacts.CreateStepLog(logPath)
	if err != nil {
		logger.WithError(err).Warn("step output will not be persisted")
		logPath = ""
		rec.LogFile = nil
	} else {
		defer logFile.Close()
		fmt.Fprintf(logFile, "# %s step %d: %s\n", phase, index+1, name)
		if target != "" {
			fmt.Fprintf(logFile, "# target: %s\n", target)
		}
		fmt.Fprintf(logFile, "$ %s\n", command)
		out = io.MultiWriter(logFile, tail)
	}

	exitCode, runErr := e.runner.Run(stepCtx, Command{
		ExecutionID: r.op.ExecutionID,
		Phase:       phase,
		Index:       index,
		Name:        name,
		Command:     command,
		Target:      target,
	}, out)

	completed := e.now()
	duration := completed.Sub(started)
	rec.CompletedAt = &completed
	rec.ExitCode = &exitCode
	rec.Status = stores.StepStatusCompleted
	level := stores.LogLevelInfo
	verb := "completed"
	if runErr != nil {
		msg := runErr.Error()
		rec.Status = stores.StepStatusFailed
		rec.Error = &msg
		level = stores.LogLevelError
		verb = "failed"
		telemetry.RecordError(span, runErr)
	}
	if err := e.store.UpsertStepRecord(ctx, rec); err != nil {
		return stepResult{}, classifyStoreError("record step", err)
	}
	e.tel.Metrics.RecordStep(string(phase), string(rec.Status), duration)

	details := map[string]interface{}{
		"phase":       phase,
		"exit_code":   exitCode,
		"duration_ms": duration.Milliseconds(),
	}
	if logPath != "" {
		details["log_file"] = logPath
	}
	if target != "" {
		details["target"] = target
	}
	if phase == stores.StepPhaseRollback && runErr != nil {
		details["code"] = CodeRollbackStepFailed
	}
	label := "step"
	if phase == stores.StepPhaseRollback {
		label = "rollback step"
	}
	if err := r.logf(ctx, level, &index, details, "%s %d (%s) %s", label, index, name, verb); err != nil {
		return stepResult{}, err
	}

	if timeout := r.advisoryTimeout(); timeout > 0 && duration > timeout {
		if err := r.logf(ctx, stores.LogLevelWarning, &index, map[string]interface{}{"timeout_s": timeout.Seconds()},
			"%s %d (%s) ran for %s, past the advisory timeout of %s", label, index, name, duration, timeout); err != nil {
			return stepResult{}, err
		}
	}

	logger.WithField("exit_code", exitCode).Debugf("step %s", verb)
	return stepResult{err: runErr, exitCode: exitCode, output: tail.String(), logFile: logPath}, nil
}

func (r *run) advisoryTimeout() time.Duration {
	if r.def.Duration == nil {
		return 0
	}
	return time.Duration(r.def.Duration.Timeout) * time.Second
}

// finish writes the terminal state. f is nil for a completed operation.
func (r *run) finish(ctx context.Context, started time.Time, status stores.OperationStatus, f *failure) error {
	e := r.e
	completed := e.now()
	duration := completed.Sub(started)
	outcome := stores.OperationOutcome{
		Status:      status,
		CompletedAt: completed,
		Duration:    duration,
	}

	reason := ""
	if f != nil {
		msg, code := f.message, f.code
		outcome.ErrorMessage = &msg
		outcome.ErrorCode = &code
		reason = msg
		if status == stores.OperationStatusFailed {
			idx := f.index
			outcome.FailedStep = &idx
			details := map[string]interface{}{"code": code, "failed_step": idx, "step": f.name}
			if f.hint != "" {
				details["hint"] = f.hint
			}
			if err := r.logf(ctx, stores.LogLevelError, &idx, details, "operation failed: %s", msg); err != nil {
				return err
			}
		}
		e.tel.Metrics.RecordError(code)
	}

	if err := e.store.FinishOperation(ctx, r.op.ExecutionID, outcome); err != nil {
		return classifyStoreError("finish operation", err)
	}

	e.tel.Metrics.RecordOperationFinished(r.op.Capability, string(status), duration, r.running)
	r.running = false
	_ = e.tel.Events.PublishOperationFinished(r.op.ExecutionID, string(status), duration, reason)

	logger := r.logger.WithFields(map[string]interface{}{"status": status, "duration_ms": duration.Milliseconds()})
	switch status {
	case stores.OperationStatusCompleted:
		logger.Info("operation completed")
	case stores.OperationStatusBlocked:
		logger.Warnf("operation blocked: %s", reason)
	default:
		logger.Errorf("operation failed: %s", reason)
	}
	return nil
}

// logf appends an operation log entry.
func (r *run) logf(ctx context.Context, level stores.LogLevel, step *int, details map[string]interface{}, format string, args ...interface{}) error {
	entry := &stores.OperationLogEntry{
		ExecutionID: r.op.ExecutionID,
		Level:       level,
		Message:     fmt.Sprintf(format, args...),
		StepIndex:   step,
		Timestamp:   r.e.now(),
	}
	if len(details) > 0 {
		data, err := json.Marshal(details)
		if err == nil {
			s := string(data)
			entry.Details = &s
		}
	}
	if err := r.e.store.AppendOperationLog(ctx, entry); err != nil {
		return classifyStoreError("append operation log", err)
	}
	return nil
}

func joinLines(lines []string) string {
	return strings.Join(lines, "; ")
}
