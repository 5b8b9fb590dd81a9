// Package engine drives operation definitions through their lifecycle.
//
// # Lifecycle
//
// An execution moves through these states:
//
//	pending -> running -> completed
//	                   -> failed   (after rollback)
//	pending -> blocked            (policy, prerequisite or cycle check)
//	failed|blocked -> pending     (Retry, bounded by max_retries)
//
// The store enforces each transition with a conditional update, so two
// writers can never both move the same execution.
//
// # Executor
//
// Executor.Execute validates the definition, records a pending operation and
// then runs the gate:
//
//   - the PolicyGate, when configured;
//   - operation prerequisites, satisfied by a completed execution whose
//     execution id or operation id matches;
//   - resource prerequisites, resolved through the ResourceCache;
//   - a cycle check on the subject resource through the CycleChecker.
//
// Steps then run one at a time through a StepRunner. Output is streamed to
// a step log under the artifact directory and every step has a StepRecord.
// When a step fails without continue_on_error, or a post-check fails, the
// rollback steps run in reverse declaration order and a rollback script is
// written for manual recovery.
//
// # Errors
//
// Step and rollback failures are recorded on the operation and never
// returned. Execute returns an error only for an invalid definition, in
// which case nothing is recorded, or when the store is unavailable. Errors
// are *EngineError values carrying a class and a code:
//
//	op, err := exec.Execute(ctx, def, engine.ExecuteOptions{})
//	switch {
//	case engine.IsDefinitionError(err):
//	    // fix the document
//	case engine.IsStoreUnavailable(err):
//	    // op holds the last committed state
//	case op.Status == stores.OperationStatusFailed:
//	    // see op.ErrorCode, op.FailedStep and op.RollbackArtifact
//	}
//
// PatternClassifier maps failed step output to a more specific error code
// such as QUOTA_EXCEEDED, with a remediation hint in the operation log.
//
// # Batches
//
// BatchRunner levels a set of definitions by their operation prerequisites
// and runs each level on a bounded worker pool.
package engine
