// Package policy evaluates operation definitions against Open Policy Agent
// (Rego) policies before the executor runs any step.
//
// The Engine compiles each policy once and queries the `deny` set of its
// package. Every deny entry is either a string or an object:
//
//	{"message": "...", "severity": "error", "remediation": "..."}
//
// Violations with severity error or critical block the operation. Any
// other severity is returned as a warning, which the executor writes to
// the operation log.
//
// # Input
//
// Policies see this document as `input`:
//
//	{
//	  "operation": { ...the definition, as JSON... },
//	  "hosts": ["jump01", "jump02"],
//	  "context": {"timestamp": "2026-03-01T12:00:00Z"}
//	}
//
// # Built-in Policies
//
//   - definition_steps: an operation must declare at least one step
//   - destructive_rollback: delete, drain and remove operations need
//     rollback steps or allow_destructive: true
//   - duration_bounds: duration.timeout must be >= duration.expected
//   - remote_targets: every step target must be a configured host
//
// They live under package lattice.builtin.<name> and cannot be shadowed by
// custom policies.
//
// # Custom Policies
//
// Files ending in .rego or .json are loaded from the configured policy
// directory. A .rego file is named after its file; its leading comments
// become the description and an optional "# severity: error" comment sets
// the default severity (warning otherwise):
//
//	# Create operations must name their subject resource.
//	# severity: error
//	package lattice.custom.subject
//
//	import rego.v1
//
//	deny contains msg if {
//	    input.operation.kind == "create"
//	    not input.operation.resource
//	    msg := "create operations must declare resource"
//	}
//
// Engine.Watch reloads the directory with fsnotify when files change. A
// reload that fails to compile keeps the previous policy set.
package policy
