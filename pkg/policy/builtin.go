package policy

import (
	"time"
)

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	now := time.Now()
	policies := []Policy{
		definitionStepsPolicy(),
		destructiveRollbackPolicy(),
		durationBoundsPolicy(),
		remoteTargetsPolicy(),
	}
	for i := range policies {
		policies[i].Builtin = true
		policies[i].Enabled = true
		policies[i].CreatedAt = now
		policies[i].UpdatedAt = now
	}
	return policies
}

func definitionStepsPolicy() Policy {
	return Policy{
		Name:        "definition_steps",
		Description: "An operation must declare at least one step",
		Severity:    SeverityError,
		Tags:        []string{"structure"},
		Rego: `package lattice.builtin.definition_steps

import rego.v1

deny contains violation if {
	count(object.get(input.operation, "steps", [])) == 0
	violation := {
		"message": sprintf("operation %s declares no steps", [input.operation.id]),
		"severity": "error",
		"remediation": "add at least one entry under steps",
	}
}
`,
	}
}

func destructiveRollbackPolicy() Policy {
	return Policy{
		Name:        "destructive_rollback",
		Description: "Destructive operations must declare rollback steps or opt in with allow_destructive",
		Severity:    SeverityError,
		Tags:        []string{"safety", "rollback"},
		Rego: `package lattice.builtin.destructive_rollback

import rego.v1

destructive := {"delete", "drain", "remove"}

deny contains violation if {
	input.operation.kind in destructive
	count(object.get(object.get(input.operation, "rollback", {}), "steps", [])) == 0
	not object.get(input.operation, "allow_destructive", false)
	violation := {
		"message": sprintf("%s operation %s has no rollback steps", [input.operation.kind, input.operation.id]),
		"severity": "error",
		"remediation": "declare rollback.steps or set allow_destructive: true",
	}
}
`,
	}
}

func durationBoundsPolicy() Policy {
	return Policy{
		Name:        "duration_bounds",
		Description: "The declared timeout must not be shorter than the expected duration",
		Severity:    SeverityError,
		Tags:        []string{"duration"},
		Rego: `package lattice.builtin.duration_bounds

import rego.v1

deny contains violation if {
	d := input.operation.duration
	d.timeout < d.expected
	violation := {
		"message": sprintf("operation %s timeout %ds is shorter than expected %ds", [input.operation.id, d.timeout, d.expected]),
		"severity": "error",
		"remediation": "raise duration.timeout to at least duration.expected",
	}
}
`,
	}
}

func remoteTargetsPolicy() Policy {
	return Policy{
		Name:        "remote_targets",
		Description: "Remote steps must name a host known to the configuration",
		Severity:    SeverityError,
		Tags:        []string{"transport"},
		Rego: `package lattice.builtin.remote_targets

import rego.v1

known := {h | some h in object.get(input, "hosts", [])}

steps contains step if {
	some step in object.get(input.operation, "steps", [])
}

steps contains step if {
	some step in object.get(object.get(input.operation, "rollback", {}), "steps", [])
}

deny contains violation if {
	some step in steps
	target := object.get(step, "target", "")
	target != ""
	not target in known
	violation := {
		"message": sprintf("step %s targets unknown host %s", [step.name, target]),
		"severity": "error",
		"remediation": "add the host under hosts in the configuration",
	}
}
`,
	}
}
