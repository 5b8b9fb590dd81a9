package definition

import (
	"fmt"
	"strings"
)

const operationSchemaTemplate = `
#Step: {
	name:               string & !=""
	command:            string & !=""
	continue_on_error?: bool
	target?:            string & =~"^[A-Za-z0-9._-]+$"
}

#RollbackStep: {
	name:    string & !=""
	command: string & !=""
	target?: string & =~"^[A-Za-z0-9._-]+$"
}

#Parameter: {
	name:         string & =~"^[A-Za-z_][A-Za-z0-9_-]*$"
	type:         string & !=""
	description?: string
}

#Operation: {
	id:             string & =~"^[A-Za-z0-9][A-Za-z0-9._-]*$"
	name:           string & !=""
	description?:   string
	capability?:    %s
	kind:           %s
	resource_type?: string
	resource?:      string & =~"^/group/[A-Za-z0-9._()-]+/type/[A-Za-z0-9._()-]+/name/[A-Za-z0-9._()-]+$"

	duration?: {
		expected: int & >0
		timeout:  int & >0 & >=expected
		type:     %s
	}

	prerequisites?: {
		operations?: [...string & !=""]
		resources?: [...string]
	}

	steps?: [...#Step]

	rollback?: {
		enabled?: bool
		steps?: [...#RollbackStep]
	}

	parameters?: {
		required?: [...#Parameter]
		optional?: [...#Parameter]
	}

	validation?: {
		post_checks?: [...string & !=""]
	}

	max_retries?:       int & >=0 & <=10
	allow_destructive?: bool
	metadata?: {...}
}
`

// operationSchema renders the #Operation CUE schema with the enumerations
// shared with the struct validator.
func operationSchema() string {
	return fmt.Sprintf(operationSchemaTemplate,
		disjunction(Capabilities), disjunction(Kinds), disjunction(DurationTypes))
}

func disjunction(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = fmt.Sprintf("%q", v)
	}
	return strings.Join(quoted, " | ")
}
