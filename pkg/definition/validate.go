package definition

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"

	"github.com/lattice-ops/lattice/pkg/resourceid"
)

var operationIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// validators holds the struct validator and the compiled #Operation schema.
// Both are safe for concurrent use once built.
type validators struct {
	structs   *validator.Validate
	operation cue.Value
}

var loadValidators = sync.OnceValues(func() (*validators, error) {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	if err := v.RegisterValidation("identity", func(fl validator.FieldLevel) bool {
		return resourceid.Valid(fl.Field().String())
	}); err != nil {
		return nil, err
	}
	if err := v.RegisterValidation("opid", func(fl validator.FieldLevel) bool {
		return operationIDPattern.MatchString(fl.Field().String())
	}); err != nil {
		return nil, err
	}

	schema := cuecontext.New().CompileString(operationSchema(), cue.Filename("operation.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile operation schema: %w", err)
	}
	op := schema.LookupPath(cue.ParsePath("#Operation"))
	if err := op.Err(); err != nil {
		return nil, fmt.Errorf("failed to load #Operation: %w", err)
	}
	return &validators{structs: v, operation: op}, nil
})

// Validate checks a definition with the struct tags first and the CUE
// #Operation schema second. Problems from both layers are reported together.
func Validate(d *Definition) error {
	vs, err := loadValidators()
	if err != nil {
		return err
	}

	var problems []string
	if err := vs.structs.Struct(d); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			problems = append(problems, describe(fe))
		}
	}
	problems = append(problems, vs.schemaProblems(d)...)

	if len(problems) > 0 {
		return &DefinitionError{Problems: dedupe(problems)}
	}
	return nil
}

func (vs *validators) schemaProblems(d *Definition) []string {
	data := vs.operation.Context().Encode(d)
	if err := data.Err(); err != nil {
		return []string{fmt.Sprintf("encode: %v", err)}
	}
	unified := vs.operation.Unify(data)
	err := unified.Validate(cue.Concrete(true))
	if err == nil {
		return nil
	}
	var problems []string
	for _, e := range cueerrors.Errors(err) {
		problems = append(problems, strings.TrimSpace(cueerrors.Details(e, nil)))
	}
	return problems
}

// describe turns a validator failure into "path: reason", with the path in
// document terms (steps[1].command).
func describe(fe validator.FieldError) string {
	path := fe.Namespace()
	if _, rest, ok := strings.Cut(path, "."); ok {
		path = rest
	}
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s: is required", path)
	case "oneof":
		return fmt.Sprintf("%s: %q must be one of %s", path, fe.Value(), strings.ReplaceAll(fe.Param(), " ", ", "))
	case "identity":
		return fmt.Sprintf("%s: %q is not a resource identity of the form /group/{g}/type/{t}/name/{n}", path, fe.Value())
	case "opid":
		return fmt.Sprintf("%s: %q may only contain letters, digits, '.', '_' and '-'", path, fe.Value())
	case "gt", "gte":
		return fmt.Sprintf("%s: must be %s %s", path, comparison(fe.Tag()), fe.Param())
	default:
		return fmt.Sprintf("%s: failed %s", path, fe.Tag())
	}
}

func comparison(tag string) string {
	if tag == "gt" {
		return ">"
	}
	return ">="
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
