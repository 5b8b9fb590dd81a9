package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LATTICE_"

// DefaultEnvFile is read when present.
const DefaultEnvFile = ".env"

//go:embed schema.cue
var schemaSource string

var (
	schemaOnce  sync.Once
	schemaValue cue.Value
	schemaErr   error
	validate    = validator.New()
)

func configSchema() (cue.Value, error) {
	schemaOnce.Do(func() {
		v := cuecontext.New().CompileString(schemaSource, cue.Filename("schema.cue"))
		if err := v.Err(); err != nil {
			schemaErr = fmt.Errorf("failed to compile config schema: %w", err)
			return
		}
		schemaValue = v.LookupPath(cue.ParsePath("#Config"))
		schemaErr = schemaValue.Err()
	})
	return schemaValue, schemaErr
}

type loadOptions struct {
	envFile string
	environ []string
}

// LoadOption adjusts Load.
type LoadOption func(*loadOptions)

// WithEnvFile reads variables from path instead of .env.
func WithEnvFile(path string) LoadOption {
	return func(o *loadOptions) { o.envFile = path }
}

// WithEnviron replaces the process environment, mainly for tests.
func WithEnviron(environ []string) LoadOption {
	return func(o *loadOptions) { o.environ = environ }
}

// Load builds the configuration in layers: Default(), then the CUE file
// at path (skipped when path is empty), then LATTICE_* variables from the
// env file and the process environment, the process winning. The result
// is validated before it is returned.
func Load(path string, opts ...LoadOption) (*Config, error) {
	o := loadOptions{envFile: DefaultEnvFile, environ: os.Environ()}
	for _, opt := range opts {
		opt(&o)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := decodeCUE(path, data, cfg); err != nil {
			return nil, err
		}
	}

	vars, err := environment(o)
	if err != nil {
		return nil, err
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix, Environment: vars}); err != nil {
		return nil, fmt.Errorf("failed to apply environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes CUE source over Default() without consulting the
// environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := decodeCUE("lattice.cue", data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeCUE(filename string, data []byte, cfg *Config) error {
	schema, err := configSchema()
	if err != nil {
		return err
	}

	file := schema.Context().CompileBytes(data, cue.Filename(filename))
	if err := file.Err(); err != nil {
		return fmt.Errorf("failed to compile %s: %w", filename, err)
	}

	unified := schema.Unify(file)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return &Error{Problems: cueProblems(err)}
	}

	raw, err := unified.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to export %s: %w", filename, err)
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("failed to decode %s: %w", filename, err)
	}
	return nil
}

func cueProblems(err error) []string {
	var problems []string
	for _, e := range cueerrors.Errors(err) {
		problems = append(problems, strings.TrimSpace(cueerrors.Details(e, nil)))
	}
	return problems
}

// environment merges the env file under the process environment.
func environment(o loadOptions) (map[string]string, error) {
	vars := map[string]string{}
	if o.envFile != "" {
		fileVars, err := godotenv.Read(o.envFile)
		switch {
		case err == nil:
			for k, v := range fileVars {
				vars[k] = v
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read %s: %w", o.envFile, err)
		}
	}
	for _, kv := range o.environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			vars[k] = v
		}
	}
	return vars, nil
}

// Validate checks the struct constraints.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		ns := fe.Namespace()
		if _, rest, ok := strings.Cut(ns, "."); ok {
			ns = rest
		}
		if fe.Param() != "" {
			problems = append(problems, fmt.Sprintf("%s: failed %s=%s", ns, fe.Tag(), fe.Param()))
		} else {
			problems = append(problems, fmt.Sprintf("%s: failed %s", ns, fe.Tag()))
		}
	}
	return &Error{Problems: problems}
}

// Error lists every configuration problem found.
type Error struct {
	Problems []string
}

func (e *Error) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}
