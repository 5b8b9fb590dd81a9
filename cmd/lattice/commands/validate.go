package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/lattice-ops/lattice/pkg/config"
	"github.com/lattice-ops/lattice/pkg/definition"
	"github.com/lattice-ops/lattice/pkg/engine"
	"github.com/lattice-ops/lattice/pkg/policy"
)

// validationReport is the JSON shape of "validate".
type validationReport struct {
	Files    []fileResult                    `json:"files"`
	Set      *definition.SetReport           `json:"set"`
	Policies map[string]*engine.PolicyResult `json:"policies,omitempty"`
	OK       bool                            `json:"ok"`
}

type fileResult struct {
	Path      string `json:"path"`
	Operation string `json:"operation,omitempty"`
	Error     string `json:"error,omitempty"`
}

func newValidateCommand(opts *rootOptions) *cobra.Command {
	var skipPolicies bool

	cmd := &cobra.Command{
		Use:   "validate DIR",
		Short: "Validate a directory of operation definitions",
		Long: `Validate every YAML definition below DIR without running anything.

This command checks:
  - Definition syntax and required fields
  - Operation prerequisites that no file provides
  - Prerequisite cycles and duplicate operation ids
  - Policy compliance (built-in and custom Rego policies)`,
		Example: `  lattice validate ./operations
  lattice validate --no-policies ./operations`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			log.Debug().Str("path", dir).Bool("policies", !skipPolicies).Msg("Validating definitions")

			results, err := definition.LoadDir(dir)
			if err != nil {
				return err
			}
			defs := definition.Definitions(results)
			report := &validationReport{Set: definition.ValidateSet(defs), OK: true}
			for _, r := range results {
				fr := fileResult{Path: r.Path}
				if r.Err != nil {
					fr.Error = r.Err.Error()
					report.OK = false
				} else {
					fr.Operation = r.Definition.ID
				}
				report.Files = append(report.Files, fr)
			}
			if !report.Set.OK() {
				report.OK = false
			}

			if !skipPolicies && len(defs) > 0 {
				if report.Policies, err = evaluatePolicies(cmd, opts, defs); err != nil {
					return err
				}
				for _, res := range report.Policies {
					if !res.Allowed {
						report.OK = false
					}
				}
			}

			p := opts.printer(cmd.OutOrStdout())
			if p.json {
				if err := p.JSON(report); err != nil {
					return err
				}
			} else {
				printValidation(p, report)
			}
			if !report.OK {
				return &exitError{code: 2, msg: "validation failed"}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&skipPolicies, "no-policies", false, "skip policy evaluation")
	return cmd
}

// evaluatePolicies runs the policy engine over defs using only the
// configuration; no store is opened.
func evaluatePolicies(cmd *cobra.Command, opts *rootOptions, defs []*definition.Definition) (map[string]*engine.PolicyResult, error) {
	var loadOpts []config.LoadOption
	if opts.envFile != "" {
		loadOpts = append(loadOpts, config.WithEnvFile(opts.envFile))
	}
	cfg, err := config.Load(opts.configPath, loadOpts...)
	if err != nil {
		return nil, err
	}

	pe, err := policy.NewEngine(log.Logger, policy.WithHosts(cfg.HostNames()))
	if err != nil {
		return nil, err
	}
	defer pe.Close()
	if cfg.Policy.Dir != "" {
		if err := pe.LoadPolicies(cmd.Context(), []string{cfg.Policy.Dir}); err != nil {
			return nil, err
		}
	}

	out := make(map[string]*engine.PolicyResult, len(defs))
	for _, d := range defs {
		res, err := pe.EvaluateDefinition(cmd.Context(), d)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate policies for %s: %w", d.ID, err)
		}
		out[d.ID] = res
	}
	return out, nil
}

func printValidation(p *printer, r *validationReport) {
	for _, f := range r.Files {
		if f.Error != "" {
			fmt.Fprintf(p.out, "%s %s\n  %s\n", styleError.Render("✗"), f.Path, f.Error)
			continue
		}
		fmt.Fprintf(p.out, "%s %s (%s)\n", styleSuccess.Render("✓"), f.Path, f.Operation)
		if res, ok := r.Policies[f.Operation]; ok {
			for _, v := range res.Violations {
				fmt.Fprintf(p.out, "  %s [%s] %s\n", styleError.Render("deny"), v.Policy, v.Message)
			}
			for _, v := range res.Warnings {
				fmt.Fprintf(p.out, "  %s [%s] %s\n", styleWarning.Render("warn"), v.Policy, v.Message)
			}
		}
	}

	set := r.Set
	for _, m := range set.Missing {
		fmt.Fprintf(p.out, "%s %s requires %s, which no definition provides\n", styleError.Render("missing"), m.Operation, m.Requires)
	}
	for _, c := range set.Cycles {
		fmt.Fprintf(p.out, "%s %s\n", styleError.Render("cycle"), c.String())
	}
	for _, d := range set.Duplicates {
		fmt.Fprintf(p.out, "%s operation id %s is declared more than once\n", styleError.Render("duplicate"), d)
	}

	fmt.Fprintln(p.out)
	p.Title("summary")
	p.Field("operations", fmt.Sprintf("%d", set.Stats.TotalOperations))
	p.Field("with prereqs", fmt.Sprintf("%d", set.Stats.WithPrerequisites))
	if set.Stats.MostDependentOp != "" {
		p.Field("most prereqs", fmt.Sprintf("%s (%d)", set.Stats.MostDependentOp, set.Stats.MaxPrerequisites))
	}
	if r.OK {
		fmt.Fprintln(p.out, styleSuccess.Render("valid"))
	} else {
		fmt.Fprintln(p.out, styleError.Render("invalid"))
	}
}
