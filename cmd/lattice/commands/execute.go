package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/lattice-ops/lattice/pkg/definition"
	"github.com/lattice-ops/lattice/pkg/engine"
	"github.com/lattice-ops/lattice/pkg/stores"
	"github.com/lattice-ops/lattice/pkg/telemetry"
)

func newExecuteCommand(opts *rootOptions) *cobra.Command {
	var (
		force    bool
		parallel int
	)

	cmd := &cobra.Command{
		Use:   "execute FILE...",
		Short: "Execute operation definitions",
		Long: `Execute one or more YAML operation definitions.

A single definition runs directly. Several definitions (or a directory)
run as a batch: they are ordered by their operation prerequisites and each
level runs with bounded parallelism.

Each operation passes through the policy gate, prerequisite and cycle
checks before its steps run. A failed step triggers the declared rollback
and a rollback script is written to the artifact directory.`,
		Example: `  # Run one operation
  lattice execute ops/vm-create.yaml

  # Run a directory of operations, four at a time
  lattice execute ops/ --parallel 4

  # Skip the policy gate and prerequisite checks
  lattice execute --force ops/vm-create.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := loadDefinitions(args)
			if err != nil {
				return err
			}

			return withApp(cmd.Context(), opts, func(a *app) error {
				exec, err := a.executor(cmd.Context())
				if err != nil {
					return err
				}
				for _, d := range defs {
					if d.MaxRetries == nil {
						n := a.cfg.Executor.MaxRetries
						d.MaxRetries = &n
					}
				}
				p := opts.printer(cmd.OutOrStdout())
				execOpts := engine.ExecuteOptions{Force: force}

				if len(defs) == 1 {
					op, err := exec.Execute(cmd.Context(), defs[0], execOpts)
					if err != nil {
						return err
					}
					if p.json {
						if err := p.JSON(op); err != nil {
							return err
						}
					} else {
						printOperation(p, op)
					}
					return outcomeError([]*stores.Operation{op})
				}

				batch := a.batch
				if parallel > 0 {
					batch = engine.NewBatchRunner(exec, parallel)
				}
				if !p.json {
					a.tel.Events.Subscribe(progressPrinter(cmd.ErrOrStderr()), telemetry.FilterByType(
						telemetry.EventTypeBatchLevelStarted,
						telemetry.EventTypeOperationCompleted,
						telemetry.EventTypeOperationFailed,
						telemetry.EventTypeOperationBlocked,
					))
				}

				result, err := batch.Run(cmd.Context(), defs, execOpts)
				if err != nil {
					return err
				}
				var ops []*stores.Operation
				for _, item := range result.Items {
					if item.Operation != nil {
						ops = append(ops, item.Operation)
					}
				}
				if p.json {
					if err := p.JSON(batchJSON(result)); err != nil {
						return err
					}
				} else {
					printBatch(p, result)
				}
				if result.Summary.Errored > 0 {
					return &exitError{code: 2, msg: fmt.Sprintf("%d operation(s) could not be executed", result.Summary.Errored)}
				}
				return outcomeError(ops)
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "skip the policy gate, prerequisite and cycle checks")
	cmd.Flags().IntVarP(&parallel, "parallel", "p", 0, "maximum concurrent operations per batch level (default executor.max_parallel)")

	return cmd
}

// loadDefinitions reads files and directories in argument order. Any
// invalid file fails the whole command before anything runs.
func loadDefinitions(paths []string) ([]*definition.Definition, error) {
	var defs []*definition.Definition
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			d, err := definition.Load(path)
			if err != nil {
				return nil, err
			}
			defs = append(defs, d)
			continue
		}
		results, err := definition.LoadDir(path)
		if err != nil {
			return nil, err
		}
		for _, r := range results {
			if r.Err != nil {
				return nil, r.Err
			}
			defs = append(defs, r.Definition)
		}
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("no definitions found in %v", paths)
	}
	return defs, nil
}

// outcomeError turns a non-completed operation into exit status 2.
func outcomeError(ops []*stores.Operation) error {
	var notDone int
	for _, op := range ops {
		if op.Status != stores.OperationStatusCompleted {
			notDone++
		}
	}
	if notDone == 0 {
		return nil
	}
	return &exitError{code: 2, msg: fmt.Sprintf("%d operation(s) did not complete", notDone)}
}

func progressPrinter(w io.Writer) telemetry.EventSubscriber {
	return func(e telemetry.Event) {
		label := e.Type
		switch e.Type {
		case telemetry.EventTypeOperationCompleted:
			label = styleSuccess.Render("completed")
		case telemetry.EventTypeOperationFailed:
			label = styleError.Render("failed")
		case telemetry.EventTypeOperationBlocked:
			label = styleWarning.Render("blocked")
		case telemetry.EventTypeBatchLevelStarted:
			label = styleTitle.Render("level")
		}
		subject := e.ExecutionID
		if subject == "" {
			subject = e.Message
		}
		fmt.Fprintf(w, "%s %s\n", label, subject)
	}
}

func printOperation(p *printer, op *stores.Operation) {
	p.Title("%s (%s)", op.ExecutionID, op.OperationID)
	p.Field("status", renderStatus(op.Status))
	p.Field("steps", fmt.Sprintf("%d/%d", op.CurrentStep, op.TotalSteps))
	p.Field("duration", formatDurationMS(op.DurationMS))
	if op.ErrorMessage != nil {
		p.Field("error", *op.ErrorMessage)
	}
	if op.ErrorCode != nil {
		p.Field("error code", *op.ErrorCode)
	}
	if op.FailedStep != nil {
		p.Field("failed step", fmt.Sprintf("%d", *op.FailedStep))
	}
	if op.RollbackArtifact != nil {
		p.Field("rollback", *op.RollbackArtifact)
	}
}

func printBatch(p *printer, result *engine.BatchResult) {
	rows := make([][]string, 0, len(result.Items))
	for _, item := range result.Items {
		row := []string{fmt.Sprintf("%d", item.Level), item.Definition.ID, "-", "-", "-"}
		switch {
		case item.Operation != nil:
			row[2] = item.Operation.ExecutionID
			row[3] = renderStatus(item.Operation.Status)
			row[4] = formatDurationMS(item.Operation.DurationMS)
		case item.Err != nil:
			row[3] = styleError.Render(truncate(item.Err.Error(), 60))
		}
		rows = append(rows, row)
	}
	p.Table([]string{"LEVEL", "OPERATION", "EXECUTION", "STATUS", "DURATION"}, rows)
	s := result.Summary
	fmt.Fprintf(p.out, "%d total: %d completed, %d failed, %d blocked, %d errored\n",
		s.Total, s.Completed, s.Failed, s.Blocked, s.Errored)
}

type batchItemJSON struct {
	Operation string            `json:"operation"`
	Level     int               `json:"level"`
	Execution *stores.Operation `json:"execution,omitempty"`
	Error     string            `json:"error,omitempty"`
}

func batchJSON(result *engine.BatchResult) interface{} {
	items := make([]batchItemJSON, len(result.Items))
	for i, item := range result.Items {
		items[i] = batchItemJSON{Operation: item.Definition.ID, Level: item.Level, Execution: item.Operation}
		if item.Err != nil {
			items[i].Error = item.Err.Error()
		}
	}
	return map[string]interface{}{
		"levels":  result.Levels,
		"items":   items,
		"summary": result.Summary,
	}
}
