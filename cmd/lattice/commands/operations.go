package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/lattice-ops/lattice/pkg/stores"
)

func newRetryCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry EXEC_ID",
		Short: "Retry a failed or blocked execution",
		Long: `Retry re-runs a failed or blocked execution from its first step, using
the definition stored with it. Retries stop once the execution's
max_retries budget is spent.`,
		Example: `  lattice retry vm-create-20260301120000-1a2b3c4d`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				exec, err := a.executor(cmd.Context())
				if err != nil {
					return err
				}
				op, err := exec.Retry(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				p := opts.printer(cmd.OutOrStdout())
				if p.json {
					if err := p.JSON(op); err != nil {
						return err
					}
				} else {
					printOperation(p, op)
					p.Field("attempt", fmt.Sprintf("%d of %d", op.RetryCount, op.MaxRetries))
				}
				return outcomeError([]*stores.Operation{op})
			})
		},
	}
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	var showLogs bool

	cmd := &cobra.Command{
		Use:   "status EXEC_ID",
		Short: "Show an execution with its steps and logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				exec, err := a.executor(cmd.Context())
				if err != nil {
					return err
				}
				report, err := exec.Status(cmd.Context(), args[0])
				if err != nil {
					return err
				}

				p := opts.printer(cmd.OutOrStdout())
				if p.json {
					return p.JSON(report)
				}

				op := report.Operation
				printOperation(p, op)
				p.Field("capability", op.Capability)
				p.Field("kind", op.Kind)
				if op.ResourceID != nil {
					p.Field("resource", *op.ResourceID)
				}
				p.Field("started", formatAge(op.StartedAt))
				p.Field("retries", fmt.Sprintf("%d/%d", op.RetryCount, op.MaxRetries))
				if failed := report.FailedStep(); failed != nil && failed.LogFile != nil {
					p.Field("failed log", *failed.LogFile)
				}

				fmt.Fprintln(p.out)
				p.Table([]string{"PHASE", "#", "STEP", "STATUS", "EXIT", "LOG"}, stepRows(report.Steps))

				if showLogs {
					fmt.Fprintln(p.out)
					rows := make([][]string, 0, len(report.Logs))
					for _, l := range report.Logs {
						step := "-"
						if l.StepIndex != nil {
							step = strconv.Itoa(*l.StepIndex)
						}
						rows = append(rows, []string{l.Timestamp.Format("15:04:05.000"), string(l.Level), step, l.Message})
					}
					p.Table([]string{"TIME", "LEVEL", "STEP", "MESSAGE"}, rows)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&showLogs, "logs", false, "include the operation log")
	return cmd
}

func stepRows(steps []*stores.StepRecord) [][]string {
	rows := make([][]string, 0, len(steps))
	for _, s := range steps {
		exit := "-"
		if s.ExitCode != nil {
			exit = strconv.Itoa(*s.ExitCode)
		}
		rows = append(rows, []string{string(s.Phase), strconv.Itoa(s.Index), s.Name, string(s.Status), exit, deref(s.LogFile)})
	}
	return rows
}

func newOperationsCommand(opts *rootOptions) *cobra.Command {
	var (
		status     string
		capability string
		limit      int
	)

	cmd := &cobra.Command{
		Use:     "operations",
		Aliases: []string{"ops"},
		Short:   "List recorded executions",
		Example: `  lattice operations --status failed
  lattice operations --capability compute --limit 20`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := stores.OperationFilter{Limit: limit}
			if status != "" {
				s := stores.OperationStatus(status)
				switch s {
				case stores.OperationStatusPending, stores.OperationStatusRunning, stores.OperationStatusCompleted,
					stores.OperationStatusFailed, stores.OperationStatusBlocked:
				default:
					return fmt.Errorf("unknown status %q", status)
				}
				filter.Status = &s
			}
			if capability != "" {
				filter.Capability = &capability
			}

			return withApp(cmd.Context(), opts, func(a *app) error {
				ops, err := a.store.ListOperations(cmd.Context(), filter)
				if err != nil {
					return err
				}
				p := opts.printer(cmd.OutOrStdout())
				if p.json {
					return p.JSON(ops)
				}
				rows := make([][]string, 0, len(ops))
				for _, op := range ops {
					rows = append(rows, []string{
						op.ExecutionID,
						renderStatus(op.Status),
						op.Capability,
						op.Kind,
						fmt.Sprintf("%d/%d", op.CurrentStep, op.TotalSteps),
						formatDurationMS(op.DurationMS),
						formatAge(&op.CreatedAt),
					})
				}
				p.Table([]string{"EXECUTION", "STATUS", "CAPABILITY", "KIND", "STEPS", "DURATION", "CREATED"}, rows)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, running, completed, failed, blocked)")
	cmd.Flags().StringVar(&capability, "capability", "", "filter by capability")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of executions")
	return cmd
}
