package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/lattice-ops/lattice/pkg/analytics"
	"github.com/lattice-ops/lattice/pkg/stores"
)

func newAnalyticsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analytics",
		Short: "Report on operation outcomes and durations",
	}

	cmd.AddCommand(newAnalyticsSummaryCommand(opts))
	cmd.AddCommand(newAnalyticsRankCommand(opts, "slow", "List the slowest completed operations", (*analytics.Analyzer).Slowest))
	cmd.AddCommand(newAnalyticsRankCommand(opts, "fast", "List the fastest completed operations", (*analytics.Analyzer).Fastest))
	cmd.AddCommand(newAnalyticsOutliersCommand(opts))
	cmd.AddCommand(newAnalyticsRatesCommand(opts))

	return cmd
}

func newAnalyticsSummaryCommand(opts *rootOptions) *cobra.Command {
	var groupBy string

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Counts, durations and success rate per group",
		Example: `  lattice analytics summary
  lattice analytics summary --by kind`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				groups, err := a.analytics.Summary(cmd.Context(), groupBy)
				if err != nil {
					return err
				}
				p := opts.printer(cmd.OutOrStdout())
				if p.json {
					return p.JSON(groups)
				}
				rows := make([][]string, 0, len(groups))
				for _, g := range groups {
					rows = append(rows, []string{
						g.Key,
						humanize.Comma(g.Total),
						humanize.Comma(g.Counts[stores.OperationStatusCompleted]),
						humanize.Comma(g.Counts[stores.OperationStatusFailed]),
						humanize.Comma(g.Counts[stores.OperationStatusBlocked]),
						formatMS(int64(g.AvgMS)),
						formatMS(g.MinMS),
						formatMS(g.MaxMS),
						formatRate(g.SuccessRate, g.Finished()),
					})
				}
				p.Table([]string{groupBy, "TOTAL", "OK", "FAILED", "BLOCKED", "AVG", "MIN", "MAX", "SUCCESS"}, rows)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&groupBy, "by", analytics.GroupByCapability, "group by capability, kind or status")
	return cmd
}

func newAnalyticsRankCommand(opts *rootOptions, use, short string, rank func(*analytics.Analyzer, context.Context, int) ([]*stores.Operation, error)) *cobra.Command {
	var n int

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				ops, err := rank(a.analytics, cmd.Context(), n)
				if err != nil {
					return err
				}
				p := opts.printer(cmd.OutOrStdout())
				if p.json {
					return p.JSON(ops)
				}
				rows := make([][]string, 0, len(ops))
				for _, op := range ops {
					rows = append(rows, []string{op.ExecutionID, op.Capability, op.Kind, formatDurationMS(op.DurationMS), formatAge(op.CompletedAt)})
				}
				p.Table([]string{"EXECUTION", "CAPABILITY", "KIND", "DURATION", "COMPLETED"}, rows)
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&n, "limit", "n", analytics.DefaultLimit, "number of operations")
	return cmd
}

func newAnalyticsOutliersCommand(opts *rootOptions) *cobra.Command {
	var k float64

	cmd := &cobra.Command{
		Use:   "outliers",
		Short: "Completed operations unusually slow for their capability",
		Long: `List completed operations whose duration exceeds the mean plus k
standard deviations of all completed operations of the same capability.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				outliers, err := a.analytics.Outliers(cmd.Context(), k)
				if err != nil {
					return err
				}
				p := opts.printer(cmd.OutOrStdout())
				if p.json {
					return p.JSON(outliers)
				}
				rows := make([][]string, 0, len(outliers))
				for _, o := range outliers {
					rows = append(rows, []string{
						o.Operation.ExecutionID,
						o.Operation.Capability,
						formatDurationMS(o.Operation.DurationMS),
						formatMS(int64(o.MeanMS)),
						formatMS(int64(o.Threshold)),
						strconv.FormatFloat(o.Sigma, 'f', 1, 64) + "σ",
					})
				}
				p.Table([]string{"EXECUTION", "CAPABILITY", "DURATION", "MEAN", "THRESHOLD", "DEVIATION"}, rows)
				return nil
			})
		},
	}

	cmd.Flags().Float64Var(&k, "k", analytics.DefaultOutlierK, "standard deviations above the mean")
	return cmd
}

func newAnalyticsRatesCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rates",
		Short: "Success rate per capability",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				rates, err := a.analytics.SuccessRates(cmd.Context())
				if err != nil {
					return err
				}
				p := opts.printer(cmd.OutOrStdout())
				if p.json {
					return p.JSON(rates)
				}
				rows := make([][]string, 0, len(rates))
				for _, r := range rates {
					rows = append(rows, []string{
						r.Capability,
						humanize.Comma(r.Completed),
						humanize.Comma(r.Failed),
						humanize.Comma(r.Blocked),
						formatRate(r.Rate, r.Completed+r.Failed+r.Blocked),
					})
				}
				p.Table([]string{"CAPABILITY", "OK", "FAILED", "BLOCKED", "SUCCESS"}, rows)
				return nil
			})
		},
	}
}

func formatRate(rate float64, finished int64) string {
	if finished == 0 {
		return "-"
	}
	s := fmt.Sprintf("%.1f%%", rate)
	switch {
	case rate >= 95:
		return styleSuccess.Render(s)
	case rate >= 75:
		return styleWarning.Render(s)
	default:
		return styleError.Render(s)
	}
}
