package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

func newVersionCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := opts.printer(cmd.OutOrStdout())
			if p.json {
				return p.JSON(map[string]string{
					"version":    opts.build.Version,
					"commit":     opts.build.Commit,
					"build_date": opts.build.BuildDate,
					"go":         runtime.Version(),
				})
			}
			fmt.Fprintf(p.out, "lattice %s\n", opts.build.Version)
			fmt.Fprintf(p.out, "  commit:  %s\n", opts.build.Commit)
			fmt.Fprintf(p.out, "  built:   %s\n", opts.build.BuildDate)
			fmt.Fprintf(p.out, "  go:      %s\n", runtime.Version())
			return nil
		},
	}
}
