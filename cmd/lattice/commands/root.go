package commands

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// BuildInfo identifies the binary.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	dbPath     string
	envFile    string
	jsonOutput bool
	build      BuildInfo
}

// Execute runs the root command.
func Execute(ctx context.Context, info BuildInfo) error {
	return newRootCommand(info).ExecuteContext(ctx)
}

// ExitCode maps a command error to a process exit status.
func ExitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

// exitError carries a specific exit status for outcomes that are not
// failures of the command itself, such as an operation ending blocked.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func newRootCommand(info BuildInfo) *cobra.Command {
	opts := &rootOptions{build: info}

	rootCmd := &cobra.Command{
		Use:   "lattice",
		Short: "Lattice - cloud resource cache and operation executor",
		Long: `Lattice caches cloud resource state in a local SQLite database, tracks the
dependencies between resources and runs declarative multi-step operations
with prerequisites, post-checks and rollback.

Features:
  - TTL-bounded resource cache in front of the cloud CLI
  - Dependency graph with cycle detection and deployment levels
  - Operation state machine with retries and rollback artifacts
  - Rego policy gate and Starlark post-checks
  - Remote steps over SSH
  - Duration analytics`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", info.Version, info.Commit, info.BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file path (lattice.cue)")
	rootCmd.PersistentFlags().StringVar(&opts.dbPath, "db", "", "database path (overrides store.path)")
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "environment file read before LATTICE_* variables (default .env)")
	rootCmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newExecuteCommand(opts))
	rootCmd.AddCommand(newRetryCommand(opts))
	rootCmd.AddCommand(newStatusCommand(opts))
	rootCmd.AddCommand(newOperationsCommand(opts))
	rootCmd.AddCommand(newResourceCommand(opts))
	rootCmd.AddCommand(newGraphCommand(opts))
	rootCmd.AddCommand(newAnalyticsCommand(opts))
	rootCmd.AddCommand(newValidateCommand(opts))
	rootCmd.AddCommand(newVersionCommand(opts))

	return rootCmd
}

func (o *rootOptions) printer(w io.Writer) *printer {
	return &printer{out: w, json: o.jsonOutput}
}
