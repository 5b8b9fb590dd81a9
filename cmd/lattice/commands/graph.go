package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lattice-ops/lattice/pkg/graph"
	"github.com/lattice-ops/lattice/pkg/stores"
)

func newGraphCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Query the resource dependency graph",
		Long: `Query the dependency graph between cached resources.

"graph build" detects dependencies from resource properties and stores
them; the other subcommands read the stored graph.`,
	}

	cmd.AddCommand(newGraphBuildCommand(opts))
	cmd.AddCommand(newGraphLinkCommand(opts))
	cmd.AddCommand(newGraphCyclesCommand(opts))
	cmd.AddCommand(newGraphPathCommand(opts))
	cmd.AddCommand(newGraphAncestorsCommand(opts))
	cmd.AddCommand(newGraphListCommand(opts, "roots", "List resources that depend on nothing", (*graph.Graph).Roots))
	cmd.AddCommand(newGraphListCommand(opts, "leaves", "List resources nothing depends on", (*graph.Graph).Leaves))
	cmd.AddCommand(newGraphDotCommand(opts))
	cmd.AddCommand(newGraphLevelsCommand(opts))

	return cmd
}

// withGraph loads the stored graph and passes it to fn.
func withGraph(ctx context.Context, opts *rootOptions, fn func(a *app, g *graph.Graph) error) error {
	return withApp(ctx, opts, func(a *app) error {
		g, err := a.graph.LoadGraph(ctx)
		if err != nil {
			return err
		}
		return fn(a, g)
	})
}

func newGraphBuildCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "build",
		Short: "Detect and store dependencies of every cached resource",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				g, err := a.graph.BuildGraph(cmd.Context())
				if err != nil {
					return err
				}
				cycles := g.DetectCycles()
				p := opts.printer(cmd.OutOrStdout())
				if p.json {
					return p.JSON(map[string]interface{}{
						"nodes":   g.Len(),
						"edges":   len(g.Edges()),
						"missing": g.Missing(),
						"cycles":  cycles,
					})
				}
				p.Title("dependency graph")
				p.Field("resources", strconv.Itoa(g.Len()))
				p.Field("edges", strconv.Itoa(len(g.Edges())))
				p.Field("missing", strconv.Itoa(len(g.Missing())))
				p.Field("cycles", strconv.Itoa(len(cycles)))
				return nil
			})
		},
	}
}

func newGraphLinkCommand(opts *rootOptions) *cobra.Command {
	var (
		kind         string
		relationship string
	)

	cmd := &cobra.Command{
		Use:   "link FROM TO",
		Short: "Record a manual depends-on edge",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			k := stores.DependencyKind(kind)
			return withApp(cmd.Context(), opts, func(a *app) error {
				if err := a.graph.AddEdge(cmd.Context(), args[0], args[1], k, relationship); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s (%s)\n", args[0], args[1], k)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&kind, "kind", string(stores.DependencyRequired), "dependency kind (required, optional, reference)")
	cmd.Flags().StringVar(&relationship, "relationship", "manual", "relationship label")
	return cmd
}

func newGraphCyclesCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cycles [ID]",
		Short: "Report dependency cycles, optionally only those through ID",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				var (
					cycles []graph.Cycle
					err    error
				)
				if len(args) == 1 {
					cycles, err = a.graph.CyclesThrough(cmd.Context(), args[0])
				} else {
					var g *graph.Graph
					g, err = a.graph.LoadGraph(cmd.Context())
					if err == nil {
						cycles = g.DetectCycles()
					}
				}
				if err != nil {
					return err
				}

				p := opts.printer(cmd.OutOrStdout())
				if p.json {
					if cycles == nil {
						cycles = []graph.Cycle{}
					}
					return p.JSON(cycles)
				}
				if len(cycles) == 0 {
					fmt.Fprintln(p.out, styleSuccess.Render("no cycles"))
					return nil
				}
				for _, c := range cycles {
					fmt.Fprintln(p.out, styleError.Render(c.String()))
				}
				return &exitError{code: 2, msg: fmt.Sprintf("%d cycle(s) detected", len(cycles))}
			})
		},
	}
}

func newGraphPathCommand(opts *rootOptions) *cobra.Command {
	var maxHops int

	cmd := &cobra.Command{
		Use:   "path FROM TO",
		Short: "Show the shortest depends-on chain between two resources",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(cmd.Context(), opts, func(_ *app, g *graph.Graph) error {
				path := g.PathWithin(args[0], args[1], maxHops)
				p := opts.printer(cmd.OutOrStdout())
				if p.json {
					if path == nil {
						path = []string{}
					}
					return p.JSON(path)
				}
				if path == nil {
					return fmt.Errorf("no path from %s to %s within %d hops", args[0], args[1], maxHops)
				}
				fmt.Fprintln(p.out, strings.Join(path, "\n  -> "))
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&maxHops, "max-hops", graph.DefaultMaxHops, "maximum path length")
	return cmd
}

func newGraphAncestorsCommand(opts *rootOptions) *cobra.Command {
	var (
		depth      int
		dependents bool
	)

	cmd := &cobra.Command{
		Use:   "ancestors ID",
		Short: "List what a resource depends on, transitively",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(cmd.Context(), opts, func(_ *app, g *graph.Graph) error {
				if _, ok := g.Node(args[0]); !ok {
					return fmt.Errorf("%s is not in the graph", args[0])
				}
				ids := g.Ancestors(args[0], depth)
				if dependents {
					ids = g.Dependents(args[0], depth)
				}
				return printIDs(opts.printer(cmd.OutOrStdout()), ids)
			})
		},
	}

	cmd.Flags().IntVar(&depth, "depth", 0, "maximum depth (0 for unbounded)")
	cmd.Flags().BoolVar(&dependents, "dependents", false, "list what depends on the resource instead")
	return cmd
}

func newGraphListCommand(opts *rootOptions, use, short string, list func(*graph.Graph) []string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(cmd.Context(), opts, func(_ *app, g *graph.Graph) error {
				return printIDs(opts.printer(cmd.OutOrStdout()), list(g))
			})
		},
	}
}

func printIDs(p *printer, ids []string) error {
	if p.json {
		if ids == nil {
			ids = []string{}
		}
		return p.JSON(ids)
	}
	for _, id := range ids {
		fmt.Fprintln(p.out, id)
	}
	return nil
}

func newGraphDotCommand(opts *rootOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:     "dot",
		Short:   "Render the graph in Graphviz DOT format",
		Example: `  lattice graph dot | dot -Tsvg > deps.svg`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(cmd.Context(), opts, func(_ *app, g *graph.Graph) error {
				dot := g.ToDOT()
				if output == "" {
					_, err := fmt.Fprint(cmd.OutOrStdout(), dot)
					return err
				}
				return os.WriteFile(output, []byte(dot), 0o644)
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write to a file instead of stdout")
	return cmd
}

func newGraphLevelsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "levels",
		Short: "Group resources into deployment waves",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(cmd.Context(), opts, func(_ *app, g *graph.Graph) error {
				levels, err := g.Levels()
				if err != nil {
					return fmt.Errorf("graph cannot be levelled: %w", err)
				}

				p := opts.printer(cmd.OutOrStdout())
				if p.json {
					return p.JSON(levels)
				}
				for i, wave := range levels {
					p.Title("level %d", i)
					for _, id := range wave {
						fmt.Fprintf(p.out, "  %s\n", id)
					}
				}
				return nil
			})
		},
	}
}
