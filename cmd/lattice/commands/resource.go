package commands

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/lattice-ops/lattice/pkg/stores"
)

func newResourceCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "resource",
		Aliases: []string{"res"},
		Short:   "Inspect and manage cached resources",
		Long: `Inspect and manage the resource cache.

Resources are identified as /group/{group}/type/{type}/name/{name}. Reads
are served from the local database while the entry is fresh and from the
cloud CLI otherwise.`,
	}

	cmd.AddCommand(newResourceGetCommand(opts))
	cmd.AddCommand(newResourceListCommand(opts))
	cmd.AddCommand(newResourceInvalidateCommand(opts))
	cmd.AddCommand(newResourceDeleteCommand(opts))
	cmd.AddCommand(newResourceManageCommand(opts))
	cmd.AddCommand(newResourceAuditCommand(opts))

	return cmd
}

func newResourceGetCommand(opts *rootOptions) *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "get ID",
		Short: "Get a resource through the cache",
		Example: `  lattice resource get /group/rg-prod/type/vm/name/web01
  lattice resource get --refresh /group/rg-prod/type/vm/name/web01`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				var (
					r   *stores.Resource
					err error
				)
				if refresh {
					r, err = a.cache.Refresh(cmd.Context(), args[0])
				} else {
					r, err = a.cache.GetByID(cmd.Context(), args[0])
				}
				if err != nil {
					return err
				}

				p := opts.printer(cmd.OutOrStdout())
				if p.json {
					return p.JSON(r)
				}
				p.Title("%s", r.ID)
				p.Field("type", r.Type)
				p.Field("group", r.Group)
				p.Field("region", r.Region)
				p.Field("state", r.ProvisioningState)
				p.Field("managed", fmt.Sprintf("%t", r.Managed))
				p.Field("created", fmt.Sprintf("%t", r.Created))
				p.Field("discovered", humanize.Time(r.DiscoveredAt))
				p.Field("expires", humanize.Time(r.CacheExpiresAt))
				if len(r.Properties) > 0 {
					p.Field("properties", humanize.Bytes(uint64(len(r.Properties))))
				}
				for k, v := range r.Tags {
					p.Field("tag "+k, v)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&refresh, "refresh", false, "query the cloud even when the entry is fresh")
	return cmd
}

func newResourceListCommand(opts *rootOptions) *cobra.Command {
	var (
		resourceType string
		group        string
		managedOnly  bool
		withDeleted  bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cached resources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := stores.ResourceFilter{IncludeDeleted: withDeleted}
			if resourceType != "" {
				filter.Type = &resourceType
			}
			if group != "" {
				filter.Group = &group
			}
			if managedOnly {
				filter.Managed = &managedOnly
			}

			return withApp(cmd.Context(), opts, func(a *app) error {
				resources, err := a.store.ListResources(cmd.Context(), filter)
				if err != nil {
					return err
				}
				p := opts.printer(cmd.OutOrStdout())
				if p.json {
					return p.JSON(resources)
				}
				rows := make([][]string, 0, len(resources))
				for _, r := range resources {
					state := r.ProvisioningState
					if r.Deleted() {
						state = styleMuted.Render("deleted")
					}
					managed := ""
					if r.Managed {
						managed = "yes"
					}
					rows = append(rows, []string{r.ID, state, managed, humanize.Time(r.CacheExpiresAt)})
				}
				p.Table([]string{"ID", "STATE", "MANAGED", "EXPIRES"}, rows)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&resourceType, "type", "", "filter by resource type")
	cmd.Flags().StringVar(&group, "group", "", "filter by group")
	cmd.Flags().BoolVar(&managedOnly, "managed", false, "only resources managed by lattice")
	cmd.Flags().BoolVar(&withDeleted, "deleted", false, "include soft-deleted resources")
	return cmd
}

func newResourceInvalidateCommand(opts *rootOptions) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "invalidate PATTERN",
		Short: "Expire cache entries matching a glob pattern",
		Example: `  lattice resource invalidate '/group/rg-prod/*'
  lattice resource invalidate --reason "manual change" /group/rg-prod/type/vm/name/web01`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				n, err := a.cache.Invalidate(cmd.Context(), args[0], reason)
				if err != nil {
					return err
				}
				p := opts.printer(cmd.OutOrStdout())
				if p.json {
					return p.JSON(map[string]interface{}{"pattern": args[0], "invalidated": n})
				}
				fmt.Fprintf(p.out, "invalidated %s matching %s\n", humanize.Comma(n)+" entries", args[0])
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "manual", "reason recorded in the audit log")
	return cmd
}

func newResourceDeleteCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Soft-delete a cached resource",
		Long: `Mark a resource as deleted in the local database. The cloud resource
is not touched. Deleted resources no longer satisfy dependencies.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				if err := a.store.SoftDelete(cmd.Context(), args[0], cliActor); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func newResourceManageCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "manage ID",
		Short: "Mark a resource as managed by lattice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				if err := a.cache.MarkManaged(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "managing %s\n", args[0])
				return nil
			})
		},
	}
}

func newResourceAuditCommand(opts *rootOptions) *cobra.Command {
	var (
		action string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "audit [ID]",
		Short: "Show the audit trail",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var actionFilter, target *string
			if action != "" {
				actionFilter = &action
			}
			if len(args) == 1 {
				target = &args[0]
			}

			return withApp(cmd.Context(), opts, func(a *app) error {
				entries, err := a.store.ListAuditEntries(cmd.Context(), actionFilter, target, limit, 0)
				if err != nil {
					return err
				}
				p := opts.printer(cmd.OutOrStdout())
				if p.json {
					return p.JSON(entries)
				}
				rows := make([][]string, 0, len(entries))
				for _, e := range entries {
					rows = append(rows, []string{humanize.Time(e.Timestamp), e.Action, e.Actor, deref(e.TargetID)})
				}
				p.Table([]string{"WHEN", "ACTION", "ACTOR", "TARGET"}, rows)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&action, "action", "", "filter by action")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of entries")
	return cmd
}
