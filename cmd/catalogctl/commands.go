package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"catalog-migrator/internal/bootstrap"
	"catalog-migrator/internal/discover"
	"catalog-migrator/internal/extract"
	"catalog-migrator/internal/fetch"
	"catalog-migrator/internal/models"
	"catalog-migrator/internal/pipeline"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "catalogctl",
		Short:         "Operate catalog imports",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("user", models.LocalUser, "User id imports are recorded under")
	root.AddCommand(
		newPreviewCmd(),
		newDiscoverCmd(),
		newSubmitCmd(),
		newCancelCmd(),
		newStatsCmd(),
		newDrainCmd(),
	)
	return root
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// withComponents runs fn against the fully wired graph and closes it afterwards.
func withComponents(cmd *cobra.Command, fn func(ctx context.Context, deps *bootstrap.Deps, c *bootstrap.Components) error) error {
	deps, err := bootstrap.NewDeps()
	if err != nil {
		return err
	}
	defer func() { _ = deps.Logger.Sync() }()
	c, err := bootstrap.Setup(cmd.Context(), deps)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(cmd.Context(), deps, c)
}

func newPreviewCmd() *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "preview <url>",
		Short: "Extract one product without queueing it",
		Long: `Fetches and extracts a single product page and prints the normalized product
with its price candidates. Nothing is queued and Redis is not required.

Examples:
  catalogctl preview --source selfhosted https://shop.example/product/boot`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := bootstrap.NewDeps()
			if err != nil {
				return err
			}
			svc := extract.NewService(fetch.New(fetch.OptionsFromConfig(deps.Config), nil, deps.Logger), nil, deps.Logger)
			p := pipeline.New(nil, nil, svc, nil, nil, nil, deps.Logger)
			pv, err := p.Preview(cmd.Context(), source, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), pv)
		},
	}
	cmd.Flags().StringVarP(&source, "source", "s", string(models.SourceSelfHosted), "Source kind: selfhosted, builder or platform")
	return cmd
}

func newDiscoverCmd() *cobra.Command {
	var (
		source   string
		maxLinks int
	)
	cmd := &cobra.Command{
		Use:   "discover <site-url>",
		Short: "List the product links a site crawl would queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := bootstrap.NewDeps()
			if err != nil {
				return err
			}
			kind, err := models.ParseSourceKind(source)
			if err != nil {
				return err
			}
			links, err := discover.New(discover.OptionsFromConfig(deps.Config), deps.Logger).Discover(cmd.Context(), kind, args[0], maxLinks)
			if err != nil {
				return err
			}
			for _, l := range links {
				fmt.Fprintln(cmd.OutOrStdout(), l)
			}
			deps.Logger.Info("discovered links", zap.Int("count", len(links)))
			return nil
		},
	}
	cmd.Flags().StringVarP(&source, "source", "s", string(models.SourceSelfHosted), "Source kind")
	cmd.Flags().IntVar(&maxLinks, "cap", discover.DefaultCap, "Maximum number of links")
	return cmd
}

func newSubmitCmd() *cobra.Command {
	var (
		source   string
		site     string
		maxLinks int
		priority string
	)
	cmd := &cobra.Command{
		Use:   "submit [links...]",
		Short: "Queue an import of the given links, or of a whole site with --site",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			mode := models.ModeLinks
			if site != "" && len(args) == 0 {
				mode = models.ModeAll
			}
			return withComponents(cmd, func(ctx context.Context, _ *bootstrap.Deps, c *bootstrap.Components) error {
				res, err := c.Pipeline.Submit(ctx, pipeline.SubmitRequest{
					UserID:     user,
					SourceKind: source,
					SourceURL:  site,
					Links:      args,
					Mode:       mode,
					Cap:        maxLinks,
					Priority:   priority,
				})
				if err != nil {
					if res.RequestID != "" {
						return fmt.Errorf("request %s: %w", res.RequestID, err)
					}
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringVarP(&source, "source", "s", string(models.SourceSelfHosted), "Source kind")
	cmd.Flags().StringVar(&site, "site", "", "Site URL to crawl when no links are given")
	cmd.Flags().IntVar(&maxLinks, "cap", 0, "Maximum links discovered on --site")
	cmd.Flags().StringVar(&priority, "priority", string(models.PriorityNormal), "normal or high")
	return cmd
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <request-id>",
		Short: "Cancel an import and purge its queued links",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			return withComponents(cmd, func(ctx context.Context, _ *bootstrap.Deps, c *bootstrap.Components) error {
				removed, err := c.Pipeline.Cancel(ctx, user, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"request_id": args[0], "removed": removed})
			})
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats [request-id]",
		Short: "Show queue backlog and, optionally, one import's progress",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			requestID := ""
			if len(args) == 1 {
				requestID = args[0]
			}
			return withComponents(cmd, func(ctx context.Context, _ *bootstrap.Deps, c *bootstrap.Components) error {
				stats, err := c.Pipeline.Stats(ctx, user, requestID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stats)
			})
		},
	}
}

func newDrainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Run one bounded worker invocation now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withComponents(cmd, func(ctx context.Context, _ *bootstrap.Deps, c *bootstrap.Components) error {
				proc, err := c.Processor(ctx)
				if err != nil {
					return err
				}
				sum, err := proc.Drain(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), sum)
			})
		},
	}
}
