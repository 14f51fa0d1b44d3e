package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jguan/gametrans/pkg/infra/cache"
	"github.com/jguan/gametrans/pkg/infra/store"
	"github.com/jguan/gametrans/pkg/optimizer"
)

// GamesReport describes the game metadata cache.
type GamesReport struct {
	Popular []string    `json:"popular" yaml:"popular"`
	Stats   cache.Stats `json:"stats" yaml:"stats"`
}

func NewStatsCommand(root *RootCommand) *cobra.Command {
	var reset, games bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show pipeline statistics",
		Long: `Show request counters, success and cache rates, latency and quality
averages, the performance grade and per-backend health.

Counters live in memory, so the numbers describe this process only;
combine with "serve" or "bench" for meaningful values.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := root.App(cmd.Context())
			if err != nil {
				return err
			}
			if reset {
				app.Pipeline.ResetStats()
			}
			if games {
				opts := root.OutputOptions()
				if opts.Format == OutputTable {
					if !opts.Quiet {
						fmt.Fprint(opts.Writer, app.Pipeline.GameCacheReport())
					}
					return nil
				}
				return PrintOutput(GamesReport{
					Popular: app.Pipeline.PopularGames(10),
					Stats:   app.Pipeline.GameCacheStats(),
				}, opts)
			}
			return PrintOutput(app.Pipeline.Stats(), root.OutputOptions())
		},
	}

	cmd.Flags().BoolVar(&reset, "reset", false, "Reset counters before printing")
	cmd.Flags().BoolVar(&games, "games", false, "Show the game metadata cache instead")
	return cmd
}

type OptimizeReport struct {
	Summary     string                  `json:"summary" yaml:"summary"`
	Memory      *optimizer.MemoryReport `json:"memory,omitempty" yaml:"memory,omitempty"`
	Predictions []optimizer.Prediction  `json:"predictions,omitempty" yaml:"predictions,omitempty"`
}

func NewOptimizeCommand(root *RootCommand) *cobra.Command {
	var (
		memory      bool
		predictions int
	)

	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Tune the pipeline from collected statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := root.App(cmd.Context())
			if err != nil {
				return err
			}
			report := OptimizeReport{Summary: app.Pipeline.AutoOptimize()}
			if o := app.Pipeline.Optimizer(); o != nil {
				if memory {
					m := o.OptimizeMemoryUsage()
					report.Memory = &m
				}
				report.Predictions = o.Predictions(predictions)
			}
			return PrintOutput(report, root.OutputOptions())
		},
	}

	cmd.Flags().BoolVar(&memory, "memory", false, "Also purge idle cache entries and trim buffers")
	cmd.Flags().IntVar(&predictions, "predictions", 10, "List this many of the most often missed texts")
	return cmd
}

func NewLogsCommand(root *RootCommand) *cobra.Command {
	var (
		limit   int
		pending bool
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the translation log",
		Example: `  # Last 20 translations
  gametrans logs --limit 20

  # Translations waiting for review
  gametrans logs --pending

  # Mark entries as reviewed
  gametrans logs review 12 13`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogs(cmd.Context(), root, limit, pending)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum entries, 0 for all")
	cmd.Flags().BoolVar(&pending, "pending", false, "Only entries flagged for review")

	cmd.AddCommand(&cobra.Command{
		Use:   "review <id>...",
		Short: "Mark log entries as reviewed",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogsReview(cmd.Context(), root, args)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Summarize the translation log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := history(cmd.Context(), root)
			if err != nil {
				return err
			}
			s, err := h.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return PrintOutput(s, root.OutputOptions())
		},
	})

	return cmd
}

func history(ctx context.Context, root *RootCommand) (*store.TranslationLog, error) {
	app, err := root.App(ctx)
	if err != nil {
		return nil, err
	}
	if app.History == nil {
		return nil, fmt.Errorf("translation log is disabled")
	}
	return app.History, nil
}

type logRow struct {
	ID         int64   `json:"id"`
	Created    string  `json:"created"`
	Pair       string  `json:"pair"`
	Original   string  `json:"original"`
	Translated string  `json:"translated"`
	Method     string  `json:"method"`
	Quality    float64 `json:"quality"`
	Review     bool    `json:"review"`
}

func runLogs(ctx context.Context, root *RootCommand, limit int, pending bool) error {
	h, err := history(ctx, root)
	if err != nil {
		return err
	}
	list := h.Recent
	if pending {
		list = h.PendingReview
	}
	records, err := list(ctx, limit)
	if err != nil {
		return err
	}

	opts := root.OutputOptions()
	if opts.Format != OutputTable {
		return PrintOutput(records, opts)
	}
	rows := make([]logRow, len(records))
	for i, r := range records {
		rows[i] = logRow{
			ID:         r.ID,
			Created:    formatValue(r.CreatedAt),
			Pair:       r.SourceLang + "-" + r.TargetLang,
			Original:   r.OriginalText,
			Translated: r.TranslatedText,
			Method:     r.Method,
			Quality:    r.Quality,
			Review:     r.NeedsReview,
		}
	}
	return PrintOutput(rows, opts)
}

func runLogsReview(ctx context.Context, root *RootCommand, args []string) error {
	ids := make([]int64, len(args))
	for i, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid log id %q", a)
		}
		ids[i] = id
	}
	h, err := history(ctx, root)
	if err != nil {
		return err
	}
	if err := h.MarkReviewed(ctx, ids...); err != nil {
		return err
	}
	PrintSuccess(fmt.Sprintf("Marked %d entries as reviewed", len(ids)), root.OutputOptions())
	return nil
}
