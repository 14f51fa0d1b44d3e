package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jguan/gametrans/pkg/offline"
)

func NewModelsCommand(root *RootCommand) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Offline model management commands",
		Long: `Manage the offline phrase models used when online backends are
unavailable. Models are keyed by language pair, e.g. en-it.`,
	}

	cmd.AddCommand(newModelsListCommand(root))
	cmd.AddCommand(newModelsDownloadCommand(root))
	cmd.AddCommand(newModelsImportCommand(root))
	cmd.AddCommand(newModelsRemoveCommand(root))
	cmd.AddCommand(newModelsCleanupCommand(root))
	cmd.AddCommand(newModelsPreloadCommand(root))

	return cmd
}

func offlineManager(ctx context.Context, root *RootCommand) (*offline.Manager, error) {
	app, err := root.App(ctx)
	if err != nil {
		return nil, err
	}
	if app.Offline == nil {
		return nil, fmt.Errorf("offline fallback is disabled")
	}
	return app.Offline, nil
}

func parsePair(s string) (string, string, error) {
	src, tgt, ok := strings.Cut(s, "-")
	if !ok || src == "" || tgt == "" {
		return "", "", fmt.Errorf("language pair %q must look like en-it", s)
	}
	return src, tgt, nil
}

type modelRow struct {
	Pair      string  `json:"pair"`
	Name      string  `json:"name"`
	Installed bool    `json:"installed"`
	Accuracy  float64 `json:"accuracy"`
	Usage     int64   `json:"usage"`
	LastUsed  string  `json:"last_used"`
	SizeKB    int64   `json:"size_kb"`
}

func newModelsListCommand(root *RootCommand) *cobra.Command {
	var installed bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List supported language pairs and their models",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := offlineManager(cmd.Context(), root)
			if err != nil {
				return err
			}
			var models []offline.Descriptor
			for _, d := range m.Models() {
				if !installed || d.Installed {
					models = append(models, d)
				}
			}

			opts := root.OutputOptions()
			if opts.Format != OutputTable {
				return PrintOutput(models, opts)
			}
			rows := make([]modelRow, len(models))
			for i, d := range models {
				rows[i] = modelRow{
					Pair:      d.Pair(),
					Name:      d.Name,
					Installed: d.Installed,
					Accuracy:  d.AccuracyScore,
					Usage:     d.UsageCount,
					LastUsed:  formatValue(d.LastUsed),
					SizeKB:    d.SizeBytes / 1024,
				}
			}
			return PrintOutput(rows, opts)
		},
	}

	cmd.Flags().BoolVar(&installed, "installed", false, "Only installed models")
	return cmd
}

func newModelsDownloadCommand(root *RootCommand) *cobra.Command {
	return &cobra.Command{
		Use:     "download <pair>...",
		Aliases: []string{"pull"},
		Short:   "Download and install models",
		Example: `  gametrans models download en-it it-en`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := offlineManager(cmd.Context(), root)
			if err != nil {
				return err
			}
			var out []offline.Descriptor
			for _, p := range args {
				src, tgt, err := parsePair(p)
				if err != nil {
					return err
				}
				d, err := m.Download(cmd.Context(), src, tgt)
				if err != nil {
					return fmt.Errorf("download %s: %w", p, err)
				}
				out = append(out, d)
			}
			return PrintOutput(out, root.OutputOptions())
		},
	}
}

func newModelsImportCommand(root *RootCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "import <pair> <file.po>",
		Short: "Install a model from a local phrase file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := offlineManager(cmd.Context(), root)
			if err != nil {
				return err
			}
			src, tgt, err := parsePair(args[0])
			if err != nil {
				return err
			}
			d, err := m.Import(cmd.Context(), src, tgt, args[1])
			if err != nil {
				return err
			}
			return PrintOutput(d, root.OutputOptions())
		},
	}
}

func newModelsRemoveCommand(root *RootCommand) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <pair>",
		Aliases: []string{"rm"},
		Short:   "Uninstall a model",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := offlineManager(cmd.Context(), root)
			if err != nil {
				return err
			}
			src, tgt, err := parsePair(args[0])
			if err != nil {
				return err
			}
			if _, err := m.Remove(cmd.Context(), src, tgt); err != nil {
				return err
			}
			PrintSuccess(fmt.Sprintf("Removed model %s", args[0]), root.OutputOptions())
			return nil
		},
	}
}

func newModelsCleanupCommand(root *RootCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Uninstall rarely used models idle past the cleanup interval",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := offlineManager(cmd.Context(), root)
			if err != nil {
				return err
			}
			removed, err := m.CleanupUnused(cmd.Context())
			if err != nil {
				return err
			}
			pairs := make([]string, len(removed))
			for i, d := range removed {
				pairs[i] = d.Pair()
			}
			opts := root.OutputOptions()
			if opts.Format != OutputTable {
				return PrintOutput(map[string]any{"removed": pairs}, opts)
			}
			if len(pairs) == 0 {
				PrintSuccess("No models to clean up", opts)
				return nil
			}
			PrintSuccess("Removed "+strings.Join(pairs, ", "), opts)
			return nil
		},
	}
}

func newModelsPreloadCommand(root *RootCommand) *cobra.Command {
	var install bool

	cmd := &cobra.Command{
		Use:   "preload",
		Short: "Load popular models into memory",
		Long: `Load the popular language pairs into memory. With --install, popular
pairs that are not installed yet are downloaded first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := offlineManager(cmd.Context(), root)
			if err != nil {
				return err
			}
			loaded, err := m.PreloadPopular(cmd.Context(), install)
			opts := root.OutputOptions()
			if opts.Format != OutputTable {
				if perr := PrintOutput(map[string]any{"loaded": loaded}, opts); perr != nil {
					return perr
				}
				return err
			}
			if len(loaded) > 0 {
				PrintSuccess("Loaded "+strings.Join(loaded, ", "), opts)
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&install, "install", false, "Download missing popular models")
	return cmd
}
