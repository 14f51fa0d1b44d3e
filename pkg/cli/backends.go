package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jguan/gametrans/pkg/config"
)

func NewBackendsCommand(root *RootCommand) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "backends",
		Aliases: []string{"backend"},
		Short:   "Online backend commands",
		Long: `Inspect online translation backends and manage their API keys.

Keys are resolved from GAMETRANS_<NAME>_API_KEY, then the config file,
then the credential store written by "backends set-key".`,
	}

	cmd.AddCommand(newBackendsListCommand(root))
	cmd.AddCommand(newBackendsSetKeyCommand(root))
	cmd.AddCommand(newBackendsRemoveKeyCommand(root))
	cmd.AddCommand(newBackendsTestCommand(root))

	return cmd
}

type BackendInfo struct {
	Name      string  `json:"name" yaml:"name"`
	Type      string  `json:"type" yaml:"type"`
	Enabled   bool    `json:"enabled" yaml:"enabled"`
	Routable  bool    `json:"routable" yaml:"routable"`
	Priority  int     `json:"priority" yaml:"priority"`
	Key       string  `json:"key" yaml:"key"`
	Cost      float64 `json:"cost_per_character" yaml:"cost_per_character"`
	RateLimit int     `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
	URL       string  `json:"url,omitempty" yaml:"url,omitempty"`
}

func backendInfos(cfg *config.Config, creds *config.CredentialStore) []BackendInfo {
	var out []BackendInfo
	for _, name := range cfg.BackendNames() {
		b := cfg.Backends[name]
		d, _ := cfg.BackendDescriptor(name, creds)
		key := "-"
		switch k := cfg.ResolveAPIKey(name, creds); {
		case k != "":
			key = config.MaskKey(k)
		case b.RequiresKey():
			key = "missing"
		}
		out = append(out, BackendInfo{
			Name:      name,
			Type:      b.Type,
			Enabled:   b.Enabled,
			Routable:  d.Routable(),
			Priority:  b.Priority,
			Key:       key,
			Cost:      b.CostPerCharacter,
			RateLimit: b.RateLimitPerMinute,
			URL:       b.URL,
		})
	}
	return out
}

func newBackendsListCommand(root *RootCommand) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List configured backends in routing order",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.Config()
			return PrintOutput(backendInfos(cfg, config.NewCredentialStore(cfg.General.DataDir)), root.OutputOptions())
		},
	}
}

func newBackendsSetKeyCommand(root *RootCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "set-key <backend> [key]",
		Short: "Store an API key for a backend",
		Long: `Store an API key in the credential store (mode 0600). When the key
argument is omitted it is read from the backend's environment variable.`,
		Example: `  gametrans backends set-key deepl 0123abcd-...`,
		Args:    cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.Config()
			name := args[0]
			if _, ok := cfg.Backends[name]; !ok {
				return fmt.Errorf("unknown backend %q", name)
			}
			key := os.Getenv(config.APIKeyEnv(name))
			if len(args) == 2 {
				key = args[1]
			}
			if key == "" {
				return fmt.Errorf("no key given and %s is not set", config.APIKeyEnv(name))
			}
			creds := config.NewCredentialStore(cfg.General.DataDir)
			if err := creds.SetAPIKey(name, key); err != nil {
				return err
			}
			PrintSuccess(fmt.Sprintf("Stored key %s for %s in %s", config.MaskKey(key), name, creds.Path()), root.OutputOptions())
			return nil
		},
	}
}

func newBackendsRemoveKeyCommand(root *RootCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "remove-key <backend>",
		Short: "Delete a stored API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.Config()
			if err := config.NewCredentialStore(cfg.General.DataDir).Remove(args[0]); err != nil {
				return err
			}
			PrintSuccess(fmt.Sprintf("Removed key for %s", args[0]), root.OutputOptions())
			return nil
		},
	}
}

type BackendTestRow struct {
	Text        string  `json:"text" yaml:"text"`
	Translation string  `json:"translation,omitempty" yaml:"translation,omitempty"`
	Provider    string  `json:"provider,omitempty" yaml:"provider,omitempty"`
	Confidence  float64 `json:"confidence" yaml:"confidence"`
	Error       string  `json:"error,omitempty" yaml:"error,omitempty"`
}

func newBackendsTestCommand(root *RootCommand) *cobra.Command {
	var (
		from, to string
		only     []string
	)

	cmd := &cobra.Command{
		Use:   "test <text>...",
		Short: "Translate sample texts through the online backends only",
		Long: `Send each text through backend routing, bypassing the cache and the
offline models. Repeated texts are sent once.`,
		Example: `  gametrans backends test "New Game" "Continue" --to fr
  gametrans backends test Hello --backend ollama`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.Config()
			m, err := buildBackends(cfg, config.NewCredentialStore(cfg.General.DataDir), root.Logger(), only...)
			if err != nil {
				return err
			}
			rows := make([]BackendTestRow, len(args))
			failed := 0
			for i, r := range m.TranslateBatch(cmd.Context(), args, from, to) {
				rows[i] = BackendTestRow{Text: args[i]}
				if r.Err != nil {
					rows[i].Error = r.Err.Error()
					failed++
					continue
				}
				rows[i].Translation = r.Translation.Text
				rows[i].Provider = r.Translation.Provider
				rows[i].Confidence = r.Translation.Confidence
			}
			if err := PrintOutput(rows, root.OutputOptions()); err != nil {
				return err
			}
			if failed == len(rows) {
				return fmt.Errorf("no backend translated any of the %d texts", len(rows))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&from, "from", "en", "Source language")
	cmd.Flags().StringVar(&to, "to", "it", "Target language")
	cmd.Flags().StringSliceVar(&only, "backend", nil, "Only route through these backends")
	return cmd
}
