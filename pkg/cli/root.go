// Package cli implements the gametrans command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jguan/gametrans/pkg/config"
	"github.com/jguan/gametrans/pkg/infra/logger"
)

var (
	cliVersion   = "dev"
	cliBuildDate = "unknown"
	cliGitCommit = "unknown"
)

type RootCommand struct {
	cmd       *cobra.Command
	v         *viper.Viper
	cfg       *config.Config
	app       *App
	logger    *slog.Logger
	closeLog  func() error
	opts      *OutputOptions
	formatStr string
}

func NewRootCommand() *RootCommand {
	root := &RootCommand{
		v:    viper.New(),
		opts: NewOutputOptions(),
	}

	cmd := &cobra.Command{
		Use:   "gametrans",
		Short: "gametrans - low-latency game text translation",
		Long: `gametrans translates in-game text and screenshots under a latency
budget, routing through online backends, a tiered cache and offline
phrase models.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: root.persistentPreRunE,
	}

	root.bindPersistentFlags(cmd.PersistentFlags())
	root.cmd = cmd
	root.addSubCommands()

	return root
}

func (r *RootCommand) bindPersistentFlags(pflags *pflag.FlagSet) {
	pflags.StringVarP(&r.formatStr, "output", "o", "table", "Output format (table, json, yaml)")
	pflags.BoolVarP(&r.opts.Quiet, "quiet", "q", false, "Suppress output")
	pflags.String("config", "", "Config file path (default: ~/.gametrans/config.toml)")
	pflags.String("log-level", "", "Log level override (debug, info, warn, error)")
	pflags.Bool("parallel-translation", false, "Query all online backends at once and keep the most confident answer")

	for _, name := range []string{"output", "quiet", "config", "log-level", "parallel-translation"} {
		_ = r.v.BindPFlag(name, pflags.Lookup(name))
	}
	r.v.SetEnvPrefix("GAMETRANS")
	r.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	_ = r.v.BindEnv("config")
	_ = r.v.BindEnv("parallel-translation")
}

func (r *RootCommand) persistentPreRunE(cmd *cobra.Command, args []string) error {
	r.opts.Format = OutputFormat(r.v.GetString("output"))
	switch r.opts.Format {
	case OutputTable, OutputJSON, OutputYAML:
	default:
		return fmt.Errorf("unknown output format %q", r.opts.Format)
	}

	if r.cfg == nil {
		cfg, err := config.Load(r.v.GetString("config"))
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		r.cfg = cfg
	}
	if lvl := r.v.GetString("log-level"); lvl != "" {
		r.cfg.Logging.Level = lvl
	}
	r.v.SetDefault("parallel-translation", r.cfg.Pipeline.ParallelTranslation)
	r.cfg.Pipeline.ParallelTranslation = r.v.GetBool("parallel-translation")

	if r.logger == nil {
		out, closeFn, err := logger.OpenFile(r.cfg.Logging.File)
		if err != nil {
			return err
		}
		r.closeLog = closeFn
		logger.Reset()
		logger.Init(logger.Config{
			Level:  r.cfg.Logging.Level,
			Format: r.cfg.Logging.Format,
			Output: out,
		})
		r.logger = logger.Default()
	}
	return nil
}

// cleanup releases what persistentPreRunE and App acquired. It runs after
// every execution, including failed ones.
func (r *RootCommand) cleanup() error {
	var err error
	if r.app != nil {
		err = r.app.Close()
		r.app = nil
	}
	if r.closeLog != nil {
		_ = r.closeLog()
		r.closeLog = nil
	}
	return err
}

// App builds the pipeline on first use so that commands which never
// translate do not open the database or look for tesseract.
func (r *RootCommand) App(ctx context.Context) (*App, error) {
	if r.app != nil {
		return r.app, nil
	}
	app, err := BuildApp(ctx, r.cfg, r.Logger())
	if err != nil {
		return nil, err
	}
	r.app = app
	return app, nil
}

func (r *RootCommand) addSubCommands() {
	r.cmd.AddCommand(NewVersionCommand(r))
	r.cmd.AddCommand(NewTranslateCommand(r))
	r.cmd.AddCommand(NewBatchCommand(r))
	r.cmd.AddCommand(NewStatsCommand(r))
	r.cmd.AddCommand(NewOptimizeCommand(r))
	r.cmd.AddCommand(NewModelsCommand(r))
	r.cmd.AddCommand(NewBackendsCommand(r))
	r.cmd.AddCommand(NewLogsCommand(r))
	r.cmd.AddCommand(NewBenchCommand(r))
	r.cmd.AddCommand(NewServeCommand(r))
}

func (r *RootCommand) Command() *cobra.Command {
	return r.cmd
}

func (r *RootCommand) Config() *config.Config {
	return r.cfg
}

// SetConfig replaces file-based configuration loading.
func (r *RootCommand) SetConfig(cfg *config.Config) {
	r.cfg = cfg
}

func (r *RootCommand) Logger() *slog.Logger {
	if r.logger == nil {
		return logger.Default()
	}
	return r.logger
}

// SetLogger replaces the logger built from configuration.
func (r *RootCommand) SetLogger(l *slog.Logger) {
	r.logger = l
}

func (r *RootCommand) OutputOptions() *OutputOptions {
	return r.opts
}

func (r *RootCommand) SetOutputWriter(w io.Writer) {
	r.opts.Writer = w
	r.cmd.SetOut(w)
}

func (r *RootCommand) Execute() error {
	return r.ExecuteContext(context.Background())
}

func (r *RootCommand) ExecuteContext(ctx context.Context) error {
	err := r.cmd.ExecuteContext(ctx)
	if cerr := r.cleanup(); err == nil {
		err = cerr
	}
	return err
}

func Execute() {
	root := NewRootCommand()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		PrintError(err, root.OutputOptions())
		os.Exit(1)
	}
}

func SetVersion(version, buildDate, gitCommit string) {
	cliVersion = version
	cliBuildDate = buildDate
	cliGitCommit = gitCommit
}

func GetVersion() string {
	return cliVersion
}

func GetBuildDate() string {
	return cliBuildDate
}

func GetGitCommit() string {
	return cliGitCommit
}
