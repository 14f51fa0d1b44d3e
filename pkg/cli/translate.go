package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jguan/gametrans/pkg/pipeline"
)

type translateFlags struct {
	from     string
	to       string
	priority string
	image    string
	screen   bool
	game     string
	ui       string
	context  string
	backend  string
}

func NewTranslateCommand(root *RootCommand) *cobra.Command {
	var f translateFlags

	cmd := &cobra.Command{
		Use:   "translate [text...]",
		Short: "Translate a text or a screenshot",
		Long: `Run one request through the pipeline: extraction, translation through
the cache, online backends and offline models, post-processing and logging.`,
		Example: `  # Translate a menu string
  gametrans translate "New Game" --from en --to it

  # OCR a screenshot first
  gametrans translate --image shot.png --from en --to it

  # Remember where the text came from
  gametrans translate "Save" --game Skyrim --ui menu`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTranslate(cmd.Context(), root, strings.Join(args, " "), f)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.from, "from", "en", "Source language")
	flags.StringVar(&f.to, "to", "it", "Target language")
	flags.StringVarP(&f.priority, "priority", "p", "medium", "Priority (critical, high, medium, low)")
	flags.StringVar(&f.image, "image", "", "Image file to extract text from")
	flags.BoolVar(&f.screen, "screen", false, "Treat --image as a screen capture")
	flags.StringVar(&f.game, "game", "", "Game name")
	flags.StringVar(&f.ui, "ui", "", "UI element type (menu, dialog, hud, ...)")
	flags.StringVar(&f.context, "context", "", "Free-form context recorded with the translation")
	flags.StringVar(&f.backend, "backend", "", "Preferred online backend")

	return cmd
}

func (f translateFlags) input(text string) (pipeline.Input, error) {
	in := pipeline.Input{
		Text:             text,
		SourceLang:       f.from,
		TargetLang:       f.to,
		Priority:         f.priority,
		Context:          f.context,
		PreferredBackend: f.backend,
	}
	switch {
	case f.image != "":
		in.InputType = pipeline.InputImage
		if f.screen {
			in.InputType = pipeline.InputScreenCapture
		}
		in.InputData = f.image
	case strings.TrimSpace(text) == "":
		return in, fmt.Errorf("text or --image is required")
	}
	if f.game != "" || f.ui != "" {
		in.Game = &pipeline.GameContext{GameName: f.game, UIElementType: f.ui}
	}
	return in, nil
}

func runTranslate(ctx context.Context, root *RootCommand, text string, f translateFlags) error {
	in, err := f.input(text)
	if err != nil {
		return err
	}
	req, err := in.Request()
	if err != nil {
		return err
	}

	app, err := root.App(ctx)
	if err != nil {
		return err
	}
	res, err := app.Pipeline.ProcessRequest(ctx, req)

	opts := root.OutputOptions()
	if opts.Format != OutputTable {
		if perr := PrintOutput(res, opts); perr != nil {
			return perr
		}
		return err
	}
	if err != nil {
		return err
	}
	if !opts.Quiet {
		fmt.Fprintln(opts.Writer, res.TranslatedText)
		fmt.Fprintf(opts.Writer, "  via %s, quality %.2f, %.1fms%s\n",
			describeSource(res), res.QualityScore, res.TotalLatencyMs(), targetNote(res))
	}
	return nil
}

func describeSource(res pipeline.Result) string {
	switch {
	case res.CacheHit:
		return "cache"
	case res.FallbackUsed:
		return "offline " + res.Provider
	case res.Provider != "":
		return res.Provider
	default:
		return "unknown"
	}
}

func targetNote(res pipeline.Result) string {
	if res.Performance.TargetMet {
		return ""
	}
	return fmt.Sprintf(" (target %.0fms missed)", res.Performance.TargetLatencyMs)
}

// batchFile accepts either a bare list of inputs or {"requests": [...]}.
type batchFile struct {
	Requests []pipeline.Input `json:"requests" yaml:"requests"`
}

// readBatchFile parses JSON or YAML by extension; anything else is tried
// as YAML, which also accepts JSON.
func readBatchFile(path string) ([]pipeline.Input, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read batch file: %w", err)
	}

	unmarshal := yaml.Unmarshal
	if strings.EqualFold(filepath.Ext(path), ".json") {
		unmarshal = json.Unmarshal
	}

	var list []pipeline.Input
	if err := unmarshal(data, &list); err == nil {
		return list, nil
	}
	var wrapped batchFile
	if err := unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("parse batch file %s: %w", path, err)
	}
	return wrapped.Requests, nil
}

type BatchSummary struct {
	Total      int               `json:"total" yaml:"total"`
	Successful int               `json:"successful" yaml:"successful"`
	Failed     int               `json:"failed" yaml:"failed"`
	Elapsed    time.Duration     `json:"elapsed" yaml:"elapsed"`
	Results    []pipeline.Result `json:"results" yaml:"results"`
}

func NewBatchCommand(root *RootCommand) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch <file>",
		Short: "Translate every request in a JSON or YAML file",
		Long: `Translate a list of requests. Requests are scheduled by priority,
critical first; results are printed in file order.`,
		Example: `  # requests.yaml
  # - text: "New Game"
  #   source_lang: en
  #   target_lang: it
  #   priority: high
  gametrans batch requests.yaml -o json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd.Context(), root, args[0])
		},
	}
	return cmd
}

func runBatch(ctx context.Context, root *RootCommand, path string) error {
	inputs, err := readBatchFile(path)
	if err != nil {
		return err
	}
	if len(inputs) == 0 {
		return fmt.Errorf("batch file %s has no requests", path)
	}
	reqs := make([]pipeline.Request, len(inputs))
	for i, in := range inputs {
		if reqs[i], err = in.Request(); err != nil {
			return fmt.Errorf("request %d: %w", i, err)
		}
	}

	app, err := root.App(ctx)
	if err != nil {
		return err
	}
	started := time.Now()
	results, err := app.Pipeline.ProcessBatch(ctx, reqs)
	if err != nil {
		return err
	}

	summary := BatchSummary{Total: len(results), Elapsed: time.Since(started), Results: results}
	for _, r := range results {
		if r.Success {
			summary.Successful++
		} else {
			summary.Failed++
		}
	}

	opts := root.OutputOptions()
	if opts.Format != OutputTable {
		return PrintOutput(summary, opts)
	}
	rows := make([]batchRow, len(results))
	for i, r := range results {
		rows[i] = newBatchRow(r)
	}
	if err := PrintOutput(rows, opts); err != nil {
		return err
	}
	if !opts.Quiet {
		fmt.Fprintf(opts.Writer, "\n%d/%d succeeded in %s\n", summary.Successful, summary.Total, summary.Elapsed.Round(time.Millisecond))
	}
	return nil
}

type batchRow struct {
	Priority   string  `json:"priority"`
	Original   string  `json:"original"`
	Translated string  `json:"translated"`
	Quality    float64 `json:"quality"`
	LatencyMs  float64 `json:"latency_ms"`
	Source     string  `json:"source"`
	Error      string  `json:"error"`
}

func newBatchRow(r pipeline.Result) batchRow {
	row := batchRow{
		Priority:   r.Priority,
		Original:   r.OriginalText,
		Translated: r.TranslatedText,
		Quality:    r.QualityScore,
		LatencyMs:  r.TotalLatencyMs(),
		Source:     describeSource(r),
	}
	if !r.Success {
		row.Source = "-"
		row.Error = r.ErrorMessage
	}
	return row
}
