package cli

import (
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/jguan/gametrans/pkg/pipeline"
)

type BenchReport struct {
	Kind             string        `json:"kind" yaml:"kind"`
	Requests         int           `json:"requests" yaml:"requests"`
	Successful       int           `json:"successful" yaml:"successful"`
	Elapsed          time.Duration `json:"elapsed" yaml:"elapsed"`
	Throughput       float64       `json:"requests_per_second" yaml:"requests_per_second"`
	AverageLatencyMs float64       `json:"average_latency_ms" yaml:"average_latency_ms"`
	P95LatencyMs     float64       `json:"p95_latency_ms" yaml:"p95_latency_ms"`
	TargetMet        int           `json:"target_met" yaml:"target_met"`
	CacheHitRate     float64       `json:"cache_hit_rate" yaml:"cache_hit_rate"`
	Grade            string        `json:"performance_grade" yaml:"performance_grade"`
}

func NewBenchCommand(root *RootCommand) *cobra.Command {
	var (
		count  int
		kind   string
		images string
		rounds int
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark the pipeline with generated requests",
		Long: `Run a deterministic set of en->it requests through the pipeline and
report throughput, latency and the performance grade.

Kinds: text_only, ocr_heavy (mostly screenshots from --images), mixed.
Later rounds exercise the cache.`,
		Example: `  gametrans bench --count 200 --rounds 3
  gametrans bench --kind mixed --images ./shots -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(cmd.Context(), root, count, rounds, kind, images)
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 50, "Requests per round")
	cmd.Flags().IntVar(&rounds, "rounds", 1, "Number of rounds")
	cmd.Flags().StringVar(&kind, "kind", pipeline.KindTextOnly, "Request mix (text_only, ocr_heavy, mixed)")
	cmd.Flags().StringVar(&images, "images", ".", "Directory holding screen_NNN.png files")

	return cmd
}

func runBench(ctx context.Context, root *RootCommand, count, rounds int, kind, images string) error {
	if count <= 0 || rounds <= 0 {
		return fmt.Errorf("count and rounds must be positive")
	}
	reqs, err := pipeline.GenerateTestRequests(count, kind, images)
	if err != nil {
		return err
	}

	app, err := root.App(ctx)
	if err != nil {
		return err
	}
	app.Pipeline.ResetStats()

	var all []pipeline.Result
	started := time.Now()
	for range rounds {
		results, err := app.Pipeline.ProcessBatch(ctx, reqs)
		if err != nil {
			return err
		}
		all = append(all, results...)
	}

	report := summarizeBench(kind, all, time.Since(started))
	report.Grade = app.Pipeline.Stats().PerformanceGrade
	return PrintOutput(report, root.OutputOptions())
}

func summarizeBench(kind string, results []pipeline.Result, elapsed time.Duration) BenchReport {
	r := BenchReport{Kind: kind, Requests: len(results), Elapsed: elapsed}
	if len(results) == 0 {
		return r
	}

	latencies := make([]float64, 0, len(results))
	hits := 0
	for _, res := range results {
		if res.Success {
			r.Successful++
		}
		if res.CacheHit {
			hits++
		}
		if res.Performance.TargetMet {
			r.TargetMet++
		}
		latencies = append(latencies, res.TotalLatencyMs())
	}

	var sum float64
	for _, l := range latencies {
		sum += l
	}
	r.AverageLatencyMs = sum / float64(len(latencies))
	r.P95LatencyMs = percentile(latencies, 0.95)
	r.CacheHitRate = float64(hits) / float64(len(results))
	if elapsed > 0 {
		r.Throughput = float64(len(results)) / elapsed.Seconds()
	}
	return r
}

// percentile uses nearest-rank on a sorted copy.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	return sorted[max(rank, 0)]
}
