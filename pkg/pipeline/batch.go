package pipeline

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/jguan/gametrans/pkg/infra/logger"
	"github.com/jguan/gametrans/pkg/optimizer"
	"github.com/jguan/gametrans/pkg/translation"
)

const defaultBatchConcurrency = 4

// ProcessBatch processes reqs one priority partition at a time, Critical
// first. Items within a partition run concurrently up to the optimizer's
// concurrency limit when parallel processing is on. Every item gets its own
// Result in input order; a failed item never stops its siblings.
func (c *Context) ProcessBatch(ctx context.Context, reqs []Request) ([]Result, error) {
	cfg := c.Config()
	if !cfg.Enabled {
		return nil, translation.ErrPipelineDisabled
	}

	results := make([]Result, len(reqs))
	limit := 1
	if cfg.ParallelProcessing {
		limit = defaultBatchConcurrency
		if c.optimizer != nil {
			limit = c.optimizer.Config().MaxConcurrent
		}
	}

	partitions := c.partition(reqs)
	for _, part := range partitions {
		var g errgroup.Group
		g.SetLimit(limit)
		for _, i := range part {
			g.Go(func() error {
				results[i], _ = c.ProcessRequest(ctx, reqs[i])
				return nil
			})
		}
		_ = g.Wait()
	}

	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	logger.WithContext(ctx).Info("batch processed",
		slog.Int("requests", len(reqs)),
		slog.Int("partitions", len(partitions)),
		slog.Int("failed", failed),
	)
	return results, nil
}

// partition groups request indexes by priority, most urgent first.
func (c *Context) partition(reqs []Request) [][]int {
	q := optimizer.NewPriorityQueue[int]()
	for i, r := range reqs {
		p := r.Unit.Priority
		if !p.Valid() {
			p = translation.PriorityLow
		}
		q.Push(p, i)
	}
	return q.DrainPartitions()
}
