package resign

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// RunBatch runs independent operations with at most limit in flight and
// returns their results in request order. Each operation has its own
// workspace; one failing does not affect the others.
func (o *Orchestrator) RunBatch(ctx context.Context, reqs []Request, limit int) []Result {
	results := make([]Result, len(reqs))
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			results[i] = o.Run(ctx, req)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
