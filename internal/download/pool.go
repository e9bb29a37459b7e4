package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/BadgerOps/afrec/internal/evidence"
)

var errCancelled = errors.New("not started: context cancelled")

// Outcome is the terminal result of one item. Exactly one field is set.
type Outcome struct {
	Transferred *Transferred
	Failure     *Failure
	index       int // Internal: used to maintain result order
}

// TransferFunc moves one item under root.
type TransferFunc func(ctx context.Context, d evidence.Descriptor, root string) Outcome

// Pool runs a TransferFunc over a batch using a fixed number of workers.
type Pool struct {
	transfer TransferFunc
	workers  int
	logger   *slog.Logger
}

// NewPool creates a pool with the specified number of worker goroutines.
func NewPool(transfer TransferFunc, workers int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		transfer: transfer,
		workers:  workers,
		logger:   logger,
	}
}

// Execute runs every item and waits for all to complete. The returned
// outcomes keep input order. Items still queued when ctx is cancelled are
// reported as fatal failures with zero attempts.
func (p *Pool) Execute(ctx context.Context, ds []evidence.Descriptor, root string) []Outcome {
	if len(ds) == 0 {
		return []Outcome{}
	}

	jobsChan := make(chan job, len(ds))
	resultsChan := make(chan Outcome, len(ds))

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go p.worker(ctx, root, jobsChan, resultsChan, &wg)
	}

	// Buffered to len(ds), so this never blocks.
	for i, d := range ds {
		jobsChan <- job{desc: d, index: i}
	}
	close(jobsChan)

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	results := make([]Outcome, 0, len(ds))
	for result := range resultsChan {
		results = append(results, result)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].index < results[j].index
	})

	return results
}

type job struct {
	desc  evidence.Descriptor
	index int
}

func (p *Pool) worker(ctx context.Context, root string, jobsChan <-chan job, resultsChan chan<- Outcome, wg *sync.WaitGroup) {
	defer wg.Done()

	for j := range jobsChan {
		if err := ctx.Err(); err != nil {
			resultsChan <- Outcome{
				Failure: &Failure{
					Descriptor: j.desc,
					State:      StateFailedFatal,
					Err:        fmt.Errorf("%w: %v", errCancelled, err),
				},
				index: j.index,
			}
			continue
		}

		out := p.transfer(ctx, j.desc, root)
		out.index = j.index
		if out.Failure != nil {
			p.logger.Debug("job failed", "path", j.desc.Path(), "state", out.Failure.State)
		}
		resultsChan <- out
	}
}
