// Package pipeline implements the Pipeline Orchestrator (C11): it runs
// one Crawl Supervisor per source under a bounded worker pool so that
// global fetch concurrency stays within configuration limits, and it
// turns context cancellation into a graceful shutdown that lets each
// in-flight supervisor persist its own checkpoint before returning
// (§4.11).
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ptolemies/ptolemies"
	"github.com/ptolemies/ptolemies/crawl"
)

// SourceRun pairs a Supervisor with the source it drives, so callers
// can report results keyed by source_id even when runs complete out of
// order.
type SourceRun struct {
	Supervisor *crawl.Supervisor
	SourceID   string
}

// Orchestrator fans a batch of source crawls out across a bounded
// worker pool (§4.11: "global fetch parallelism = concurrent_requests,
// default 5"). It does not itself rate-limit fetches within a source —
// that is the Fetcher's job (C1) — it only bounds how many sources run
// concurrently.
type Orchestrator struct {
	concurrency int
	log         *slog.Logger
}

// New constructs an Orchestrator. concurrency is the maximum number of
// sources crawled at the same time; values <= 0 default to 1.
func New(concurrency int, log *slog.Logger) *Orchestrator {
	if concurrency <= 0 {
		concurrency = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{concurrency: concurrency, log: log}
}

// RunResult is one source's outcome from a RunAll batch.
type RunResult struct {
	SourceID string
	Result   crawl.Result
	Err      error
}

// RunAll drives every run in runs through its Supervisor, at most
// o.concurrency at a time. It blocks until every run has returned,
// including runs still in flight when ctx is cancelled — each
// Supervisor.Run observes ctx.Done() itself, writes its checkpoint, and
// returns promptly, so RunAll's shutdown is graceful rather than
// abrupt. A single unrecoverable store error from any one source
// cancels the remaining runs (§4.11: "a single unrecoverable store
// error aborts the whole crawl"); other failures stay isolated to their
// source.
func (o *Orchestrator) RunAll(ctx context.Context, runs []SourceRun) []RunResult {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]RunResult, len(runs))
	sem := make(chan struct{}, o.concurrency)
	var wg sync.WaitGroup

	for i, r := range runs {
		wg.Add(1)
		go func(i int, r SourceRun) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results[i] = RunResult{SourceID: r.SourceID, Err: ctx.Err()}
				return
			}
			defer func() { <-sem }()

			res, err := r.Supervisor.Run(ctx)
			if err != nil {
				o.log.Warn("pipeline: source run ended with error", "source_id", r.SourceID, "error", err)
				if AbortOnStoreError(err) {
					cancel()
				}
			}
			results[i] = RunResult{SourceID: r.SourceID, Result: res, Err: err}
		}(i, r)
	}

	wg.Wait()
	return results
}

// Summary aggregates a RunAll batch into totals used by the CLI's
// crawl command to pick an exit code (§6: "0 success, 2 partial
// failure, 3 total failure").
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
	Counters  crawl.Counters
}

// Summarize reduces a RunAll batch into a Summary. A run "succeeds" if
// its Supervisor returned with a nil error, regardless of how many
// individual URLs it skipped or failed along the way.
func Summarize(results []RunResult) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		if r.Err == nil {
			s.Succeeded++
		} else {
			s.Failed++
		}
		s.Counters.Fetched += r.Result.Counters.Fetched
		s.Counters.Skipped += r.Result.Counters.Skipped
		s.Counters.Failed += r.Result.Counters.Failed
		s.Counters.PermanentSkipped += r.Result.Counters.PermanentSkipped
	}
	return s
}

// ExitCode maps a Summary to the crawl command's exit code contract
// (§6: 0 success, 2 partial — some URLs failed, 3 aborted).
func (s Summary) ExitCode() int {
	switch {
	case s.Total > 0 && s.Succeeded == 0:
		return 3
	case s.Failed > 0 || s.Counters.Failed > 0:
		return 2
	default:
		return 0
	}
}

// AbortOnStoreError reports whether err represents the unrecoverable
// class of store failure that §4.11 says should abort the whole crawl
// rather than being isolated to one source, so callers of RunAll can
// decide to cancel the shared context for remaining runs.
func AbortOnStoreError(err error) bool {
	var se *ptolemies.StoreError
	return errors.As(err, &se)
}
