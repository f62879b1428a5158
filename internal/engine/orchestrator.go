package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"sshupdater/internal/telemetry"
)

// Orchestrator fans one operation out across a host set with bounded
// concurrency and emits per-host results as they complete. It is the
// sole API surface any front end (CLI, GUI, headless service) consumes.
type Orchestrator struct {
	runner *Runner
	log    *slog.Logger
}

// NewOrchestrator creates an orchestrator around the given runner.
func NewOrchestrator(runner *Runner, log *slog.Logger) *Orchestrator {
	return &Orchestrator{runner: runner, log: log}
}

// Run schedules one task per host, capped at opts.MaxConcurrency
// simultaneous sessions, and returns a finite stream of HostResult in
// completion order. Exactly one result is emitted per targeted host;
// hosts whose task never starts (cancellation) get a synthesized
// Cancelled result. The channel closes when the run is complete; a
// rerun requires a fresh call.
//
// Configuration errors (empty host set, invalid options) are returned
// before any task is scheduled. Per-host failures never are: they are
// captured in that host's result and the rest of the fleet proceeds.
func (o *Orchestrator) Run(ctx context.Context, hosts []Host, op Operation, opts RunOptions) (<-chan HostResult, error) {
	if len(hosts) == 0 {
		return nil, fmt.Errorf("empty host set")
	}
	if _, ok := operationNames[op]; !ok {
		return nil, fmt.Errorf("invalid operation %d", int(op))
	}
	if opts.MaxConcurrency < 0 {
		return nil, fmt.Errorf("max concurrency must be positive, got %d", opts.MaxConcurrency)
	}
	seen := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		if seen[h.ID] {
			return nil, fmt.Errorf("host %q targeted twice in one run", h.ID)
		}
		seen[h.ID] = true
	}
	opts = opts.withDefaults()

	runID := uuid.NewString()
	o.log.Info("starting fleet run",
		slog.String("run_id", runID),
		slog.String("operation", op.String()),
		slog.Int("hosts", len(hosts)),
		slog.Int("concurrency", opts.MaxConcurrency),
	)

	results := make(chan HostResult, len(hosts))

	go func() {
		defer close(results)

		ctx, span := telemetry.Tracer().Start(ctx, "Orchestrator.Run")
		defer span.End()
		span.SetAttributes(
			attribute.String("run.id", runID),
			attribute.String("operation", op.String()),
			attribute.Int("hosts", len(hosts)),
			attribute.Int("concurrency", opts.MaxConcurrency),
		)

		start := time.Now()
		var wg sync.WaitGroup
		semaphore := make(chan struct{}, opts.MaxConcurrency)

		for _, host := range hosts {
			wg.Add(1)
			go func(h Host) {
				defer wg.Done()
				semaphore <- struct{}{}        // acquire
				defer func() { <-semaphore }() // release

				// Tasks that never got a slot before cancellation are
				// synthesized, keeping the one-result-per-host invariant.
				if ctx.Err() != nil {
					results <- cancelledResult(h, op, ctx.Err())
					return
				}
				results <- o.runner.Run(ctx, h, op, opts)
			}(host)
		}

		wg.Wait()
		o.log.Info("fleet run complete",
			slog.String("run_id", runID),
			slog.String("operation", op.String()),
			slog.Duration("duration", time.Since(start)),
		)
	}()

	return results, nil
}

func cancelledResult(h Host, op Operation, cause error) HostResult {
	return HostResult{
		HostID:     h.ID,
		HostName:   h.Name,
		Operation:  op,
		Status:     StatusCancelled,
		OSFamily:   h.OSFamily,
		Err:        fmt.Sprintf("run cancelled before task started: %v", cause),
		FinishedAt: time.Now(),
	}
}
