package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/odyssey-erp/odyssey-recon/internal/estimates"
)

// EstimatesRunner executes one persistor run.
type EstimatesRunner interface {
	Run(ctx context.Context, opts estimates.Options) (estimates.RunSummary, error)
}

// MatchOptions configures the match-estimates command.
type MatchOptions struct {
	IO
	Args     []string
	Defaults estimates.Options
}

// EstimatesCLI runs the estimate persistor from the command line.
type EstimatesCLI struct {
	runner EstimatesRunner
}

// NewEstimatesCLI constructs the helper around a runner.
func NewEstimatesCLI(runner EstimatesRunner) (*EstimatesCLI, error) {
	if runner == nil {
		return nil, errors.New("estimates cli: runner is required")
	}
	return &EstimatesCLI{runner: runner}, nil
}

// MatchCommand parses flags, runs the persistor and reports its summary.
// A run skipped because another holds the lock still exits 0.
func (c *EstimatesCLI) MatchCommand(ctx context.Context, opts MatchOptions) int {
	opts.IO = opts.IO.withDefaults()
	if opts.Defaults == (estimates.Options{}) {
		opts.Defaults = estimates.DefaultOptions()
	}

	fs := newFlagSet("match-estimates", opts.Stderr)
	days := fs.Int("days", opts.Defaults.Days, "look-back window in days")
	minScore := fs.Float64("min-score", opts.Defaults.MinScore, "minimum match score to persist")
	cleanOnly := fs.Bool("clean-only", opts.Defaults.CleanOnly, "only evict stale estimates")
	fs.BoolVar(&opts.JSONOutput, "json", opts.JSONOutput, "print the summary as JSON")
	if err := fs.Parse(opts.Args); err != nil {
		return exitUsage
	}

	summary, err := c.runner.Run(ctx, estimates.Options{Days: *days, MinScore: *minScore, CleanOnly: *cleanOnly})
	if err != nil {
		fmt.Fprintf(opts.Stderr, "match-estimates: %v\n", err)
		if errors.Is(err, estimates.ErrInvalidRequest) {
			return exitUsage
		}
		return exitFailure
	}
	if err := writeSummary(opts.IO, summary, []field{
		{"run", summary.RunID},
		{"locked", summary.Locked},
		{"relinked", summary.Relinked},
		{"cleaned", summary.Cleaned},
		{"orders scanned", summary.OrdersScanned},
		{"orders skipped", summary.OrdersSkipped},
		{"orders matched", summary.OrdersMatched},
		{"orders failed", summary.OrdersFailed},
		{"inserted", summary.Inserted},
		{"updated", summary.Updated},
		{"unchanged", summary.Unchanged},
		{"interrupted", summary.Interrupted},
	}); err != nil {
		fmt.Fprintf(opts.Stderr, "match-estimates: %v\n", err)
		return exitFailure
	}
	if summary.Interrupted {
		return exitInterrupted
	}
	return exitOK
}
