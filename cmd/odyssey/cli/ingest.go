package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/odyssey-erp/odyssey-recon/internal/erp"
)

// OrderIngester loads an ERP purchase order export.
type OrderIngester interface {
	Ingest(ctx context.Context, r io.Reader) (erp.Summary, error)
}

// IngestOptions configures the ingest-erp command. Stdin is read when the
// path argument is "-".
type IngestOptions struct {
	IO
	Args  []string
	Stdin io.Reader
}

// ERPCLI loads ERP exports from the command line.
type ERPCLI struct {
	ingester OrderIngester
}

// NewERPCLI constructs the helper around an ingester.
func NewERPCLI(ingester OrderIngester) (*ERPCLI, error) {
	if ingester == nil {
		return nil, errors.New("erp cli: ingester is required")
	}
	return &ERPCLI{ingester: ingester}, nil
}

// IngestCommand replaces the orders found in the export file.
func (c *ERPCLI) IngestCommand(ctx context.Context, opts IngestOptions) int {
	opts.IO = opts.IO.withDefaults()
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}

	fs := newFlagSet("ingest-erp", opts.Stderr)
	fs.BoolVar(&opts.JSONOutput, "json", opts.JSONOutput, "print the summary as JSON")
	if err := fs.Parse(opts.Args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(opts.Stderr, "ingest-erp: expected exactly one export file (or - for stdin)")
		return exitUsage
	}

	var src io.Reader = opts.Stdin
	if path := fs.Arg(0); path != "-" {
		f, err := os.Open(path)
		if err != nil {
			fmt.Fprintf(opts.Stderr, "ingest-erp: %v\n", err)
			return exitFailure
		}
		defer f.Close()
		src = f
	}

	summary, err := c.ingester.Ingest(ctx, src)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "ingest-erp: %v\n", err)
		return exitFailure
	}
	if err := writeSummary(opts.IO, summary, []field{
		{"decoded", summary.Decoded},
		{"ingested", summary.Ingested},
		{"replaced", summary.Replaced},
		{"fulfilled", summary.Fulfilled},
		{"malformed", summary.Malformed},
		{"failed", summary.Failed},
		{"relinked", summary.Relinked},
	}); err != nil {
		fmt.Fprintf(opts.Stderr, "ingest-erp: %v\n", err)
		return exitFailure
	}
	if summary.Failed > 0 {
		return exitFailure
	}
	return exitOK
}
