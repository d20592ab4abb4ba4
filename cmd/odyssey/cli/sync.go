package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-recon/internal/nfe"
)

const dateLayout = "2006-01-02"

// InvoiceSyncer runs one fiscal document synchronization.
type InvoiceSyncer interface {
	Run(ctx context.Context, req nfe.SyncRequest) (nfe.SyncSummary, error)
}

// SyncOptions configures the sync-nfe command.
type SyncOptions struct {
	IO
	Args         []string
	Destinations []string
	LookbackDays int
	Now          func() time.Time
}

// NFeCLI drives the invoice synchronizer from the command line.
type NFeCLI struct {
	syncer InvoiceSyncer
}

// NewNFeCLI constructs the helper around a synchronizer.
func NewNFeCLI(syncer InvoiceSyncer) (*NFeCLI, error) {
	if syncer == nil {
		return nil, errors.New("nfe cli: synchronizer is required")
	}
	return &NFeCLI{syncer: syncer}, nil
}

// SyncCommand pulls invoices for the requested window. Without --from the
// window starts LookbackDays before today; without --cnpj the configured
// destinations are used.
func (c *NFeCLI) SyncCommand(ctx context.Context, opts SyncOptions) int {
	opts.IO = opts.IO.withDefaults()
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.LookbackDays <= 0 {
		opts.LookbackDays = 7
	}

	fs := newFlagSet("sync-nfe", opts.Stderr)
	from := fs.String("from", "", "first emission date (YYYY-MM-DD)")
	to := fs.String("to", "", "last emission date (YYYY-MM-DD)")
	cnpjs := fs.String("cnpj", "", "comma separated destination CNPJs")
	fs.BoolVar(&opts.JSONOutput, "json", opts.JSONOutput, "print the summary as JSON")
	if err := fs.Parse(opts.Args); err != nil {
		return exitUsage
	}

	now := opts.Now()
	req := nfe.SyncRequest{From: now.AddDate(0, 0, -opts.LookbackDays), To: now, CNPJs: opts.Destinations}
	var err error
	if *from != "" {
		if req.From, err = time.ParseInLocation(dateLayout, *from, time.Local); err != nil {
			fmt.Fprintf(opts.Stderr, "sync-nfe: invalid --from %q (expected YYYY-MM-DD)\n", *from)
			return exitUsage
		}
	}
	if *to != "" {
		if req.To, err = time.ParseInLocation(dateLayout, *to, time.Local); err != nil {
			fmt.Fprintf(opts.Stderr, "sync-nfe: invalid --to %q (expected YYYY-MM-DD)\n", *to)
			return exitUsage
		}
	}
	if *cnpjs != "" {
		req.CNPJs = splitList(*cnpjs)
	}
	if len(req.CNPJs) == 0 {
		fmt.Fprintln(opts.Stderr, "sync-nfe: no destination CNPJ configured (set NFE_DEST_CNPJS or --cnpj)")
		return exitUsage
	}

	summary, err := c.syncer.Run(ctx, req)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "sync-nfe: %v\n", err)
		return exitFailure
	}
	if err := writeSummary(opts.IO, summary, []field{
		{"companies", summary.Companies},
		{"fetched", summary.Fetched},
		{"stored", summary.Stored},
		{"skipped", summary.Skipped},
		{"malformed", summary.Malformed},
		{"failed", summary.Failed},
		{"busy", summary.Busy},
	}); err != nil {
		fmt.Fprintf(opts.Stderr, "sync-nfe: %v\n", err)
		return exitFailure
	}
	return exitOK
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
