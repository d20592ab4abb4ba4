package cli

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
)

const (
	exitOK          = 0
	exitFailure     = 1
	exitUsage       = 2
	exitInterrupted = 130
)

// IO carries the writers every command reports to.
type IO struct {
	Stdout     io.Writer
	Stderr     io.Writer
	JSONOutput bool
}

func (o IO) withDefaults() IO {
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	return o
}

// field is one row of a plain text summary.
type field struct {
	Name  string
	Value any
}

func writeSummary(out IO, summary any, fields []field) error {
	if out.JSONOutput {
		enc := json.NewEncoder(out.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}
	tw := tabwriter.NewWriter(out.Stdout, 0, 2, 2, ' ', 0)
	for _, f := range fields {
		fmt.Fprintf(tw, "%s\t%v\n", f.Name, f.Value)
	}
	return tw.Flush()
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}
