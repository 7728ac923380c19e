package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

// table writes column-aligned output. Headers are emitted lazily on the first
// row, so empty tables print nothing.
type table struct {
	w       *tabwriter.Writer
	headers []string
	written bool
}

func newTable(out io.Writer, headers ...string) *table {
	return &table{
		w:       tabwriter.NewWriter(out, 0, 0, 2, ' ', 0),
		headers: headers,
	}
}

func (t *table) row(values ...string) {
	if !t.written {
		t.written = true
		fmt.Fprintln(t.w, strings.Join(t.headers, "\t"))
		dividers := make([]string, len(t.headers))
		for i, h := range t.headers {
			dividers[i] = strings.Repeat("-", len(h))
		}
		fmt.Fprintln(t.w, strings.Join(dividers, "\t"))
	}
	fmt.Fprintln(t.w, strings.Join(values, "\t"))
}

func (t *table) flush() {
	if t.written {
		t.w.Flush()
	}
}
