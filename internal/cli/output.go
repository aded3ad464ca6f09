package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

// printer writes either indented JSON or an aligned table.
type printer struct {
	format string
	w      io.Writer
}

func (o *RootOptions) printer(w io.Writer) printer {
	return printer{format: o.Format, w: w}
}

func (p printer) json() bool {
	return p.format == FormatJSON
}

func (p printer) value(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// table prints rows under header; in JSON mode it prints data instead.
func (p printer) table(data any, header []string, rows [][]string) error {
	if p.json() {
		return p.value(data)
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

func (p printer) line(format string, args ...any) {
	fmt.Fprintf(p.w, format+"\n", args...)
}

func orDash(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
