package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/inkfetch/internal/journal"
)

const (
	formatTable = "table"
	formatYAML  = "yaml"
	formatJSON  = "json"
)

func checkFormat(format string) error {
	switch format {
	case formatTable, formatYAML, formatJSON:
		return nil
	default:
		return eris.Errorf("unknown format %q (want table, yaml or json)", format)
	}
}

// writeValue encodes v as yaml or json.
func writeValue(out io.Writer, format string, v any) error {
	switch format {
	case formatYAML:
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return eris.Wrap(err, "encode yaml")
		}
		return eris.Wrap(enc.Close(), "close yaml encoder")
	case formatJSON:
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return eris.Wrap(enc.Encode(v), "encode json")
	default:
		return eris.Errorf("format %q has no encoder", format)
	}
}

// writeEntry renders one transfer.
func writeEntry(out io.Writer, format string, e journal.Entry) error {
	if format != formatTable {
		return writeValue(out, format, e)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	if e.ID != "" {
		_, _ = fmt.Fprintf(w, "Entry:\t%s\n", e.ID)
	}
	_, _ = fmt.Fprintf(w, "Transfer:\t%s\n", e.TransferID)
	_, _ = fmt.Fprintf(w, "URL:\t%s\n", e.URL)
	_, _ = fmt.Fprintf(w, "Result:\t%s\n", resultLabel(e))
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", statusLabel(e.StatusCode))
	if e.ContentType != "" {
		_, _ = fmt.Fprintf(w, "Content-Type:\t%s\n", e.ContentType)
	}
	_, _ = fmt.Fprintf(w, "Length:\t%s\n", lengthLabel(e.ContentLength))
	_, _ = fmt.Fprintf(w, "Framing:\t%s\n", e.Framing)
	_, _ = fmt.Fprintf(w, "Delivered:\t%d bytes\n", e.Delivered)
	_, _ = fmt.Fprintf(w, "Elapsed:\t%s\n", (time.Duration(e.ElapsedMS) * time.Millisecond).String())
	if e.Decoded {
		_, _ = fmt.Fprintf(w, "Bitmap:\t%dx%d, %d bytes written\n", e.Width, e.Height, e.Written)
	}
	if e.Error != "" {
		_, _ = fmt.Fprintf(w, "Error:\t%s\n", e.Error)
	}
	if e.DecodeError != "" {
		_, _ = fmt.Fprintf(w, "Decode error:\t%s\n", e.DecodeError)
	}
	return w.Flush()
}

// writeEntries renders a compact list, newest first.
func writeEntries(out io.Writer, entries []journal.Entry) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCOMMAND\tRESULT\tSTATUS\tBYTES\tELAPSED\tCREATED\tURL")
	_, _ = fmt.Fprintln(w, "--\t-------\t------\t------\t-----\t-------\t-------\t---")
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			truncateID(e.ID),
			e.Command,
			resultLabel(e),
			statusLabel(e.StatusCode),
			e.Delivered,
			(time.Duration(e.ElapsedMS) * time.Millisecond).Round(time.Millisecond),
			e.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			truncateURL(e.URL),
		)
	}
	return w.Flush()
}

func writeStats(out io.Writer, st journal.Stats, kinds []string) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total transfers:\t%d\n", st.Total)
	_, _ = fmt.Fprintf(w, "OK:\t%d\n", st.OK)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", st.Total-st.OK)
	for _, k := range kinds {
		if k == "none" {
			continue
		}
		_, _ = fmt.Fprintf(w, "  %s:\t%d\n", k, st.ByKind[k])
	}
	return w.Flush()
}

func resultLabel(e journal.Entry) string {
	if e.OK {
		return "ok"
	}
	return e.Kind
}

func statusLabel(code int) string {
	switch {
	case code < 0:
		return "no connection"
	case code == 0:
		return "-"
	default:
		return strconv.Itoa(code)
	}
}

func lengthLabel(n int64) string {
	if n < 0 {
		return "unknown"
	}
	return strconv.FormatInt(n, 10) + " bytes"
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncateURL(u string) string {
	if len(u) > 48 {
		return u[:45] + "..."
	}
	return u
}
