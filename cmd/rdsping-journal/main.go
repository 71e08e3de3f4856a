// Command rdsping-journal prints the status events recorded in an rdsping
// journal file, one line per event.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"rdsping/pkg/protocol/codec"
	"rdsping/pkg/status"
)

func main() {
	format := flag.String("format", "", "journal format: json|cbor|proto (default: from file extension)")
	kind := flag.String("kind", "", "only print events of this kind (e.g. matched, timeout)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] journal-file\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	if err := dump(os.Stdout, flag.Arg(0), *format, *kind); err != nil {
		fmt.Fprintln(os.Stderr, "rdsping-journal:", err)
		os.Exit(1)
	}
}

func dump(w io.Writer, path, format, kind string) error {
	if format == "" {
		format = formatFromExt(path)
	}
	reg, err := codec.NewRegistry()
	if err != nil {
		return err
	}
	c, err := reg.Lookup(format)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	events, err := status.ReadJournal(f, c)
	for _, e := range events {
		if kind != "" && e["kind"] != kind {
			continue
		}
		fmt.Fprintln(w, formatEvent(e))
	}
	return err
}

func formatFromExt(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cbor":
		return "cbor"
	case ".pb", ".proto", ".bin":
		return "proto"
	default:
		return "json"
	}
}

// formatEvent renders the fixed columns first, then any remaining fields
// as key=value in key order.
func formatEvent(e map[string]any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-30v %-9v %-9v %-13v", e["at"], e["role"], e["kind"], e["transport"])
	var rest []string
	for k := range e {
		switch k {
		case "at", "role", "kind", "transport":
			continue
		}
		rest = append(rest, k)
	}
	sort.Strings(rest)
	for _, k := range rest {
		fmt.Fprintf(&b, " %s=%v", k, e[k])
	}
	return b.String()
}
