package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// printer renders command results in the format chosen with -o. Tables are
// for operators at a terminal; json and yaml are for scripts and carry the
// same field names as the status API.
type printer struct {
	w      io.Writer
	format string
}

func newPrinter(w io.Writer, format string) (*printer, error) {
	switch format {
	case "", "table":
		return &printer{w: w, format: "table"}, nil
	case "json", "yaml":
		return &printer{w: w, format: format}, nil
	default:
		return nil, fmt.Errorf("unsupported output format %q (use table, json or yaml)", format)
	}
}

// structured writes v when a machine format was requested. It reports false
// for the table format, leaving the layout to the command.
func (p *printer) structured(v any) (bool, error) {
	switch p.format {
	case "json":
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case "yaml":
		return true, p.yaml(v)
	default:
		return false, nil
	}
}

// yaml re-reads the JSON encoding as a YAML node so keys follow the json
// tags and keep struct order.
func (p *printer) yaml(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return err
	}
	resetStyle(&node)
	enc := yaml.NewEncoder(p.w)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return err
	}
	return enc.Close()
}

// resetStyle drops the flow style inherited from the JSON input.
func resetStyle(n *yaml.Node) {
	n.Style &^= yaml.FlowStyle
	if n.Kind == yaml.ScalarNode && n.Style&yaml.DoubleQuotedStyle != 0 {
		n.Style = 0
	}
	for _, c := range n.Content {
		resetStyle(c)
	}
}

func (p *printer) linef(format string, args ...any) {
	fmt.Fprintf(p.w, format+"\n", args...)
}

func (p *printer) blank() {
	fmt.Fprintln(p.w)
}

// table prints rows under upper-cased headers. Empty tables print nothing.
func (p *printer) table(headers []string, rows [][]string) {
	if len(rows) == 0 {
		return
	}
	tw := tabwriter.NewWriter(p.w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, strings.ToUpper(strings.Join(headers, "\t")))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	tw.Flush()
}

// fields prints label/value pairs as an aligned two-column block, skipping
// empty values.
func (p *printer) fields(pairs [][2]string) {
	tw := tabwriter.NewWriter(p.w, 0, 8, 2, ' ', 0)
	for _, kv := range pairs {
		if kv[1] == "" {
			continue
		}
		fmt.Fprintf(tw, "%s:\t%s\n", kv[0], kv[1])
	}
	tw.Flush()
}

// truncate shortens s to at most max runes, ending in "..." when cut.
// Student and establishment names are not ASCII, so it never splits a rune.
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}
