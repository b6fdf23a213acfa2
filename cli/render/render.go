// Package render formats output of the read-only bridge commands.
//
// Format selection:
//   - TTY output defaults to table, anything else to json
//   - --format always overrides the default
//   - Invalid formats are errors
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"reflect"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

// Format represents an output format.
type Format string

// Supported formats.
const (
	FormatJSON  Format = "json"
	FormatTable Format = "table"
	FormatYAML  Format = "yaml"
)

// maxInline is the longest string slice printed in full in table cells.
const maxInline = 4

// ParseFormat parses a format string, returning an error for invalid formats.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON, nil
	case "table":
		return FormatTable, nil
	case "yaml":
		return FormatYAML, nil
	case "":
		return "", nil // Let caller decide default
	default:
		return "", fmt.Errorf("invalid format: %q (must be json, table, or yaml)", s)
	}
}

// Renderer handles output formatting.
type Renderer struct {
	format Format
	out    io.Writer
}

// NewRenderer creates a renderer from the --format flag, writing to stdout.
func NewRenderer(c *cli.Context) (*Renderer, error) {
	format, err := ParseFormat(c.String("format"))
	if err != nil {
		return nil, err
	}
	if format == "" {
		if isTTY(os.Stdout) {
			format = FormatTable
		} else {
			format = FormatJSON
		}
	}
	return &Renderer{format: format, out: c.App.Writer}, nil
}

// NewRendererWithWriter creates a renderer with a custom writer (for testing).
func NewRendererWithWriter(format Format, out io.Writer) *Renderer {
	return &Renderer{format: format, out: out}
}

// Format returns the selected format.
func (r *Renderer) Format() Format { return r.format }

// Render outputs the data in the configured format.
func (r *Renderer) Render(data any) error {
	switch r.format {
	case FormatJSON:
		enc := json.NewEncoder(r.out)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case FormatYAML:
		enc := yaml.NewEncoder(r.out)
		enc.SetIndent(2)
		if err := enc.Encode(data); err != nil {
			return err
		}
		return enc.Close()
	case FormatTable:
		return r.renderTable(data)
	default:
		return fmt.Errorf("unknown format: %s", r.format)
	}
}

func (r *Renderer) renderTable(data any) error {
	w := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	v := indirect(reflect.ValueOf(data))

	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		r.sliceTable(w, v)
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			name, skip := fieldName(t.Field(i))
			if skip {
				continue
			}
			fmt.Fprintf(w, "%s:\t%s\n", name, cell(v.Field(i)))
		}
	case reflect.Map:
		for _, k := range sortedKeys(v) {
			fmt.Fprintf(w, "%v:\t%s\n", k.Interface(), cell(v.MapIndex(k)))
		}
	default:
		fmt.Fprintf(w, "%v\n", data)
	}
	return w.Flush()
}

func (r *Renderer) sliceTable(w io.Writer, v reflect.Value) {
	if v.Len() == 0 {
		fmt.Fprintln(w, "(no results)")
		return
	}
	first := indirect(v.Index(0))
	if first.Kind() != reflect.Struct {
		for i := 0; i < v.Len(); i++ {
			fmt.Fprintln(w, cell(v.Index(i)))
		}
		return
	}

	t := first.Type()
	var idx []int
	var headers []string
	for i := 0; i < t.NumField(); i++ {
		if !t.Field(i).IsExported() {
			continue
		}
		if name, skip := fieldName(t.Field(i)); !skip {
			idx = append(idx, i)
			headers = append(headers, strings.ToUpper(name))
		}
	}
	fmt.Fprintln(w, strings.Join(headers, "\t"))
	for i := 0; i < v.Len(); i++ {
		row := indirect(v.Index(i))
		vals := make([]string, len(idx))
		for j, fi := range idx {
			vals[j] = cell(row.Field(fi))
		}
		fmt.Fprintln(w, strings.Join(vals, "\t"))
	}
}

// fieldName prefers the json tag name. Fields tagged "-" are skipped.
func fieldName(f reflect.StructField) (string, bool) {
	if tag := f.Tag.Get("json"); tag != "" {
		name := strings.Split(tag, ",")[0]
		if name == "-" {
			return "", true
		}
		if name != "" {
			return name, false
		}
	}
	return strings.ToLower(f.Name), false
}

func cell(v reflect.Value) string {
	v = indirect(v)
	if !v.IsValid() {
		return ""
	}
	if s, ok := v.Interface().(fmt.Stringer); ok {
		return s.String()
	}
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		if v.Len() == 0 {
			return "[]"
		}
		if v.Type().Elem().Kind() == reflect.String && v.Len() <= maxInline {
			parts := make([]string, v.Len())
			for i := range parts {
				parts[i] = v.Index(i).String()
			}
			return strings.Join(parts, ", ")
		}
		return fmt.Sprintf("[%d items]", v.Len())
	case reflect.Map:
		if v.Len() == 0 {
			return "{}"
		}
		return fmt.Sprintf("{%d keys}", v.Len())
	case reflect.Struct:
		return "{...}"
	default:
		return fmt.Sprintf("%v", v.Interface())
	}
}

func indirect(v reflect.Value) reflect.Value {
	for v.IsValid() && (v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}

func sortedKeys(v reflect.Value) []reflect.Value {
	keys := v.MapKeys()
	sort.Slice(keys, func(i, j int) bool {
		return fmt.Sprint(keys[i].Interface()) < fmt.Sprint(keys[j].Interface())
	})
	return keys
}

// isTTY returns true if the file is a terminal.
func isTTY(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
