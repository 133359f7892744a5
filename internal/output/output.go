// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

// Package output renders command results as a table, JSON or YAML.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"
)

// Formats lists the accepted --output values.
var Formats = []string{"table", "json", "yaml"}

// Formatter writes data to w.
type Formatter interface {
	Format(w io.Writer, data any) error
}

// New returns the Formatter for format. An empty format means table.
func New(format string) (Formatter, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "table":
		return &TableFormatter{}, nil
	case "json":
		return &JSONFormatter{}, nil
	case "yaml", "yml":
		return &YAMLFormatter{}, nil
	default:
		return nil, fmt.Errorf("unknown output format %q (want one of %s)", format, strings.Join(Formats, ", "))
	}
}

// TableFormatter lays out a slice of structs as aligned columns. Column names come from the
// `table` struct tag, or the upper-cased field name. A tag of "-" hides the field, and a
// ",status" option colours the cell by its value when w is a colour terminal.
type TableFormatter struct{}

type column struct {
	index  int
	name   string
	status bool
}

func (f *TableFormatter) Format(w io.Writer, data any) error {
	r := lipgloss.NewRenderer(w)
	headerStyle := r.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))

	v := reflect.ValueOf(data)
	if v.Kind() == reflect.Pointer {
		v = v.Elem()
	}

	switch v.Kind() {
	case reflect.Slice:
		if v.Len() == 0 {
			_, err := fmt.Fprintln(w, "Nothing to show.")
			return err
		}
		elemType := v.Type().Elem()
		if elemType.Kind() == reflect.Pointer {
			elemType = elemType.Elem()
		}
		if elemType.Kind() != reflect.Struct {
			for i := 0; i < v.Len(); i++ {
				if _, err := fmt.Fprintln(w, v.Index(i).Interface()); err != nil {
					return err
				}
			}
			return nil
		}

		cols := columns(elemType)
		rows := make([][]string, 0, v.Len())
		widths := make([]int, len(cols))
		for i, c := range cols {
			widths[i] = lipgloss.Width(c.name)
		}
		for i := 0; i < v.Len(); i++ {
			row := reflect.Indirect(v.Index(i))
			cells := make([]string, len(cols))
			for j, c := range cols {
				cells[j] = cellText(row.Field(c.index))
				widths[j] = max(widths[j], lipgloss.Width(cells[j]))
			}
			rows = append(rows, cells)
		}

		header := make([]string, len(cols))
		for i, c := range cols {
			header[i] = pad(headerStyle.Render(c.name), c.name, widths[i])
		}
		if err := writeLine(w, header); err != nil {
			return err
		}
		for _, cells := range rows {
			line := make([]string, len(cols))
			for j, c := range cols {
				text := cells[j]
				if c.status {
					text = r.NewStyle().Foreground(statusColor(cells[j])).Render(cells[j])
				}
				line[j] = pad(text, cells[j], widths[j])
			}
			if err := writeLine(w, line); err != nil {
				return err
			}
		}
		return nil

	case reflect.Struct:
		cols := columns(v.Type())
		width := 0
		for _, c := range cols {
			width = max(width, lipgloss.Width(c.name)+1)
		}
		for _, c := range cols {
			label := c.name + ":"
			if err := writeLine(w, []string{pad(headerStyle.Render(label), label, width), cellText(v.Field(c.index))}); err != nil {
				return err
			}
		}
		return nil

	default:
		_, err := fmt.Fprintln(w, data)
		return err
	}
}

func columns(t reflect.Type) []column {
	cols := make([]column, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name, opts, _ := strings.Cut(field.Tag.Get("table"), ",")
		if name == "-" {
			continue
		}
		if name == "" {
			name = strings.ToUpper(field.Name)
		}
		cols = append(cols, column{index: i, name: name, status: opts == "status"})
	}
	return cols
}

// cellText flattens a value onto one line.
func cellText(v reflect.Value) string {
	s := fmt.Sprint(v.Interface())
	s = strings.TrimRight(s, "\n")
	return strings.Join(strings.Fields(strings.ReplaceAll(s, "\n", " | ")), " ")
}

// pad right-pads rendered to width, measuring the unstyled text.
func pad(rendered, plain string, width int) string {
	return rendered + strings.Repeat(" ", max(0, width-lipgloss.Width(plain)))
}

func writeLine(w io.Writer, cells []string) error {
	_, err := fmt.Fprintln(w, strings.TrimRight(strings.Join(cells, "  "), " "))
	return err
}

func statusColor(status string) lipgloss.Color {
	switch strings.ToLower(status) {
	case "ok", "ready":
		return lipgloss.Color("2") // green
	case "timeout", "unauthorized":
		return lipgloss.Color("3") // yellow
	case "error", "closed":
		return lipgloss.Color("1") // red
	default:
		return lipgloss.Color("8") // grey
	}
}

// JSONFormatter writes indented JSON.
type JSONFormatter struct{}

func (f *JSONFormatter) Format(w io.Writer, data any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

// YAMLFormatter writes YAML.
type YAMLFormatter struct{}

func (f *YAMLFormatter) Format(w io.Writer, data any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(data); err != nil {
		return err
	}
	return enc.Close()
}

// StripFormatting removes Minecraft section-sign formatting codes such as "§6" from s.
func StripFormatting(s string) string {
	if !strings.ContainsRune(s, '§') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	skip := false
	for _, r := range s {
		switch {
		case skip:
			skip = false
		case r == '§':
			skip = true
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
