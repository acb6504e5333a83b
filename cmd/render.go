package cmd

import (
	"fmt"
	"io"
	"strings"
)

// TableColumn represents a column in a table
type TableColumn struct {
	Header string
	Key    string // key to extract from data map
	Width  int    // calculated width
}

// renderTable renders a table with dynamic column width calculation
func renderTable(out io.Writer, columns []TableColumn, data []map[string]interface{}) {
	if len(data) == 0 {
		fmt.Fprintln(out, "No data to display")
		return
	}

	// Calculate column widths based on header and data
	for i := range columns {
		columns[i].Width = len(columns[i].Header)
		for _, row := range data {
			if value, exists := row[columns[i].Key]; exists {
				if w := displayWidth(fmt.Sprintf("%v", value)); w > columns[i].Width {
					columns[i].Width = w
				}
			}
		}
	}

	// Print header
	var headerParts []string
	for _, col := range columns {
		headerParts = append(headerParts, fmt.Sprintf("%-*s", col.Width, col.Header))
	}
	fmt.Fprintln(out, strings.TrimRight(strings.Join(headerParts, " "), " "))

	// Print separator
	var separatorParts []string
	for _, col := range columns {
		separatorParts = append(separatorParts, strings.Repeat("-", col.Width))
	}
	fmt.Fprintln(out, strings.Join(separatorParts, " "))

	// Print data rows
	for _, row := range data {
		var rowParts []string
		for _, col := range columns {
			value := ""
			if v, exists := row[col.Key]; exists {
				value = fmt.Sprintf("%v", v)
			}
			rowParts = append(rowParts, padToWidth(value, col.Width))
		}
		fmt.Fprintln(out, strings.TrimRight(strings.Join(rowParts, " "), " "))
	}
}

// displayWidth counts visible runes, skipping ANSI color sequences.
func displayWidth(s string) int {
	for {
		start := strings.Index(s, "\033[")
		if start == -1 {
			break
		}
		end := strings.Index(s[start:], "m")
		if end == -1 {
			break
		}
		s = s[:start] + s[start+end+1:]
	}
	return len([]rune(s))
}

func padToWidth(s string, width int) string {
	if w := displayWidth(s); w < width {
		return s + strings.Repeat(" ", width-w)
	}
	return s
}
