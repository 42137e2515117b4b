package analysis

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// FormatTable renders float columns as an aligned plain-text table with a
// dashed rule under the headers. All columns must have the same length. NaN
// entries render as empty cells, which is how points without a reported
// magnetization show up. precisions fixes the number of decimal places per
// column; columns beyond its length use the shortest exact representation.
func FormatTable(headers []string, columns [][]float64, precisions []int) (string, error) {
	if len(headers) != len(columns) {
		return "", fmt.Errorf("got %d headers for %d columns", len(headers), len(columns))
	}
	if len(columns) == 0 {
		return "", fmt.Errorf("no columns to format")
	}
	rows := len(columns[0])
	for i, column := range columns[1:] {
		if len(column) != rows {
			return "", fmt.Errorf("column %q has %d rows, expected %d", headers[i+1], len(column), rows)
		}
	}

	cells := make([][]string, len(columns))
	widths := make([]int, len(columns))
	for i, column := range columns {
		cells[i] = make([]string, rows)
		widths[i] = len([]rune(headers[i]))
		for j, value := range column {
			cells[i][j] = formatCell(value, i, precisions)
			if n := len([]rune(cells[i][j])); n > widths[i] {
				widths[i] = n
			}
		}
	}

	var b strings.Builder
	for i, header := range headers {
		if i > 0 {
			b.WriteString("  ")
		}
		pad(&b, header, widths[i])
	}
	b.WriteByte('\n')
	for i := range headers {
		if i > 0 {
			b.WriteString("  ")
		}
		b.WriteString(strings.Repeat("-", widths[i]))
	}
	b.WriteByte('\n')
	for j := 0; j < rows; j++ {
		for i := range columns {
			if i > 0 {
				b.WriteString("  ")
			}
			pad(&b, cells[i][j], widths[i])
		}
		b.WriteByte('\n')
	}
	return b.String(), nil
}

func formatCell(value float64, column int, precisions []int) string {
	if math.IsNaN(value) {
		return ""
	}
	if column < len(precisions) {
		return strconv.FormatFloat(value, 'f', precisions[column], 64)
	}
	return strconv.FormatFloat(value, 'g', -1, 64)
}

// pad right-aligns s in a field of the given rune width.
func pad(b *strings.Builder, s string, width int) {
	if n := width - len([]rune(s)); n > 0 {
		b.WriteString(strings.Repeat(" ", n))
	}
	b.WriteString(s)
}
