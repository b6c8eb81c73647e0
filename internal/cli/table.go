package cli

import (
	"bufio"
	"io"
	"strings"

	"github.com/mattn/go-runewidth"
)

const columnGap = 2

// writeTable prints rows in aligned columns. Widths ignore ANSI escapes so
// styled cells line up; the last column is never padded.
func writeTable(out io.Writer, headers []string, rows [][]string) error {
	all := rows
	if len(headers) > 0 {
		all = append([][]string{headers}, rows...)
	}

	var widths []int
	for _, row := range all {
		for i, cell := range row {
			if i >= len(widths) {
				widths = append(widths, 0)
			}
			widths[i] = max(widths[i], cellWidth(cell))
		}
	}
	if len(widths) == 0 {
		return nil
	}

	w := bufio.NewWriter(out)
	for _, row := range all {
		for i := range widths {
			var cell string
			if i < len(row) {
				cell = row[i]
			}
			if _, err := w.WriteString(cell); err != nil {
				return err
			}
			if i < len(widths)-1 {
				_, _ = w.WriteString(strings.Repeat(" ", widths[i]-cellWidth(cell)+columnGap))
			}
		}
		if err := w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return w.Flush()
}

func cellWidth(s string) int {
	return runewidth.StringWidth(stripANSI(s))
}

func formatYesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}

// stripANSI drops CSI sequences such as lipgloss colours.
func stripANSI(s string) string {
	if !strings.Contains(s, "\x1b[") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != 0x1b || i+1 >= len(s) || s[i+1] != '[' {
			b.WriteByte(s[i])
			continue
		}
		i += 2
		for i < len(s) && (s[i] < 0x40 || s[i] > 0x7e) {
			i++
		}
	}
	return b.String()
}
