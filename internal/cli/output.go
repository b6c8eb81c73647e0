package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/tOgg1/droidrig/internal/transfer"
)

var (
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	titleStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

func hasTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func status(ok bool) string {
	if ok {
		return okStyle.Render("ok")
	}
	return failStyle.Render("failed")
}

func printOK(format string, args ...any) {
	fmt.Fprintln(os.Stdout, okStyle.Render("✓")+" "+fmt.Sprintf(format, args...))
}

func printWarn(format string, args ...any) {
	fmt.Fprintln(os.Stdout, warnStyle.Render("!")+" "+fmt.Sprintf(format, args...))
}

// printLine prints one streamed remote line, prefixed with its source.
func printLine(source, text string, stderr bool) {
	if IsJSONOutput() {
		return
	}
	prefix := mutedStyle.Render("[" + source + "]")
	if stderr {
		text = warnStyle.Render(text)
	}
	fmt.Fprintln(os.Stdout, prefix+" "+text)
}

func printProgress(p transfer.Progress) {
	if IsJSONOutput() {
		return
	}
	fmt.Fprintf(os.Stderr, "\r%s %5.1f%% %s/s eta %s   ",
		p.File, p.Percent(), formatBytes(int64(p.Rate)), p.Remaining.Round(time.Second))
	if p.Total > 0 && p.Bytes >= p.Total {
		fmt.Fprintln(os.Stderr)
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(100 * time.Millisecond).String()
}

// parseParams turns key=value pairs into action parameters.
func parseParams(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid --param %q (want key=value)", pair)
		}
		out[strings.TrimSpace(key)] = value
	}
	return out, nil
}
