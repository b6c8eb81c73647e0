package remote

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Presence is the result of a remote existence probe.
type Presence int

const (
	Unknown Presence = iota
	Exists
	Missing
)

func (p Presence) String() string {
	switch p {
	case Exists:
		return "exists"
	case Missing:
		return "missing"
	default:
		return "unknown"
	}
}

// Present is true only for a confirmed Exists.
func (p Presence) Present() bool {
	return p == Exists
}

// PathExists checks for a file (or directory when dir is set). Output other
// than the two expected tokens, or any failure, yields Unknown.
func PathExists(ctx context.Context, e Execer, path string, dir bool) Presence {
	flag := "-f"
	if dir {
		flag = "-d"
	}
	cmd := fmt.Sprintf("[ %s %s ] && echo 'exists' || echo 'missing'", flag, QuoteHome(path))
	res, err := Run(ctx, e, cmd, 10*time.Second)
	if err != nil || !res.OK() {
		return Unknown
	}
	switch strings.TrimSpace(res.Stdout) {
	case "exists":
		return Exists
	case "missing":
		return Missing
	default:
		return Unknown
	}
}

// Quote returns s as a single POSIX shell word.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, unsafeShellRune) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// QuoteHome quotes a path but leaves a leading ~/ for the remote shell to
// expand.
func QuoteHome(s string) string {
	if rest, ok := strings.CutPrefix(s, "~/"); ok {
		return "~/" + Quote(rest)
	}
	return Quote(s)
}

func unsafeShellRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	return !strings.ContainsRune("@%+=:,./-_", r)
}
