// Package harness launches tradefed test suites on the bastion through the
// launcher script and streams their output.
package harness

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tOgg1/droidrig/internal/remote"
)

var (
	ErrUnknownSuite     = errors.New("unknown test suite type")
	ErrSuitePathMissing = errors.New("test suite path is required")
	ErrSuitePathIsRoot  = errors.New("test suite path must name a suite, not the suite root")
	ErrSuiteNotFound    = errors.New("tradefed binary not found")
	ErrAlreadyRunning   = errors.New("a test run is already in progress")
)

// Suite maps a test type to where its tradefed binary lives.
type Suite struct {
	Type   string
	Subdir string
	Binary string
}

var suites = map[string]Suite{
	"cts":  {Type: "cts", Subdir: "android-cts", Binary: "cts-tradefed"},
	"gsi":  {Type: "gsi", Subdir: "android-cts", Binary: "cts-tradefed"},
	"gts":  {Type: "gts", Subdir: "android-gts", Binary: "gts-tradefed"},
	"apts": {Type: "apts", Subdir: "android-gts", Binary: "gts-tradefed"},
	"sts":  {Type: "sts", Subdir: "android-sts", Binary: "sts-tradefed"},
	"vts":  {Type: "vts", Subdir: "android-vts", Binary: "vts-tradefed"},
}

// LookupSuite resolves a test type, case-insensitively.
func LookupSuite(testType string) (Suite, error) {
	s, ok := suites[strings.ToLower(strings.TrimSpace(testType))]
	if !ok {
		return Suite{}, fmt.Errorf("%w: %q", ErrUnknownSuite, testType)
	}
	return s, nil
}

// Types lists the supported test types.
func Types() []string {
	out := make([]string, 0, len(suites))
	for k := range suites {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Options describes one test run.
type Options struct {
	Script string
	Type   string
	Module string
	Case   string

	// RetryDir is a previous result directory; its base name is the
	// session timestamp handed to `retry`. Module and Case are ignored.
	RetryDir string

	Devices     []string
	SuitePath   string
	SuiteRoot   string
	LocalServer string
}

// BuildCommand renders the launcher invocation.
func BuildCommand(o Options) (string, error) {
	suite, err := LookupSuite(o.Type)
	if err != nil {
		return "", err
	}
	suitePath := strings.TrimSpace(o.SuitePath)
	if suitePath == "" {
		return "", ErrSuitePathMissing
	}
	if o.SuiteRoot != "" && path.Clean(suitePath) == path.Clean(o.SuiteRoot) {
		return "", fmt.Errorf("%w: %s", ErrSuitePathIsRoot, suitePath)
	}

	parts := []string{o.Script}
	if retry := strings.TrimRight(strings.TrimSpace(o.RetryDir), "/"); retry != "" {
		parts = append(parts, suite.Type, "retry", path.Base(retry))
	} else {
		parts = append(parts, suite.Type)
		if o.Module != "" {
			parts = append(parts, o.Module)
		}
		if o.Case != "" {
			parts = append(parts, o.Case)
		}
	}

	if len(o.Devices) > 0 {
		var args []string
		if len(o.Devices) > 1 {
			args = append(args, "--shard-count", strconv.Itoa(len(o.Devices)))
		}
		for _, d := range o.Devices {
			args = append(args, "-s", d)
		}
		parts = append(parts, "--device-args", quoteAll(args))
	}
	parts = append(parts, "--test-suite", suitePath, "--local-server", o.LocalServer)
	return quoteAll(parts), nil
}

func quoteAll(parts []string) string {
	quoted := make([]string, len(parts))
	for i, p := range parts {
		quoted[i] = remote.Quote(p)
	}
	return strings.Join(quoted, " ")
}

const resolveTimeout = 8 * time.Second

// ResolveSuitePath returns base/<subdir>/tools when the suite's tradefed
// binary there is executable.
func ResolveSuitePath(ctx context.Context, e remote.Execer, base, testType string) (string, error) {
	suite, err := LookupSuite(testType)
	if err != nil {
		return "", err
	}
	candidate := strings.TrimRight(base, "/") + "/" + suite.Subdir + "/tools"
	cmd := fmt.Sprintf("[ -x %s ] && echo %s || echo ''",
		remote.Quote(candidate+"/"+suite.Binary), remote.Quote(candidate))
	out, err := remote.Output(ctx, e, cmd, resolveTimeout)
	if err != nil {
		return "", err
	}
	if out == "" {
		return "", fmt.Errorf("%w: %s/%s", ErrSuiteNotFound, candidate, suite.Binary)
	}
	return out, nil
}
