// Package hostos identifies the operating system of a remote device host.
package hostos

import (
	"context"
	"strings"
	"time"

	"github.com/tOgg1/droidrig/internal/logging"
	"github.com/tOgg1/droidrig/internal/remote"
)

// OS is the device host flavor.
type OS string

const (
	Linux   OS = "linux"
	Windows OS = "windows"
)

const probeTimeout = 3 * time.Second

// Classify inspects the output of the `ver` probe.
func Classify(output string) OS {
	lower := strings.ToLower(output)
	if strings.Contains(lower, "microsoft") || strings.Contains(lower, "windows") {
		return Windows
	}
	return Linux
}

// Detect runs `ver` on the host. A host that cannot answer is treated as
// Linux, where `ver` does not exist either.
func Detect(ctx context.Context, e remote.Execer) OS {
	res, err := remote.Run(ctx, e, "ver 2>&1", probeTimeout)
	if err != nil {
		logging.Debug().Err(err).Msg("os probe failed, assuming linux")
		return Linux
	}
	return Classify(res.Stdout + res.Stderr)
}
