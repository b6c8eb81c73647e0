package remote

import (
	"context"
	"time"

	"github.com/tOgg1/droidrig/internal/logging"
)

// DefaultLaunchGrace is how long Launch waits for an early exit.
const DefaultLaunchGrace = time.Second

// Launch starts a command that may keep running, such as a foreground
// server. It waits up to grace for the command to exit. If it is still
// running the channel is left open and running is true.
func Launch(ctx context.Context, e Execer, cmd string, grace time.Duration) (running bool, res Result, err error) {
	if grace <= 0 {
		grace = DefaultLaunchGrace
	}
	res = Result{Command: cmd, ExitCode: -1}

	ch, err := e.Exec(ctx, cmd)
	if err != nil {
		return false, res, err
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-ch.Done():
	case <-timer.C:
		logging.Debug().Str("cmd", logging.Redact(cmd)).Msg("launched, still running")
		return true, res, nil
	case <-ctx.Done():
		_ = ch.Close()
		return false, res, ErrCancelled
	}

	stdout, stderr := ch.ReadAvailable()
	res.Stdout = decode(stdout)
	res.Stderr = decode(stderr)
	res.ExitCode, err = ch.ExitStatus()
	return false, res, err
}
