package harness

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/droidrig/internal/batch"
	"github.com/tOgg1/droidrig/internal/logging"
	"github.com/tOgg1/droidrig/internal/remote"
)

const stopTimeout = 10 * time.Second

// Uploader copies a local file to the bastion.
type Uploader interface {
	Upload(ctx context.Context, local, remote string) error
}

// RunResult is the outcome of one test run.
type RunResult struct {
	Command   string
	ExitCode  int
	Cancelled bool
	StartedAt time.Time
	Duration  time.Duration
}

// Runner owns at most one running test at a time.
type Runner struct {
	sessions    batch.Sessions
	uploader    Uploader
	localScript string
	logger      zerolog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	suite   Suite
}

// NewRunner creates a runner. When localScript is set it is uploaded over
// the remote launcher before every run.
func NewRunner(sessions batch.Sessions, uploader Uploader, localScript string) *Runner {
	return &Runner{
		sessions:    sessions,
		uploader:    uploader,
		localScript: localScript,
		logger:      logging.Component("harness"),
	}
}

// Running reports whether a run is in progress.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Start runs the suite and blocks until it exits, ctx ends or Stop is
// called. Output lines are passed to onLine as they arrive.
func (r *Runner) Start(ctx context.Context, o Options, onLine func(remote.Line)) (*RunResult, error) {
	cmd, err := BuildCommand(o)
	if err != nil {
		return nil, err
	}
	suite, _ := LookupSuite(o.Type)

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.running, r.cancel, r.suite = true, cancel, suite
	r.mu.Unlock()

	defer func() {
		cancel()
		r.mu.Lock()
		r.running, r.cancel = false, nil
		r.mu.Unlock()
	}()

	if r.localScript != "" && r.uploader != nil {
		if err := r.uploader.Upload(runCtx, r.localScript, o.Script); err != nil {
			return nil, fmt.Errorf("upload launcher: %w", err)
		}
	}

	sess, err := r.sessions.Acquire(runCtx)
	if err != nil {
		return nil, err
	}
	defer r.sessions.Release(sess)

	res := &RunResult{Command: cmd, StartedAt: time.Now()}
	r.logger.Info().
		Str("suite", suite.Type).
		Strs("devices", o.Devices).
		Str("cmd", logging.Redact(cmd)).
		Msg("starting test run")

	sr, err := remote.Stream(runCtx, sess, cmd, remote.StreamOptions{OnLine: onLine})
	_ = sr.Close()
	res.Duration = time.Since(res.StartedAt)
	res.ExitCode = sr.ExitCode
	res.Cancelled = sr.Cancelled
	if errors.Is(err, remote.ErrCancelled) {
		r.logger.Info().Msg("test run stopped")
		return res, nil
	}
	if err != nil {
		return res, err
	}
	r.logger.Info().Int("exit_code", sr.ExitCode).Dur("duration", res.Duration).Msg("test run finished")
	return res, nil
}

// Stop abandons the current run, if any, and kills tradefed processes for
// testType on the bastion. An empty testType uses the running suite. It
// reports whether any process was killed.
func (r *Runner) Stop(ctx context.Context, testType string) (bool, error) {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	suite := r.suite
	r.mu.Unlock()

	if testType != "" {
		var err error
		if suite, err = LookupSuite(testType); err != nil {
			return false, err
		}
	}
	if suite.Binary == "" {
		return false, ErrUnknownSuite
	}

	sess, err := r.sessions.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer r.sessions.Release(sess)

	res, err := remote.Run(ctx, sess, KillCommand(suite), stopTimeout)
	if err != nil {
		return false, err
	}
	switch res.ExitCode {
	case 0:
		r.logger.Info().Str("suite", suite.Type).Msg("tradefed processes killed")
		return true, nil
	case 1:
		r.logger.Info().Str("suite", suite.Type).Msg("no tradefed process running")
		return false, nil
	default:
		return false, res.Err()
	}
}

// KillCommand matches tradefed invocations of the suite's binary.
func KillCommand(s Suite) string {
	return fmt.Sprintf("pkill -f '[./]?%s.*run commandAndExit'", s.Binary)
}
