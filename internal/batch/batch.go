// Package batch fans a device command out over a set of devices on one
// pooled bastion session. A failing device never stops the batch.
package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tOgg1/droidrig/internal/logging"
	"github.com/tOgg1/droidrig/internal/remote"
	"github.com/tOgg1/droidrig/internal/session"
	"github.com/tOgg1/droidrig/internal/ssh"
)

var (
	// ErrNoDevices is returned when Run is given no devices.
	ErrNoDevices = errors.New("no devices selected")

	// ErrPrecondition means the pre-hook failed and no device was touched.
	ErrPrecondition = errors.New("batch precondition failed")

	// ErrDevicesFailed is matched by Result.Err when any device failed.
	ErrDevicesFailed = errors.New("batch had failures")
)

// Action is a command template plus optional hooks.
type Action struct {
	Name string

	// Command renders the command for one device.
	Command func(device string) (string, error)

	// Pre runs once before any device. An error aborts the batch.
	Pre func(ctx context.Context) error

	// Post runs once after every device, on the batch's live session.
	Post func(ctx context.Context, e remote.Execer, devices []string) error
}

// Template returns a Command that substitutes the device into format via
// fmt.Sprintf with a single %s.
func Template(format string) func(string) (string, error) {
	return func(device string) (string, error) {
		return fmt.Sprintf(format, remote.Quote(device)), nil
	}
}

// DeviceResult is the outcome for one device.
type DeviceResult struct {
	Device     string        `json:"device"`
	Success    bool          `json:"success"`
	ExitCode   int           `json:"exit_code"`
	StderrTail string        `json:"stderr_tail,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Result aggregates a batch.
type Result struct {
	ID                 string         `json:"id"`
	Action             string         `json:"action"`
	Devices            []DeviceResult `json:"devices"`
	Success            bool           `json:"success"`
	PreconditionFailed bool           `json:"precondition_failed,omitempty"`
	PostError          string         `json:"post_error,omitempty"`
	Cancelled          bool           `json:"cancelled,omitempty"`
	StartedAt          time.Time      `json:"started_at"`
	FinishedAt         time.Time      `json:"finished_at"`
}

// Failed returns the devices that did not succeed.
func (r *Result) Failed() []string {
	var out []string
	for _, d := range r.Devices {
		if !d.Success {
			out = append(out, d.Device)
		}
	}
	return out
}

// Err summarises failures, or returns nil when the batch succeeded.
func (r *Result) Err() error {
	if r.Success {
		return nil
	}
	if r.PreconditionFailed {
		return ErrPrecondition
	}
	var parts []string
	if failed := r.Failed(); len(failed) > 0 {
		parts = append(parts, "devices "+strings.Join(failed, ", "))
	}
	if r.PostError != "" {
		parts = append(parts, "post: "+r.PostError)
	}
	if r.Cancelled {
		parts = append(parts, "cancelled")
	}
	return fmt.Errorf("%s: %w: %s", r.Action, ErrDevicesFailed, strings.Join(parts, "; "))
}

// Sessions is the part of session.Pool the runner needs.
type Sessions interface {
	Acquire(ctx context.Context) (*session.Session, error)
	Release(s *session.Session)
}

// Runner executes actions.
type Runner struct {
	sessions Sessions
	options  Options
	logger   zerolog.Logger
}

// Options tunes a Runner.
type Options struct {
	// DeviceTimeout bounds each device's command. Zero means no bound.
	DeviceTimeout time.Duration

	PollInterval    time.Duration
	StderrTailLines int

	// Output receives live output lines tagged with their device.
	Output func(device string, line remote.Line)
}

// NewRunner creates a runner drawing sessions from pool.
func NewRunner(pool Sessions, opts Options) *Runner {
	return &Runner{
		sessions: pool,
		options:  opts,
		logger:   logging.Component("batch"),
	}
}

// Run executes action on each device in order. Device failures are recorded
// in the result, not returned. An error is returned only when the batch
// could not start: no devices, a failed pre-hook or no session.
func (r *Runner) Run(ctx context.Context, devices []string, action Action) (*Result, error) {
	res := &Result{
		ID:        uuid.NewString(),
		Action:    action.Name,
		StartedAt: time.Now(),
	}
	defer func() { res.FinishedAt = time.Now() }()

	log := logging.WithBatch(r.logger, res.ID, action.Name)
	ctx = logging.WithContext(ctx, log)

	if len(devices) == 0 {
		return res, ErrNoDevices
	}

	if action.Pre != nil {
		if err := action.Pre(ctx); err != nil {
			log.Error().Err(err).Msg("pre-hook failed, batch aborted")
			res.PreconditionFailed = true
			return res, fmt.Errorf("%w: %w", ErrPrecondition, err)
		}
	}

	sess, err := r.sessions.Acquire(ctx)
	if err != nil {
		return res, fmt.Errorf("acquire session: %w", err)
	}
	defer func() { r.sessions.Release(sess) }()

	log.Info().Int("devices", len(devices)).Msg("batch started")

	for i, device := range devices {
		if ctx.Err() != nil {
			res.Cancelled = true
			for _, rest := range devices[i:] {
				res.Devices = append(res.Devices, DeviceResult{Device: rest, ExitCode: -1, Error: "cancelled"})
			}
			break
		}

		dr := r.runDevice(ctx, sess, device, action)
		res.Devices = append(res.Devices, dr)

		if dr.Success {
			log.Info().Str("device", device).Msg("device succeeded")
		} else {
			log.Warn().Str("device", device).Int("exit", dr.ExitCode).Str("error", dr.Error).Msg("device failed")
		}

		if !sess.Alive() {
			// Replace a dropped session for the remaining devices and the post-hook.
			r.sessions.Release(sess)
			if sess, err = r.sessions.Acquire(ctx); err != nil {
				for _, rest := range devices[i+1:] {
					res.Devices = append(res.Devices, DeviceResult{Device: rest, ExitCode: -1, Error: err.Error()})
				}
				sess = nil
				break
			}
		}
	}

	if action.Post != nil && !res.Cancelled {
		if sess == nil {
			log.Warn().Err(err).Msg("post-hook skipped, no session")
			res.PostError = "no session for post-hook: " + err.Error()
		} else if err := action.Post(ctx, sess, devices); err != nil {
			log.Warn().Err(err).Msg("post-hook failed")
			res.PostError = err.Error()
		}
	}

	res.Success = !res.Cancelled && res.PostError == "" && len(res.Failed()) == 0
	log.Info().Bool("success", res.Success).Int("failed", len(res.Failed())).Msg("batch finished")
	return res, nil
}

func (r *Runner) runDevice(ctx context.Context, e remote.Execer, device string, action Action) DeviceResult {
	start := time.Now()
	dr := DeviceResult{Device: device, ExitCode: -1}
	defer func() { dr.Duration = time.Since(start) }()

	cmd, err := action.Command(device)
	if err != nil {
		dr.Error = err.Error()
		return dr
	}

	devCtx := ctx
	if r.options.DeviceTimeout > 0 {
		var cancel context.CancelFunc
		devCtx, cancel = context.WithTimeout(ctx, r.options.DeviceTimeout)
		defer cancel()
	}

	sr, err := remote.Stream(devCtx, e, cmd, remote.StreamOptions{
		PollInterval:    r.options.PollInterval,
		StderrTailLines: r.options.StderrTailLines,
		OnLine: func(l remote.Line) {
			if r.options.Output != nil {
				r.options.Output(device, l)
			}
		},
	})
	// A timed-out or cancelled command is abandoned.
	_ = sr.Close()
	dr.ExitCode = sr.ExitCode
	dr.StderrTail = sr.StderrTail

	switch {
	case errors.Is(err, remote.ErrCancelled) && ctx.Err() == nil:
		dr.Error = "timed out"
	case errors.Is(err, ssh.ErrChannelDropped):
		dr.Error = "channel dropped"
	case err != nil:
		dr.Error = err.Error()
	case sr.ExitCode != 0:
		dr.Error = fmt.Sprintf("exit %d", sr.ExitCode)
	default:
		dr.Success = true
	}
	return dr
}
