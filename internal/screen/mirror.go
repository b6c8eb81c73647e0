package screen

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/droidrig/internal/config"
	"github.com/tOgg1/droidrig/internal/logging"
	"github.com/tOgg1/droidrig/internal/poll"
	"github.com/tOgg1/droidrig/internal/remote"
)

var (
	ErrScrcpyMissing = errors.New("scrcpy not installed on the bastion")
	ErrNoDevices     = errors.New("no devices to mirror")
)

const (
	mirrorTimeout = 5 * time.Second
	launchGap     = 200 * time.Millisecond
)

// MirrorResult says which devices were started and which were already up.
type MirrorResult struct {
	Started        []string
	AlreadyRunning []string
	Failed         map[string]error
}

// Mirror tracks scrcpy windows started on the bastion desktop.
type Mirror struct {
	cfg    config.ScreenConfig
	clock  poll.Clock
	logger zerolog.Logger

	mu     sync.Mutex
	active map[string]bool
}

// NewMirror creates a mirror manager.
func NewMirror(cfg config.ScreenConfig, clock poll.Clock) *Mirror {
	if clock == nil {
		clock = poll.RealClock{}
	}
	return &Mirror{
		cfg:    cfg,
		clock:  clock,
		logger: logging.Component("screen"),
		active: make(map[string]bool),
	}
}

// Active returns the devices this manager started, sorted.
func (m *Mirror) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.active))
	for d := range m.active {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

func processPattern(device string) string {
	return "scrcpy.*-s " + device
}

// LogPath is where scrcpy output for device goes on the bastion.
func LogPath(device string) string {
	return "/tmp/scrcpy_" + device + ".log"
}

// Start opens a window for every device without one. Windows are tiled by
// the sorted position of each device among all requested devices.
func (m *Mirror) Start(ctx context.Context, e remote.Execer, devices []string) (*MirrorResult, error) {
	if len(devices) == 0 {
		return nil, ErrNoDevices
	}
	check := "ls " + remote.Quote(m.cfg.ScrcpyPath) + " >/dev/null 2>&1 && echo 'installed'"
	if out, err := remote.Output(ctx, e, check, mirrorTimeout); err != nil || out != "installed" {
		return nil, fmt.Errorf("%w: %s", ErrScrcpyMissing, m.cfg.ScrcpyPath)
	}

	all := append([]string(nil), devices...)
	sort.Strings(all)

	res := &MirrorResult{Failed: make(map[string]error)}
	var pending []string
	for _, d := range all {
		out, err := remote.Output(ctx, e, remote.Pgrep(processPattern(d)), mirrorTimeout)
		if err == nil && out != "" {
			res.AlreadyRunning = append(res.AlreadyRunning, d)
			continue
		}
		pending = append(pending, d)
	}

	for i, d := range pending {
		if i > 0 {
			if err := m.clock.Sleep(ctx, launchGap); err != nil {
				return res, err
			}
		}
		index := sort.SearchStrings(all, d)
		win := Layout(index, len(all), m.cfg.ScreenWidth, m.cfg.ScreenHeight)
		cmd := m.launchCommand(d, win)
		m.logger.Info().Str("device", d).Int("x", win.X).Int("y", win.Y).
			Int("width", win.Width).Int("height", win.Height).Msg("starting mirror")

		r, err := remote.Run(ctx, e, cmd, mirrorTimeout)
		if err == nil {
			err = r.Err()
		}
		if err != nil {
			res.Failed[d] = err
			continue
		}
		res.Started = append(res.Started, d)
		m.mu.Lock()
		m.active[d] = true
		m.mu.Unlock()
	}
	return res, nil
}

func (m *Mirror) launchCommand(device string, w Window) string {
	var b strings.Builder
	b.WriteString(displayEnv(m.cfg))
	fmt.Fprintf(&b, "%s -s %s --max-size %d --stay-awake --window-title %s",
		remote.Quote(m.cfg.ScrcpyPath), remote.Quote(device), m.cfg.MaxSize, remote.Quote(device))
	fmt.Fprintf(&b, " --window-x %d --window-y %d --window-width %d --window-height %d",
		w.X, w.Y, w.Width, w.Height)
	fmt.Fprintf(&b, " > %s 2>&1 &", remote.Quote(LogPath(device)))
	return b.String()
}

func displayEnv(cfg config.ScreenConfig) string {
	env := "export DISPLAY=" + remote.Quote(cfg.Display) + " && "
	if cfg.XAuthority != "" {
		env += "export XAUTHORITY=" + remote.QuoteHome(cfg.XAuthority) + " && "
	}
	return env
}

// StopAll kills the windows this manager started and removes their logs.
// It returns the devices stopped.
func (m *Mirror) StopAll(ctx context.Context, e remote.Execer) ([]string, error) {
	return m.Stop(ctx, e, m.Active())
}

// Stop kills the windows of the named devices, whoever started them.
func (m *Mirror) Stop(ctx context.Context, e remote.Execer, devices []string) ([]string, error) {
	var stopped []string
	var errs []error
	for _, d := range devices {
		if _, err := remote.Run(ctx, e, remote.Pkill(processPattern(d)), mirrorTimeout); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d, err))
			continue
		}
		stopped = append(stopped, d)
		m.mu.Lock()
		delete(m.active, d)
		m.mu.Unlock()
	}
	if len(devices) > 0 {
		_, _ = remote.Run(ctx, e, "rm -f /tmp/scrcpy_*.log", mirrorTimeout)
	}
	return stopped, errors.Join(errs...)
}
