// Package tunnel forwards the device host's adb server to the bastion over
// an ssh local forward started on the bastion.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/droidrig/internal/adb"
	"github.com/tOgg1/droidrig/internal/config"
	"github.com/tOgg1/droidrig/internal/hostos"
	"github.com/tOgg1/droidrig/internal/logging"
	"github.com/tOgg1/droidrig/internal/poll"
	"github.com/tOgg1/droidrig/internal/remote"
	"github.com/tOgg1/droidrig/internal/session"
	"github.com/tOgg1/droidrig/internal/ssh"
)

const (
	// DefaultPort is the adb server port on both ends.
	DefaultPort = 5037

	commandTimeout = 5 * time.Second
	forwardTimeout = 10 * time.Second
)

var (
	// ErrConnectFailed means the forward process could not be established.
	ErrConnectFailed = errors.New("tunnel connect failed")

	// ErrNoDevices means the forward came up but adb lists no devices.
	ErrNoDevices = errors.New("no devices visible through tunnel")
)

// Manager starts and stops the adb forward. Start and Stop are serialised.
type Manager struct {
	sessions *session.Manager
	cfg      config.TunnelConfig
	clock    poll.Clock
	logger   zerolog.Logger

	mu      sync.Mutex
	running bool
	devices []string
}

// New creates a tunnel manager. A nil clock uses wall time.
func New(sessions *session.Manager, cfg config.TunnelConfig, clock poll.Clock) *Manager {
	if cfg.Port <= 0 {
		cfg.Port = DefaultPort
	}
	if clock == nil {
		clock = poll.RealClock{}
	}
	return &Manager{
		sessions: sessions,
		cfg:      cfg,
		clock:    clock,
		logger:   logging.Component("tunnel"),
	}
}

// Running reports whether the last Start succeeded without a Stop since.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Devices returns the devices seen by the last successful Start.
func (m *Manager) Devices() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.devices...)
}

// Start resets adb on the device host, replaces any forward on the bastion
// and returns the devices visible through the new forward. Nothing is
// retried; the caller may call Start again.
func (m *Manager) Start(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deviceHost := m.sessions.DeviceHost()
	if deviceHost.Host == "" {
		return nil, &config.MissingError{Field: "device_host.target"}
	}
	log := logging.WithHost(m.logger, deviceHost.String())
	log.Info().Msg("starting adb forward")

	flavor, err := m.resetDeviceHost(ctx)
	if err != nil {
		return nil, err
	}

	forwardCmd, err := m.forwardCommand(ctx, deviceHost, flavor)
	if err != nil {
		return nil, err
	}

	bastion, err := m.sessions.Bastion().Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect bastion: %w", err)
	}
	defer m.sessions.Bastion().Release(bastion)

	m.clearBastion(ctx, bastion, "")

	res, err := remote.Run(ctx, bastion, forwardCmd, forwardTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	if err := m.clock.Sleep(ctx, m.cfg.ForwardSettle); err != nil {
		return nil, err
	}

	devices, err := adb.ListDevices(ctx, bastion)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	if len(devices) == 0 {
		log.Warn().Msg("forward established but no devices visible")
		return nil, ErrNoDevices
	}

	m.running = true
	m.devices = devices
	log.Info().Strs("devices", devices).Msg("adb forward running")
	return devices, nil
}

// Stop kills the forward on the bastion and the adb server on the device host.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	deviceHost := m.sessions.DeviceHost()
	if deviceHost.Host == "" {
		return &config.MissingError{Field: "device_host.target"}
	}

	bastion, err := m.sessions.Bastion().Acquire(ctx)
	if err != nil {
		return fmt.Errorf("connect bastion: %w", err)
	}
	m.clearBastion(ctx, bastion, deviceHost.String())
	m.sessions.Bastion().Release(bastion)

	dev, err := m.sessions.ConnectDeviceHost(ctx)
	if err != nil {
		return fmt.Errorf("connect device host: %w", err)
	}
	defer dev.Close()

	kill := "adb kill-server"
	if hostos.Detect(ctx, dev) == hostos.Windows {
		kill = "taskkill /F /IM adb.exe"
	}
	if _, err := remote.Run(ctx, dev, kill, commandTimeout); err != nil {
		m.logger.Debug().Err(err).Msg("stop device host adb")
	}

	m.running = false
	m.devices = nil
	m.logger.Info().Msg("adb forward stopped")
	return nil
}

// resetDeviceHost restarts the device host's adb server listening on all
// interfaces and returns the detected host flavor.
func (m *Manager) resetDeviceHost(ctx context.Context) (hostos.OS, error) {
	dev, err := m.sessions.ConnectDeviceHost(ctx)
	if err != nil {
		return "", fmt.Errorf("connect device host: %w", err)
	}
	defer dev.Close()

	flavor := hostos.Detect(ctx, dev)
	m.logger.Debug().Str("os", string(flavor)).Msg("device host detected")

	if flavor == hostos.Windows {
		if _, err := remote.Run(ctx, dev, "taskkill /F /IM adb.exe 2>nul", commandTimeout); err != nil && ctx.Err() != nil {
			return "", ctx.Err()
		}
		if err := m.clock.Sleep(ctx, m.cfg.ResetSettle); err != nil {
			return "", err
		}
		if err := m.launch(ctx, dev, "adb -a nodaemon server start"); err != nil {
			return "", err
		}
		if err := m.clock.Sleep(ctx, m.cfg.ResetSettle); err != nil {
			return "", err
		}
		return flavor, nil
	}

	if err := m.launch(ctx, dev, "adb kill-server; adb -a nodaemon server start &"); err != nil {
		return "", err
	}
	return flavor, nil
}

func (m *Manager) launch(ctx context.Context, e remote.Execer, cmd string) error {
	_, _, err := remote.Launch(ctx, e, cmd, commandTimeout)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		m.logger.Debug().Err(err).Str("cmd", cmd).Msg("launch failed")
	}
	return nil
}

// clearBastion kills adb and forward processes on the bastion. When
// deviceHost is set only forwards to that host are targeted. Each pkill runs
// as its own command so none of them can end the shell of another.
func (m *Manager) clearBastion(ctx context.Context, bastion remote.Execer, deviceHost string) {
	forward := fmt.Sprintf("ssh.*-L %d", m.cfg.Port)
	patterns := []string{"adb", forward}
	if deviceHost != "" {
		patterns = []string{forward + ".*" + deviceHost, "adb"}
	}
	for _, p := range patterns {
		if _, err := remote.Run(ctx, bastion, remote.Pkill(p), commandTimeout); err != nil {
			m.logger.Warn().Err(err).Str("pattern", p).Msg("clear bastion processes")
		}
	}
}

// forwardCommand builds the ssh local forward run on the bastion. The
// device host password is handed to sshpass through the environment.
func (m *Manager) forwardCommand(ctx context.Context, deviceHost ssh.Target, flavor hostos.OS) (string, error) {
	target := fmt.Sprintf("localhost:%d", m.cfg.Port)
	if flavor == hostos.Windows {
		target = fmt.Sprintf("127.0.0.1:%d", m.cfg.Port)
	}

	args := []string{"ssh", "-f", "-N", "-L", fmt.Sprintf("%d:%s", m.cfg.Port, target)}
	if deviceHost.Port != 0 && deviceHost.Port != 22 {
		args = append(args, "-p", fmt.Sprint(deviceHost.Port))
	}
	args = append(args, remote.Quote(deviceHost.String()))
	cmd := strings.Join(args, " ")

	password, err := m.sessions.DeviceHostPassword(ctx)
	switch {
	case err == nil:
		return "SSHPASS=" + remote.Quote(password) + " sshpass -e " + cmd, nil
	case errors.Is(err, session.ErrNoCredential):
		// The bastion's own keys may still authenticate.
		m.logger.Debug().Msg("no device host password, forwarding with bastion keys")
		return cmd, nil
	default:
		return "", err
	}
}
