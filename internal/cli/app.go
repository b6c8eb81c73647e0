package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/tOgg1/droidrig/internal/actions"
	"github.com/tOgg1/droidrig/internal/adb"
	"github.com/tOgg1/droidrig/internal/batch"
	"github.com/tOgg1/droidrig/internal/config"
	"github.com/tOgg1/droidrig/internal/harness"
	"github.com/tOgg1/droidrig/internal/history"
	"github.com/tOgg1/droidrig/internal/logging"
	"github.com/tOgg1/droidrig/internal/poll"
	"github.com/tOgg1/droidrig/internal/remote"
	"github.com/tOgg1/droidrig/internal/screen"
	"github.com/tOgg1/droidrig/internal/secret"
	"github.com/tOgg1/droidrig/internal/session"
	"github.com/tOgg1/droidrig/internal/ssh"
	"github.com/tOgg1/droidrig/internal/transfer"
	"github.com/tOgg1/droidrig/internal/tunnel"
	"github.com/tOgg1/droidrig/internal/usbip"
)

// app is the runtime shared by commands in one invocation.
type app struct {
	cfg       *config.Config
	store     *config.ContextStore
	selection *config.Context

	sessions *session.Manager
	tunnel   *tunnel.Manager
	usbip    *usbip.Reconciler
	mirror   *screen.Mirror
	desktop  *screen.Desktop
	harness  *harness.Runner
	uploader *transfer.Uploader
	registry *actions.Registry

	historyDB *history.DB
}

func newApp(cfg *config.Config, store *config.ContextStore, deviceHostOverride string) (*app, error) {
	if err := cfg.RequireBastion(); err != nil {
		return nil, &PreflightError{
			Message:  err.Error(),
			Hint:     "Set bastion.host and bastion.user in the config file or DROIDRIG_BASTION_HOST / DROIDRIG_BASTION_USER",
			NextStep: "droidrig --config ~/.config/droidrig/config.yaml",
			Err:      err,
		}
	}
	bastion := ssh.Target{User: cfg.Bastion.User, Host: cfg.Bastion.Host, Port: cfg.Bastion.Port}

	dialer, err := newDialer(cfg.Bastion)
	if err != nil {
		return nil, err
	}
	connector := session.NewConnector(dialer, newSecrets(cfg.Secrets), nil)
	connector.UseKey = cfg.Bastion.UseKeyAuth
	connector.KeyPath = cfg.Bastion.KeyPath
	connector.UseAgent = cfg.Bastion.UseAgent

	selection, err := store.Load()
	if err != nil {
		logging.Warn().Err(err).Msg("ignoring unreadable context file")
		selection = &config.Context{}
	}

	sessions := session.NewManager(connector, bastion, cfg.Pool.Capacity)
	hostSpec := firstNonEmpty(deviceHostOverride, selection.DeviceHost, cfg.DeviceHost.Target)
	if hostSpec != "" {
		target, err := ssh.ParseTarget(hostSpec)
		if err != nil {
			return nil, fmt.Errorf("device host: %w", err)
		}
		sessions.SetDeviceHost(target)
	}

	clock := poll.RealClock{}
	pool := sessions.Bastion()
	uploader := transfer.NewUploader(pool, printProgress)

	registry := actions.NewRegistry()
	catalog, err := actions.LoadCatalog(cfg.Actions.Catalog)
	if err != nil {
		return nil, err
	}
	if err := registry.AddCatalog(catalog); err != nil {
		return nil, err
	}

	return &app{
		cfg:       cfg,
		store:     store,
		selection: selection,
		sessions:  sessions,
		tunnel:    tunnel.New(sessions, cfg.Tunnel, clock),
		usbip:     usbip.New(sessions, cfg.USBIP, clock),
		mirror:    screen.NewMirror(cfg.Screen, clock),
		desktop:   screen.NewDesktop(cfg.Screen, clock),
		harness:   harness.NewRunner(pool, uploader, cfg.Harness.LocalScript),
		uploader:  uploader,
		registry:  registry,
	}, nil
}

func newDialer(cfg config.BastionConfig) (ssh.Dialer, error) {
	if cfg.Backend == config.BackendSystem {
		d := ssh.NewSystemDialer()
		d.Timeout = cfg.ConnectTimeout
		return d, nil
	}
	opts := []ssh.NativeOption{ssh.WithConnectTimeout(cfg.ConnectTimeout)}
	if cfg.KnownHosts != "" {
		cb, err := ssh.KnownHostsCallback(cfg.KnownHosts)
		if err != nil {
			return nil, err
		}
		opts = append(opts, ssh.WithHostKeyCallback(cb))
	}
	return ssh.NewNativeDialer(opts...), nil
}

func newSecrets(cfg config.SecretsConfig) secret.Provider {
	var chain secret.Chain
	if cfg.AllowEnv {
		chain = append(chain, secret.Env{})
	}
	if hasTTY() {
		chain = append(chain, secret.WithTimeout(secret.NewTerminal(), cfg.PromptTimeout))
	}
	return chain
}

func (a *app) bastion() *session.Pool {
	return a.sessions.Bastion()
}

// withBastion runs fn on a pooled bastion session.
func (a *app) withBastion(ctx context.Context, fn func(*session.Session) error) error {
	pool := a.bastion()
	sess, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer pool.Release(sess)
	return fn(sess)
}

func (a *app) batchRunner(output func(string, string, bool)) *batch.Runner {
	opts := batch.Options{
		DeviceTimeout:   a.cfg.Batch.DeviceTimeout,
		PollInterval:    a.cfg.Executor.PollInterval,
		StderrTailLines: a.cfg.Executor.StderrTailLines,
	}
	if output != nil {
		opts.Output = func(device string, l remote.Line) { output(device, l.Text, l.Stderr) }
	}
	return batch.NewRunner(a.bastion(), opts)
}

func (a *app) actionEnv() actions.Env {
	return actions.Env{
		Actions:       a.cfg.Actions,
		OnlineTimeout: a.cfg.Batch.OnlineTimeout,
		Uploader:      a.uploader,
		Sessions:      a.bastion(),
	}
}

// historyStore opens the history database on first use. It returns nil
// when history is disabled.
func (a *app) historyStore() (*history.Store, error) {
	if !a.cfg.History.Enabled {
		return nil, nil
	}
	if a.historyDB == nil {
		db, err := history.Open(a.cfg.HistoryPath(), msDuration(a.cfg.History.BusyTimeoutMs))
		if err != nil {
			return nil, err
		}
		if _, err := db.MigrateUp(context.Background()); err != nil {
			_ = db.Close()
			return nil, err
		}
		a.historyDB = db
	}
	return history.NewStore(a.historyDB), nil
}

// requireDeviceHost fails unless a device host came from a flag, the saved
// context or the config file.
func (a *app) requireDeviceHost() error {
	if !a.sessions.DeviceHost().IsZero() {
		return nil
	}
	err := &config.MissingError{Field: "device_host.target"}
	return &PreflightError{
		Message:  err.Error(),
		Hint:     "Name the machine the devices are plugged into",
		NextStep: "droidrig devices host user@host",
		Err:      err,
	}
}

func (a *app) saveSelection() error {
	return a.store.Save(a.selection)
}

// resolveDevices picks explicit serials, else every online device when all
// is set, else the saved selection.
func (a *app) resolveDevices(ctx context.Context, explicit []string, all bool) ([]string, error) {
	if len(explicit) > 0 {
		return explicit, nil
	}
	if all {
		var devices []string
		err := a.withBastion(ctx, func(s *session.Session) error {
			var err error
			devices, err = adb.ListDevices(ctx, s)
			return err
		})
		return devices, err
	}
	if a.selection.HasDevices() {
		return a.selection.Devices, nil
	}
	return nil, &PreflightError{
		Message:  "no devices selected",
		Hint:     "Pass --device, use --all, or save a selection",
		NextStep: "droidrig devices select SERIAL...",
		Err:      batch.ErrNoDevices,
	}
}

func (a *app) shutdown(ctx context.Context) {
	if a.harness.Running() {
		if _, err := a.harness.Stop(ctx, ""); err != nil {
			logging.Warn().Err(err).Msg("failed to stop test run")
		}
	}
	drained := a.bastion().Drain()
	logging.Debug().Int("sessions", drained).Msg("drained session pool")
	if err := a.sessions.Close(); err != nil && !errors.Is(err, session.ErrPoolClosed) {
		logging.Debug().Err(err).Msg("close sessions")
	}
	if a.historyDB != nil {
		_ = a.historyDB.Close()
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
