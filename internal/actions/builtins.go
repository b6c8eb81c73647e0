package actions

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/tOgg1/droidrig/internal/adb"
	"github.com/tOgg1/droidrig/internal/batch"
	"github.com/tOgg1/droidrig/internal/config"
	"github.com/tOgg1/droidrig/internal/logging"
	"github.com/tOgg1/droidrig/internal/remote"
)

// LockScriptName is the helper's name on the bastion.
const LockScriptName = "run_Device_Lock.sh"

const (
	onlineInterval = 2 * time.Second
	remountSettle  = 2 * time.Second
)

// RebootRequiredError lists devices whose remount needs a reboot to apply.
type RebootRequiredError struct {
	Devices []string
}

func (e *RebootRequiredError) Error() string {
	return "reboot required for remount to take effect: " + strings.Join(e.Devices, ", ")
}

// OfflineError lists devices that did not come back after a reboot.
type OfflineError struct {
	Devices []string
}

func (e *OfflineError) Error() string {
	return "devices did not come back online: " + strings.Join(e.Devices, ", ")
}

func (e *OfflineError) Unwrap() error {
	return adb.ErrOffline
}

func builtins() []Definition {
	return []Definition{
		{
			Name:        "reboot",
			Description: "Reboot devices and wait for them to come back",
			Build:       buildReboot,
		},
		{
			Name:        "remount",
			Description: "adb root and remount, then check dm-verity",
			Build:       buildRemount,
		},
		{
			Name:        "wifi",
			Description: "Enable wifi and join a WPA2 network",
			Params:      []string{"ssid", "password"},
			Build:       buildWifi,
		},
		{
			Name:        "lock",
			Description: "Lock the bootloader with the lock helper script",
			Build:       func(env Env, _ Params) (batch.Action, error) { return buildLock(env, "lock") },
		},
		{
			Name:        "unlock",
			Description: "Unlock the bootloader with the lock helper script",
			Build:       func(env Env, _ Params) (batch.Action, error) { return buildLock(env, "unlock") },
		},
		{
			Name:        "shell",
			Description: "Run a command template; {{.Device}} is the serial",
			Params:      []string{"cmd"},
			Build:       buildShell,
		},
	}
}

func buildReboot(env Env, _ Params) (batch.Action, error) {
	timeout := env.OnlineTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return batch.Action{
		Command: func(device string) (string, error) {
			return adb.Cmd(device, "reboot"), nil
		},
		Post: func(ctx context.Context, e remote.Execer, devices []string) error {
			var offline []string
			for _, d := range devices {
				err := adb.WaitOnline(ctx, e, env.clock(), d, onlineInterval, timeout)
				if err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					offline = append(offline, d)
					continue
				}
				l := logging.WithDevice(logging.FromContext(ctx), d)
				l.Info().Msg("device back online")
			}
			if len(offline) > 0 {
				return &OfflineError{Devices: offline}
			}
			return nil
		},
	}, nil
}

func buildRemount(env Env, _ Params) (batch.Action, error) {
	return batch.Action{
		Command: func(device string) (string, error) {
			return adb.Cmd(device, "root") + " && " + adb.Cmd(device, "remount"), nil
		},
		Post: func(ctx context.Context, e remote.Execer, devices []string) error {
			if err := env.clock().Sleep(ctx, remountSettle); err != nil {
				return err
			}
			var reboot []string
			for _, d := range devices {
				mode, err := adb.GetProp(ctx, e, d, "ro.boot.veritymode")
				if err != nil {
					l := logging.WithDevice(logging.FromContext(ctx), d)
					l.Warn().Err(err).Msg("verity check failed")
					continue
				}
				switch mode {
				case "enforcing":
					reboot = append(reboot, d)
				case "disabled":
					l := logging.WithDevice(logging.FromContext(ctx), d)
					l.Info().Msg("verity disabled, no reboot needed")
				}
			}
			if len(reboot) > 0 {
				return &RebootRequiredError{Devices: reboot}
			}
			return nil
		},
	}, nil
}

func buildWifi(_ Env, p Params) (batch.Action, error) {
	ssid := strings.TrimSpace(p["ssid"])
	password := strings.TrimSpace(p["password"])
	return batch.Action{
		Name: "wifi(" + ssid + ")",
		Command: func(device string) (string, error) {
			enable := adb.Shell(device, "cmd", "wifi", "set-wifi-enabled", "enabled")
			connect := adb.Shell(device, "cmd", "wifi", "connect-network", dquote(ssid), "wpa2", dquote(password))
			return enable + " && sleep 2 && " + connect, nil
		},
	}, nil
}

// dquote wraps s in double quotes for the bastion shell.
func dquote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "$", `\$`, "`", "\\`")
	return `"` + r.Replace(s) + `"`
}

func buildLock(env Env, mode string) (batch.Action, error) {
	if env.Actions.LockScript == "" {
		return batch.Action{}, &config.MissingError{Field: "actions.lock_script"}
	}
	if env.Actions.RemoteDir == "" {
		return batch.Action{}, &config.MissingError{Field: "actions.remote_dir"}
	}
	remoteScript := path.Join(env.Actions.RemoteDir, LockScriptName)

	return batch.Action{
		Pre: func(ctx context.Context) error {
			if env.Uploader == nil {
				return errors.New("no uploader configured")
			}
			return env.Uploader.Upload(ctx, env.Actions.LockScript, remoteScript)
		},
		Command: func(device string) (string, error) {
			return fmt.Sprintf("%s %s %s", remote.Quote(remoteScript), remote.Quote(device), mode), nil
		},
	}, nil
}

func buildShell(_ Env, p Params) (batch.Action, error) {
	tmpl, err := compile("shell", p["cmd"])
	if err != nil {
		return batch.Action{}, err
	}
	return batch.Action{
		Command: func(device string) (string, error) {
			return render(tmpl, device, p)
		},
	}, nil
}
