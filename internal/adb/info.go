package adb

import (
	"context"
	"strings"

	"github.com/tOgg1/droidrig/internal/remote"
)

// LockState classifies ro.boot.verifiedbootstate.
type LockState string

const (
	Locked        LockState = "locked"
	Unlocked      LockState = "unlocked"
	LockUnknown   LockState = "unknown"
	LockUnhandled LockState = "other"
)

// ClassifyBootState maps verifiedbootstate values to a lock state.
func ClassifyBootState(value string) LockState {
	switch strings.TrimSpace(value) {
	case "green":
		return Locked
	case "orange":
		return Unlocked
	case "":
		return LockUnknown
	default:
		return LockUnhandled
	}
}

// LockStatus is the lock state of one device along with the raw value.
type LockStatus struct {
	Serial string    `json:"serial"`
	State  LockState `json:"state"`
	Raw    string    `json:"raw,omitempty"`
}

// QueryLock reads the verified boot state of serial.
func QueryLock(ctx context.Context, e remote.Execer, serial string) (LockStatus, error) {
	raw, err := GetProp(ctx, e, serial, "ro.boot.verifiedbootstate")
	if err != nil {
		return LockStatus{Serial: serial, State: LockUnknown}, err
	}
	return LockStatus{Serial: serial, State: ClassifyBootState(raw), Raw: raw}, nil
}

// InfoField is one labelled fact about a device.
type InfoField struct {
	Label   string `json:"label"`
	Command string `json:"-"`
	Value   string `json:"value"`
	Error   string `json:"error,omitempty"`
}

// Info is the collected description of one device.
type Info struct {
	Serial string      `json:"serial"`
	Fields []InfoField `json:"fields"`
}

// Get returns the value for label.
func (i Info) Get(label string) string {
	for _, f := range i.Fields {
		if f.Label == label {
			return f.Value
		}
	}
	return ""
}

type infoProbe struct {
	label string
	args  []string
}

var infoProbes = []infoProbe{
	{"Serial", []string{"getprop", "ro.serialno"}},
	{"Model", []string{"getprop", "ro.product.model"}},
	{"Android", []string{"getprop", "ro.build.version.release"}},
	{"Build type", []string{"getprop", "ro.build.type"}},
	{"Build tags", []string{"getprop", "ro.build.tags"}},
	{"Build date", []string{"getprop", "ro.build.date"}},
	{"SDK", []string{"getprop", "ro.build.version.sdk"}},
	{"API level", []string{"getprop", "|", "grep", "api_level"}},
	{"Security patch", []string{"getprop", "ro.build.version.security_patch"}},
	{"Fingerprint", []string{"getprop", "ro.build.fingerprint"}},
	{"Memory", []string{"cat", "/proc/meminfo", "|", "grep", "-E", "'MemTotal|MemFree'"}},
	{"Timezone", []string{"getprop", "persist.sys.timezone"}},
	{"Locale", []string{"getprop", "persist.sys.locale"}},
}

// CollectInfo runs every info probe against serial. Individual probe
// failures are recorded per field and do not stop collection.
func CollectInfo(ctx context.Context, e remote.Execer, serial string) (Info, error) {
	info := Info{Serial: serial}
	for _, p := range infoProbes {
		if err := ctx.Err(); err != nil {
			return info, err
		}
		field := InfoField{Label: p.label, Command: Shell(serial, p.args...)}
		res, err := remote.Run(ctx, e, field.Command, commandTimeout)
		switch {
		case err != nil:
			field.Error = err.Error()
		default:
			field.Value = strings.TrimSpace(res.Stdout)
			if msg := strings.TrimSpace(res.Stderr); msg != "" && !strings.Contains(msg, "not found") {
				field.Error = msg
			}
		}
		info.Fields = append(info.Fields, field)
	}
	return info, nil
}
