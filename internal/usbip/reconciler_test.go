package usbip

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tOgg1/droidrig/internal/config"
	"github.com/tOgg1/droidrig/internal/poll"
	"github.com/tOgg1/droidrig/internal/session"
	"github.com/tOgg1/droidrig/internal/ssh"
	"github.com/tOgg1/droidrig/internal/testutil"
)

const hostIP = "10.0.0.5"

// lab simulates usbipd on the device host and the usbip client on the bastion.
type lab struct {
	mu       sync.Mutex
	states   map[string]State // device host
	order    []string
	ports    map[string]string // bastion: busid -> port
	nextPort int

	bindWorks   bool
	attachWorks bool

	device  *testutil.FakeHost
	bastion *testutil.FakeHost
}

func newLab(states map[string]State) *lab {
	l := &lab{
		states:      states,
		ports:       make(map[string]string),
		bindWorks:   true,
		attachWorks: true,
		device:      testutil.NewFakeHost(hostIP),
		bastion:     testutil.NewFakeHost("bastion"),
	}
	for id := range states {
		l.order = append(l.order, id)
	}
	sort.Strings(l.order)

	l.device.On("ver 2>&1", testutil.OK("Microsoft Windows [Version 10.0.22631]"))
	l.device.On("usbipd --version", testutil.OK("4.3.0\n"))
	l.device.OnFunc("usbipd list", func(string) testutil.Reply { return testutil.OK(l.renderList()) })
	l.device.OnFunc("usbipd bind --busid", func(cmd string) testutil.Reply {
		id := lastField(cmd)
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.bindWorks {
			l.states[id] = Shared
		}
		return testutil.OK("")
	})
	l.device.OnFunc("usbipd unbind --all", func(string) testutil.Reply {
		l.mu.Lock()
		defer l.mu.Unlock()
		for id := range l.states {
			l.states[id] = Unshared
		}
		l.ports = make(map[string]string)
		return testutil.OK("")
	})

	l.bastion.On("lsmod | grep vhci_hcd", testutil.OK("vhci_hcd               61440  0\n"))
	l.bastion.OnFunc("usbip port", func(string) testutil.Reply { return testutil.OK(l.renderPorts()) })
	l.bastion.OnFunc("usbip attach", func(cmd string) testutil.Reply {
		id := lastField(cmd)
		l.mu.Lock()
		defer l.mu.Unlock()
		if !l.attachWorks || !l.states[id].Bound() {
			return testutil.Fail(1, "usbip: error: Attach Request for "+id+" failed")
		}
		l.ports[id] = fmt.Sprintf("%02d", l.nextPort)
		l.nextPort++
		l.states[id] = Attached
		return testutil.OK("")
	})
	l.bastion.OnFunc("usbip detach -p", func(cmd string) testutil.Reply {
		port := lastField(cmd)
		l.mu.Lock()
		defer l.mu.Unlock()
		for id, p := range l.ports {
			if p == port {
				delete(l.ports, id)
				l.states[id] = Shared
			}
		}
		return testutil.OK("")
	})
	return l
}

func lastField(cmd string) string {
	f := strings.Fields(cmd)
	return strings.Trim(f[len(f)-1], "'")
}

func (l *lab) renderList() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var b strings.Builder
	b.WriteString("Connected:\r\nBUSID  VID:PID    DEVICE                   STATE\r\n")
	for _, id := range l.order {
		state, ok := l.states[id]
		if !ok {
			continue
		}
		label := map[State]string{Unshared: "Not shared", Shared: "Shared", Attached: "Attached"}[state]
		fmt.Fprintf(&b, "%-6s 18d1:4ee7  Android ADB Interface    %s\r\n", id, label)
	}
	b.WriteString("\r\nPersisted:\r\nGUID  DEVICE\r\n")
	return b.String()
}

func (l *lab) renderPorts() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var b strings.Builder
	b.WriteString("Imported USB devices\n====================\n")
	for _, id := range l.order {
		port, ok := l.ports[id]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "Port %s: <Port in Use> at High Speed(480Mbps)\n", port)
		b.WriteString("       Google Inc. : Nexus (18d1:4ee7)\n")
		fmt.Fprintf(&b, "       3-%s -> usbip://%s:3240/%s\n", port, hostIP, id)
	}
	return b.String()
}

func (l *lab) bound() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var ids []string
	for _, id := range l.order {
		if l.states[id].Bound() {
			ids = append(ids, id)
		}
	}
	return ids
}

func (l *lab) reconciler(t *testing.T) (*Reconciler, *poll.FakeClock) {
	t.Helper()
	connector := session.NewConnector(testutil.NewFakeDialer(l.device, l.bastion), nil, nil)
	connector.UseAgent = true
	sessions := session.NewManager(connector, ssh.Target{User: "user", Host: "bastion", Port: 22}, 3)
	sessions.SetDeviceHost(ssh.Target{User: "lab", Host: hostIP, Port: 22})

	clock := poll.NewFakeClock()
	return New(sessions, config.USBIPConfig{
		BindAttempts: 8,
		BindInterval: time.Second,
		DetachSettle: time.Second,
		AttachSettle: 1500 * time.Millisecond,
		FinalSettle:  3 * time.Second,
		PassRetries:  1,
		Sudo:         true,
	}, clock), clock
}

func TestAttachBindsOnlyUnshared(t *testing.T) {
	l := newLab(map[string]State{"1-20": Unshared, "2-3": Shared})
	r, _ := l.reconciler(t)

	rep, err := r.Attach(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"1-20", "2-3"}, rep.Found)
	assert.Equal(t, []string{"1-20", "2-3"}, rep.Attached)
	assert.Empty(t, rep.Failed)
	assert.Equal(t, 1, rep.Passes)
	assert.True(t, r.Connected())

	assert.Equal(t, 1, l.device.Count("usbipd bind"))
	assert.True(t, l.device.Ran("usbipd bind --busid 1-20"))
	assert.True(t, l.device.Ran("taskkill /F /IM adb.exe /T"))
	assert.Equal(t, 1, l.bastion.Count("udevadm trigger"), "udev re-scan runs once per pass")
	assert.True(t, l.bastion.Ran("sudo -n usbip attach -r 10.0.0.5 -b 1-20"))
}

func TestAttachIsIdempotent(t *testing.T) {
	l := newLab(map[string]State{"1-20": Unshared, "2-3": Unshared})
	r, _ := l.reconciler(t)
	ctx := context.Background()

	first, err := r.Attach(ctx)
	require.NoError(t, err)
	binds := l.device.Count("usbipd bind")

	second, err := r.Attach(ctx)
	require.NoError(t, err)

	assert.Equal(t, first.Attached, second.Attached)
	assert.Equal(t, binds, l.device.Count("usbipd bind"), "second pass must not bind again")
	// Stale imports from the first pass are detached before re-attaching.
	assert.Equal(t, 2, l.bastion.Count("usbip detach -p"))
	assert.Len(t, l.ports, 2)
}

func TestAttachThenDetachRoundTrip(t *testing.T) {
	l := newLab(map[string]State{"1-20": Unshared, "2-3": Shared, "2-4": Unshared})
	r, _ := l.reconciler(t)
	ctx := context.Background()

	rep, err := r.Attach(ctx)
	require.NoError(t, err)
	assert.Equal(t, rep.Attached, l.bound())

	require.NoError(t, r.Detach(ctx))
	assert.Empty(t, l.bound())
	assert.False(t, r.Connected())
}

func TestAttachPartialBindFailure(t *testing.T) {
	l := newLab(map[string]State{"1-20": Unshared, "2-3": Shared})
	l.bindWorks = false
	r, clock := l.reconciler(t)

	rep, err := r.Attach(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"2-3"}, rep.Attached)
	require.Len(t, rep.Failed, 1)
	assert.Equal(t, "1-20", rep.Failed[0].BusID)

	var bindWaits int
	for _, d := range clock.Sleeps() {
		if d == time.Second {
			bindWaits++
		}
	}
	assert.GreaterOrEqual(t, bindWaits, 7, "eight checks one second apart")
}

func TestAttachDoesNotReportFailedBindAsAttached(t *testing.T) {
	l := newLab(map[string]State{"1-20": Unshared, "2-3": Shared})
	l.bindWorks = false
	// A stale import of 1-20 from an earlier session is still on the bastion.
	l.ports["1-20"] = "00"
	l.nextPort = 1
	r, _ := l.reconciler(t)

	rep, err := r.Attach(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"2-3"}, rep.Attached)
	require.Len(t, rep.Failed, 1)
	assert.Equal(t, "1-20", rep.Failed[0].BusID)
	assert.NotContains(t, rep.Attached, "1-20")
}

func TestAttachVanishedDevice(t *testing.T) {
	l := newLab(map[string]State{"1-20": Unshared, "2-3": Shared})
	l.bindWorks = false
	l.device.OnFunc("usbipd bind --busid", func(cmd string) testutil.Reply {
		l.mu.Lock()
		delete(l.states, lastField(cmd))
		l.mu.Unlock()
		return testutil.OK("")
	})
	r, _ := l.reconciler(t)

	rep, err := r.Attach(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"2-3"}, rep.Attached)
	require.Len(t, rep.Failed, 1)
	assert.Contains(t, rep.Failed[0].Reason, "disappeared")
}

func TestAttachDetachesStaleImport(t *testing.T) {
	l := newLab(map[string]State{"1-20": Attached})
	l.ports["1-20"] = "05"
	l.nextPort = 6
	r, _ := l.reconciler(t)

	rep, err := r.Attach(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"1-20"}, rep.Attached)

	calls := l.bastion.Calls()
	detach := indexOf(calls, "sudo -n usbip detach -p 05")
	attach := indexOf(calls, "sudo -n usbip attach -r 10.0.0.5 -b 1-20")
	require.GreaterOrEqual(t, detach, 0)
	assert.Less(t, detach, attach)
	assert.Equal(t, map[string]string{"1-20": "06"}, l.ports)
}

func indexOf(calls []string, cmd string) int {
	for i, c := range calls {
		if c == cmd {
			return i
		}
	}
	return -1
}

func TestAttachRetriesWholePassOnce(t *testing.T) {
	l := newLab(map[string]State{"1-20": Shared})
	l.attachWorks = false
	r, _ := l.reconciler(t)

	rep, err := r.Attach(context.Background())
	assert.ErrorIs(t, err, ErrReconciliationIncomplete)
	assert.Equal(t, 2, rep.Passes)
	assert.Equal(t, 2, l.device.Count("usbipd --version"))
	assert.False(t, r.Connected())
}

func TestAttachIgnoresOtherHostsImports(t *testing.T) {
	l := newLab(map[string]State{"1-20": Shared})
	l.attachWorks = false
	l.bastion.OnFunc("usbip port", func(string) testutil.Reply {
		return testutil.OK("Port 00: <Port in Use>\n       3-1 -> usbip://10.0.0.50:3240/1-20\n")
	})
	r, _ := l.reconciler(t)

	rep, err := r.Attach(context.Background())
	assert.ErrorIs(t, err, ErrReconciliationIncomplete)
	assert.Empty(t, rep.Attached)
	assert.False(t, l.bastion.Ran("usbip detach"))
}

func TestAttachRequiresWindows(t *testing.T) {
	l := newLab(map[string]State{"1-20": Shared})
	l.device.On("ver 2>&1", testutil.Fail(127, "ver: not found"))
	r, _ := l.reconciler(t)

	_, err := r.Attach(context.Background())
	assert.ErrorIs(t, err, ErrNotWindows)
}

func TestAttachRequiresUsbipd(t *testing.T) {
	l := newLab(map[string]State{"1-20": Shared})
	l.device.On("usbipd --version", testutil.Fail(1, "'usbipd' is not recognized as an internal or external command"))
	r, _ := l.reconciler(t)

	_, err := r.Attach(context.Background())
	assert.ErrorIs(t, err, ErrUsbipdMissing)
}

func TestAttachNoDevices(t *testing.T) {
	l := newLab(map[string]State{})
	r, _ := l.reconciler(t)

	_, err := r.Attach(context.Background())
	assert.ErrorIs(t, err, ErrNoDevices)
}

func TestAttachLoadsDriver(t *testing.T) {
	l := newLab(map[string]State{"1-20": Shared})
	l.bastion.OnSequence("lsmod | grep vhci_hcd", testutil.Fail(1, ""), testutil.OK("vhci_hcd 61440 0\n"))
	r, _ := l.reconciler(t)

	_, err := r.Attach(context.Background())
	require.NoError(t, err)
	assert.True(t, l.bastion.Ran("sudo -n modprobe vhci_hcd"))
}

func TestAttachDriverUnavailable(t *testing.T) {
	l := newLab(map[string]State{"1-20": Shared})
	l.bastion.On("lsmod | grep vhci_hcd", testutil.Fail(1, ""))
	r, _ := l.reconciler(t)

	_, err := r.Attach(context.Background())
	assert.ErrorIs(t, err, ErrDriverUnavailable)
	assert.False(t, l.bastion.Ran("usbip attach"))
}

func TestStatus(t *testing.T) {
	l := newLab(map[string]State{"1-20": Unshared, "2-3": Attached})
	r, _ := l.reconciler(t)

	devices, err := r.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, Attached, devices[1].State)
}
