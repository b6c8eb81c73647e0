package usbip

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const sampleList = "Connected:\r\n" +
	"BUSID  VID:PID    DEVICE                                                        STATE\r\n" +
	"1-20   2207:0006  Android ADB Interface, USB Mass Storage Device                Not shared\r\n" +
	"2-3    18d1:4ee7  Android ADB Interface                                         Shared\r\n" +
	"2-4    18d1:4ee7  Android ADB Interface                                         Attached\r\n" +
	"3-1    046d:c534  USB Input Device                                              Not shared\r\n" +
	"\r\n" +
	"Persisted:\r\n" +
	"GUID                                  DEVICE\r\n" +
	"1-9    ffff:ffff  Android ADB Interface                                         Shared\r\n"

func TestParseList(t *testing.T) {
	devices := ParseList(sampleList, DefaultDeviceFilter)
	assert.Equal(t, []Device{
		{BusID: "1-20", VIDPID: "2207:0006", Description: "Android ADB Interface, USB Mass Storage Device", State: Unshared},
		{BusID: "2-3", VIDPID: "18d1:4ee7", Description: "Android ADB Interface", State: Shared},
		{BusID: "2-4", VIDPID: "18d1:4ee7", Description: "Android ADB Interface", State: Attached},
	}, devices)

	all := ParseList(sampleList, "")
	assert.Len(t, all, 4)
	assert.Equal(t, Unshared, all[3].State)
}

func TestFindState(t *testing.T) {
	state, ok := FindState(sampleList, "2-4")
	assert.True(t, ok)
	assert.Equal(t, Attached, state)
	assert.True(t, state.Bound())

	_, ok = FindState(sampleList, "9-9")
	assert.False(t, ok)

	_, ok = FindState(sampleList, "1-9")
	assert.False(t, ok, "persisted entries are not connected devices")
}

func TestBusIDsDeduplicates(t *testing.T) {
	devices := []Device{{BusID: "1-20"}, {BusID: "2-3"}, {BusID: "1-20"}}
	assert.Equal(t, []string{"1-20", "2-3"}, BusIDs(devices))
}

func TestParsePortMap(t *testing.T) {
	out := "Port 00: <...>\n  Remote: usbip://10.0.0.5:3240/1-20\n"

	assert.Equal(t, map[string]string{"1-20": "00"}, ParsePortMap(out, "10.0.0.5"))
	assert.Empty(t, ParsePortMap(out, "10.0.0.6"))
	assert.Empty(t, ParsePortMap(out, "10.0.0.50"))
	assert.Empty(t, ParsePortMap(out, "10.0.0"))
}

func TestParsePortMapRealOutput(t *testing.T) {
	out := `Imported USB devices
====================
Port 00: <Port in Use> at High Speed(480Mbps)
       unknown vendor : unknown product (2207:0006)
       3-1 -> usbip://10.0.0.5:3240/1-20
           -> remote bus/dev 001/020
Port 01: <Port in Use> at High Speed(480Mbps)
       Google Inc. : Nexus (18d1:4ee7)
       3-2 -> usbip://10.0.0.9:3240/1-20
           -> remote bus/dev 001/020
Port 08: <Port in Use> at High Speed(480Mbps)
       Google Inc. : Nexus (18d1:4ee7)
       3-9 -> usbip://10.0.0.5:3240/2-3
           -> remote bus/dev 002/003
`
	assert.Equal(t, map[string]string{"1-20": "00", "2-3": "08"}, ParsePortMap(out, "10.0.0.5"))
	assert.Equal(t, []string{"1-20", "2-3"}, RemoteBusIDs(out, "10.0.0.5"))
	assert.Equal(t, 3, CountPorts(out))
	assert.True(t, HasPorts(out))
	assert.False(t, HasPorts("Imported USB devices\n====================\n"))
}
