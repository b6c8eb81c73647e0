package remote

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPkill(t *testing.T) {
	assert.Equal(t, "pkill -f '[a]db'", Pkill("adb"))
	assert.Equal(t, "pkill -f '[s]sh.*-L 5037'", Pkill("ssh.*-L 5037"))
	assert.Equal(t, "pgrep -f '[s]crcpy.*-s R58M'", Pgrep("scrcpy.*-s R58M"))
	assert.Equal(t, "", ProcessPattern(""))
}

func TestProcessPatternSkipsOwnShell(t *testing.T) {
	tests := []struct {
		pattern string
		target  string
	}{
		{"adb", "adb -a nodaemon server start"},
		{"ssh.*-L 5037", "ssh -f -N -L 5037:localhost:5037 lab@win"},
		{"x11vnc", "x11vnc -display :0 -forever"},
		{"websockify", "python3 ./utils/websockify/run --web /opt/noVNC 6080 localhost:5900"},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			re := regexp.MustCompile(ProcessPattern(tt.pattern))
			// sshd runs the command as `sh -c "<cmd>"`; that shell must not match.
			shell := "bash -c " + Pkill(tt.pattern) + "; echo done"
			assert.False(t, re.MatchString(shell), shell)
			assert.True(t, re.MatchString(tt.target), tt.target)
		})
	}
}
