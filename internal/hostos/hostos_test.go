package hostos

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tOgg1/droidrig/internal/ssh"
	"github.com/tOgg1/droidrig/internal/testutil"
)

func TestClassify(t *testing.T) {
	assert.Equal(t, Windows, Classify("\r\nMicrosoft Windows [Version 10.0.22631.4460]\r\n"))
	assert.Equal(t, Windows, Classify("WINDOWS"))
	assert.Equal(t, Linux, Classify("bash: ver: command not found"))
	assert.Equal(t, Linux, Classify(""))
}

func TestDetect(t *testing.T) {
	win := testutil.NewFakeHost("win").On("ver", testutil.OK("Microsoft Windows [Version 10.0.19045]"))
	assert.Equal(t, Windows, Detect(context.Background(), win.Client()))

	linux := testutil.NewFakeHost("lnx").On("ver", testutil.Fail(127, "sh: 1: ver: not found"))
	assert.Equal(t, Linux, Detect(context.Background(), linux.Client()))

	dropped := testutil.NewFakeHost("gone").On("ver", testutil.Reply{ExecErr: ssh.ErrClientClosed})
	assert.Equal(t, Linux, Detect(context.Background(), dropped.Client()))
}
