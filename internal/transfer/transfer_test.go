package transfer

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tOgg1/droidrig/internal/session"
	"github.com/tOgg1/droidrig/internal/ssh"
	"github.com/tOgg1/droidrig/internal/testutil"
)

func memClient(t *testing.T) *sftp.Client {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	server := sftp.NewRequestServer(serverConn, sftp.InMemHandler())
	go func() { _ = server.Serve() }()

	client, err := sftp.NewClientPipe(clientConn, clientConn)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client
}

func writeLocal(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestCopyCreatesParents(t *testing.T) {
	client := memClient(t)
	local := writeLocal(t, "run_Device_Lock.sh", "#!/bin/sh\necho lock\n")

	var updates []Progress
	err := Copy(context.Background(), client, local, "/home/user/GMS-Suite/run_Device_Lock.sh", 0, func(p Progress) {
		updates = append(updates, p)
	})
	require.NoError(t, err)

	f, err := client.Open("/home/user/GMS-Suite/run_Device_Lock.sh")
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho lock\n", string(data))

	require.NotEmpty(t, updates)
	last := updates[len(updates)-1]
	assert.Equal(t, int64(len(data)), last.Bytes)
	assert.Equal(t, 100.0, last.Percent())
	assert.Equal(t, "run_Device_Lock.sh", last.File)
}

func TestCopyLargeFileThrottlesProgress(t *testing.T) {
	client := memClient(t)
	local := writeLocal(t, "system.img", strings.Repeat("x", 256*1024))

	calls := 0
	err := Copy(context.Background(), client, local, "/img/system.img", DefaultProgressInterval, func(Progress) { calls++ })
	require.NoError(t, err)
	assert.GreaterOrEqual(t, calls, 1)
	assert.Less(t, calls, 10)
}

func TestCopyMissingLocal(t *testing.T) {
	client := memClient(t)
	err := Copy(context.Background(), client, filepath.Join(t.TempDir(), "nope"), "/x", 0, nil)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestCopyCancelled(t *testing.T) {
	client := memClient(t)
	local := writeLocal(t, "a.bin", "data")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Copy(ctx, client, local, "/a.bin", 0, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsExecutable(t *testing.T) {
	for _, name := range []string{"run.sh", "/x/tool.PY", "a.bash", "upgrade_tool", "flash.exe"} {
		assert.True(t, IsExecutable(name), name)
	}
	for _, name := range []string{"system.img", "notes.txt", "upgrade_tool.cfg"} {
		assert.False(t, IsExecutable(name), name)
	}
}

func TestPercentEmptyFile(t *testing.T) {
	assert.Equal(t, 100.0, Progress{}.Percent())
	assert.Equal(t, 50.0, Progress{Bytes: 5, Total: 10}.Percent())
}

func TestOpenUnsupportedClient(t *testing.T) {
	host := testutil.NewFakeHost("bastion")
	sess := session.New(ssh.Target{Host: "bastion"}, host.Client())

	_, _, err := Open(context.Background(), sess)
	assert.ErrorIs(t, err, ErrUnsupportedClient)
}
