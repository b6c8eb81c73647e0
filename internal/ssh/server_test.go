package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	xssh "golang.org/x/crypto/ssh"
)

type execHandler func(cmd string, stdout, stderr io.Writer) int

type testServer struct {
	addr     string
	listener net.Listener
}

func startTestServer(t *testing.T, password string, handler execHandler) *testServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := xssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	config := &xssh.ServerConfig{
		PasswordCallback: func(_ xssh.ConnMetadata, pw []byte) (*xssh.Permissions, error) {
			if string(pw) == password {
				return nil, nil
			}
			return nil, errors.New("denied")
		},
	}
	config.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveConn(conn, config, handler)
		}
	}()

	return &testServer{addr: ln.Addr().String(), listener: ln}
}

func (s *testServer) target(t *testing.T) Target {
	t.Helper()
	target, err := ParseTarget("tester@" + s.addr)
	require.NoError(t, err)
	return target
}

func serveConn(conn net.Conn, config *xssh.ServerConfig, handler execHandler) {
	sconn, chans, reqs, err := xssh.NewServerConn(conn, config)
	if err != nil {
		_ = conn.Close()
		return
	}
	defer sconn.Close()

	go func() {
		for req := range reqs {
			if req.WantReply {
				_ = req.Reply(req.Type == keepAliveRequest, nil)
			}
		}
	}()

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(xssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, requests, err := newCh.Accept()
		if err != nil {
			continue
		}
		go serveSession(ch, requests, handler)
	}
}

func serveSession(ch xssh.Channel, requests <-chan *xssh.Request, handler execHandler) {
	defer ch.Close()
	for req := range requests {
		if req.Type != "exec" {
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
			continue
		}
		var payload struct{ Command string }
		_ = xssh.Unmarshal(req.Payload, &payload)
		_ = req.Reply(true, nil)

		code := handler(payload.Command, ch, ch.Stderr())
		status := struct{ Status uint32 }{uint32(code)}
		_, _ = ch.SendRequest("exit-status", false, xssh.Marshal(&status))
		return
	}
}
