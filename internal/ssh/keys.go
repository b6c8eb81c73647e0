package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// AgentConnection wraps a live SSH agent connection.
type AgentConnection struct {
	Conn   net.Conn
	Client agent.ExtendedAgent
}

// LoadPrivateKey loads an unencrypted private key from disk. Any problem,
// including a passphrase-protected key, is reported as a *KeyError so the
// caller can fall back to password authentication.
func LoadPrivateKey(path string) (xssh.Signer, error) {
	path = ExpandHome(path)

	keyBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, &KeyError{Path: path, Err: fmt.Errorf("read private key: %w", err)}
	}

	signer, err := xssh.ParsePrivateKey(keyBytes)
	if err == nil {
		return signer, nil
	}

	var missing *xssh.PassphraseMissingError
	if errors.As(err, &missing) {
		return nil, &KeyError{Path: path, Err: ErrPassphraseRequired}
	}
	return nil, &KeyError{Path: path, Err: fmt.Errorf("parse private key: %w", err)}
}

// ExpandHome resolves a leading ~ against the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// ConnectAgent opens a connection to the SSH agent referenced by SSH_AUTH_SOCK.
func ConnectAgent() (*AgentConnection, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, ErrSSHAgentUnavailable
	}

	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("connect to ssh agent: %w", err)
	}

	return &AgentConnection{
		Conn:   conn,
		Client: agent.NewClient(conn),
	}, nil
}

// Signers returns the agent-backed signers.
func (a *AgentConnection) Signers() ([]xssh.Signer, error) {
	if a == nil || a.Client == nil {
		return nil, ErrSSHAgentUnavailable
	}
	return a.Client.Signers()
}

// AuthMethod returns an AuthMethod backed by the SSH agent.
func (a *AgentConnection) AuthMethod() xssh.AuthMethod {
	if a == nil || a.Client == nil {
		return nil
	}
	return xssh.PublicKeysCallback(a.Client.Signers)
}

func (a *AgentConnection) Close() error {
	if a == nil || a.Conn == nil {
		return nil
	}
	return a.Conn.Close()
}
