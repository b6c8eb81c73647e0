package ssh

import (
	"errors"
	"fmt"
)

var (
	ErrPassphraseRequired  = errors.New("passphrase required for private key")
	ErrSSHAgentUnavailable = errors.New("ssh agent not available")
	ErrMissingHost         = errors.New("ssh host is required")
	ErrNoAuthMethods       = errors.New("no authentication methods available")
	ErrAuthFailure         = errors.New("ssh authentication failed")
	ErrConnectTimeout      = errors.New("ssh connect timed out")
	ErrConnectRefused      = errors.New("ssh connection refused")
	ErrChannelDropped      = errors.New("ssh channel dropped")
	ErrClientClosed        = errors.New("ssh client closed")
)

// KeyError reports a private key that could not be used. It is not fatal:
// callers fall back to password authentication.
type KeyError struct {
	Path string
	Err  error
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("private key %s unusable: %v", e.Path, e.Err)
}

func (e *KeyError) Unwrap() error {
	return e.Err
}
