package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	xssh "golang.org/x/crypto/ssh"

	"github.com/tOgg1/droidrig/internal/logging"
	"github.com/tOgg1/droidrig/internal/secret"
	"github.com/tOgg1/droidrig/internal/ssh"
)

// keyPathDialer is implemented by backends that take an identity file
// instead of an in-memory signer.
type keyPathDialer interface {
	DialWithKey(ctx context.Context, target ssh.Target, auth ssh.Auth, keyPath string) (ssh.Client, error)
}

// Factory creates sessions. Pool depends on this rather than on Connector.
type Factory interface {
	Connect(ctx context.Context, target ssh.Target) (*Session, error)
}

// Connector opens sessions, trying key auth before falling back to a
// cached or prompted password.
type Connector struct {
	Dialer   ssh.Dialer
	Secrets  secret.Provider
	Cache    *CredentialCache
	UseKey   bool
	KeyPath  string
	UseAgent bool

	logger  zerolog.Logger
	loadKey func(path string) (xssh.Signer, error)
}

// NewConnector creates a connector. A nil provider never yields a password.
func NewConnector(dialer ssh.Dialer, secrets secret.Provider, cache *CredentialCache) *Connector {
	if secrets == nil {
		secrets = secret.None
	}
	if cache == nil {
		cache = NewCredentialCache()
	}
	return &Connector{
		Dialer:  dialer,
		Secrets: secrets,
		Cache:   cache,
		logger:  logging.Component("session"),
		loadKey: ssh.LoadPrivateKey,
	}
}

// Connect returns an authenticated session to target.
//
// Key problems (missing file, passphrase, rejected key) fall through to the
// password path. Timeouts and refused connections are returned as-is.
// A password is cached only after it authenticates; a cached password that
// is rejected is evicted.
func (c *Connector) Connect(ctx context.Context, target ssh.Target) (*Session, error) {
	if target.Host == "" {
		return nil, ssh.ErrMissingHost
	}
	log := logging.WithHost(c.logger, target.String())

	if c.UseKey || c.UseAgent {
		client, err := c.dialKey(ctx, target)
		switch {
		case err == nil:
			log.Debug().Msg("authenticated with key")
			return New(target, client), nil
		case isKeyFallthrough(err):
			log.Debug().Err(err).Msg("key auth unavailable, trying password")
		default:
			return nil, err
		}
	}

	password, cached, err := c.credential(ctx, target)
	if err != nil {
		return nil, err
	}

	client, err := c.Dialer.Dial(ctx, target, ssh.Auth{Password: password})
	if err != nil {
		if cached && errors.Is(err, ssh.ErrAuthFailure) {
			c.Cache.Invalidate(target)
		}
		return nil, err
	}
	if !cached {
		c.Cache.Put(target, password)
	}
	log.Debug().Bool("cached", cached).Msg("authenticated with password")
	return New(target, client), nil
}

// Password returns the cached password for target or asks the provider.
// The result is not cached; Connect caches on successful authentication.
func (c *Connector) Password(ctx context.Context, target ssh.Target) (string, error) {
	password, _, err := c.credential(ctx, target)
	return password, err
}

func (c *Connector) credential(ctx context.Context, target ssh.Target) (string, bool, error) {
	if password, ok := c.Cache.Get(target); ok {
		return password, true, nil
	}
	password, ok := c.Secrets.Secret(ctx, secret.Request{User: target.User, Host: target.Host})
	if !ok || password == "" {
		return "", false, fmt.Errorf("%s: %w", target, ErrNoCredential)
	}
	return password, false, nil
}

func (c *Connector) dialKey(ctx context.Context, target ssh.Target) (ssh.Client, error) {
	auth := ssh.Auth{Agent: c.UseAgent}

	if kd, ok := c.Dialer.(keyPathDialer); ok {
		keyPath := ""
		if c.UseKey {
			keyPath = ssh.ExpandHome(c.KeyPath)
		}
		return kd.DialWithKey(ctx, target, auth, keyPath)
	}

	if c.UseKey && c.KeyPath != "" {
		signer, err := c.loadKey(c.KeyPath)
		if err != nil {
			if !c.UseAgent {
				return nil, err
			}
			c.logger.Debug().Err(err).Msg("private key unusable, agent only")
		} else {
			auth.Signers = []xssh.Signer{signer}
		}
	}
	if auth.Empty() {
		return nil, ssh.ErrNoAuthMethods
	}
	return c.Dialer.Dial(ctx, target, auth)
}

func isKeyFallthrough(err error) bool {
	var keyErr *ssh.KeyError
	return errors.As(err, &keyErr) ||
		errors.Is(err, ssh.ErrAuthFailure) ||
		errors.Is(err, ssh.ErrNoAuthMethods) ||
		errors.Is(err, ssh.ErrSSHAgentUnavailable) ||
		errors.Is(err, ssh.ErrPassphraseRequired)
}
