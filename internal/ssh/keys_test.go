package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	xssh "golang.org/x/crypto/ssh"
)

func writeKey(t *testing.T, passphrase string) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	var block *pem.Block
	if passphrase == "" {
		block, err = xssh.MarshalPrivateKey(priv, "test")
	} else {
		block, err = xssh.MarshalPrivateKeyWithPassphrase(priv, "test", []byte(passphrase))
	}
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))
	return path
}

func TestLoadPrivateKey_Unencrypted(t *testing.T) {
	signer, err := LoadPrivateKey(writeKey(t, ""))
	require.NoError(t, err)
	require.Equal(t, xssh.KeyAlgoED25519, signer.PublicKey().Type())
}

func TestLoadPrivateKey_EncryptedIsKeyError(t *testing.T) {
	path := writeKey(t, "secret")

	_, err := LoadPrivateKey(path)
	var keyErr *KeyError
	require.ErrorAs(t, err, &keyErr)
	require.Equal(t, path, keyErr.Path)
	require.ErrorIs(t, err, ErrPassphraseRequired)
}

func TestLoadPrivateKey_MissingFileIsKeyError(t *testing.T) {
	_, err := LoadPrivateKey(filepath.Join(t.TempDir(), "nope"))
	var keyErr *KeyError
	require.ErrorAs(t, err, &keyErr)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	require.Equal(t, filepath.Join(home, ".ssh", "id"), ExpandHome("~/.ssh/id"))
	require.Equal(t, "/abs/id", ExpandHome("/abs/id"))
}
