package ssh

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSSHTarget(t *testing.T) {
	tests := []struct {
		target   string
		wantUser string
		wantHost string
		wantPort string
	}{
		{target: "example.com", wantHost: "example.com"},
		{target: "user@example.com", wantUser: "user", wantHost: "example.com"},
		{target: "user@example.com:2222", wantUser: "user", wantHost: "example.com", wantPort: "2222"},
		{target: "example.com:2222", wantHost: "example.com", wantPort: "2222"},
		{target: "dom@corp@10.0.0.5", wantUser: "dom@corp", wantHost: "10.0.0.5"},
		{target: "user@[::1]:2200", wantUser: "user", wantHost: "::1", wantPort: "2200"},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			user, host, port := parseSSHTarget(tt.target)
			require.Equal(t, tt.wantUser, user)
			require.Equal(t, tt.wantHost, host)
			require.Equal(t, tt.wantPort, port)
		})
	}
}

func TestParseTarget(t *testing.T) {
	target, err := ParseTarget(" lab@10.0.0.5:2222 ")
	require.NoError(t, err)
	require.Equal(t, Target{User: "lab", Host: "10.0.0.5", Port: 2222}, target)
	require.Equal(t, "10.0.0.5:2222", target.Addr())
	require.Equal(t, "lab@10.0.0.5", target.String())

	_, err = ParseTarget("lab@")
	require.ErrorIs(t, err, ErrMissingHost)

	_, err = ParseTarget("lab@host:99999")
	require.Error(t, err)
}

func TestTarget_DefaultPort(t *testing.T) {
	target := Target{User: "u", Host: "bastion"}
	require.Equal(t, "bastion:22", target.Addr())
	require.Equal(t, "u@bastion:22", target.Key())
	require.False(t, target.IsZero())
	require.True(t, Target{}.IsZero())
}
