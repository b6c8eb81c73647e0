//go:build windows

package ssh

import (
	"context"
	"errors"
)

// Shell is unavailable for the system backend on Windows; use the native backend.
func (c *SystemClient) Shell(ctx context.Context, remoteCmd string, t Terminal) (int, error) {
	return -1, errors.New("interactive shell requires the native ssh backend on windows")
}
