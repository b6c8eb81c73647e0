package session

import "errors"

var (
	// ErrNoCredential means no key worked and the secret provider gave nothing.
	ErrNoCredential = errors.New("no credential available")

	// ErrPoolClosed is returned by Acquire after Close.
	ErrPoolClosed = errors.New("session pool closed")
)
