package hub

import "errors"

// Hub lifecycle and queueing errors
var (
	ErrHubAlreadyRunning  = errors.New("hub is already running")
	ErrHubNotRunning      = errors.New("hub is not running")
	ErrMessageChannelFull = errors.New("message channel is full")
	ErrNilConnection      = errors.New("connection cannot be nil")
)
