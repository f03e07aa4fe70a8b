package router

import "errors"

// Router-specific errors
var (
	ErrRouterClosed = errors.New("router is closed")
)
