package proxy

import "errors"

var (
	ErrNoJava         = errors.New("java runtime not found")
	ErrStartProxy     = errors.New("failed to start proxy")
	ErrProxyTimeout   = errors.New("proxy did not become ready in time")
	ErrNotStarted     = errors.New("proxy was not started by this process")
	ErrAlreadyStarted = errors.New("proxy already started")
)
