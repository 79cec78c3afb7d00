package store

import "errors"

var (
	ErrProxyConnection    = errors.New("store: cannot connect to the proxy")
	ErrProxyVerify        = errors.New("store: proxy verification failed")
	ErrConnectionAttempts = errors.New("store: connection attempts exhausted")
	ErrAlreadyConnected   = errors.New("store: already connected")
	ErrNotConnected       = errors.New("store: not connected")
)
