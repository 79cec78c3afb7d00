package transport

import "errors"

var (
	ErrUnsupportedScheme = errors.New("unsupported address scheme")
	ErrDialFailed        = errors.New("failed to dial proxy")
	ErrListenerFailed    = errors.New("failed to create listener")
	ErrListenerClosed    = errors.New("listener closed")
	ErrInvalidAddress    = errors.New("invalid address")
)
