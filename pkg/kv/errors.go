package kv

import (
	"errors"
	"fmt"
)

var (
	ErrIteratorClosed  = errors.New("kv: iterator is closed")
	ErrNoMoreElements  = errors.New("kv: no more elements")
	ErrFetchInProgress = errors.New("kv: a fetch is already in progress for this iterator")
	ErrConnection      = errors.New("kv: connection error")
	ErrTimeout         = errors.New("kv: request timed out")
	ErrMalformedRow    = errors.New("kv: malformed row payload")
)

// RemoteErrorKind classifies errors reported by the store through the proxy.
type RemoteErrorKind uint8

const (
	RemoteUnknown RemoteErrorKind = iota
	RemoteDurability
	RemoteRequestTimeout
	RemoteFault
	RemoteUnverifiedConnection
	RemoteProxy
	RemoteIllegalArgument
	RemoteConsistency
	RemoteIteratorNotFound
	RemoteOperationExecution
)

func (k RemoteErrorKind) String() string {
	switch k {
	case RemoteDurability:
		return "durability"
	case RemoteRequestTimeout:
		return "request timeout"
	case RemoteFault:
		return "fault"
	case RemoteUnverifiedConnection:
		return "unverified connection"
	case RemoteProxy:
		return "proxy"
	case RemoteIllegalArgument:
		return "illegal argument"
	case RemoteConsistency:
		return "consistency"
	case RemoteIteratorNotFound:
		return "iterator not found"
	case RemoteOperationExecution:
		return "operation execution"
	default:
		return "unknown"
	}
}

// RemoteError is a structured error returned by the store. It is propagated
// to callers as is.
type RemoteError struct {
	Kind    RemoteErrorKind `msgpack:"kind"`
	Message string          `msgpack:"message"`
}

// Sentinels usable with errors.Is to match a RemoteError by kind.
var (
	ErrRemoteDurability           = &RemoteError{Kind: RemoteDurability}
	ErrRemoteFault                = &RemoteError{Kind: RemoteFault}
	ErrRemoteUnverifiedConnection = &RemoteError{Kind: RemoteUnverifiedConnection}
	ErrRemoteProxy                = &RemoteError{Kind: RemoteProxy}
	ErrRemoteIllegalArgument      = &RemoteError{Kind: RemoteIllegalArgument}
	ErrRemoteConsistency          = &RemoteError{Kind: RemoteConsistency}
	ErrRemoteIteratorNotFound     = &RemoteError{Kind: RemoteIteratorNotFound}
	ErrRemoteOperationExecution   = &RemoteError{Kind: RemoteOperationExecution}
)

// NewRemoteError builds a RemoteError with a formatted message.
func NewRemoteError(kind RemoteErrorKind, format string, args ...any) *RemoteError {
	return &RemoteError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("kv: remote %s error", e.Kind)
	}
	return fmt.Sprintf("kv: remote %s error: %s", e.Kind, e.Message)
}

// Is matches another RemoteError of the same kind. A store-side request
// timeout also matches ErrTimeout.
func (e *RemoteError) Is(target error) bool {
	if target == ErrTimeout {
		return e.Kind == RemoteRequestTimeout
	}
	t, ok := target.(*RemoteError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}
