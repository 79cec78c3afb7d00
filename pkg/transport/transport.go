package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"
)

const (
	SchemeUnix = "unix"
	SchemeTCP  = "tcp"
	SchemeQUIC = "quic"

	// ALPN protocol negotiated on QUIC connections.
	ALPN = "kvproxy/1"

	DefaultDialTimeout = 5 * time.Second
	MaxIdleTimeout     = 30 * time.Minute
)

// Conn is a bidirectional byte stream to a peer.
type Conn interface {
	io.ReadWriteCloser
}

// Listener accepts connections on one address.
type Listener interface {
	// Accept blocks until a connection arrives or the listener is closed.
	Accept() (Conn, error)
	Close() error
	// Addr returns the listening address in the same form Dial accepts.
	Addr() string
}

// Options configures dialing and listening.
type Options struct {
	// DialTimeout bounds connection establishment. Zero means DefaultDialTimeout.
	DialTimeout time.Duration
	// TLSConfig is used by QUIC. Dial defaults to a config that skips
	// verification; Listen defaults to a fresh self-signed certificate.
	TLSConfig *tls.Config
}

// ParseAddress splits an address into scheme and target. Addresses without a
// scheme are TCP host:port pairs.
func ParseAddress(addr string) (scheme string, target string, err error) {
	if addr == "" {
		return "", "", fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	scheme, target, found := strings.Cut(addr, "://")
	if !found {
		return SchemeTCP, addr, nil
	}
	switch scheme {
	case SchemeUnix, SchemeTCP, SchemeQUIC:
	default:
		return "", "", fmt.Errorf("%w: %s", ErrUnsupportedScheme, scheme)
	}
	if target == "" {
		return "", "", fmt.Errorf("%w: %s has no target", ErrInvalidAddress, addr)
	}
	return scheme, target, nil
}

// Dial connects to addr.
func Dial(ctx context.Context, addr string, opts Options) (Conn, error) {
	scheme, target, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch scheme {
	case SchemeQUIC:
		return dialQUIC(ctx, target, opts.TLSConfig)
	default:
		var d net.Dialer
		conn, err := d.DialContext(ctx, scheme, target)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDialFailed, err)
		}
		return conn, nil
	}
}

// Listen opens a listener on addr. A stale unix socket file is removed first.
func Listen(addr string, opts Options) (Listener, error) {
	scheme, target, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}

	switch scheme {
	case SchemeQUIC:
		return listenQUIC(target, opts.TLSConfig)
	case SchemeUnix:
		if _, err := os.Stat(target); err == nil {
			if err := os.Remove(target); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrListenerFailed, err)
			}
		}
	}

	l, err := net.Listen(scheme, target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrListenerFailed, err)
	}
	return &netListener{l: l, scheme: scheme}, nil
}

type netListener struct {
	l      net.Listener
	scheme string
}

func (n *netListener) Accept() (Conn, error) {
	conn, err := n.l.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrListenerClosed
		}
		return nil, err
	}
	return conn, nil
}

func (n *netListener) Close() error {
	return n.l.Close()
}

func (n *netListener) Addr() string {
	return n.scheme + "://" + n.l.Addr().String()
}
