package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"

	"github.com/quic-go/quic-go"
)

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  MaxIdleTimeout,
		KeepAlivePeriod: MaxIdleTimeout / 2,
	}
}

// quicConn carries the whole session over a single bidirectional stream.
type quicConn struct {
	conn   quic.Connection
	stream quic.Stream
	once   sync.Once
}

func (c *quicConn) Read(p []byte) (int, error) {
	return c.stream.Read(p)
}

func (c *quicConn) Write(p []byte) (int, error) {
	return c.stream.Write(p)
}

func (c *quicConn) Close() error {
	var err error
	c.once.Do(func() {
		c.stream.CancelRead(0)
		_ = c.stream.Close()
		err = c.conn.CloseWithError(0, "")
	})
	return err
}

func dialQUIC(ctx context.Context, addr string, tlsConf *tls.Config) (Conn, error) {
	if tlsConf == nil {
		tlsConf = &tls.Config{
			// Proxy certificates are self-signed.
			InsecureSkipVerify: true,
		}
	} else {
		tlsConf = tlsConf.Clone()
	}
	tlsConf.NextProtos = []string{ALPN}
	tlsConf.MinVersion = tls.VersionTLS13

	qConn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDialFailed, err)
	}
	stream, err := qConn.OpenStreamSync(ctx)
	if err != nil {
		_ = qConn.CloseWithError(0, "")
		return nil, fmt.Errorf("%w: failed to open QUIC stream: %v", ErrDialFailed, err)
	}
	return &quicConn{conn: qConn, stream: stream}, nil
}

type quicListener struct {
	listener *quic.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	conns    chan Conn
	done     chan struct{}
}

func listenQUIC(addr string, tlsConf *tls.Config) (Listener, error) {
	if tlsConf == nil {
		cert, err := GenerateCertificate()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrListenerFailed, err)
		}
		tlsConf = &tls.Config{Certificates: []tls.Certificate{*cert}}
	} else {
		tlsConf = tlsConf.Clone()
	}
	tlsConf.NextProtos = []string{ALPN}
	tlsConf.MinVersion = tls.VersionTLS13

	listener, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrListenerFailed, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &quicListener{
		listener: listener,
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(chan Conn),
		done:     make(chan struct{}),
	}
	go func() {
		l.acceptLoop()
		close(l.done)
	}()
	return l, nil
}

// acceptLoop accepts connections and waits for each one's first stream in
// its own goroutine so a slow client cannot hold up the others.
func (l *quicListener) acceptLoop() {
	for {
		qConn, err := l.listener.Accept(l.ctx)
		if err != nil {
			return
		}
		go func() {
			stream, err := qConn.AcceptStream(l.ctx)
			if err != nil {
				_ = qConn.CloseWithError(0, "")
				return
			}
			select {
			case l.conns <- &quicConn{conn: qConn, stream: stream}:
			case <-l.ctx.Done():
				_ = qConn.CloseWithError(0, "")
			}
		}()
	}
}

func (l *quicListener) Accept() (Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.ctx.Done():
		return nil, ErrListenerClosed
	}
}

func (l *quicListener) Close() error {
	l.cancel()
	err := l.listener.Close()
	<-l.done
	if err != nil {
		return fmt.Errorf("failed to close listener: %w", err)
	}
	return nil
}

func (l *quicListener) Addr() string {
	return SchemeQUIC + "://" + l.listener.Addr().String()
}
