package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eigerco/kvclient/pkg/cursor"
	"github.com/eigerco/kvclient/pkg/kv"
	"github.com/eigerco/kvclient/pkg/log"
	"github.com/eigerco/kvclient/pkg/transport"
	"github.com/eigerco/kvclient/pkg/wire"
)

// DefaultRequestTimeout bounds a call when the caller sets nothing shorter.
const DefaultRequestTimeout = 5 * time.Second

var ErrUnexpectedKind = errors.New("rpc: response kind does not match request")

var _ cursor.Channel = (*Client)(nil)

type Option func(*Client)

func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) {
		c.log = l
	}
}

// WithTransport sets the options used by Dial.
func WithTransport(opts transport.Options) Option {
	return func(c *Client) {
		c.transportOpts = opts
	}
}

// Client multiplexes requests over one connection. Responses are matched to
// their request by sequence number, so calls from many goroutines may be in
// flight at once.
type Client struct {
	conn          transport.Conn
	timeout       time.Duration
	transportOpts transport.Options
	log           zerolog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	seq     uint64
	pending map[uint64]chan *wire.Envelope
	err     error
	done    chan struct{}
}

// Dial connects to the proxy at addr.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	c := newClient(opts)
	conn, err := transport.Dial(ctx, addr, c.transportOpts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", kv.ErrConnection, err)
	}
	c.start(conn)
	c.log.Debug().Str("addr", addr).Msg("connected")
	return c, nil
}

// NewClient runs the protocol over an established connection. The client
// owns conn from now on.
func NewClient(conn transport.Conn, opts ...Option) *Client {
	c := newClient(opts)
	c.start(conn)
	return c
}

func newClient(opts []Option) *Client {
	c := &Client{
		timeout: DefaultRequestTimeout,
		log:     log.Client,
		pending: make(map[uint64]chan *wire.Envelope),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) start(conn transport.Conn) {
	c.conn = conn
	go c.readLoop()
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection went away, or nil while it is up.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close tears down the connection and fails every pending call.
func (c *Client) Close() error {
	c.shutdown(fmt.Errorf("%w: client closed", kv.ErrConnection))
	return nil
}

// Call sends req as kind and decodes the response body into resp. resp may
// be nil when the response has no body. Errors reported by the store are
// returned as *kv.RemoteError.
func (c *Client) Call(ctx context.Context, kind wire.Kind, req, resp any) error {
	seq, replies, err := c.register()
	if err != nil {
		return err
	}
	defer c.unregister(seq)

	frame, err := wire.Marshal(seq, kind, req)
	if err != nil {
		return err
	}

	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.write(rctx, kind, frame); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return fmt.Errorf("%s: %w", kind, cerr)
		}
		return err
	}

	select {
	case env, ok := <-replies:
		if !ok {
			return c.Err()
		}
		if env.Error != nil {
			return env.Error
		}
		if env.Kind != kind {
			return fmt.Errorf("%w: sent %s, got %s", ErrUnexpectedKind, kind, env.Kind)
		}
		if resp == nil {
			return nil
		}
		return env.DecodeBody(resp)
	case <-rctx.Done():
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: %w", kind, err)
		}
		return fmt.Errorf("%w: no %s response within %s", kv.ErrTimeout, kind, c.timeout)
	}
}

// write sends one frame within ctx. A write that does not finish in time
// leaves a partial frame on the connection, so the connection is dropped.
func (c *Client) write(ctx context.Context, kind wire.Kind, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	locked := make(chan struct{})
	go func() {
		c.writeMu.Lock()
		close(locked)
	}()
	select {
	case <-locked:
	case <-ctx.Done():
		// release the lock once the stuck writer lets go of it
		go func() {
			<-locked
			c.writeMu.Unlock()
		}()
		return fmt.Errorf("%w: %s waiting to send within %s", kv.ErrTimeout, kind, c.timeout)
	}

	err := wire.WriteFrameWithContext(ctx, c.conn, frame)
	switch {
	case err == nil:
		c.writeMu.Unlock()
		return nil
	case ctx.Err() != nil:
		c.shutdown(fmt.Errorf("%w: %s not sent within %s", kv.ErrConnection, kind, c.timeout))
		// the abandoned write returns once shutdown closed the connection
		c.writeMu.Unlock()
		return fmt.Errorf("%w: %s not sent within %s", kv.ErrTimeout, kind, c.timeout)
	default:
		c.writeMu.Unlock()
		err = fmt.Errorf("%w: sending %s: %v", kv.ErrConnection, kind, err)
		c.shutdown(err)
		return err
	}
}

func (c *Client) register() (uint64, chan *wire.Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, nil, c.err
	}
	c.seq++
	ch := make(chan *wire.Envelope, 1)
	c.pending[c.seq] = ch
	return c.seq, ch, nil
}

func (c *Client) unregister(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, seq)
}

func (c *Client) readLoop() {
	for {
		data, err := wire.ReadFrame(c.conn)
		if err != nil {
			c.shutdown(fmt.Errorf("%w: %v", kv.ErrConnection, err))
			return
		}

		env, err := wire.Unmarshal(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping undecodable response")
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[env.Seq]
		delete(c.pending, env.Seq)
		c.mu.Unlock()

		if !ok {
			c.log.Debug().Uint64("seq", env.Seq).Stringer("kind", env.Kind).Msg("response for an abandoned request")
			continue
		}
		ch <- env
	}
}

// shutdown records the first failure, closes the connection and wakes every
// waiting call.
func (c *Client) shutdown(reason error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = reason
	pending := c.pending
	c.pending = make(map[uint64]chan *wire.Envelope)
	c.mu.Unlock()

	if err := c.conn.Close(); err != nil {
		c.log.Debug().Err(err).Msg("closing connection")
	}
	for _, ch := range pending {
		close(ch)
	}
	close(c.done)
	c.log.Debug().Err(reason).Msg("connection closed")
}
