package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/eigerco/kvclient/pkg/config"
	"github.com/eigerco/kvclient/pkg/cursor"
	"github.com/eigerco/kvclient/pkg/kv"
	"github.com/eigerco/kvclient/pkg/log"
	"github.com/eigerco/kvclient/pkg/proxy"
	"github.com/eigerco/kvclient/pkg/rpc"
	"github.com/eigerco/kvclient/pkg/transport"
	"github.com/eigerco/kvclient/pkg/wire"
)

// Launcher starts and stops a local proxy. *proxy.Process implements it.
type Launcher interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type Option func(*Store)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) {
		s.log = l
	}
}

// WithTransport sets TLS and dial options used to reach the proxy.
func WithTransport(opts transport.Options) Option {
	return func(s *Store) {
		s.transportOpts = opts
	}
}

// WithLauncher replaces the process started when Proxy.StartProxy is set.
func WithLauncher(l Launcher) Option {
	return func(s *Store) {
		s.launcher = l
	}
}

// Store is a handle to a key-value store reached through its proxy.
type Store struct {
	cfg           *config.Config
	log           zerolog.Logger
	transportOpts transport.Options
	launcher      Launcher
	consistency   kv.Consistency
	durability    kv.Durability

	mu       sync.Mutex
	client   *rpc.Client
	started  bool
	sessions map[*cursor.Session]struct{}
}

// New validates cfg and returns an unconnected store.
func New(cfg *config.Config, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	consistency, err := cfg.Consistency()
	if err != nil {
		return nil, err
	}
	durability, err := cfg.Durability()
	if err != nil {
		return nil, err
	}

	s := &Store{
		cfg:         cfg,
		log:         log.Client,
		consistency: consistency,
		durability:  durability,
		sessions:    make(map[*cursor.Session]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.transportOpts.DialTimeout = cfg.SocketOpenTimeout
	if s.launcher == nil && cfg.Proxy.StartProxy {
		s.launcher = proxy.New(cfg, proxy.WithLogger(s.log))
	}
	return s, nil
}

// Open connects to the proxy and verifies it serves the configured store.
// When Proxy.StartProxy is set, a failed attempt starts the proxy and tries
// again, up to ConnectionAttempts times.
func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return ErrAlreadyConnected
	}

	attempts := s.cfg.ConnectionAttempts
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx)

	attempt := 0
	var lastErr, startErr error
	err := backoff.Retry(func() error {
		attempt++
		client, err := s.connect(ctx)
		if err == nil {
			s.client = client
			return nil
		}
		lastErr = err
		s.log.Debug().Err(err).Int("attempt", attempt).Msg("connection attempt failed")

		if s.launcher == nil {
			return backoff.Permanent(err)
		}
		if !s.started {
			if err := s.launcher.Start(ctx); err != nil {
				startErr = err
				return backoff.Permanent(err)
			}
			s.started = true
		}
		return err
	}, policy)
	if err == nil {
		s.log.Info().Str("proxy", s.cfg.Proxy.Address).Str("store", s.cfg.StoreName).Msg("connected")
		return nil
	}

	if s.started {
		if err := s.launcher.Stop(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn().Err(err).Msg("failed to stop proxy")
		}
		s.started = false
	}
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case s.launcher == nil || startErr != nil:
		return err
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrConnectionAttempts, attempt, lastErr)
}

// connect dials and verifies once.
func (s *Store) connect(ctx context.Context) (*rpc.Client, error) {
	client, err := rpc.Dial(ctx, s.cfg.Proxy.Address,
		rpc.WithRequestTimeout(s.cfg.RequestTimeout),
		rpc.WithTransport(s.transportOpts),
		rpc.WithLogger(s.log),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProxyConnection, err)
	}

	resp, err := client.Verify(ctx, wire.VerifyRequest{
		StoreName:         s.cfg.StoreName,
		HelperHosts:       s.cfg.HelperHosts,
		ReadZones:         s.cfg.ReadZones,
		RequestTimeout:    s.cfg.RequestTimeout,
		SocketOpenTimeout: s.cfg.SocketOpenTimeout,
		SocketReadTimeout: s.cfg.SocketReadTimeout,
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %w", ErrProxyVerify, err)
	}
	s.log.Debug().Str("proxyVersion", resp.ProxyVersion).Msg("proxy verified")
	return client, nil
}

// Close closes every open iterator, the connection, and the proxy if this
// store started it.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	client, started := s.client, s.started
	s.client, s.started = nil, false
	sessions := make([]*cursor.Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	if client == nil && !started {
		return ErrNotConnected
	}
	for _, sess := range sessions {
		if err := sess.Close(ctx); err != nil {
			s.log.Warn().Err(err).Uint64("iterator", uint64(sess.ID())).Msg("failed to close iterator")
		}
	}

	var errs []error
	if client != nil {
		errs = append(errs, client.Close())
	}
	if started {
		errs = append(errs, s.launcher.Stop(ctx))
	}
	return errors.Join(errs...)
}

func (s *Store) conn() (*rpc.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil, ErrNotConnected
	}
	return s.client, nil
}

func (s *Store) readOptions(opts *kv.ReadOptions) *kv.ReadOptions {
	if opts != nil {
		return opts
	}
	return kv.NewReadOptions(s.consistency, s.cfg.RequestTimeout)
}

func (s *Store) writeOptions(opts *kv.WriteOptions) *kv.WriteOptions {
	if opts != nil {
		return opts
	}
	return kv.NewWriteOptions(s.durability, kv.ReturnNone, s.cfg.RequestTimeout)
}

func (s *Store) iteratorOptions(opts *kv.IteratorOptions) *kv.IteratorOptions {
	if opts != nil {
		return opts
	}
	return &kv.IteratorOptions{ReadOptions: *s.readOptions(nil)}
}
