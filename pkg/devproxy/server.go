package devproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/eigerco/kvclient/pkg/db"
	"github.com/eigerco/kvclient/pkg/log"
	"github.com/eigerco/kvclient/pkg/transport"
	"github.com/eigerco/kvclient/pkg/wire"
)

// Version is reported to clients on Verify.
const Version = "devproxy/1"

type Option func(*Server)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) {
		s.log = l
	}
}

// Server answers the proxy wire protocol from a local store. It lets the
// client be exercised without a Java proxy and a running cluster.
type Server struct {
	cfg       Config
	log       zerolog.Logger
	iterators *iterators

	// mu serialises every storage access.
	mu      sync.Mutex
	storage *storage

	connMu   sync.Mutex
	conns    map[uint64]transport.Conn
	nextConn uint64
	stop     context.CancelFunc
}

// New validates cfg and returns a server over store. The server does not own
// the store.
func New(store db.KVStore, cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		cfg:       cfg,
		log:       log.Server,
		iterators: newIterators(),
		storage:   newStorage(store, cfg.Tables),
		conns:     make(map[uint64]transport.Conn),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Serve accepts connections from l until ctx is done, l is closed or a
// client requests a shutdown. It closes l and every open connection before
// returning.
func (s *Server) Serve(ctx context.Context, l transport.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.connMu.Lock()
	s.stop = cancel
	s.connMu.Unlock()

	s.log.Info().Str("address", l.Addr()).Msg("serving")
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		if err := l.Close(); err != nil {
			s.log.Warn().Err(err).Msg("failed to close listener")
		}
		s.closeConns()
		return nil
	})
	g.Go(func() error {
		for {
			conn, err := l.Accept()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, transport.ErrListenerClosed) {
					cancel()
					return nil
				}
				return fmt.Errorf("failed to accept connection: %w", err)
			}
			id, ok := s.track(ctx, conn)
			if !ok {
				return nil
			}
			g.Go(func() error {
				s.handleConnection(id, conn)
				return nil
			})
		}
	})

	err := g.Wait()
	s.log.Info().Str("address", l.Addr()).Msg("stopped serving")
	return err
}

// Shutdown stops a running Serve.
func (s *Server) Shutdown() {
	s.connMu.Lock()
	stop := s.stop
	s.connMu.Unlock()
	if stop != nil {
		stop()
	}
}

func (s *Server) track(ctx context.Context, conn transport.Conn) (uint64, bool) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if ctx.Err() != nil {
		conn.Close()
		return 0, false
	}
	s.nextConn++
	s.conns[s.nextConn] = conn
	return s.nextConn, true
}

func (s *Server) untrack(id uint64) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	delete(s.conns, id)
}

func (s *Server) closeConns() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	for _, conn := range s.conns {
		conn.Close()
	}
}

// session is the state of one client connection.
type session struct {
	id       uint64
	verified bool
}

func (s *Server) handleConnection(id uint64, conn transport.Conn) {
	l := s.log.With().Uint64("conn", id).Logger()
	openConnections.Inc()
	defer func() {
		openConnections.Dec()
		s.iterators.drop(id)
		s.untrack(id)
		conn.Close()
	}()
	l.Debug().Msg("connection opened")

	sess := &session{id: id}
	for {
		data, err := wire.ReadFrame(conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				l.Debug().Msg("connection closed by client")
			} else {
				l.Debug().Err(err).Msg("connection ended")
			}
			return
		}
		env, err := wire.Unmarshal(data)
		if err != nil {
			l.Error().Err(err).Msg("dropping connection after undecodable frame")
			return
		}

		resp, err := s.respond(sess, env)
		if err != nil {
			l.Error().Err(err).Msg("failed to encode response")
			return
		}
		if err := wire.WriteFrame(conn, resp); err != nil {
			l.Debug().Err(err).Msg("failed to write response")
			return
		}
		if env.Kind == wire.KindShutdown {
			l.Info().Msg("shutdown requested")
			s.Shutdown()
			return
		}
	}
}

// respond handles one request and encodes the reply.
func (s *Server) respond(sess *session, env *wire.Envelope) ([]byte, error) {
	body, err := s.handle(sess, env)
	if err == nil {
		var resp []byte
		if resp, err = wire.Marshal(env.Seq, env.Kind, body); err == nil {
			requests.WithLabelValues(env.Kind.String(), "ok").Inc()
			return resp, nil
		}
	}
	remoteErr := toRemoteError(err)
	requests.WithLabelValues(env.Kind.String(), remoteErr.Kind.String()).Inc()
	s.log.Debug().Uint64("conn", sess.id).Stringer("kind", env.Kind).Err(remoteErr).Msg("request failed")
	return wire.MarshalError(env.Seq, env.Kind, remoteErr)
}
