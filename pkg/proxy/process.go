package proxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/eigerco/kvclient/pkg/config"
	"github.com/eigerco/kvclient/pkg/log"
	"github.com/eigerco/kvclient/pkg/rpc"
	"github.com/eigerco/kvclient/pkg/transport"
)

const (
	DefaultShutdownTimeout = 2 * time.Second
	readyProbeTimeout      = time.Second
)

type Option func(*Process)

func WithLogger(l zerolog.Logger) Option {
	return func(p *Process) {
		p.log = l
	}
}

// WithShutdownTimeout bounds the graceful shutdown request and the wait for
// the process to exit before it is killed.
func WithShutdownTimeout(d time.Duration) Option {
	return func(p *Process) {
		p.shutdownTimeout = d
	}
}

// Process supervises a locally started proxy.
type Process struct {
	cfg             *config.Config
	shutdownTimeout time.Duration
	log             zerolog.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	exited   chan struct{}
	waitErr  error
	cleanups []func()
}

func New(cfg *config.Config, opts ...Option) *Process {
	p := &Process{
		cfg:             cfg,
		shutdownTimeout: DefaultShutdownTimeout,
		log:             log.Proxy,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Address is where the proxy accepts connections.
func (p *Process) Address() string {
	return p.cfg.Proxy.Address
}

// Start launches the proxy and waits until it accepts connections or the
// configured start timeout passes.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.cmd != nil {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.mu.Unlock()

	if err := p.checkJava(ctx); err != nil {
		return err
	}

	securityFile, cleanup, err := writeSecurityFile(p.cfg.Proxy.Security)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStartProxy, err)
	}
	args, err := Args(p.cfg, securityFile)
	if err != nil {
		cleanup()
		return err
	}

	cmd := exec.Command(p.cfg.Proxy.JavaPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cleanup()
		return fmt.Errorf("%w: %v", ErrStartProxy, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cleanup()
		return fmt.Errorf("%w: %v", ErrStartProxy, err)
	}

	p.log.Info().Str("cmd", cmd.String()).Msg("starting proxy")
	if err := cmd.Start(); err != nil {
		cleanup()
		return fmt.Errorf("%w: %v", ErrStartProxy, err)
	}

	exited := make(chan struct{})
	p.mu.Lock()
	p.cmd = cmd
	p.exited = exited
	p.cleanups = append(p.cleanups, cleanup)
	p.mu.Unlock()

	go p.wait(cmd, exited, stdout, stderr)

	if err := p.waitReady(ctx, exited); err != nil {
		p.kill()
		return err
	}
	p.log.Info().Int("pid", cmd.Process.Pid).Str("addr", p.Address()).Msg("proxy ready")
	return nil
}

// IsReady reports whether the proxy accepts connections.
func (p *Process) IsReady(ctx context.Context) bool {
	conn, err := transport.Dial(ctx, p.Address(), transport.Options{DialTimeout: readyProbeTimeout})
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Stop asks the proxy to shut down and kills it if it is still running
// after the shutdown timeout.
func (p *Process) Stop(ctx context.Context) error {
	p.mu.Lock()
	cmd, exited := p.cmd, p.exited
	p.mu.Unlock()
	if cmd == nil {
		return ErrNotStarted
	}

	sctx, cancel := context.WithTimeout(ctx, p.shutdownTimeout)
	defer cancel()
	if err := p.requestShutdown(sctx); err != nil {
		p.log.Debug().Err(err).Msg("shutdown request failed")
	}

	select {
	case <-exited:
	case <-sctx.Done():
		p.log.Warn().Msg("proxy still running after shutdown request, killing it")
	}
	p.kill()
	return nil
}

func (p *Process) requestShutdown(ctx context.Context) error {
	client, err := rpc.Dial(ctx, p.Address(), rpc.WithRequestTimeout(p.shutdownTimeout))
	if err != nil {
		return err
	}
	defer client.Close()
	return client.Shutdown(ctx)
}

func (p *Process) checkJava(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, p.cfg.Proxy.JavaPath, "-version").CombinedOutput()
	if err != nil {
		p.log.Error().Err(err).Str("java", p.cfg.Proxy.JavaPath).Msg("java not found")
		return fmt.Errorf("%w: %s: %v", ErrNoJava, p.cfg.Proxy.JavaPath, err)
	}
	p.log.Debug().Bytes("version", out).Msg("java found")
	return nil
}

// waitReady polls the proxy address with exponential backoff.
func (p *Process) waitReady(ctx context.Context, exited <-chan struct{}) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Proxy.StartTimeout)
	defer cancel()

	backoffInterval := backoff.NewExponentialBackOff()
	backoffInterval.InitialInterval = 50 * time.Millisecond
	backoffInterval.MaxInterval = time.Second
	backoffInterval.MaxElapsedTime = 0

	ticker := time.After(0)
	for {
		select {
		case <-ticker:
		case <-exited:
			return fmt.Errorf("%w: process exited: %v", ErrStartProxy, p.exitErr())
		case <-ctx.Done():
			return fmt.Errorf("%w: %s after %s", ErrProxyTimeout, p.Address(), p.cfg.Proxy.StartTimeout)
		}

		if p.IsReady(ctx) {
			return nil
		}
		ticker = time.After(backoffInterval.NextBackOff())
	}
}

// wait drains the process output into the log and records how it exited.
func (p *Process) wait(cmd *exec.Cmd, exited chan struct{}, stdout, stderr io.Reader) {
	var g errgroup.Group
	g.Go(func() error { return p.pump(stdout, "stdout") })
	g.Go(func() error { return p.pump(stderr, "stderr") })
	if err := g.Wait(); err != nil {
		p.log.Debug().Err(err).Msg("reading proxy output")
	}

	err := cmd.Wait()
	p.mu.Lock()
	p.waitErr = err
	p.mu.Unlock()
	close(exited)
	p.log.Info().Err(err).Msg("proxy exited")
}

func (p *Process) pump(r io.Reader, stream string) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		p.log.Debug().Str("stream", stream).Msg(scanner.Text())
	}
	return scanner.Err()
}

func (p *Process) exitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// kill terminates the process if it is still running and waits for it.
func (p *Process) kill() {
	p.mu.Lock()
	cmd, exited, cleanups := p.cmd, p.exited, p.cleanups
	p.cmd, p.exited, p.cleanups = nil, nil, nil
	p.mu.Unlock()

	if cmd != nil {
		select {
		case <-exited:
		default:
			if err := cmd.Process.Kill(); err != nil {
				p.log.Warn().Err(err).Msg("failed to kill proxy")
			}
			<-exited
		}
	}
	for _, fn := range cleanups {
		fn()
	}
}
