package cursor

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/eigerco/kvclient/pkg/kv"
)

var ErrStreamRunning = errors.New("cursor: stream is already being consumed")

type unitKind uint8

const (
	unitData unitKind = iota
	// unitWait carries no data: a page is on its way.
	unitWait
	unitEnd
	unitError
)

type unit struct {
	kind unitKind
	row  kv.RowWithMetadata
	wait <-chan struct{}
	err  error
}

// Stream turns a Session into a push source with pause/resume flow control.
// Rows are delivered to OnData handlers by Run, or pulled with Recv.
type Stream struct {
	s   *Session
	log zerolog.Logger

	mu       sync.Mutex
	paused   bool
	resumed  chan struct{}
	running  bool
	ended    bool
	pushed   *kv.RowWithMetadata
	fetchErr error
	fetching chan struct{}
	onData   []func(kv.RowWithMetadata)
	onError  []func(error)
	onEnd    []func()
}

// NewStream wraps s for push consumption. Nothing is read until Run.
func NewStream(s *Session) *Stream {
	return &Stream{
		s:       s,
		log:     s.log.With().Str("mode", "stream").Logger(),
		resumed: make(chan struct{}, 1),
	}
}

// Session returns the underlying session.
func (st *Stream) Session() *Session {
	return st.s
}

func (st *Stream) OnData(fn func(kv.RowWithMetadata)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.onData = append(st.onData, fn)
}

func (st *Stream) OnError(fn func(error)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.onError = append(st.onError, fn)
}

func (st *Stream) OnEnd(fn func()) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.onEnd = append(st.onEnd, fn)
}

// Pause stops delivery after the current row. A fetch already in flight
// still completes and its first row is held until Resume.
func (st *Stream) Pause() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.paused = true
}

func (st *Stream) Resume() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.paused {
		return
	}
	st.paused = false
	select {
	case st.resumed <- struct{}{}:
	default:
	}
}

func (st *Stream) IsPaused() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.paused
}

// Run delivers rows to the OnData handlers until the result set is drained,
// an error occurs or ctx is done. Errors go to the OnError handlers and are
// returned. The OnEnd handlers run exactly once either way.
func (st *Stream) Run(ctx context.Context) error {
	if err := st.acquire(); err != nil {
		return err
	}
	defer st.releaseRun()

	for {
		if err := st.waitResumed(ctx); err != nil {
			return st.fail(err)
		}

		u := st.read(ctx)
		switch u.kind {
		case unitData:
			st.emitData(u.row)
		case unitWait:
			select {
			case <-u.wait:
			case <-ctx.Done():
				return st.fail(ctx.Err())
			}
		case unitEnd:
			st.end()
			return nil
		case unitError:
			return st.fail(u.err)
		}
	}
}

// Recv returns the next row of the stream, waiting for a fetch when needed.
// It returns io.EOF once the stream ended. Pause has no effect on Recv.
func (st *Stream) Recv(ctx context.Context) (kv.RowWithMetadata, error) {
	if err := st.acquire(); err != nil {
		return kv.RowWithMetadata{}, err
	}
	defer st.releaseRun()

	for {
		u := st.read(ctx)
		switch u.kind {
		case unitData:
			return u.row, nil
		case unitWait:
			select {
			case <-u.wait:
			case <-ctx.Done():
				return kv.RowWithMetadata{}, ctx.Err()
			}
		case unitEnd:
			st.end()
			return kv.RowWithMetadata{}, io.EOF
		case unitError:
			return kv.RowWithMetadata{}, st.fail(u.err)
		}
	}
}

func (st *Stream) acquire() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.running {
		return ErrStreamRunning
	}
	st.running = true
	return nil
}

func (st *Stream) releaseRun() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.running = false
}

func (st *Stream) waitResumed(ctx context.Context) error {
	for {
		st.mu.Lock()
		paused := st.paused
		st.mu.Unlock()
		if !paused {
			return nil
		}

		select {
		case <-st.resumed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// read performs one pull step. A row parked by a completed fetch is always
// delivered before anything else.
func (st *Stream) read(ctx context.Context) unit {
	st.mu.Lock()
	if st.ended {
		st.mu.Unlock()
		return unit{kind: unitEnd}
	}
	if st.pushed != nil {
		row := *st.pushed
		st.pushed = nil
		st.mu.Unlock()
		return unit{kind: unitData, row: row}
	}
	if st.fetchErr != nil {
		err := st.fetchErr
		st.fetchErr = nil
		st.mu.Unlock()
		return unit{kind: unitError, err: err}
	}
	if st.fetching != nil {
		wait := st.fetching
		st.mu.Unlock()
		return unit{kind: unitWait, wait: wait}
	}
	st.mu.Unlock()

	row, step := st.s.take()
	switch step {
	case stepRow:
		return unit{kind: unitData, row: row}
	case stepFetch:
		done := make(chan struct{})
		st.mu.Lock()
		st.fetching = done
		st.mu.Unlock()
		// The fetch outlives a single Recv call; the session fetch timeout bounds it.
		go st.fetch(context.WithoutCancel(ctx), done)
		return unit{kind: unitWait, wait: done}
	case stepBusy:
		wait := st.s.pending()
		if wait == nil {
			// The other fetch finished between take and pending.
			closed := make(chan struct{})
			close(closed)
			wait = closed
		}
		return unit{kind: unitWait, wait: wait}
	case stepExhausted:
		return unit{kind: unitEnd}
	default:
		return unit{kind: unitError, err: kv.ErrIteratorClosed}
	}
}

// fetch runs in its own goroutine. Once the page arrives its first row is
// parked so the next pull delivers it. done is closed after that, which is
// what the pulling side waits on.
func (st *Stream) fetch(ctx context.Context, done chan struct{}) {
	defer func() {
		st.mu.Lock()
		st.fetching = nil
		st.mu.Unlock()
		close(done)
	}()

	for {
		if err := st.s.fetch(ctx); err != nil {
			st.mu.Lock()
			st.fetchErr = err
			st.mu.Unlock()
			return
		}

		row, step := st.s.take()
		switch step {
		case stepRow:
			st.mu.Lock()
			st.pushed = &row
			st.mu.Unlock()
			return
		case stepFetch:
			st.log.Debug().Msg("empty page with more to come, fetching again")
			continue
		default:
			return
		}
	}
}

func (st *Stream) emitData(row kv.RowWithMetadata) {
	st.mu.Lock()
	handlers := st.onData
	st.mu.Unlock()
	for _, fn := range handlers {
		fn(row)
	}
}

// fail reports err to the error handlers and ends the stream. Only the first
// error is reported.
func (st *Stream) fail(err error) error {
	st.mu.Lock()
	if st.ended {
		st.mu.Unlock()
		return err
	}
	handlers := st.onError
	st.mu.Unlock()

	st.log.Debug().Err(err).Msg("stream failed")
	for _, fn := range handlers {
		fn(err)
	}
	st.end()
	return err
}

func (st *Stream) end() {
	st.mu.Lock()
	if st.ended {
		st.mu.Unlock()
		return
	}
	st.ended = true
	handlers := st.onEnd
	st.mu.Unlock()

	st.s.finish()
	for _, fn := range handlers {
		fn()
	}
}
