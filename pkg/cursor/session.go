package cursor

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eigerco/kvclient/pkg/kv"
	"github.com/eigerco/kvclient/pkg/log"
)

// DefaultReleaseTimeout bounds the best-effort handle release that follows a
// terminal fetch timeout when the session has no fetch timeout of its own.
const DefaultReleaseTimeout = 5 * time.Second

// State is where a session is in its lifecycle.
type State uint8

const (
	// StateOpen means unread rows may be buffered locally.
	StateOpen State = iota
	// StateFetching means the buffer is drained and a page request is outstanding.
	StateFetching
	// StateExhausted means every row was read and the server has no more.
	StateExhausted
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateFetching:
		return "fetching"
	case StateExhausted:
		return "exhausted"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// step is the outcome of trying to take one row from the local buffer.
type step uint8

const (
	stepRow step = iota
	stepFetch
	stepBusy
	stepExhausted
	stepClosed
)

// Option configures a Session.
type Option func(*Session)

// WithFetchTimeout bounds every page fetch. A fetch that runs past it closes
// the session and fails with kv.ErrTimeout.
func WithFetchTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.fetchTimeout = d
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) {
		s.log = l
	}
}

// Session owns one server-side iteration handle and the page of rows
// currently held locally. It supports pull consumption through Next and
// callback consumption through ForEach. Fetches for a handle never overlap.
type Session struct {
	ch           Channel
	id           kv.IteratorID
	fetchTimeout time.Duration
	log          zerolog.Logger

	mu        sync.Mutex
	buffer    []kv.RowWithMetadata
	cursor    int
	hasMore   bool
	state     State
	fetchDone chan struct{}
	finished  bool
	listeners []func()
	released  bool
	onRelease []func()
}

// New creates a session from the first page returned by the call that opened
// the iteration.
func New(ch Channel, id kv.IteratorID, first kv.RawPage, opts ...Option) (*Session, error) {
	page, err := kv.DecodePage(first)
	if err != nil {
		return nil, fmt.Errorf("iterator %d: initial page: %w", id, err)
	}

	s := &Session{
		ch:      ch,
		id:      id,
		log:     log.Cursor,
		buffer:  page.Rows,
		hasMore: page.HasMore,
		state:   StateOpen,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Uint64("iterator", uint64(id)).Logger()
	openSessions.Inc()

	s.log.Debug().Int("rows", len(page.Rows)).Bool("hasMore", page.HasMore).Msg("session opened")
	return s, nil
}

func (s *Session) ID() kv.IteratorID {
	return s.id
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// HasMore reports whether the server announced pages beyond the current one.
func (s *Session) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

// Next returns the next row, fetching a new page when the local one is used
// up. It fails with kv.ErrNoMoreElements once the result set is drained,
// kv.ErrIteratorClosed after Close and kv.ErrFetchInProgress when another
// call is already waiting for a page.
func (s *Session) Next(ctx context.Context) (kv.RowWithMetadata, error) {
	for {
		row, st := s.take()
		switch st {
		case stepRow:
			return row, nil
		case stepFetch:
			if err := s.fetch(ctx); err != nil {
				return kv.RowWithMetadata{}, err
			}
		case stepBusy:
			return kv.RowWithMetadata{}, kv.ErrFetchInProgress
		case stepExhausted:
			return kv.RowWithMetadata{}, kv.ErrNoMoreElements
		default:
			return kv.RowWithMetadata{}, kv.ErrIteratorClosed
		}
	}
}

// Current returns the row most recently returned by Next without advancing.
// ok is false when Next has not returned a row from the current page yet.
func (s *Session) Current() (row kv.RowWithMetadata, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return kv.RowWithMetadata{}, false, kv.ErrIteratorClosed
	}
	if s.cursor == 0 || s.cursor > len(s.buffer) {
		return kv.RowWithMetadata{}, false, nil
	}
	return s.buffer[s.cursor-1], true, nil
}

// ForEach calls visit for every remaining row in order. Draining the result
// set is not an error. An error from a fetch or from visit stops the drain
// and is returned. The finish listeners run in every case.
func (s *Session) ForEach(ctx context.Context, visit func(kv.RowWithMetadata) error) error {
	for {
		if err := ctx.Err(); err != nil {
			s.finish()
			return err
		}

		row, err := s.Next(ctx)
		if errors.Is(err, kv.ErrNoMoreElements) {
			return nil
		}
		if err != nil {
			s.finish()
			return err
		}

		if err := visit(row); err != nil {
			s.finish()
			return err
		}
	}
}

// All returns an iterator over the remaining rows. It stops after the first
// error, which is yielded with a zero row.
func (s *Session) All(ctx context.Context) iter.Seq2[kv.RowWithMetadata, error] {
	return func(yield func(kv.RowWithMetadata, error) bool) {
		for {
			row, err := s.Next(ctx)
			if errors.Is(err, kv.ErrNoMoreElements) {
				return
			}
			if err != nil {
				yield(kv.RowWithMetadata{}, err)
				return
			}
			if !yield(row, nil) {
				return
			}
		}
	}
}

// Close releases the server handle. The session is closed even when the
// release fails; that error is still returned. A second call fails with
// kv.ErrIteratorClosed without contacting the server.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return kv.ErrIteratorClosed
	}
	s.state = StateClosed
	s.mu.Unlock()

	err := s.ch.CloseHandle(ctx, s.id)
	s.finish()
	s.handleReleased()
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to release iterator handle")
		return fmt.Errorf("closing iterator %d: %w", s.id, err)
	}
	s.log.Debug().Msg("session closed")
	return nil
}

// OnFinish registers fn to run once when the session finishes: on
// exhaustion, Close, a terminal timeout or a stopped ForEach. If the session
// already finished, fn runs immediately.
func (s *Session) OnFinish(fn func()) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		fn()
		return
	}
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// OnRelease registers fn to run once the session no longer holds a server
// handle: on exhaustion, Close or a terminal timeout. Unlike OnFinish it does
// not run when ForEach stops on an error, since the session can still be
// resumed then. If the handle is already gone, fn runs immediately.
func (s *Session) OnRelease(fn func()) {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		fn()
		return
	}
	s.onRelease = append(s.onRelease, fn)
	s.mu.Unlock()
}

// take serves one row from the buffer or reports what the caller must do
// instead. It moves the session to Fetching when a fetch is due, so the
// caller that gets stepFetch owns that fetch.
func (s *Session) take() (kv.RowWithMetadata, step) {
	s.mu.Lock()
	row, st, done := s.takeLocked()
	s.mu.Unlock()

	if done {
		s.finish()
		s.handleReleased()
	}
	if st == stepRow {
		rowsDelivered.Inc()
	}
	return row, st
}

func (s *Session) takeLocked() (row kv.RowWithMetadata, st step, done bool) {
	switch s.state {
	case StateClosed:
		return row, stepClosed, false
	case StateFetching:
		return row, stepBusy, false
	case StateExhausted:
		return row, stepExhausted, false
	}

	if s.cursor < len(s.buffer) {
		row = s.buffer[s.cursor]
		s.cursor++
		if s.cursor == len(s.buffer) && !s.hasMore {
			s.state = StateExhausted
			return row, stepRow, true
		}
		return row, stepRow, false
	}

	if s.hasMore {
		s.state = StateFetching
		s.fetchDone = make(chan struct{})
		return row, stepFetch, false
	}

	s.state = StateExhausted
	return row, stepExhausted, true
}

// pending returns a channel closed when the outstanding fetch completes, or
// nil when no fetch is outstanding.
func (s *Session) pending() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchDone == nil {
		return nil
	}
	return s.fetchDone
}

// fetch requests the next page. The caller must own the fetch, see take.
// On success the page replaces the buffer and the session is Open again.
// Errors leave the buffer as it was so the call can be retried, except for a
// timeout which closes the session.
func (s *Session) fetch(ctx context.Context) error {
	fctx := ctx
	if s.fetchTimeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, s.fetchTimeout)
		defer cancel()
	}

	s.log.Debug().Msg("fetching page")
	start := time.Now()
	raw, err := s.ch.FetchNextPage(fctx, s.id)
	fetchDuration.Observe(time.Since(start).Seconds())

	var page kv.Page
	if err == nil {
		page, err = kv.DecodePage(raw)
	}

	ownTimeout := err != nil && ctx.Err() == nil && errors.Is(fctx.Err(), context.DeadlineExceeded)
	terminal := ownTimeout || errors.Is(err, kv.ErrTimeout)

	s.mu.Lock()
	done := s.fetchDone
	s.fetchDone = nil
	defer close(done)

	if s.state == StateClosed {
		s.mu.Unlock()
		s.log.Debug().Msg("session closed during fetch, page discarded")
		return kv.ErrIteratorClosed
	}

	switch {
	case err == nil:
		s.buffer = page.Rows
		s.cursor = 0
		s.hasMore = page.HasMore
		s.state = StateOpen
		s.mu.Unlock()

		pagesFetched.Inc()
		s.log.Debug().Int("rows", len(page.Rows)).Bool("hasMore", page.HasMore).Msg("page fetched")
		return nil

	case terminal:
		s.state = StateClosed
		s.mu.Unlock()

		fetchErrors.WithLabelValues("timeout").Inc()
		s.log.Warn().Err(err).Msg("page fetch timed out, closing session")
		s.release(ctx)
		s.finish()
		s.handleReleased()
		if errors.Is(err, kv.ErrTimeout) {
			return fmt.Errorf("iterator %d: %w", s.id, err)
		}
		return fmt.Errorf("%w: iterator %d: no page within %s", kv.ErrTimeout, s.id, s.fetchTimeout)

	default:
		s.state = StateOpen
		s.mu.Unlock()

		if errors.Is(err, kv.ErrMalformedRow) {
			fetchErrors.WithLabelValues("malformed").Inc()
		} else {
			fetchErrors.WithLabelValues("error").Inc()
		}
		s.log.Debug().Err(err).Msg("page fetch failed")
		return fmt.Errorf("iterator %d: fetching page: %w", s.id, err)
	}
}

// release closes the handle after a terminal failure. Failures are only
// logged.
func (s *Session) release(ctx context.Context) {
	timeout := s.fetchTimeout
	if timeout <= 0 {
		timeout = DefaultReleaseTimeout
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	if err := s.ch.CloseHandle(ctx, s.id); err != nil {
		s.log.Warn().Err(err).Msg("failed to release iterator handle")
	}
}

func (s *Session) finish() {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()

	openSessions.Dec()
	s.log.Debug().Msg("session finished")
	for _, fn := range listeners {
		fn()
	}
}

func (s *Session) handleReleased() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	listeners := s.onRelease
	s.onRelease = nil
	s.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}
