package cursor

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/eigerco/kvclient/pkg/cursor/mocks"
	"github.com/eigerco/kvclient/pkg/kv"
)

type recorder struct {
	mu   sync.Mutex
	rows []string
	errs []error
	ends int
}

func (r *recorder) attach(t *testing.T, st *Stream) {
	st.OnData(func(row kv.RowWithMetadata) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.rows = append(r.rows, name(t, row))
	})
	st.OnError(func(err error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.errs = append(r.errs, err)
	})
	st.OnEnd(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.ends++
	})
}

func (r *recorder) snapshot() ([]string, []error, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.rows...), append([]error(nil), r.errs...), r.ends
}

func TestStreamDeliversAllPages(t *testing.T) {
	ch := mocks.NewMockChannel()
	ch.On("FetchNextPage", mock.Anything, testID).Return(rawPage(true, "r3"), nil).Once()
	ch.On("FetchNextPage", mock.Anything, testID).Return(rawPage(true), nil).Once()
	ch.On("FetchNextPage", mock.Anything, testID).Return(rawPage(false, "r4", "r5"), nil).Once()

	s := newSession(t, ch, rawPage(true, "r1", "r2"))
	st := NewStream(s)
	var rec recorder
	rec.attach(t, st)

	var finished int
	s.OnFinish(func() { finished++ })

	require.NoError(t, st.Run(context.Background()))
	rows, errs, ends := rec.snapshot()
	assert.Equal(t, []string{"r1", "r2", "r3", "r4", "r5"}, rows)
	assert.Empty(t, errs)
	assert.Equal(t, 1, ends)
	assert.Equal(t, 1, finished)
	assert.Equal(t, StateExhausted, s.State())

	// Running again does not signal the end a second time.
	require.NoError(t, st.Run(context.Background()))
	_, _, ends = rec.snapshot()
	assert.Equal(t, 1, ends)
	ch.AssertExpectations(t)
}

func TestStreamForwardsFetchError(t *testing.T) {
	ch := mocks.NewMockChannel()
	ch.On("FetchNextPage", mock.Anything, testID).Return(kv.RawPage{}, kv.ErrConnection).Once()

	s := newSession(t, ch, rawPage(true, "r1"))
	st := NewStream(s)
	var rec recorder
	rec.attach(t, st)

	err := st.Run(context.Background())
	require.ErrorIs(t, err, kv.ErrConnection)

	rows, errs, ends := rec.snapshot()
	assert.Equal(t, []string{"r1"}, rows)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], kv.ErrConnection)
	assert.Equal(t, 1, ends)
}

func TestStreamPauseHoldsOnePendingRow(t *testing.T) {
	ch := newBlockingChannel(rawPage(false, "r2", "r3"))
	s := newSession(t, ch, rawPage(true, "r1"))
	st := NewStream(s)

	var rec recorder
	rec.attach(t, st)
	// Pause from inside the handler, like a slow consumer would.
	st.OnData(func(kv.RowWithMetadata) { st.Pause() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- st.Run(ctx) }()

	// r1 is delivered, then the stream pauses. Start the fetch by resuming
	// once so the driver issues it and goes back to waiting.
	require.Eventually(t, st.IsPaused, time.Second, time.Millisecond)
	rows, _, _ := rec.snapshot()
	require.Equal(t, []string{"r1"}, rows)
	st.Resume()
	require.Eventually(t, func() bool { return s.State() == StateFetching }, time.Second, time.Millisecond)
	st.Pause()
	require.True(t, st.IsPaused())

	close(ch.release)
	require.Eventually(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return st.pushed != nil
	}, time.Second, time.Millisecond)

	// While paused nothing past the parked row is taken from the session.
	time.Sleep(20 * time.Millisecond)
	rows, _, _ = rec.snapshot()
	assert.Equal(t, []string{"r1"}, rows)
	cur, ok, err := s.Current()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "r2", name(t, cur))

	for want := 2; want <= 3; want++ {
		st.Resume()
		require.Eventually(t, func() bool { rows, _, _ := rec.snapshot(); return len(rows) == want }, time.Second, time.Millisecond)
		require.Eventually(t, st.IsPaused, time.Second, time.Millisecond)
	}
	st.Resume()

	require.NoError(t, <-errc)
	rows, _, ends := rec.snapshot()
	assert.Equal(t, []string{"r1", "r2", "r3"}, rows)
	assert.Equal(t, 1, ends)
}

func TestStreamContextCancelled(t *testing.T) {
	ch := newBlockingChannel(rawPage(false))
	s := newSession(t, ch, rawPage(true))
	st := NewStream(s)
	var rec recorder
	rec.attach(t, st)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- st.Run(ctx) }()

	require.Eventually(t, func() bool { return s.State() == StateFetching }, time.Second, time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)

	_, errs, ends := rec.snapshot()
	assert.Len(t, errs, 1)
	assert.Equal(t, 1, ends)
	close(ch.release)
}

func TestStreamRecv(t *testing.T) {
	ch := mocks.NewMockChannel()
	ch.On("FetchNextPage", mock.Anything, testID).Return(rawPage(false, "r2"), nil).Once()

	s := newSession(t, ch, rawPage(true, "r1"))
	st := NewStream(s)
	var rec recorder
	rec.attach(t, st)

	ctx := context.Background()
	var got []string
	for {
		row, err := st.Recv(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, name(t, row))
	}
	assert.Equal(t, []string{"r1", "r2"}, got)

	_, err := st.Recv(ctx)
	assert.ErrorIs(t, err, io.EOF)

	rows, _, ends := rec.snapshot()
	assert.Empty(t, rows)
	assert.Equal(t, 1, ends)
}

func TestStreamOnClosedSession(t *testing.T) {
	ch := mocks.NewMockChannel()
	ch.On("CloseHandle", mock.Anything, testID).Return(nil).Once()
	s := newSession(t, ch, rawPage(true, "r1"))
	require.NoError(t, s.Close(context.Background()))

	st := NewStream(s)
	var rec recorder
	rec.attach(t, st)
	assert.ErrorIs(t, st.Run(context.Background()), kv.ErrIteratorClosed)

	_, errs, ends := rec.snapshot()
	assert.Len(t, errs, 1)
	assert.Equal(t, 1, ends)
}
