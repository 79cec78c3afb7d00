package cursor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/eigerco/kvclient/pkg/cursor/mocks"
	"github.com/eigerco/kvclient/pkg/kv"
)

const testID = kv.IteratorID(7)

func rawRow(name string) kv.RawRow {
	return kv.RawRow{Table: "users", JSONRow: fmt.Sprintf(`{"name":%q}`, name), Version: kv.Version(name)}
}

func rawPage(hasMore bool, names ...string) kv.RawPage {
	p := kv.RawPage{HasMore: hasMore}
	for _, n := range names {
		p.Rows = append(p.Rows, rawRow(n))
	}
	return p
}

func name(t *testing.T, r kv.RowWithMetadata) string {
	t.Helper()
	n, ok := r.Row["name"].(string)
	require.True(t, ok, "row has no name: %v", r.Row)
	return n
}

func newSession(t *testing.T, ch Channel, first kv.RawPage, opts ...Option) *Session {
	t.Helper()
	s, err := New(ch, testID, first, opts...)
	require.NoError(t, err)
	return s
}

func TestSingleExhaustedPage(t *testing.T) {
	ch := mocks.NewMockChannel()
	s := newSession(t, ch, rawPage(false, "r1", "r2"))

	var finished int
	s.OnFinish(func() { finished++ })

	ctx := context.Background()
	r, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "r1", name(t, r))
	assert.Equal(t, StateOpen, s.State())
	assert.Equal(t, 0, finished)

	r, err = s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "r2", name(t, r))
	assert.Equal(t, StateExhausted, s.State())
	assert.Equal(t, 1, finished)

	_, err = s.Next(ctx)
	assert.ErrorIs(t, err, kv.ErrNoMoreElements)
	assert.Equal(t, 1, finished)

	ch.AssertNotCalled(t, "FetchNextPage", mock.Anything, mock.Anything)
}

func TestNextFetchesNextPage(t *testing.T) {
	ch := mocks.NewMockChannel()
	ch.On("FetchNextPage", mock.Anything, testID).Return(rawPage(false, "r2"), nil).Once()

	s := newSession(t, ch, rawPage(true, "r1"))
	ctx := context.Background()

	r, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "r1", name(t, r))
	assert.True(t, s.HasMore())

	r, err = s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "r2", name(t, r))
	assert.Equal(t, StateExhausted, s.State())
	assert.False(t, s.HasMore())

	ch.AssertExpectations(t)
}

func TestForEachDrainsAllPages(t *testing.T) {
	ch := mocks.NewMockChannel()
	ch.On("FetchNextPage", mock.Anything, testID).Return(rawPage(false, "r2", "r3"), nil).Once()

	s := newSession(t, ch, rawPage(true, "r1"))
	var finished int
	s.OnFinish(func() { finished++ })

	var got []string
	err := s.ForEach(context.Background(), func(r kv.RowWithMetadata) error {
		got = append(got, name(t, r))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2", "r3"}, got)
	assert.Equal(t, 1, finished)
	ch.AssertExpectations(t)
}

func TestCloseMidIteration(t *testing.T) {
	ch := mocks.NewMockChannel()
	ch.On("CloseHandle", mock.Anything, testID).Return(nil).Once()

	s := newSession(t, ch, rawPage(true, "r1", "r2"))
	var finished int
	s.OnFinish(func() { finished++ })

	ctx := context.Background()
	_, err := s.Next(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Close(ctx))
	assert.Equal(t, StateClosed, s.State())

	_, err = s.Next(ctx)
	assert.ErrorIs(t, err, kv.ErrIteratorClosed)

	assert.ErrorIs(t, s.Close(ctx), kv.ErrIteratorClosed)
	ch.AssertNumberOfCalls(t, "CloseHandle", 1)
	assert.Equal(t, 1, finished)
}

func TestCloseReturnsReleaseError(t *testing.T) {
	ch := mocks.NewMockChannel()
	ch.On("CloseHandle", mock.Anything, testID).Return(kv.ErrConnection).Once()

	s := newSession(t, ch, rawPage(false, "r1"))
	err := s.Close(context.Background())
	assert.ErrorIs(t, err, kv.ErrConnection)
	assert.Equal(t, StateClosed, s.State())

	_, err = s.Next(context.Background())
	assert.ErrorIs(t, err, kv.ErrIteratorClosed)
}

func TestFailedFetchIsRetryable(t *testing.T) {
	ch := mocks.NewMockChannel()
	ch.On("FetchNextPage", mock.Anything, testID).Return(kv.RawPage{}, kv.ErrConnection).Once()
	ch.On("FetchNextPage", mock.Anything, testID).Return(rawPage(false, "r2"), nil).Once()

	s := newSession(t, ch, rawPage(true, "r1"))
	ctx := context.Background()

	_, err := s.Next(ctx)
	require.NoError(t, err)

	_, err = s.Next(ctx)
	require.ErrorIs(t, err, kv.ErrConnection)
	assert.Equal(t, StateOpen, s.State())
	assert.True(t, s.HasMore())

	cur, ok, err := s.Current()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "r1", name(t, cur))

	r, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "r2", name(t, r))
	ch.AssertNumberOfCalls(t, "FetchNextPage", 2)
}

func TestRemoteErrorPropagates(t *testing.T) {
	ch := mocks.NewMockChannel()
	remote := kv.NewRemoteError(kv.RemoteIteratorNotFound, "iterator %d expired", testID)
	ch.On("FetchNextPage", mock.Anything, testID).Return(kv.RawPage{}, remote).Once()

	s := newSession(t, ch, rawPage(true))
	_, err := s.Next(context.Background())
	require.ErrorIs(t, err, kv.ErrRemoteIteratorNotFound)

	var re *kv.RemoteError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "iterator 7 expired", re.Message)
	assert.Equal(t, StateOpen, s.State())
}

func TestMalformedPageKeepsState(t *testing.T) {
	bad := kv.RawPage{Rows: []kv.RawRow{rawRow("r2"), {JSONRow: "{not json"}}, HasMore: false}

	ch := mocks.NewMockChannel()
	ch.On("FetchNextPage", mock.Anything, testID).Return(bad, nil).Once()
	ch.On("FetchNextPage", mock.Anything, testID).Return(rawPage(false, "r2"), nil).Once()

	s := newSession(t, ch, rawPage(true, "r1"))
	ctx := context.Background()
	_, err := s.Next(ctx)
	require.NoError(t, err)

	_, err = s.Next(ctx)
	require.ErrorIs(t, err, kv.ErrMalformedRow)
	assert.Equal(t, StateOpen, s.State())
	assert.True(t, s.HasMore())

	r, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "r2", name(t, r))
}

func TestMalformedInitialPage(t *testing.T) {
	_, err := New(mocks.NewMockChannel(), testID, kv.RawPage{Rows: []kv.RawRow{{JSONRow: "[1,2]"}}})
	assert.ErrorIs(t, err, kv.ErrMalformedRow)
}

func TestChannelTimeoutIsTerminal(t *testing.T) {
	ch := mocks.NewMockChannel()
	ch.On("FetchNextPage", mock.Anything, testID).Return(kv.RawPage{}, kv.ErrTimeout).Once()
	ch.On("CloseHandle", mock.Anything, testID).Return(nil).Once()

	s := newSession(t, ch, rawPage(true))
	var finished int
	s.OnFinish(func() { finished++ })

	_, err := s.Next(context.Background())
	require.ErrorIs(t, err, kv.ErrTimeout)
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 1, finished)

	_, err = s.Next(context.Background())
	assert.ErrorIs(t, err, kv.ErrIteratorClosed)
	ch.AssertExpectations(t)
}

// blockingChannel holds every fetch until its context is done or release is
// closed, and counts fetches running at the same time.
type blockingChannel struct {
	release  chan struct{}
	page     kv.RawPage
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	fetches  atomic.Int32
	closes   atomic.Int32
}

func newBlockingChannel(page kv.RawPage) *blockingChannel {
	return &blockingChannel{release: make(chan struct{}), page: page}
}

func (b *blockingChannel) FetchNextPage(ctx context.Context, _ kv.IteratorID) (kv.RawPage, error) {
	n := b.inFlight.Add(1)
	defer b.inFlight.Add(-1)
	b.fetches.Add(1)
	for {
		m := b.maxSeen.Load()
		if n <= m || b.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}

	select {
	case <-b.release:
		return b.page, nil
	case <-ctx.Done():
		return kv.RawPage{}, ctx.Err()
	}
}

func (b *blockingChannel) CloseHandle(context.Context, kv.IteratorID) error {
	b.closes.Add(1)
	return nil
}

func TestFetchTimeoutIsTerminal(t *testing.T) {
	ch := newBlockingChannel(rawPage(false, "never"))
	s := newSession(t, ch, rawPage(true), WithFetchTimeout(20*time.Millisecond))

	done := make(chan struct{})
	s.OnFinish(func() { close(done) })

	_, err := s.Next(context.Background())
	require.ErrorIs(t, err, kv.ErrTimeout)
	assert.Equal(t, StateClosed, s.State())
	assert.EqualValues(t, 1, ch.closes.Load())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("finish listener did not run")
	}
}

func TestCallerCancellationIsRetryable(t *testing.T) {
	ch := newBlockingChannel(rawPage(false, "r1"))
	s := newSession(t, ch, rawPage(true), WithFetchTimeout(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Next(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateOpen, s.State())

	close(ch.release)
	r, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "r1", name(t, r))
}

func TestAtMostOneFetch(t *testing.T) {
	ch := newBlockingChannel(rawPage(false, "r1"))
	s := newSession(t, ch, rawPage(true))

	const callers = 8
	var wg sync.WaitGroup
	var rows, busy atomic.Int32
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.Next(context.Background())
			switch {
			case err == nil:
				rows.Add(1)
			case errors.Is(err, kv.ErrFetchInProgress), errors.Is(err, kv.ErrNoMoreElements):
				busy.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)

	require.Eventually(t, func() bool { return s.State() == StateFetching }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(ch.release)
	wg.Wait()

	assert.EqualValues(t, 1, ch.maxSeen.Load())
	assert.EqualValues(t, 1, ch.fetches.Load())
	assert.EqualValues(t, 1, rows.Load())
	assert.EqualValues(t, callers-1, busy.Load())
}

func TestExhaustionMonotonicity(t *testing.T) {
	ch := mocks.NewMockChannel()
	ch.On("CloseHandle", mock.Anything, testID).Return(nil).Once()
	s := newSession(t, ch, rawPage(false, "r1"))
	ctx := context.Background()

	_, err := s.Next(ctx)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = s.Next(ctx)
		assert.ErrorIs(t, err, kv.ErrNoMoreElements)
	}

	require.NoError(t, s.Close(ctx))
	for i := 0; i < 3; i++ {
		_, err = s.Next(ctx)
		assert.ErrorIs(t, err, kv.ErrIteratorClosed)
	}
}

func TestOrderPreservation(t *testing.T) {
	ch := mocks.NewMockChannel()
	ch.On("FetchNextPage", mock.Anything, testID).Return(rawPage(false, "C", "D"), nil).Once()

	s := newSession(t, ch, rawPage(true, "A", "B"))
	var got []string
	for r, err := range s.All(context.Background()) {
		require.NoError(t, err)
		got = append(got, name(t, r))
	}
	assert.Equal(t, []string{"A", "B", "C", "D"}, got)
}

func TestEmptyPagesAreSkipped(t *testing.T) {
	ch := mocks.NewMockChannel()
	ch.On("FetchNextPage", mock.Anything, testID).Return(rawPage(true), nil).Once()
	ch.On("FetchNextPage", mock.Anything, testID).Return(rawPage(true, "r1"), nil).Once()
	ch.On("FetchNextPage", mock.Anything, testID).Return(rawPage(false), nil).Once()

	s := newSession(t, ch, rawPage(true))
	ctx := context.Background()

	r, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "r1", name(t, r))

	_, err = s.Next(ctx)
	assert.ErrorIs(t, err, kv.ErrNoMoreElements)
	assert.Equal(t, StateExhausted, s.State())
	ch.AssertExpectations(t)
}

func TestCompletionOnce(t *testing.T) {
	tests := []struct {
		name string
		run  func(t *testing.T, s *Session)
	}{
		{
			name: "exhaustion then close",
			run: func(t *testing.T, s *Session) {
				ctx := context.Background()
				require.NoError(t, s.ForEach(ctx, func(kv.RowWithMetadata) error { return nil }))
				_, _ = s.Next(ctx)
				require.NoError(t, s.Close(ctx))
			},
		},
		{
			name: "close then close",
			run: func(t *testing.T, s *Session) {
				ctx := context.Background()
				require.NoError(t, s.Close(ctx))
				_ = s.Close(ctx)
			},
		},
		{
			name: "visit error",
			run: func(t *testing.T, s *Session) {
				stop := errors.New("stop")
				err := s.ForEach(context.Background(), func(kv.RowWithMetadata) error { return stop })
				require.ErrorIs(t, err, stop)
				require.NoError(t, s.Close(context.Background()))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := mocks.NewMockChannel()
			ch.On("CloseHandle", mock.Anything, testID).Return(nil).Once()
			s := newSession(t, ch, rawPage(false, "r1", "r2"))

			var early, late int
			s.OnFinish(func() { early++ })
			tt.run(t, s)
			s.OnFinish(func() { late++ })

			assert.Equal(t, 1, early)
			assert.Equal(t, 1, late)
		})
	}
}

func TestCurrent(t *testing.T) {
	ch := mocks.NewMockChannel()
	ch.On("CloseHandle", mock.Anything, testID).Return(nil).Once()
	s := newSession(t, ch, rawPage(false, "r1", "r2"))
	ctx := context.Background()

	_, ok, err := s.Current()
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Next(ctx)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		cur, ok, err := s.Current()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "r1", name(t, cur))
	}

	_, err = s.Next(ctx)
	require.NoError(t, err)
	cur, ok, err := s.Current()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "r2", name(t, cur))

	require.NoError(t, s.Close(ctx))
	_, _, err = s.Current()
	assert.ErrorIs(t, err, kv.ErrIteratorClosed)
}

func TestRowsExposeParsedDocument(t *testing.T) {
	first := kv.RawPage{Rows: []kv.RawRow{{
		Table:      "users",
		JSONRow:    `{"id":9007199254740993,"tags":["a"]}`,
		Version:    kv.Version{1, 2},
		Expiration: 42,
	}}}
	s := newSession(t, mocks.NewMockChannel(), first)

	r, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "users", r.Table)
	assert.Equal(t, kv.Version{1, 2}, r.Version)
	assert.EqualValues(t, 42, r.Expiration)
	assert.Equal(t, "9007199254740993", fmt.Sprint(r.Row["id"]))
	assert.Equal(t, []any{"a"}, r.Row["tags"])
}

func TestCloseDuringFetch(t *testing.T) {
	ch := newBlockingChannel(rawPage(false, "r1"))
	s := newSession(t, ch, rawPage(true))

	errc := make(chan error, 1)
	go func() {
		_, err := s.Next(context.Background())
		errc <- err
	}()

	require.Eventually(t, func() bool { return s.State() == StateFetching }, time.Second, time.Millisecond)
	require.NoError(t, s.Close(context.Background()))
	close(ch.release)

	assert.ErrorIs(t, <-errc, kv.ErrIteratorClosed)
	assert.Equal(t, StateClosed, s.State())
}

func TestReleaseOnlyWhenHandleIsGone(t *testing.T) {
	ctx := context.Background()
	stop := errors.New("stop")

	t.Run("stopped foreach keeps the handle", func(t *testing.T) {
		ch := mocks.NewMockChannel()
		ch.On("CloseHandle", mock.Anything, testID).Return(nil).Once()
		s := newSession(t, ch, rawPage(true, "r1", "r2"))

		var finished, released int
		s.OnFinish(func() { finished++ })
		s.OnRelease(func() { released++ })

		err := s.ForEach(ctx, func(kv.RowWithMetadata) error { return stop })
		require.ErrorIs(t, err, stop)
		assert.Equal(t, 1, finished)
		assert.Equal(t, 0, released)
		assert.Equal(t, StateOpen, s.State())

		require.NoError(t, s.Close(ctx))
		assert.Equal(t, 1, released)
		ch.AssertExpectations(t)
	})

	t.Run("exhaustion", func(t *testing.T) {
		ch := mocks.NewMockChannel()
		s := newSession(t, ch, rawPage(false, "r1"))

		var released int
		s.OnRelease(func() { released++ })
		require.NoError(t, s.ForEach(ctx, func(kv.RowWithMetadata) error { return nil }))
		assert.Equal(t, 1, released)

		s.OnRelease(func() { released++ })
		assert.Equal(t, 2, released)
	})

	t.Run("terminal timeout", func(t *testing.T) {
		ch := mocks.NewMockChannel()
		ch.On("FetchNextPage", mock.Anything, testID).Return(kv.RawPage{}, kv.ErrTimeout).Once()
		ch.On("CloseHandle", mock.Anything, testID).Return(nil).Once()
		s := newSession(t, ch, rawPage(true))

		var released int
		s.OnRelease(func() { released++ })
		_, err := s.Next(ctx)
		require.ErrorIs(t, err, kv.ErrTimeout)
		assert.Equal(t, 1, released)
		ch.AssertExpectations(t)
	})
}
