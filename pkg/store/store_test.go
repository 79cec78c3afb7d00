package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eigerco/kvclient/pkg/config"
	"github.com/eigerco/kvclient/pkg/cursor"
	"github.com/eigerco/kvclient/pkg/db/pebble"
	"github.com/eigerco/kvclient/pkg/devproxy"
	"github.com/eigerco/kvclient/pkg/kv"
	"github.com/eigerco/kvclient/pkg/transport"
)

var tables = []devproxy.Table{
	{Name: "users", PrimaryKey: []string{"id"}, ShardKey: []string{"id"}, Indexes: map[string][]string{"byCity": {"city"}}},
	{Name: "orders", PrimaryKey: []string{"customer", "order"}, ShardKey: []string{"customer"}},
}

func socketAddr(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "kvs")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return "unix://" + filepath.Join(dir, "proxy.sock")
}

// serve runs a dev proxy on addr until stop is called and returns the
// address it listens on.
func serve(t *testing.T, addr string) (string, func()) {
	t.Helper()
	kvs, err := pebble.NewKVStore()
	require.NoError(t, err)
	srv, err := devproxy.New(kvs, devproxy.Config{StoreName: "kvstore", BatchSize: 2, Tables: tables})
	require.NoError(t, err)
	l, err := transport.Listen(addr, transport.Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, srv.Serve(ctx, l))
	}()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			<-done
			_ = kvs.Close()
		})
	}
	t.Cleanup(stop)
	return l.Addr(), stop
}

func testConfig(t *testing.T, addr string) *config.Config {
	t.Helper()
	cfg, err := config.New()
	require.NoError(t, err)
	cfg.Proxy.Address = addr
	cfg.SocketOpenTimeout = time.Second
	return cfg
}

func openStore(t *testing.T, addr string) *Store {
	t.Helper()
	s, err := New(testConfig(t, addr))
	require.NoError(t, err)
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestNotConnected(t *testing.T) {
	s, err := New(testConfig(t, socketAddr(t)))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Get(ctx, "users", kv.Row{"id": 1}, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = s.Put(ctx, "users", kv.Row{"id": 1}, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = s.TableIterator(ctx, "users", nil, nil, nil, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = s.Execute(ctx, []kv.Operation{kv.PutOp("users", kv.Row{"id": 1}, kv.ReturnNone, false)}, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, s.Close(ctx), ErrNotConnected)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t, socketAddr(t))
	cfg.StoreName = ""
	_, err := New(cfg)
	assert.ErrorIs(t, err, config.ErrInvalidParameter)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("connects and verifies", func(t *testing.T) {
		addr, _ := serve(t, socketAddr(t))
		s := openStore(t, addr)
		assert.ErrorIs(t, s.Open(ctx), ErrAlreadyConnected)
	})

	t.Run("no proxy listening", func(t *testing.T) {
		s, err := New(testConfig(t, socketAddr(t)))
		require.NoError(t, err)
		err = s.Open(ctx)
		assert.ErrorIs(t, err, ErrProxyConnection)
		assert.NotErrorIs(t, err, ErrConnectionAttempts)
	})

	t.Run("wrong store", func(t *testing.T) {
		addr, _ := serve(t, socketAddr(t))
		cfg := testConfig(t, addr)
		cfg.StoreName = "other"
		s, err := New(cfg)
		require.NoError(t, err)
		err = s.Open(ctx)
		assert.ErrorIs(t, err, ErrProxyVerify)
		assert.ErrorIs(t, err, kv.ErrRemoteIllegalArgument)
	})

	t.Run("over quic", func(t *testing.T) {
		addr, _ := serve(t, "quic://127.0.0.1:0")
		s := openStore(t, addr)
		_, err := s.Put(ctx, "users", kv.Row{"id": 1}, nil)
		assert.NoError(t, err)
	})
}

// launcher starts a dev proxy in place of the Java process.
type launcher struct {
	t      *testing.T
	addr   string
	broken bool

	mu      sync.Mutex
	starts  int
	stops   int
	stopSrv func()
}

func (l *launcher) Start(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.starts++
	if !l.broken {
		_, l.stopSrv = serve(l.t, l.addr)
	}
	return nil
}

func (l *launcher) Stop(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stops++
	if l.stopSrv != nil {
		l.stopSrv()
	}
	return nil
}

func startProxyConfig(t *testing.T, addr string) *config.Config {
	cfg := testConfig(t, addr)
	cfg.Proxy.StartProxy = true
	cfg.Proxy.KVClientJar = "kvclient.jar"
	return cfg
}

func TestOpenStartsProxy(t *testing.T) {
	ctx := context.Background()
	addr := socketAddr(t)
	l := &launcher{t: t, addr: addr}

	s, err := New(startProxyConfig(t, addr), WithLauncher(l))
	require.NoError(t, err)
	require.NoError(t, s.Open(ctx))
	assert.Equal(t, 1, l.starts)

	_, err = s.Put(ctx, "users", kv.Row{"id": 1}, nil)
	require.NoError(t, err)

	require.NoError(t, s.Close(ctx))
	assert.Equal(t, 1, l.stops)
}

func TestOpenAttemptsExhausted(t *testing.T) {
	addr := socketAddr(t)
	l := &launcher{t: t, addr: addr, broken: true}
	cfg := startProxyConfig(t, addr)
	cfg.ConnectionAttempts = 2

	s, err := New(cfg, WithLauncher(l))
	require.NoError(t, err)
	err = s.Open(context.Background())
	assert.ErrorIs(t, err, ErrConnectionAttempts)
	assert.ErrorIs(t, err, ErrProxyConnection)
	assert.Equal(t, 1, l.starts)
	assert.Equal(t, 1, l.stops)
}

func TestReadsAndWrites(t *testing.T) {
	addr, _ := serve(t, socketAddr(t))
	s := openStore(t, addr)
	ctx := context.Background()

	first, err := s.Put(ctx, "users", kv.Row{"id": 1, "name": "ada"}, nil)
	require.NoError(t, err)
	assert.True(t, first.Success)

	got, err := s.Get(ctx, "users", kv.Row{"id": 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ada", got.Row["name"])
	assert.Equal(t, first.Version, got.Version)

	missing, err := s.Get(ctx, "users", kv.Row{"id": 2}, nil)
	require.NoError(t, err)
	assert.Nil(t, missing.Row)

	all := kv.NewWriteOptions(kv.Durability{}, kv.ReturnAll, time.Second)
	res, err := s.PutIfAbsent(ctx, "users", kv.Row{"id": 1, "name": "bob"}, all)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "ada", res.PreviousRow["name"])
	assert.Equal(t, first.Version, res.PreviousVersion)

	res, err = s.PutIfPresent(ctx, "users", kv.Row{"id": 2}, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)

	res, err = s.PutIfVersion(ctx, "users", kv.Row{"id": 1, "name": "eve"}, first.Version, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)

	res, err = s.DeleteIfVersion(ctx, "users", kv.Row{"id": 1}, first.Version, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)

	res, err = s.Delete(ctx, "users", kv.Row{"id": 1}, kv.NewWriteOptions(kv.Durability{}, kv.ReturnValue, 0))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "eve", res.PreviousRow["name"])

	_, err = s.Get(ctx, "missing", kv.Row{"id": 1}, nil)
	assert.ErrorIs(t, err, kv.ErrRemoteIllegalArgument)
}

func TestMultiRowOperations(t *testing.T) {
	addr, _ := serve(t, socketAddr(t))
	s := openStore(t, addr)
	ctx := context.Background()

	results, err := s.Execute(ctx, []kv.Operation{
		kv.PutOp("orders", kv.Row{"customer": "c1", "order": "o1"}, kv.ReturnNone, false),
		kv.PutOp("orders", kv.Row{"customer": "c1", "order": "o2"}, kv.ReturnNone, false),
		kv.PutIfAbsentOp("orders", kv.Row{"customer": "c1", "order": "o3"}, kv.ReturnNone, true),
	}, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.True(t, r.Success)
		assert.NotEmpty(t, r.NewVersion)
	}

	_, err = s.Execute(ctx, []kv.Operation{
		kv.DeleteOp("orders", kv.Row{"customer": "c1", "order": "o1"}, kv.ReturnNone, false),
		kv.PutIfAbsentOp("orders", kv.Row{"customer": "c1", "order": "o2"}, kv.ReturnNone, true),
	}, nil)
	assert.ErrorIs(t, err, kv.ErrRemoteOperationExecution)

	rows, err := s.MultiGet(ctx, "orders", kv.Row{"customer": "c1"}, kv.NewFieldRange("order", "o2", true, "", false), nil, nil)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "o2", rows[0].Row["order"])

	keys, err := s.MultiGetKeys(ctx, "orders", kv.Row{"customer": "c1"}, nil, nil, nil)
	require.NoError(t, err)
	assert.Len(t, keys, 3)

	n, err := s.MultiDelete(ctx, "orders", kv.Row{"customer": "c1"}, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func putUsers(t *testing.T, s *Store, n int) {
	t.Helper()
	cities := []string{"paris", "berlin"}
	for i := range n {
		_, err := s.Put(context.Background(), "users", kv.Row{"id": i, "city": cities[i%2]}, nil)
		require.NoError(t, err)
	}
}

func TestTableIterator(t *testing.T) {
	addr, _ := serve(t, socketAddr(t))
	s := openStore(t, addr)
	ctx := context.Background()
	putUsers(t, s, 5)

	sess, err := s.TableIterator(ctx, "users", nil, nil, nil, nil)
	require.NoError(t, err)
	assert.True(t, sess.HasMore())

	var ids []string
	require.NoError(t, sess.ForEach(ctx, func(row kv.RowWithMetadata) error {
		ids = append(ids, row.Row["id"].(json.Number).String())
		return nil
	}))
	assert.Equal(t, []string{"0", "1", "2", "3", "4"}, ids)
	assert.Equal(t, cursor.StateExhausted, sess.State())

	keys, err := s.TableKeysIterator(ctx, "users", nil, nil, nil, &kv.IteratorOptions{Direction: kv.DirectionReverse})
	require.NoError(t, err)
	row, err := keys.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, kv.Row{"id": row.Row["id"]}, row.Row)
	require.NoError(t, keys.Close(ctx))
}

func TestIndexIterator(t *testing.T) {
	addr, _ := serve(t, socketAddr(t))
	s := openStore(t, addr)
	ctx := context.Background()
	putUsers(t, s, 5)

	sess, err := s.IndexIterator(ctx, "users", "byCity", kv.Row{"city": "paris"}, nil, nil)
	require.NoError(t, err)
	count := 0
	for row, err := range sess.All(ctx) {
		require.NoError(t, err)
		assert.Equal(t, "paris", row.Row["city"])
		count++
	}
	assert.Equal(t, 3, count)

	keys, err := s.IndexKeysIterator(ctx, "users", "byCity", nil, nil, nil)
	require.NoError(t, err)
	row, err := keys.Next(ctx)
	require.NoError(t, err)
	assert.NotContains(t, row.Row, "city")
	require.NoError(t, keys.Close(ctx))
}

func TestStreams(t *testing.T) {
	addr, _ := serve(t, socketAddr(t))
	s := openStore(t, addr)
	ctx := context.Background()
	putUsers(t, s, 5)

	st, err := s.TableStream(ctx, "users", nil, nil, nil, nil)
	require.NoError(t, err)
	var rows []kv.RowWithMetadata
	ended := false
	st.OnData(func(r kv.RowWithMetadata) { rows = append(rows, r) })
	st.OnEnd(func() { ended = true })
	require.NoError(t, st.Run(ctx))
	assert.Len(t, rows, 5)
	assert.True(t, ended)

	ist, err := s.IndexStream(ctx, "users", "byCity", kv.Row{"city": "berlin"}, nil, nil)
	require.NoError(t, err)
	row, err := ist.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "berlin", row.Row["city"])
}

func TestCloseReleasesIterators(t *testing.T) {
	addr, _ := serve(t, socketAddr(t))
	s, err := New(testConfig(t, addr))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Open(ctx))
	putUsers(t, s, 5)

	sess, err := s.TableIterator(ctx, "users", nil, nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close(ctx))

	assert.Equal(t, cursor.StateClosed, sess.State())
	_, err = sess.Next(ctx)
	assert.ErrorIs(t, err, kv.ErrIteratorClosed)
}

func TestCloseReleasesStoppedIterators(t *testing.T) {
	addr, _ := serve(t, socketAddr(t))
	s, err := New(testConfig(t, addr))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Open(ctx))
	putUsers(t, s, 5)

	sess, err := s.TableIterator(ctx, "users", nil, nil, nil, nil)
	require.NoError(t, err)
	stop := errors.New("stop")
	require.ErrorIs(t, sess.ForEach(ctx, func(kv.RowWithMetadata) error { return stop }), stop)
	require.Equal(t, cursor.StateOpen, sess.State())
	require.True(t, sess.HasMore())

	st, err := s.TableStream(ctx, "users", nil, nil, nil, nil)
	require.NoError(t, err)
	st.OnData(func(kv.RowWithMetadata) {})
	runCtx, cancel := context.WithCancel(ctx)
	cancel()
	require.Error(t, st.Run(runCtx))

	require.NoError(t, s.Close(ctx))
	assert.Equal(t, cursor.StateClosed, sess.State())
	assert.Equal(t, cursor.StateClosed, st.Session().State())
}
