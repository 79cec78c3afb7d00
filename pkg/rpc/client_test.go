package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eigerco/kvclient/pkg/cursor"
	"github.com/eigerco/kvclient/pkg/kv"
	"github.com/eigerco/kvclient/pkg/wire"
)

// peer is the server side of a net.Pipe speaking the wire protocol.
type peer struct {
	t    *testing.T
	conn net.Conn
}

func newPair(t *testing.T, opts ...Option) (*Client, *peer) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	c := NewClient(clientConn, opts...)
	t.Cleanup(func() {
		_ = c.Close()
		_ = serverConn.Close()
	})
	return c, &peer{t: t, conn: serverConn}
}

func (p *peer) recv() *wire.Envelope {
	p.t.Helper()
	data, err := wire.ReadFrame(p.conn)
	require.NoError(p.t, err)
	env, err := wire.Unmarshal(data)
	require.NoError(p.t, err)
	return env
}

func (p *peer) reply(env *wire.Envelope, body any) {
	p.t.Helper()
	frame, err := wire.Marshal(env.Seq, env.Kind, body)
	require.NoError(p.t, err)
	require.NoError(p.t, wire.WriteFrame(p.conn, frame))
}

func (p *peer) fail(env *wire.Envelope, remoteErr *kv.RemoteError) {
	p.t.Helper()
	frame, err := wire.MarshalError(env.Seq, env.Kind, remoteErr)
	require.NoError(p.t, err)
	require.NoError(p.t, wire.WriteFrame(p.conn, frame))
}

func TestCallRoundTrip(t *testing.T) {
	c, p := newPair(t)

	go func() {
		env := p.recv()
		var req wire.GetRequest
		if err := env.DecodeBody(&req); err != nil || req.Table != "users" {
			p.fail(env, kv.NewRemoteError(kv.RemoteIllegalArgument, "bad request"))
			return
		}
		p.reply(env, wire.GetResponse{Found: true, Row: kv.RawRow{Table: req.Table, JSONRow: `{"id":1}`}})
	}()

	resp, err := c.Get(context.Background(), wire.GetRequest{Table: "users", PrimaryKey: `{"id":1}`})
	require.NoError(t, err)
	assert.True(t, resp.Found)
	assert.Equal(t, `{"id":1}`, resp.Row.JSONRow)
}

func TestResponsesMatchedBySequence(t *testing.T) {
	c, p := newPair(t)

	go func() {
		first := p.recv()
		second := p.recv()
		for _, env := range []*wire.Envelope{second, first} {
			var req wire.IteratorNextRequest
			assert.NoError(t, env.DecodeBody(&req))
			p.reply(env, wire.IteratorNextResponse{Page: kv.RawPage{
				Rows: []kv.RawRow{{Table: fmt.Sprint(req.ID), JSONRow: "{}"}},
			}})
		}
	}()

	var wg sync.WaitGroup
	for _, id := range []kv.IteratorID{1, 2} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			page, err := c.FetchNextPage(context.Background(), id)
			if !assert.NoError(t, err) {
				return
			}
			if assert.Len(t, page.Rows, 1) {
				assert.Equal(t, fmt.Sprint(id), page.Rows[0].Table)
			}
		}()
	}
	wg.Wait()
}

func TestRemoteError(t *testing.T) {
	c, p := newPair(t)

	go func() {
		env := p.recv()
		p.fail(env, kv.NewRemoteError(kv.RemoteIteratorNotFound, "no iterator 3"))
	}()

	_, err := c.FetchNextPage(context.Background(), 3)
	require.ErrorIs(t, err, kv.ErrRemoteIteratorNotFound)

	var re *kv.RemoteError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "no iterator 3", re.Message)
}

func TestRequestTimeout(t *testing.T) {
	c, p := newPair(t, WithRequestTimeout(20*time.Millisecond))

	stale := make(chan *wire.Envelope, 1)
	go func() {
		stale <- p.recv()
	}()

	err := c.CloseHandle(context.Background(), 1)
	require.ErrorIs(t, err, kv.ErrTimeout)

	// A late answer is dropped and the connection keeps working.
	go func() {
		p.reply(<-stale, nil)
		env := p.recv()
		p.reply(env, wire.VerifyResponse{ProxyVersion: "dev"})
	}()

	resp, err := c.Verify(context.Background(), wire.VerifyRequest{StoreName: "kvstore"})
	require.NoError(t, err)
	assert.Equal(t, "dev", resp.ProxyVersion)
	assert.NoError(t, c.Err())
}

func TestCallerContextCancelled(t *testing.T) {
	c, p := newPair(t, WithRequestTimeout(time.Minute))
	go p.recv()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := c.CloseHandle(ctx, 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, kv.ErrTimeout)
}

func TestSendTimeoutWhenPeerStopsReading(t *testing.T) {
	c, _ := newPair(t, WithRequestTimeout(50*time.Millisecond))

	done := make(chan error, 1)
	go func() {
		_, err := c.FetchNextPage(context.Background(), 1)
		done <- err
	}()

	select {
	case err := <-done:
		require.ErrorIs(t, err, kv.ErrTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("call blocked on a peer that never reads")
	}
	require.ErrorIs(t, c.Err(), kv.ErrConnection)

	_, err := c.Verify(context.Background(), wire.VerifyRequest{StoreName: "kvstore"})
	assert.ErrorIs(t, err, kv.ErrConnection)
}

func TestCallerDeadlineBoundsBlockedSend(t *testing.T) {
	c, _ := newPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.FetchNextPage(ctx, 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSessionFetchTimesOutOnStuckConnection(t *testing.T) {
	c, _ := newPair(t)

	sess, err := cursor.New(c, 7, kv.RawPage{HasMore: true}, cursor.WithFetchTimeout(50*time.Millisecond))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := sess.Next(context.Background())
		done <- err
	}()

	select {
	case err := <-done:
		require.ErrorIs(t, err, kv.ErrTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("fetch never timed out")
	}
	assert.Equal(t, cursor.StateClosed, sess.State())
}

func TestConnectionLoss(t *testing.T) {
	c, p := newPair(t)

	go func() {
		p.recv()
		_ = p.conn.Close()
	}()

	_, err := c.FetchNextPage(context.Background(), 1)
	require.ErrorIs(t, err, kv.ErrConnection)

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("client not marked done")
	}
	require.ErrorIs(t, c.Err(), kv.ErrConnection)

	_, err = c.FetchNextPage(context.Background(), 1)
	assert.ErrorIs(t, err, kv.ErrConnection)
}

func TestUnexpectedKind(t *testing.T) {
	c, p := newPair(t)

	go func() {
		env := p.recv()
		env.Kind = wire.KindGet
		p.reply(env, wire.GetResponse{})
	}()

	err := c.Call(context.Background(), wire.KindIteratorClose, wire.IteratorCloseRequest{ID: 1}, nil)
	assert.ErrorIs(t, err, ErrUnexpectedKind)
}

func TestWriteRejectsNonWriteKind(t *testing.T) {
	c, _ := newPair(t)
	_, err := c.Write(context.Background(), wire.KindGet, wire.WriteRequest{})
	assert.Error(t, err)
}

func TestDialFailure(t *testing.T) {
	_, err := Dial(context.Background(), "unix://"+filepath.Join(t.TempDir(), "none.sock"))
	assert.ErrorIs(t, err, kv.ErrConnection)
}
