package rpc

import (
	"context"
	"fmt"

	"github.com/eigerco/kvclient/pkg/kv"
	"github.com/eigerco/kvclient/pkg/wire"
)

func call[T any](ctx context.Context, c *Client, kind wire.Kind, req any) (T, error) {
	var resp T
	err := c.Call(ctx, kind, req, &resp)
	return resp, err
}

// Verify checks that the proxy serves the configured store.
func (c *Client) Verify(ctx context.Context, req wire.VerifyRequest) (wire.VerifyResponse, error) {
	return call[wire.VerifyResponse](ctx, c, wire.KindVerify, req)
}

// Shutdown asks the proxy process to exit.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.Call(ctx, wire.KindShutdown, nil, nil)
}

func (c *Client) Get(ctx context.Context, req wire.GetRequest) (wire.GetResponse, error) {
	return call[wire.GetResponse](ctx, c, wire.KindGet, req)
}

func (c *Client) MultiGet(ctx context.Context, req wire.MultiGetRequest) (wire.MultiGetResponse, error) {
	return call[wire.MultiGetResponse](ctx, c, wire.KindMultiGet, req)
}

// MultiGetKeys is MultiGet returning only the primary key fields.
func (c *Client) MultiGetKeys(ctx context.Context, req wire.MultiGetRequest) (wire.MultiGetResponse, error) {
	return call[wire.MultiGetResponse](ctx, c, wire.KindMultiGetKeys, req)
}

func (c *Client) TableIterator(ctx context.Context, req wire.IteratorRequest) (wire.IteratorResponse, error) {
	return call[wire.IteratorResponse](ctx, c, wire.KindTableIterator, req)
}

func (c *Client) TableKeysIterator(ctx context.Context, req wire.IteratorRequest) (wire.IteratorResponse, error) {
	return call[wire.IteratorResponse](ctx, c, wire.KindTableKeysIterator, req)
}

func (c *Client) IndexIterator(ctx context.Context, req wire.IteratorRequest) (wire.IteratorResponse, error) {
	return call[wire.IteratorResponse](ctx, c, wire.KindIndexIterator, req)
}

func (c *Client) IndexKeysIterator(ctx context.Context, req wire.IteratorRequest) (wire.IteratorResponse, error) {
	return call[wire.IteratorResponse](ctx, c, wire.KindIndexKeysIterator, req)
}

// FetchNextPage implements cursor.Channel.
func (c *Client) FetchNextPage(ctx context.Context, id kv.IteratorID) (kv.RawPage, error) {
	resp, err := call[wire.IteratorNextResponse](ctx, c, wire.KindIteratorNext, wire.IteratorNextRequest{ID: id})
	return resp.Page, err
}

// CloseHandle implements cursor.Channel.
func (c *Client) CloseHandle(ctx context.Context, id kv.IteratorID) error {
	return c.Call(ctx, wire.KindIteratorClose, wire.IteratorCloseRequest{ID: id}, nil)
}

// Write sends one of the put kinds.
func (c *Client) Write(ctx context.Context, kind wire.Kind, req wire.WriteRequest) (wire.WriteResponse, error) {
	switch kind {
	case wire.KindPut, wire.KindPutIfAbsent, wire.KindPutIfPresent, wire.KindPutIfVersion:
	default:
		return wire.WriteResponse{}, fmt.Errorf("%s is not a write", kind)
	}
	return call[wire.WriteResponse](ctx, c, kind, req)
}

func (c *Client) Delete(ctx context.Context, req wire.DeleteRequest) (wire.DeleteResponse, error) {
	return call[wire.DeleteResponse](ctx, c, wire.KindDelete, req)
}

func (c *Client) DeleteIfVersion(ctx context.Context, req wire.DeleteRequest) (wire.DeleteResponse, error) {
	return call[wire.DeleteResponse](ctx, c, wire.KindDeleteIfVersion, req)
}

func (c *Client) MultiDelete(ctx context.Context, req wire.MultiDeleteRequest) (wire.MultiDeleteResponse, error) {
	return call[wire.MultiDeleteResponse](ctx, c, wire.KindMultiDelete, req)
}

func (c *Client) Execute(ctx context.Context, req wire.ExecuteRequest) (wire.ExecuteResponse, error) {
	return call[wire.ExecuteResponse](ctx, c, wire.KindExecute, req)
}
