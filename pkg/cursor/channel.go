package cursor

import (
	"context"

	"github.com/eigerco/kvclient/pkg/kv"
)

// Channel is the request/response link used to page through a server-held
// iteration. Implementations return kv.ErrConnection when the link is down,
// kv.ErrTimeout when no answer arrived in time, or a *kv.RemoteError.
type Channel interface {
	// FetchNextPage returns the next batch of rows for the handle.
	FetchNextPage(ctx context.Context, id kv.IteratorID) (kv.RawPage, error)
	// CloseHandle releases the handle on the server.
	CloseHandle(ctx context.Context, id kv.IteratorID) error
}
