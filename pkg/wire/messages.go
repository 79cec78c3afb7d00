package wire

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/eigerco/kvclient/pkg/kv"
)

// Kind identifies the operation carried by an envelope. Responses echo the
// kind of their request.
type Kind uint8

const (
	KindVerify Kind = iota + 1
	KindShutdown
	KindGet
	KindMultiGet
	KindMultiGetKeys
	KindTableIterator
	KindTableKeysIterator
	KindIndexIterator
	KindIndexKeysIterator
	KindIteratorNext
	KindIteratorClose
	KindPut
	KindPutIfAbsent
	KindPutIfPresent
	KindPutIfVersion
	KindDelete
	KindDeleteIfVersion
	KindMultiDelete
	KindExecute
)

var kindNames = map[Kind]string{
	KindVerify:            "verify",
	KindShutdown:          "shutdown",
	KindGet:               "get",
	KindMultiGet:          "multi-get",
	KindMultiGetKeys:      "multi-get-keys",
	KindTableIterator:     "table-iterator",
	KindTableKeysIterator: "table-keys-iterator",
	KindIndexIterator:     "index-iterator",
	KindIndexKeysIterator: "index-keys-iterator",
	KindIteratorNext:      "iterator-next",
	KindIteratorClose:     "iterator-close",
	KindPut:               "put",
	KindPutIfAbsent:       "put-if-absent",
	KindPutIfPresent:      "put-if-present",
	KindPutIfVersion:      "put-if-version",
	KindDelete:            "delete",
	KindDeleteIfVersion:   "delete-if-version",
	KindMultiDelete:       "multi-delete",
	KindExecute:           "execute",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// Envelope is the body of every frame. Seq pairs a response with its request.
type Envelope struct {
	Seq   uint64             `msgpack:"seq"`
	Kind  Kind               `msgpack:"kind"`
	Error *kv.RemoteError    `msgpack:"error,omitempty"`
	Body  msgpack.RawMessage `msgpack:"body,omitempty"`
}

// Marshal encodes an envelope carrying body. A nil body is omitted.
func Marshal(seq uint64, kind Kind, body any) ([]byte, error) {
	env := Envelope{Seq: seq, Kind: kind}
	if body != nil {
		b, err := msgpack.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s body: %w", kind, err)
		}
		env.Body = b
	}
	return msgpack.Marshal(&env)
}

// MarshalError encodes an error response.
func MarshalError(seq uint64, kind Kind, remoteErr *kv.RemoteError) ([]byte, error) {
	return msgpack.Marshal(&Envelope{Seq: seq, Kind: kind, Error: remoteErr})
}

// Unmarshal decodes an envelope; the body is left encoded.
func Unmarshal(data []byte) (*Envelope, error) {
	env := &Envelope{}
	if err := msgpack.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return env, nil
}

// DecodeBody decodes the envelope body into v.
func (e *Envelope) DecodeBody(v any) error {
	if len(e.Body) == 0 {
		return fmt.Errorf("empty %s body", e.Kind)
	}
	if err := msgpack.Unmarshal(e.Body, v); err != nil {
		return fmt.Errorf("failed to decode %s body: %w", e.Kind, err)
	}
	return nil
}

type VerifyRequest struct {
	StoreName         string        `msgpack:"store_name"`
	HelperHosts       []string      `msgpack:"helper_hosts"`
	ReadZones         []string      `msgpack:"read_zones,omitempty"`
	RequestTimeout    time.Duration `msgpack:"request_timeout"`
	SocketOpenTimeout time.Duration `msgpack:"socket_open_timeout"`
	SocketReadTimeout time.Duration `msgpack:"socket_read_timeout"`
}

type VerifyResponse struct {
	ProxyVersion string `msgpack:"proxy_version"`
}

type GetRequest struct {
	Table      string          `msgpack:"table"`
	PrimaryKey string          `msgpack:"primary_key"`
	Options    *kv.ReadOptions `msgpack:"options,omitempty"`
}

type GetResponse struct {
	Found bool      `msgpack:"found"`
	Row   kv.RawRow `msgpack:"row"`
}

// MultiGetRequest serves both KindMultiGet and KindMultiGetKeys.
type MultiGetRequest struct {
	Table          string          `msgpack:"table"`
	PrimaryKey     string          `msgpack:"primary_key"`
	Range          *kv.FieldRange  `msgpack:"range,omitempty"`
	IncludedTables []string        `msgpack:"included_tables,omitempty"`
	Options        *kv.ReadOptions `msgpack:"options,omitempty"`
}

type MultiGetResponse struct {
	Rows []kv.RawRow `msgpack:"rows"`
}

// IteratorRequest opens a table or index iteration. Key holds the partial
// primary key, or the index key when Index is set.
type IteratorRequest struct {
	Table          string              `msgpack:"table"`
	Index          string              `msgpack:"index,omitempty"`
	Key            string              `msgpack:"key"`
	Range          *kv.FieldRange      `msgpack:"range,omitempty"`
	IncludedTables []string            `msgpack:"included_tables,omitempty"`
	Options        *kv.IteratorOptions `msgpack:"options,omitempty"`
}

type IteratorResponse struct {
	ID   kv.IteratorID `msgpack:"id"`
	Page kv.RawPage    `msgpack:"page"`
}

type IteratorNextRequest struct {
	ID kv.IteratorID `msgpack:"id"`
}

type IteratorNextResponse struct {
	Page kv.RawPage `msgpack:"page"`
}

type IteratorCloseRequest struct {
	ID kv.IteratorID `msgpack:"id"`
}

// WriteRequest serves the put kinds. MatchVersion is only read by
// KindPutIfVersion.
type WriteRequest struct {
	Table        string           `msgpack:"table"`
	Row          string           `msgpack:"row"`
	MatchVersion kv.Version       `msgpack:"match_version,omitempty"`
	Options      *kv.WriteOptions `msgpack:"options,omitempty"`
}

type WriteResponse struct {
	Success  bool       `msgpack:"success"`
	Version  kv.Version `msgpack:"version,omitempty"`
	Previous *kv.RawRow `msgpack:"previous,omitempty"`
}

// DeleteRequest serves KindDelete and KindDeleteIfVersion.
type DeleteRequest struct {
	Table        string           `msgpack:"table"`
	PrimaryKey   string           `msgpack:"primary_key"`
	MatchVersion kv.Version       `msgpack:"match_version,omitempty"`
	Options      *kv.WriteOptions `msgpack:"options,omitempty"`
}

type DeleteResponse struct {
	Success  bool       `msgpack:"success"`
	Previous *kv.RawRow `msgpack:"previous,omitempty"`
}

type MultiDeleteRequest struct {
	Table          string           `msgpack:"table"`
	PrimaryKey     string           `msgpack:"primary_key"`
	Range          *kv.FieldRange   `msgpack:"range,omitempty"`
	IncludedTables []string         `msgpack:"included_tables,omitempty"`
	Options        *kv.WriteOptions `msgpack:"options,omitempty"`
}

type MultiDeleteResponse struct {
	Deleted int `msgpack:"deleted"`
}

type Operation struct {
	Kind                kv.OperationKind `msgpack:"kind"`
	Table               string           `msgpack:"table"`
	Row                 string           `msgpack:"row"`
	MatchVersion        kv.Version       `msgpack:"match_version,omitempty"`
	ReturnChoice        kv.ReturnChoice  `msgpack:"return_choice"`
	AbortIfUnsuccessful bool             `msgpack:"abort_if_unsuccessful"`
}

type ExecuteRequest struct {
	Operations []Operation      `msgpack:"operations"`
	Options    *kv.WriteOptions `msgpack:"options,omitempty"`
}

type OperationResult struct {
	Success    bool       `msgpack:"success"`
	NewVersion kv.Version `msgpack:"new_version,omitempty"`
	Previous   *kv.RawRow `msgpack:"previous,omitempty"`
}

type ExecuteResponse struct {
	Results []OperationResult `msgpack:"results"`
}
