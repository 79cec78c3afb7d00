package kv

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
)

// Row is the parsed document of one table row, keyed by field name.
// Numeric fields decode as json.Number so 64-bit integers keep precision.
type Row map[string]any

// Version is an opaque token assigned by the store each time a row is written.
type Version []byte

func (v Version) String() string {
	return hex.EncodeToString(v)
}

// IteratorID identifies an open iteration held by the server.
type IteratorID uint64

// RowWithMetadata is a decoded row as handed to callers.
type RowWithMetadata struct {
	Table      string
	Row        Row
	Version    Version
	Expiration int64
}

// RawRow is the wire form of a row: the document travels as a single
// serialized JSON string.
type RawRow struct {
	Table      string  `msgpack:"table,omitempty"`
	JSONRow    string  `msgpack:"json_row"`
	Version    Version `msgpack:"version,omitempty"`
	Expiration int64   `msgpack:"expiration,omitempty"`
}

// RawPage is one batch of rows as returned by the server.
type RawPage struct {
	Rows    []RawRow `msgpack:"rows"`
	HasMore bool     `msgpack:"has_more"`
}

// Page is a decoded RawPage.
type Page struct {
	Rows    []RowWithMetadata
	HasMore bool
}

// EncodeRow serializes a row into its wire string.
func EncodeRow(row Row) (string, error) {
	if row == nil {
		return "{}", nil
	}
	b, err := json.Marshal(row)
	if err != nil {
		return "", fmt.Errorf("failed to encode row: %w", err)
	}
	return string(b), nil
}

// DecodeRow parses a wire string into a row.
func DecodeRow(s string) (Row, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()

	var row Row
	if err := dec.Decode(&row); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRow, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after row", ErrMalformedRow)
	}
	if row == nil {
		return nil, fmt.Errorf("%w: row is null", ErrMalformedRow)
	}
	return row, nil
}

// Decode parses the row payload. The raw JSON string is not carried over.
func (r RawRow) Decode() (RowWithMetadata, error) {
	row, err := DecodeRow(r.JSONRow)
	if err != nil {
		return RowWithMetadata{}, err
	}
	return RowWithMetadata{
		Table:      r.Table,
		Row:        row,
		Version:    r.Version,
		Expiration: r.Expiration,
	}, nil
}

// EncodeRawRow converts a decoded row back into its wire form.
func EncodeRawRow(r RowWithMetadata) (RawRow, error) {
	s, err := EncodeRow(r.Row)
	if err != nil {
		return RawRow{}, err
	}
	return RawRow{
		Table:      r.Table,
		JSONRow:    s,
		Version:    r.Version,
		Expiration: r.Expiration,
	}, nil
}

// DecodePage decodes every row of a page. It fails on the first malformed
// row and returns no partial page.
func DecodePage(p RawPage) (Page, error) {
	rows, err := DecodeRows(p.Rows)
	if err != nil {
		return Page{}, err
	}
	return Page{Rows: rows, HasMore: p.HasMore}, nil
}

// DecodeRows decodes a sequence of raw rows.
func DecodeRows(raw []RawRow) ([]RowWithMetadata, error) {
	rows := make([]RowWithMetadata, 0, len(raw))
	for i, r := range raw {
		row, err := r.Decode()
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}
