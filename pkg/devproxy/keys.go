package devproxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/eigerco/kvclient/pkg/kv"
)

const sep = 0x00

// tableKey is the storage key prefix shared by every row of a table.
func tableKey(table string) []byte {
	return append([]byte(table), sep)
}

// rowKey appends the key components to the table prefix. Each component is
// terminated so that a partial key is a strict byte prefix of the rows it
// selects.
func rowKey(table string, components []string) []byte {
	key := tableKey(table)
	for _, c := range components {
		key = append(key, c...)
		key = append(key, sep)
	}
	return key
}

// splitKey returns the components of a row key.
func splitKey(table string, key []byte) []string {
	rest := bytes.TrimSuffix(key[len(table)+1:], []byte{sep})
	if len(rest) == 0 {
		return nil
	}
	return strings.Split(string(rest), string([]byte{sep}))
}

// fieldString renders a scalar field value as a key component.
func fieldString(field string, v any) (string, error) {
	var s string
	switch val := v.(type) {
	case string:
		s = val
	case json.Number:
		s = val.String()
	case bool:
		s = strconv.FormatBool(val)
	case nil:
		return "", kv.NewRemoteError(kv.RemoteIllegalArgument, "key field %s is null", field)
	default:
		return "", kv.NewRemoteError(kv.RemoteIllegalArgument, "key field %s must be a scalar, got %T", field, v)
	}
	if strings.IndexByte(s, sep) >= 0 {
		return "", kv.NewRemoteError(kv.RemoteIllegalArgument, "key field %s contains a NUL byte", field)
	}
	return s, nil
}

// keyComponents extracts the values of fields from row, in order. With
// partial set it stops at the first missing field, otherwise a missing field
// is an error.
func keyComponents(fields []string, row kv.Row, partial bool) ([]string, error) {
	components := make([]string, 0, len(fields))
	for _, f := range fields {
		v, ok := row[f]
		if !ok {
			if partial {
				break
			}
			return nil, kv.NewRemoteError(kv.RemoteIllegalArgument, "missing key field %s", f)
		}
		c, err := fieldString(f, v)
		if err != nil {
			return nil, err
		}
		components = append(components, c)
	}
	if partial {
		for _, f := range fields[len(components):] {
			if _, ok := row[f]; ok {
				return nil, kv.NewRemoteError(kv.RemoteIllegalArgument, "key field %s given without the fields before it", f)
			}
		}
	}
	return components, nil
}

// inRange reports whether component lies within r.
func inRange(component string, r *kv.FieldRange) bool {
	if r == nil {
		return true
	}
	if r.Start != "" {
		if c := strings.Compare(component, r.Start); c < 0 || (c == 0 && !r.StartInclusive) {
			return false
		}
	}
	if r.End != "" {
		if c := strings.Compare(component, r.End); c > 0 || (c == 0 && !r.EndInclusive) {
			return false
		}
	}
	return true
}

// parseKey decodes a JSON key document.
func parseKey(s string) (kv.Row, error) {
	if s == "" {
		return kv.Row{}, nil
	}
	row, err := kv.DecodeRow(s)
	if err != nil {
		return nil, kv.NewRemoteError(kv.RemoteIllegalArgument, "bad key: %v", err)
	}
	return row, nil
}

func describe(fields []string) string {
	return fmt.Sprintf("[%s]", strings.Join(fields, ", "))
}
