package schema

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// AttrMeta is the original NGSI name and type behind a column.
type AttrMeta struct {
	Name string
	Type string
}

// Metadata maps column names to the attributes they store.
type Metadata map[string]AttrMeta

// Missing returns the entries of m whose column is not in have.
func (m Metadata) Missing(have Metadata) Metadata {
	out := Metadata{}
	for col, a := range m {
		if _, ok := have[col]; !ok {
			out[col] = a
		}
	}
	return out
}

// Merge returns the union of m and add; entries already in m win.
func (m Metadata) Merge(add Metadata) Metadata {
	out := make(Metadata, len(m)+len(add))
	for col, a := range add {
		out[col] = a
	}
	for col, a := range m {
		out[col] = a
	}
	return out
}

// Persisted as {"column": ["Original Name", "NgsiType"]}.
func (m Metadata) encode() (string, error) {
	raw := make(map[string][2]string, len(m))
	for col, a := range m {
		raw[col] = [2]string{a.Name, a.Type}
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}
	return string(data), nil
}

func decodeMetadata(v any) (Metadata, error) {
	var data []byte
	switch t := v.(type) {
	case []byte:
		data = t
	case string:
		data = []byte(t)
	case nil:
		return Metadata{}, nil
	default:
		var err error
		if data, err = json.Marshal(t); err != nil {
			return nil, err
		}
	}

	var raw map[string][]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	m := make(Metadata, len(raw))
	for col, pair := range raw {
		a := AttrMeta{Name: col}
		if len(pair) > 0 {
			a.Name = pair[0]
		}
		if len(pair) > 1 {
			a.Type = pair[1]
		}
		m[col] = a
	}
	return m, nil
}
