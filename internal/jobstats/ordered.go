package jobstats

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Pair is one entry of an OrderedMap.
type Pair struct {
	Key   string
	Value json.RawMessage
}

// OrderedMap is a JSON object whose key order is preserved across decode and encode.
type OrderedMap []Pair

// leadingKeys are always rendered first by Sorted.
var leadingKeys = []string{"source", "last_update_time", "last_update_timestamp"}

// Get returns the raw value stored under key.
func (m OrderedMap) Get(key string) (json.RawMessage, bool) {
	for _, p := range m {
		if p.Key == key {
			return p.Value, true
		}
	}
	return nil, false
}

// Sorted returns a copy with the provenance keys first and the remaining keys sorted.
func (m OrderedMap) Sorted() OrderedMap {
	if len(m) == 0 {
		return m
	}
	out := make(OrderedMap, 0, len(m))
	used := make(map[string]bool, len(leadingKeys))
	for _, k := range leadingKeys {
		if v, ok := m.Get(k); ok {
			out = append(out, Pair{Key: k, Value: v})
			used[k] = true
		}
	}
	rest := make(OrderedMap, 0, len(m))
	for _, p := range m {
		if !used[p.Key] {
			rest = append(rest, p)
		}
	}
	sort.SliceStable(rest, func(i, j int) bool { return rest[i].Key < rest[j].Key })
	return append(out, rest...)
}

// MarshalJSON encodes the pairs as a JSON object in order.
func (m OrderedMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, p := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(p.Key)
		if err != nil {
			return nil, fmt.Errorf("marshal key %q: %w", p.Key, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		if len(p.Value) == 0 {
			buf.WriteString("null")
			continue
		}
		if err := json.Compact(&buf, p.Value); err != nil {
			return nil, fmt.Errorf("compact value of %q: %w", p.Key, err)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object keeping the key order. An empty object or
// null decodes to a nil map.
func (m *OrderedMap) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*m = nil
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("read object start: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return errors.New("ordered map: expected JSON object")
	}
	var out OrderedMap
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("read key: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("ordered map: unexpected key token %v", keyTok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("decode value of %q: %w", key, err)
		}
		var compact bytes.Buffer
		if err := json.Compact(&compact, raw); err != nil {
			return fmt.Errorf("compact value of %q: %w", key, err)
		}
		out = append(out, Pair{Key: key, Value: compact.Bytes()})
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("read object end: %w", err)
	}
	*m = out
	return nil
}
