package jobstats

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Field is one labelled entry of a notification body.
type Field struct {
	Key   string
	Value any
}

// Content is an ordered, human-readable notification body.
type Content []Field

// Add appends a field.
func (c *Content) Add(key string, value any) {
	*c = append(*c, Field{Key: key, Value: value})
}

// Get returns the value stored under key.
func (c Content) Get(key string) (any, bool) {
	for _, f := range c {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

// Set replaces the value under key, appending it when missing.
func (c *Content) Set(key string, value any) {
	for i := range *c {
		if (*c)[i].Key == key {
			(*c)[i].Value = value
			return
		}
	}
	c.Add(key, value)
}

// MarshalJSON encodes the fields as a JSON object in insertion order.
func (c Content) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range c {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Key)
		if err != nil {
			return nil, fmt.Errorf("marshal key %q: %w", f.Key, err)
		}
		val, err := json.Marshal(f.Value)
		if err != nil {
			return nil, fmt.Errorf("marshal value of %q: %w", f.Key, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
