package ddschema

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Ordered is a string-keyed map that marshals to a JSON object with keys in
// first-insertion order. The zero value is ready to use.
type Ordered[V any] struct {
	keys   []string
	values map[string]V
}

// Set stores v under k. Re-setting a key keeps its original position.
func (o *Ordered[V]) Set(k string, v V) {
	if o.values == nil {
		o.values = make(map[string]V)
	}
	if _, ok := o.values[k]; !ok {
		o.keys = append(o.keys, k)
	}
	o.values[k] = v
}

// MarshalJSON implements json.Marshaler.
func (o Ordered[V]) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range o.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(o.values[k])
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
