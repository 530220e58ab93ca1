package paths

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Values is an ordered map from dotted path to new value. Key order is
// significant: entries are applied in document order and a later entry whose
// path overlaps an earlier one wins for the overlapping region. A plain Go map
// would lose the order the client sent, so the JSON object is decoded token by
// token.
type Values struct {
	keys   []string
	byPath map[string]any
}

// NewValues returns an empty ordered value set.
func NewValues() *Values {
	return &Values{byPath: map[string]any{}}
}

// ValuesFromPairs builds a value set from alternating path/value pairs, in the
// given order. It panics on an odd number of arguments; it is intended for
// tests and literal construction.
func ValuesFromPairs(pairs ...any) *Values {
	if len(pairs)%2 != 0 {
		panic("paths: ValuesFromPairs requires an even number of arguments")
	}
	v := NewValues()
	for i := 0; i < len(pairs); i += 2 {
		v.Set(pairs[i].(string), pairs[i+1])
	}
	return v
}

// Set assigns the value for path. A path already present keeps its original
// position; a new path is appended.
func (v *Values) Set(path string, value any) {
	if v.byPath == nil {
		v.byPath = map[string]any{}
	}
	if _, ok := v.byPath[path]; !ok {
		v.keys = append(v.keys, path)
	}
	v.byPath[path] = value
}

// Prepend inserts the value for path ahead of all existing entries. Used to
// fold a widget interaction's inline value in before the client's other
// values.
func (v *Values) Prepend(path string, value any) {
	if v.byPath == nil {
		v.byPath = map[string]any{}
	}
	if _, ok := v.byPath[path]; ok {
		v.byPath[path] = value
		return
	}
	v.keys = append([]string{path}, v.keys...)
	v.byPath[path] = value
}

// Get returns the value for path and whether it is present. A present path
// with a nil value (JSON null) reports true.
func (v *Values) Get(path string) (any, bool) {
	if v == nil || v.byPath == nil {
		return nil, false
	}
	val, ok := v.byPath[path]
	return val, ok
}

// Has reports whether path is present.
func (v *Values) Has(path string) bool {
	_, ok := v.Get(path)
	return ok
}

// Len returns the number of entries. Safe on a nil receiver.
func (v *Values) Len() int {
	if v == nil {
		return 0
	}
	return len(v.keys)
}

// Keys returns the paths in document order. The slice is a copy.
func (v *Values) Keys() []string {
	if v == nil {
		return nil
	}
	return append([]string(nil), v.keys...)
}

// Range calls fn for each entry in document order until fn returns false.
func (v *Values) Range(fn func(path string, value any) bool) {
	if v == nil {
		return
	}
	for _, k := range v.keys {
		if !fn(k, v.byPath[k]) {
			return
		}
	}
}

// Merge appends or overwrites every entry of other, preserving other's order
// for new paths.
func (v *Values) Merge(other *Values) {
	if other == nil {
		return
	}
	other.Range(func(path string, value any) bool {
		v.Set(path, value)
		return true
	})
}

// Map returns a plain unordered view of the entries.
func (v *Values) Map() map[string]any {
	out := make(map[string]any, v.Len())
	v.Range(func(path string, value any) bool {
		out[path] = value
		return true
	})
	return out
}

// MarshalJSON encodes the entries as a JSON object in document order.
func (v *Values) MarshalJSON() ([]byte, error) {
	if v == nil || len(v.keys) == 0 {
		return []byte("{}"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range v.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(v.byPath[k])
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object keeping the order its keys appear in.
func (v *Values) UnmarshalJSON(data []byte) error {
	v.keys = nil
	v.byPath = map[string]any{}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("paths: values must be a JSON object, got %v", tok)
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("paths: unexpected key token %v", keyTok)
		}
		var value any
		if err := dec.Decode(&value); err != nil {
			return err
		}
		v.Set(key, value)
	}
	_, err = dec.Token() // closing brace
	return err
}
