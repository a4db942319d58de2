// Package document models the JSON trees returned by the secret service and
// provides typed dotted-path queries over them.
package document

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// Document is a decoded response body. Numbers are kept as json.Number so
// integer values survive without float rounding.
type Document map[string]interface{}

// Decode reads a single JSON object from r.
func Decode(r io.Reader) (Document, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if err == io.EOF {
			return Document{}, nil
		}
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if doc == nil {
		doc = Document{}
	}
	return doc, nil
}

// Query walks a dot-separated path through nested mappings. Any absent
// segment, or a segment that lands on a non-mapping value before the path is
// consumed, yields (nil, false). An empty path returns the document itself.
func Query(doc Document, path string) (interface{}, bool) {
	if doc == nil {
		return nil, false
	}
	if path == "" {
		return doc, true
	}

	var current interface{} = map[string]interface{}(doc)
	for _, segment := range strings.Split(path, ".") {
		m, ok := asMap(current)
		if !ok {
			return nil, false
		}
		next, ok := m[segment]
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

// String returns the string at path.
func String(doc Document, path string) (string, bool) {
	v, ok := Query(doc, path)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Bool returns the boolean at path.
func Bool(doc Document, path string) (bool, bool) {
	v, ok := Query(doc, path)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// Int returns the integer at path. Whole floats and numeric strings such as
// "300" are accepted, since KV payloads commonly store numbers as strings.
func Int(doc Document, path string) (int64, bool) {
	v, ok := Query(doc, path)
	if !ok {
		return 0, false
	}
	return ToInt(v)
}

// Strings returns the list of strings at path, skipping non-string items.
func Strings(doc Document, path string) ([]string, bool) {
	v, ok := Query(doc, path)
	if !ok {
		return nil, false
	}
	items, ok := v.([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out, true
}

// ToInt converts a decoded scalar into an int64.
func ToInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return floatToInt(f)
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return floatToInt(n)
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

func floatToInt(f float64) (int64, bool) {
	if f != math.Trunc(f) || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	return int64(f), true
}

// Render converts a queried value into its displayable form. Strings,
// numbers and booleans are rendered as-is; mappings and lists are encoded as
// compact JSON with sorted keys. A nil value renders as not found.
func Render(v interface{}) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		return val, true
	case json.Number:
		return val.String(), true
	case bool:
		return strconv.FormatBool(val), true
	case int:
		return strconv.Itoa(val), true
	case int64:
		return strconv.FormatInt(val, 10), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	default:
		// encoding/json sorts map keys, which makes the output canonical.
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(normalize(val)); err != nil {
			return fmt.Sprint(val), true
		}
		return strings.TrimSuffix(buf.String(), "\n"), true
	}
}

func normalize(v interface{}) interface{} {
	switch val := v.(type) {
	case Document:
		return map[string]interface{}(val)
	default:
		return val
	}
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case Document:
		return m, true
	default:
		return nil, false
	}
}
