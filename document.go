package gramdb

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Document is a single JSON-shaped record. Numbers are always float64 once a
// document has passed through the store.
type Document map[string]any

// ID returns the document's primary key, or "" when missing or not a string.
func (d Document) ID() string {
	id, _ := d["id"].(string)
	return id
}

// Get returns the value at a dotted path such as "data.questions".
func (d Document) Get(path string) (any, bool) {
	var cur any = map[string]any(d)
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// String returns the string at key, or "".
func (d Document) String(key string) string {
	s, _ := d[key].(string)
	return s
}

// Number returns the numeric value at key, or 0.
func (d Document) Number(key string) float64 {
	f, _ := toFloat(d[key])
	return f
}

// Clone returns a deep copy normalized through JSON.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out, err := normalizeDocument(d)
	if err != nil {
		// Documents inside the store are always JSON-clean.
		panic(fmt.Sprintf("gramdb: clone of non-JSON document: %v", err))
	}
	return out
}

// normalizeDocument round-trips v through JSON so that the result only holds
// map[string]any, []any, string, float64, bool and nil.
func normalizeDocument(v any) (Document, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("document is not a JSON object")
	}
	return doc, nil
}

// decodeInto converts a document into a typed value.
func decodeInto(doc Document, v any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Document:
		return m, true
	}
	return nil, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
