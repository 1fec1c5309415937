package ingest

import (
	"bytes"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
)

var invalidKeyChars = strings.NewReplacer(".", "_", "$", "_")

// marshaller rewrites JSON object keys containing '.' or '$'. It remembers per
// topic whether a rewrite was ever needed and stops checking topics found clean.
type marshaller struct {
	states sync.Map // topic -> bool
}

func (m *marshaller) needsCheck(topic string) bool {
	needed, known := m.states.Load(topic)
	return !known || needed.(bool)
}

// shape returns the JSON form to store for value, or nil when value is not JSON.
func (m *marshaller) shape(topic string, value []byte, rewrite bool) []byte {
	if !json.Valid(value) {
		return nil
	}
	if !rewrite || !m.needsCheck(topic) {
		return value
	}

	dec := json.NewDecoder(bytes.NewReader(value))
	dec.UseNumber()
	var parsed any
	if err := dec.Decode(&parsed); err != nil {
		return nil
	}

	cleaned, changed := rewriteKeys(parsed)
	if !changed {
		m.states.LoadOrStore(topic, false)
		return value
	}
	m.states.Store(topic, true)
	out, err := json.Marshal(cleaned)
	if err != nil {
		return nil
	}
	return out
}

func (m *marshaller) snapshot() map[string]bool {
	out := make(map[string]bool)
	m.states.Range(func(k, v any) bool {
		out[k.(string)] = v.(bool)
		return true
	})
	return out
}

func rewriteKeys(v any) (any, bool) {
	switch t := v.(type) {
	case map[string]any:
		changed := false
		out := make(map[string]any, len(t))
		for k, val := range t {
			nk := invalidKeyChars.Replace(k)
			nv, c := rewriteKeys(val)
			if nk != k || c {
				changed = true
			}
			out[nk] = nv
		}
		return out, changed
	case []any:
		changed := false
		out := make([]any, len(t))
		for i, val := range t {
			nv, c := rewriteKeys(val)
			changed = changed || c
			out[i] = nv
		}
		return out, changed
	default:
		return v, false
	}
}
