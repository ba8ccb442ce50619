package httpd

import (
	"github.com/Tautulli/ember/httpd/internal/http1"
)

// Header is an ordered multimap of header fields. Lookups are
// case-insensitive; iteration and wire serialization preserve the
// order fields were added in. The zero value is ready to use.
type Header struct {
	kv []http1.Field
}

// Get returns the first value for key, or "" if absent.
func (h *Header) Get(key string) string {
	k := http1.CanonicalKey(key)
	for _, f := range h.kv {
		if f.Name == k {
			return f.Value
		}
	}
	return ""
}

// Values returns all values for key in insertion order.
func (h *Header) Values(key string) []string {
	k := http1.CanonicalKey(key)
	var vv []string
	for _, f := range h.kv {
		if f.Name == k {
			vv = append(vv, f.Value)
		}
	}
	return vv
}

// Has reports whether key is present, even with an empty value.
func (h *Header) Has(key string) bool {
	k := http1.CanonicalKey(key)
	for _, f := range h.kv {
		if f.Name == k {
			return true
		}
	}
	return false
}

// Set replaces all values for key with value, keeping the position of
// the first occurrence. Absent keys append.
func (h *Header) Set(key, value string) {
	k := http1.CanonicalKey(key)
	out := h.kv[:0]
	replaced := false
	for _, f := range h.kv {
		if f.Name != k {
			out = append(out, f)
			continue
		}
		if !replaced {
			out = append(out, http1.Field{Name: k, Value: value})
			replaced = true
		}
	}
	h.kv = out
	if !replaced {
		h.kv = append(h.kv, http1.Field{Name: k, Value: value})
	}
}

// Add appends a value for key.
func (h *Header) Add(key, value string) {
	h.kv = append(h.kv, http1.Field{Name: http1.CanonicalKey(key), Value: value})
}

// Del removes all values for key.
func (h *Header) Del(key string) {
	k := http1.CanonicalKey(key)
	out := h.kv[:0]
	for _, f := range h.kv {
		if f.Name != k {
			out = append(out, f)
		}
	}
	h.kv = out
}

// Keys returns the distinct keys in first-appearance order.
func (h *Header) Keys() []string {
	var keys []string
	for _, f := range h.kv {
		seen := false
		for _, k := range keys {
			if k == f.Name {
				seen = true
				break
			}
		}
		if !seen {
			keys = append(keys, f.Name)
		}
	}
	return keys
}

// Len returns the number of fields, counting repeats.
func (h *Header) Len() int { return len(h.kv) }

// Clone returns a deep copy.
func (h *Header) Clone() Header {
	if len(h.kv) == 0 {
		return Header{}
	}
	kv := make([]http1.Field, len(h.kv))
	copy(kv, h.kv)
	return Header{kv: kv}
}

// Each calls fn for every field in order.
func (h *Header) Each(fn func(key, value string)) {
	for _, f := range h.kv {
		fn(f.Name, f.Value)
	}
}

func headerFromFields(fields []http1.Field) Header {
	return Header{kv: fields}
}
