// Package answers resolves, validates and decodes client intake answers.
package answers

import (
	"bytes"
	"encoding/json"

	"github.com/pitabwire/taxintake/model"
)

// Resolver merges the dynamic AnswerMap and the legacy profile columns into
// a single lookup. AnswerMap entries always win.
type Resolver struct {
	answers model.AnswerMap
	legacy  model.LegacyFields
}

// NewResolver creates a Resolver over the given profile.
func NewResolver(p model.Profile) *Resolver {
	return &Resolver{answers: p.Answers, legacy: p.Legacy}
}

// Lookup returns the value for key: the AnswerMap entry if present, else the
// legacy column named by key, else nothing. Its signature matches
// condition.Lookup.
func (r *Resolver) Lookup(key string) (model.Scalar, bool) {
	if v, ok := r.answers[key]; ok && v.Valid() {
		return v, true
	}
	if field, ok := legacyFields[key]; ok {
		return field(r.legacy)
	}
	return model.Scalar{}, false
}

// Bool returns the resolved value of key if it is a bool.
func (r *Resolver) Bool(key string) (value, ok bool) {
	v, found := r.Lookup(key)
	if !found {
		return false, false
	}
	return v.AsBool()
}

// Decode parses a persisted AnswerMap document. Anything that is not a JSON
// object decodes to an empty map, and entries whose values are not scalars
// are dropped, so malformed stored data degrades to "no answers" instead of
// failing the case.
func Decode(raw []byte) model.AnswerMap {
	out := model.AnswerMap{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return out
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return out
	}
	return FromAny(doc)
}

// FromAny converts a decoded (untyped) answer document into an AnswerMap
// using the same degradation rules as Decode.
func FromAny(doc any) model.AnswerMap {
	out := model.AnswerMap{}
	obj, ok := doc.(map[string]any)
	if !ok {
		return out
	}
	for k, v := range obj {
		if sc, ok := model.ScalarFromAny(v); ok {
			out[k] = sc
		}
	}
	return out
}
