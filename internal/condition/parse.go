package condition

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/pitabwire/taxintake/model"
)

// ErrRejected is matched (via errors.Is) by every parse rejection.
var ErrRejected = errors.New("condition rejected")

// Rejection reasons.
const (
	ReasonTooLarge      = "too_large"
	ReasonTooDeep       = "too_deep"
	ReasonEmptyJunction = "empty_junction"
	ReasonMalformed     = "malformed"
)

// RejectedError describes why a serialized condition cannot be evaluated.
type RejectedError struct {
	Reason string
	Detail string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("condition rejected (%s): %s", e.Reason, e.Detail)
}

// Is makes errors.Is(err, ErrRejected) true for every RejectedError.
func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

// RejectionReason returns the Reason of a RejectedError, or "" for any other
// error.
func RejectionReason(err error) string {
	var re *RejectedError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}

func reject(reason, format string, args ...any) error {
	return &RejectedError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Parse turns a serialized condition into a validated expression tree.
//
// An empty (or JSON null) input yields (nil, nil): the template has no
// condition. Inputs longer than maxBytes, nested deeper than MaxDepth, with
// an empty junction or of any unknown shape yield a *RejectedError. A
// non-positive maxBytes selects EvaluationMaxBytes.
func Parse(raw string, maxBytes int) (Expr, error) {
	if maxBytes <= 0 {
		maxBytes = EvaluationMaxBytes
	}
	// Size is checked before any decoding work is done.
	if len(raw) > maxBytes {
		return nil, reject(ReasonTooLarge, "%d bytes exceeds limit of %d", len(raw), maxBytes)
	}
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}

	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, reject(ReasonMalformed, "invalid JSON: %v", err)
	}
	if dec.More() {
		return nil, reject(ReasonMalformed, "trailing data after condition object")
	}
	return parseNode(doc, 1)
}

// Validate checks a condition as it is authored, applying the stricter
// AuthoringMaxBytes ceiling.
func Validate(raw string) error {
	_, err := Parse(raw, AuthoringMaxBytes)
	return err
}

// MustParse is like Parse with EvaluationMaxBytes but panics on rejection.
// Intended for tests and static tables.
func MustParse(raw string) Expr {
	e, err := Parse(raw, EvaluationMaxBytes)
	if err != nil {
		panic(err)
	}
	return e
}

func parseNode(v any, depth int) (Expr, error) {
	if depth > MaxDepth {
		return nil, reject(ReasonTooDeep, "nesting exceeds maximum depth of %d", MaxDepth)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, reject(ReasonMalformed, "expected an object at depth %d, got %s", depth, describe(v))
	}

	_, hasType := obj["type"]
	_, hasConditions := obj["conditions"]
	if hasType && hasConditions {
		return parseCompound(obj, depth)
	}

	_, hasKey := obj["key"]
	_, hasValue := obj["value"]
	if hasKey && hasValue {
		return parseLeaf(obj)
	}

	return parseImplicitAnd(obj, depth)
}

func parseCompound(obj map[string]any, depth int) (Expr, error) {
	if len(obj) != 2 {
		return nil, reject(ReasonMalformed, "junction allows only \"type\" and \"conditions\"")
	}
	kindStr, ok := obj["type"].(string)
	if !ok {
		return nil, reject(ReasonMalformed, "junction type must be a string")
	}
	kind := Junction(strings.ToUpper(kindStr))
	if kind != JunctionAnd && kind != JunctionOr {
		return nil, reject(ReasonMalformed, "unknown junction type %q", kindStr)
	}
	rawChildren, ok := obj["conditions"].([]any)
	if !ok {
		return nil, reject(ReasonMalformed, "junction conditions must be an array")
	}
	if len(rawChildren) == 0 {
		return nil, reject(ReasonEmptyJunction, "%s junction has no conditions", kind)
	}

	children := make([]Expr, 0, len(rawChildren))
	for _, rc := range rawChildren {
		child, err := parseNode(rc, depth+1)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return &Compound{Kind: kind, Children: children}, nil
}

func parseLeaf(obj map[string]any) (Expr, error) {
	for k := range obj {
		if k != "key" && k != "value" && k != "operator" {
			return nil, reject(ReasonMalformed, "unexpected field %q in comparison", k)
		}
	}
	key, ok := obj["key"].(string)
	if !ok || key == "" {
		return nil, reject(ReasonMalformed, "comparison key must be a non-empty string")
	}
	value, ok := model.ScalarFromAny(obj["value"])
	if !ok {
		return nil, reject(ReasonMalformed, "comparison value for %q must be a bool, number or string", key)
	}

	op := OpEq
	if rawOp, present := obj["operator"]; present {
		opStr, ok := rawOp.(string)
		if !ok {
			return nil, reject(ReasonMalformed, "operator for %q must be a string", key)
		}
		op, ok = operatorAliases[strings.ToLower(strings.TrimSpace(opStr))]
		if !ok {
			return nil, reject(ReasonMalformed, "unknown operator %q", opStr)
		}
	}
	return &Leaf{Key: key, Value: value, Operator: op}, nil
}

func parseImplicitAnd(obj map[string]any, depth int) (Expr, error) {
	if len(obj) == 0 {
		return nil, reject(ReasonEmptyJunction, "empty condition object at depth %d", depth)
	}
	terms := make([]Term, 0, len(obj))
	for k, v := range obj {
		if k == "" {
			return nil, reject(ReasonMalformed, "empty answer key")
		}
		sc, ok := model.ScalarFromAny(v)
		if !ok {
			return nil, reject(ReasonMalformed, "value for %q must be a bool, number or string", k)
		}
		terms = append(terms, Term{Key: k, Value: sc})
	}
	sort.Slice(terms, func(i, j int) bool { return terms[i].Key < terms[j].Key })
	return &ImplicitAnd{Terms: terms}, nil
}

func describe(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "bool"
	case json.Number:
		return "number"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// Encode serializes e back into the canonical JSON form accepted by Parse.
func Encode(e Expr) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(toDocument(e)); err != nil {
		return "", fmt.Errorf("encode condition: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func toDocument(e Expr) any {
	switch n := e.(type) {
	case *Leaf:
		return map[string]any{"key": n.Key, "value": n.Value, "operator": string(n.Operator)}
	case *ImplicitAnd:
		doc := make(map[string]any, len(n.Terms))
		for _, t := range n.Terms {
			doc[t.Key] = t.Value
		}
		return doc
	case *Compound:
		children := make([]any, 0, len(n.Children))
		for _, c := range n.Children {
			children = append(children, toDocument(c))
		}
		return map[string]any{"type": string(n.Kind), "conditions": children}
	default:
		return nil
	}
}
