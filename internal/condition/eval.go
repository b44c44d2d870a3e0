package condition

import "github.com/pitabwire/taxintake/model"

// Lookup resolves an answer key. The second result is false when the key
// has no value.
type Lookup func(key string) (model.Scalar, bool)

// Evaluate reports whether e holds for the answers visible through lookup.
// A key without a value never satisfies a term. A nil expression is false.
func Evaluate(e Expr, lookup Lookup) bool {
	switch n := e.(type) {
	case *Leaf:
		actual, ok := lookup(n.Key)
		if !ok {
			return false
		}
		return compare(actual, n.Operator, n.Value)
	case *ImplicitAnd:
		for _, t := range n.Terms {
			actual, ok := lookup(t.Key)
			if !ok || !actual.Equal(t.Value) {
				return false
			}
		}
		return true
	case *Compound:
		if n.Kind == JunctionOr {
			for _, child := range n.Children {
				if Evaluate(child, lookup) {
					return true
				}
			}
			return false
		}
		for _, child := range n.Children {
			if !Evaluate(child, lookup) {
				return false
			}
		}
		return len(n.Children) > 0
	default:
		return false
	}
}

// compare applies op to actual and want. Ordering operators only hold
// between two numbers.
func compare(actual model.Scalar, op Operator, want model.Scalar) bool {
	switch op {
	case OpEq:
		return actual.Equal(want)
	case OpNe:
		return !actual.Equal(want)
	}

	a, aok := actual.AsNumber()
	w, wok := want.AsNumber()
	if !aok || !wok {
		return false
	}
	switch op {
	case OpGt:
		return a > w
	case OpGte:
		return a >= w
	case OpLt:
		return a < w
	case OpLte:
		return a <= w
	default:
		return false
	}
}
