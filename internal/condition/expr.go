// Package condition parses, validates and evaluates the small boolean
// expression language attached to checklist templates.
//
// A serialized condition is a JSON object in one of three shapes:
//
//	{"hasW2": true, "filingStatus": "single"}            implicit AND of equalities
//	{"key": "w2Count", "value": 2, "operator": "gte"}    single comparison
//	{"type": "OR", "conditions": [ ... ]}                AND / OR junction
//
// Parsing proves a condition is safe to evaluate (bounded size and depth,
// known shape); evaluation never fails.
package condition

import (
	"sort"

	"github.com/pitabwire/taxintake/model"
)

// Limits applied to serialized conditions.
const (
	// MaxDepth is the deepest allowed nesting; the root counts as depth 1.
	MaxDepth = 3

	// AuthoringMaxBytes bounds conditions accepted when templates are written.
	AuthoringMaxBytes = 2 * 1024

	// EvaluationMaxBytes bounds conditions parsed during checklist generation.
	EvaluationMaxBytes = 10 * 1024
)

// Operator is a Leaf comparison operator.
type Operator string

const (
	OpEq  Operator = "eq"
	OpNe  Operator = "ne"
	OpGt  Operator = "gt"
	OpGte Operator = "gte"
	OpLt  Operator = "lt"
	OpLte Operator = "lte"
)

// operatorAliases maps every accepted serialized spelling to an Operator.
var operatorAliases = map[string]Operator{
	"eq": OpEq, "==": OpEq, "equals": OpEq,
	"ne": OpNe, "!=": OpNe, "not_equals": OpNe,
	"gt": OpGt, ">": OpGt, "greater_than": OpGt,
	"gte": OpGte, ">=": OpGte, "greater_than_or_equal": OpGte,
	"lt": OpLt, "<": OpLt, "less_than": OpLt,
	"lte": OpLte, "<=": OpLte, "less_than_or_equal": OpLte,
}

// Junction is the kind of a Compound expression.
type Junction string

const (
	JunctionAnd Junction = "AND"
	JunctionOr  Junction = "OR"
)

// Expr is a validated condition tree. The set of implementations is closed:
// *Leaf, *ImplicitAnd and *Compound.
type Expr interface {
	// Depth returns the nesting depth of the expression, counting itself.
	Depth() int
	exprNode()
}

// Leaf compares one answer against a literal.
type Leaf struct {
	Key      string
	Value    model.Scalar
	Operator Operator
}

// Term is one equality inside an ImplicitAnd.
type Term struct {
	Key   string
	Value model.Scalar
}

// ImplicitAnd is the legacy shorthand where every entry must be equal.
// Terms are sorted by key so evaluation order is deterministic.
type ImplicitAnd struct {
	Terms []Term
}

// Compound joins child expressions with AND or OR. Children is never empty.
type Compound struct {
	Kind     Junction
	Children []Expr
}

func (*Leaf) exprNode()        {}
func (*ImplicitAnd) exprNode() {}
func (*Compound) exprNode()    {}

// Depth implements Expr.
func (*Leaf) Depth() int { return 1 }

// Depth implements Expr.
func (*ImplicitAnd) Depth() int { return 1 }

// Depth implements Expr.
func (c *Compound) Depth() int {
	deepest := 0
	for _, child := range c.Children {
		if d := child.Depth(); d > deepest {
			deepest = d
		}
	}
	return deepest + 1
}

// Keys returns the sorted, de-duplicated answer keys referenced anywhere in e.
func Keys(e Expr) []string {
	seen := make(map[string]bool)
	collectKeys(e, seen)
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func collectKeys(e Expr, seen map[string]bool) {
	switch n := e.(type) {
	case *Leaf:
		seen[n.Key] = true
	case *ImplicitAnd:
		for _, t := range n.Terms {
			seen[t.Key] = true
		}
	case *Compound:
		for _, child := range n.Children {
			collectKeys(child, seen)
		}
	}
}

// References reports whether key appears as a term anywhere in e, including
// inside nested junctions.
func References(e Expr, key string) bool {
	switch n := e.(type) {
	case *Leaf:
		return n.Key == key
	case *ImplicitAnd:
		for _, t := range n.Terms {
			if t.Key == key {
				return true
			}
		}
	case *Compound:
		for _, child := range n.Children {
			if References(child, key) {
				return true
			}
		}
	}
	return false
}
