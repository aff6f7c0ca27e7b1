// Package query implements the expression language used to inspect session
// state: a JMESPath-style path grammar (field access, indexing, projections,
// filters, multi-select hashes, pipes) plus aggregate and string extension
// functions. Expressions are compiled once and evaluated against JSON-shaped
// documents; evaluation is pure, deterministic, and never mutates its input.
package query

import (
	"reflect"
)

// Search compiles and evaluates an expression against a document in one
// call. The document must be JSON-shaped (maps, slices, float64, string,
// bool, nil), as produced by session.View or by decoding a snapshot.
func Search(src string, doc any) (any, error) {
	e, err := Compile(src)
	if err != nil {
		return nil, err
	}
	return e.Search(doc)
}

// Search evaluates the compiled expression against a document. The document
// is never mutated; identical inputs always produce identical results.
func (e *Expr) Search(doc any) (any, error) {
	return eval(e.root, doc)
}

func eval(n node, cur any) (any, error) {
	switch v := n.(type) {
	case currentNode:
		return cur, nil
	case literalNode:
		return v.value, nil
	case chainNode:
		return evalChain(v, cur)
	case pipeNode:
		left, err := eval(v.left, cur)
		if err != nil {
			return nil, err
		}
		return eval(v.right, left)
	case compareNode:
		return evalCompare(v, cur)
	case andNode:
		left, err := eval(v.left, cur)
		if err != nil {
			return nil, err
		}
		if !truthy(left) {
			return left, nil
		}
		return eval(v.right, cur)
	case orNode:
		left, err := eval(v.left, cur)
		if err != nil {
			return nil, err
		}
		if truthy(left) {
			return left, nil
		}
		return eval(v.right, cur)
	case notNode:
		operand, err := eval(v.operand, cur)
		if err != nil {
			return nil, err
		}
		return !truthy(operand), nil
	case funcNode:
		return evalFunc(v, cur)
	case exprRefNode:
		return nil, evalErrorf("expression reference is only valid as a function argument")
	default:
		return nil, evalErrorf("unknown node %q", n.nodeName())
	}
}

// evalChain walks postfix steps. After a projection ([*] or [?...]) the
// remaining field/index/hash steps map over the elements and drop null
// results; a pipe ends the projection (handled naturally by pipeNode).
func evalChain(c chainNode, cur any) (any, error) {
	v, err := eval(c.base, cur)
	if err != nil {
		return nil, err
	}
	projecting := false
	for _, s := range c.steps {
		switch st := s.(type) {
		case projectStep:
			arr, ok := v.([]any)
			if !ok {
				return nil, nil
			}
			v = arr
			projecting = true
		case filterStep:
			arr, ok := v.([]any)
			if !ok {
				return nil, nil
			}
			var kept []any
			for _, item := range arr {
				ok, err := evalPredicate(st.pred, item)
				if err != nil {
					return nil, err
				}
				if ok {
					kept = append(kept, item)
				}
			}
			if kept == nil {
				kept = []any{}
			}
			v = kept
			projecting = true
		case indexStep:
			if projecting {
				mapped, err := mapElements(v, func(item any) (any, error) {
					return applyIndex(item, st.index), nil
				})
				if err != nil {
					return nil, err
				}
				v = mapped
			} else {
				v = applyIndex(v, st.index)
			}
		case fieldStep:
			if projecting {
				mapped, err := mapElements(v, func(item any) (any, error) {
					return applyField(item, st.name), nil
				})
				if err != nil {
					return nil, err
				}
				v = mapped
			} else {
				v = applyField(v, st.name)
			}
		case hashStep:
			if projecting {
				mapped, err := mapElements(v, func(item any) (any, error) {
					return applyHash(st, item)
				})
				if err != nil {
					return nil, err
				}
				v = mapped
			} else {
				h, err := applyHash(st, v)
				if err != nil {
					return nil, err
				}
				v = h
			}
		}
		if v == nil && !projecting {
			return nil, nil
		}
	}
	return v, nil
}

func mapElements(v any, fn func(any) (any, error)) (any, error) {
	arr, ok := v.([]any)
	if !ok {
		return nil, nil
	}
	out := make([]any, 0, len(arr))
	for _, item := range arr {
		mapped, err := fn(item)
		if err != nil {
			return nil, err
		}
		if mapped != nil {
			out = append(out, mapped)
		}
	}
	return out, nil
}

func applyField(v any, name string) any {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	return m[name]
}

func applyIndex(v any, idx int) any {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	if idx < 0 {
		idx += len(arr)
	}
	if idx < 0 || idx >= len(arr) {
		return nil
	}
	return arr[idx]
}

func applyHash(h hashStep, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	out := make(map[string]any, len(h.pairs))
	for _, p := range h.pairs {
		val, err := eval(p.expr, v)
		if err != nil {
			return nil, err
		}
		out[p.key] = val
	}
	return out, nil
}

func evalPredicate(pred node, item any) (bool, error) {
	v, err := eval(pred, item)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

func evalCompare(c compareNode, cur any) (any, error) {
	left, err := eval(c.left, cur)
	if err != nil {
		return nil, err
	}
	right, err := eval(c.right, cur)
	if err != nil {
		return nil, err
	}
	switch c.op {
	case tEq:
		return valueEqual(left, right), nil
	case tNe:
		return !valueEqual(left, right), nil
	}
	// Ordering comparisons are defined for numbers only; anything else
	// evaluates to null, which filters treat as false.
	lf, lok := toNumber(left)
	rf, rok := toNumber(right)
	if !lok || !rok {
		return nil, nil
	}
	switch c.op {
	case tLt:
		return lf < rf, nil
	case tLe:
		return lf <= rf, nil
	case tGt:
		return lf > rf, nil
	case tGe:
		return lf >= rf, nil
	}
	return nil, evalErrorf("unsupported comparison operator")
}

func valueEqual(a, b any) bool {
	if af, ok := toNumber(a); ok {
		if bf, bok := toNumber(b); bok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

// truthy follows JMESPath semantics: false, null, empty string, empty array
// and empty object are false; everything else is true.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}
