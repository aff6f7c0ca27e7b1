package query

import (
	"encoding/json"
	"regexp"
	"strings"
)

// evalFunc dispatches the extension functions. Arguments are evaluated
// against the call site's current node; &expr arguments stay unevaluated.
func evalFunc(f funcNode, cur any) (any, error) {
	switch f.name {
	case "count":
		if err := argCount(f, 1); err != nil {
			return nil, err
		}
		arr, err := argArray(f, 0, cur)
		if err != nil {
			return nil, err
		}
		return float64(len(arr)), nil

	case "sum":
		nums, err := argNumbers(f, 0, cur)
		if err != nil {
			return nil, err
		}
		total := 0.0
		for _, n := range nums {
			total += n
		}
		return total, nil

	case "avg":
		nums, err := argNumbers(f, 0, cur)
		if err != nil {
			return nil, err
		}
		if len(nums) == 0 {
			return nil, nil
		}
		total := 0.0
		for _, n := range nums {
			total += n
		}
		return total / float64(len(nums)), nil

	case "min":
		nums, err := argNumbers(f, 0, cur)
		if err != nil {
			return nil, err
		}
		if len(nums) == 0 {
			return nil, nil
		}
		m := nums[0]
		for _, n := range nums[1:] {
			if n < m {
				m = n
			}
		}
		return m, nil

	case "max":
		nums, err := argNumbers(f, 0, cur)
		if err != nil {
			return nil, err
		}
		if len(nums) == 0 {
			return nil, nil
		}
		m := nums[0]
		for _, n := range nums[1:] {
			if n > m {
				m = n
			}
		}
		return m, nil

	case "unique":
		if err := argCount(f, 1); err != nil {
			return nil, err
		}
		arr, err := argArray(f, 0, cur)
		if err != nil {
			return nil, err
		}
		out := make([]any, 0, len(arr))
		for _, item := range arr {
			dup := false
			for _, seen := range out {
				if valueEqual(item, seen) {
					dup = true
					break
				}
			}
			if !dup {
				out = append(out, item)
			}
		}
		return out, nil

	case "group_by":
		return evalGroupBy(f, cur)

	case "replace":
		args, err := argStrings(f, cur, 3)
		if err != nil {
			return nil, err
		}
		return strings.ReplaceAll(args[0], args[1], args[2]), nil

	case "split":
		args, err := argStrings(f, cur, 2)
		if err != nil {
			return nil, err
		}
		parts := strings.Split(args[0], args[1])
		out := make([]any, len(parts))
		for i, p := range parts {
			out[i] = p
		}
		return out, nil

	case "matches":
		args, err := argStrings(f, cur, 2)
		if err != nil {
			return nil, err
		}
		re, err2 := regexp.Compile(args[1])
		if err2 != nil {
			return nil, evalErrorf("matches: invalid pattern %q: %v", args[1], err2)
		}
		return re.MatchString(args[0]), nil

	default:
		return nil, evalErrorf("unknown function %q", f.name)
	}
}

// evalGroupBy groups array items by the string form of an expression
// reference evaluated per item: group_by(task_history, &host).
func evalGroupBy(f funcNode, cur any) (any, error) {
	if len(f.args) != 2 {
		return nil, evalErrorf("group_by expects 2 arguments, got %d", len(f.args))
	}
	arr, err := argArray(f, 0, cur)
	if err != nil {
		return nil, err
	}
	ref, ok := f.args[1].(exprRefNode)
	if !ok {
		return nil, evalErrorf("group_by: second argument must be an &expression")
	}

	groups := make(map[string]any)
	for _, item := range arr {
		keyVal, err := eval(ref.expr, item)
		if err != nil {
			return nil, err
		}
		key, ok := keyVal.(string)
		if !ok {
			// Non-string keys are grouped by their JSON form.
			data, err := json.Marshal(keyVal)
			if err != nil {
				return nil, evalErrorf("group_by: key is not representable: %v", err)
			}
			key = string(data)
		}
		existing, _ := groups[key].([]any)
		groups[key] = append(existing, item)
	}
	return groups, nil
}

func argCount(f funcNode, want int) error {
	if len(f.args) != want {
		return evalErrorf("%s expects %d argument(s), got %d", f.name, want, len(f.args))
	}
	return nil
}

func argArray(f funcNode, idx int, cur any) ([]any, error) {
	if len(f.args) <= idx {
		return nil, evalErrorf("%s expects an array argument", f.name)
	}
	v, err := eval(f.args[idx], cur)
	if err != nil {
		return nil, err
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, evalErrorf("%s: argument %d must be an array, got %s", f.name, idx+1, typeName(v))
	}
	return arr, nil
}

// argNumbers evaluates an array argument and requires every element to be a
// number. An aggregate over non-numeric values is a typed failure, not a
// silent skip.
func argNumbers(f funcNode, idx int, cur any) ([]float64, error) {
	if err := argCount(f, 1); err != nil {
		return nil, err
	}
	arr, err := argArray(f, idx, cur)
	if err != nil {
		return nil, err
	}
	nums := make([]float64, 0, len(arr))
	for i, item := range arr {
		n, ok := toNumber(item)
		if !ok {
			return nil, evalErrorf("%s: element %d is %s, not a number", f.name, i, typeName(item))
		}
		nums = append(nums, n)
	}
	return nums, nil
}

func argStrings(f funcNode, cur any, want int) ([]string, error) {
	if err := argCount(f, want); err != nil {
		return nil, err
	}
	out := make([]string, want)
	for i := 0; i < want; i++ {
		v, err := eval(f.args[i], cur)
		if err != nil {
			return nil, err
		}
		s, ok := v.(string)
		if !ok {
			return nil, evalErrorf("%s: argument %d must be a string, got %s", f.name, i+1, typeName(v))
		}
		out[i] = s
	}
	return out, nil
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return "value"
	}
}
