package pyast

import (
	"fmt"
	"strconv"
	"strings"
)

// ValueKind discriminates the shapes of decorator-argument literals the
// discoverer is able to extract directly from source text.
type ValueKind int

const (
	// KindUnknown marks an expression that was not a literal, a name or a
	// call (e.g. a comprehension, a binary op). Such elements are flagged
	// for optional late-binding.
	KindUnknown ValueKind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindNone
	KindList
	KindTuple
	// KindName is an identifier reference (e.g. a module-level constant).
	// It is not a literal, but its textual form is still useful for repr().
	KindName
	// KindCall is a call expression whose callee name and arguments were
	// extracted, e.g. the param(...) rows of a parametrize value table.
	KindCall
)

// Value is a literal (or name-reference) extracted from a decorator
// argument or a parametrize value tuple.
type Value struct {
	Kind ValueKind
	Str  string  // KindString: the string's contents; KindName: the identifier text
	Int  int64   // KindInt
	Flt  float64 // KindFloat
	Bool bool    // KindBool
	List []Value // KindList, KindTuple

	// CallName and CallArgs carry a KindCall expression's callee (dotted)
	// name and arguments.
	CallName string
	CallArgs []Arg

	// Source is the verbatim source text of the expression, used as a
	// fallback repr() when the value can't be fully interpreted, and for
	// the "try import fixtures" late-binding path.
	Source string
}

// IsLiteral reports whether v was resolved to a concrete literal (as
// opposed to KindUnknown or a call expression).
func (v Value) IsLiteral() bool {
	return v.Kind != KindUnknown && v.Kind != KindCall
}

// Repr renders v the way Python's repr() would, used to build parametrize
// variant display names.
func (v Value) Repr() string {
	switch v.Kind {
	case KindString:
		if strings.Contains(v.Str, "'") && !strings.Contains(v.Str, `"`) {
			return `"` + v.Str + `"`
		}
		return "'" + strings.ReplaceAll(v.Str, "'", "\\'") + "'"
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Flt, 'g', -1, 64)
	case KindBool:
		if v.Bool {
			return "True"
		}
		return "False"
	case KindNone:
		return "None"
	case KindName:
		return v.Str
	case KindList:
		return bracketed(v.List, "[", "]")
	case KindTuple:
		return bracketed(v.List, "(", ")")
	default:
		return v.Source
	}
}

func bracketed(vs []Value, open, close string) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = v.Repr()
	}
	return fmt.Sprintf("%s%s%s", open, strings.Join(parts, ", "), close)
}

// FromNative converts a plain Go value (as produced by JSON decoding a
// value the bridge driver observed at runtime) back into a Value, the
// inverse of Native for the JSON-representable subset.
func FromNative(v interface{}) Value {
	switch t := v.(type) {
	case nil:
		return Value{Kind: KindNone, Source: "None"}
	case bool:
		return Value{Kind: KindBool, Bool: t}
	case string:
		return Value{Kind: KindString, Str: t}
	case float64:
		if t == float64(int64(t)) {
			return Value{Kind: KindInt, Int: int64(t)}
		}
		return Value{Kind: KindFloat, Flt: t}
	case int64:
		return Value{Kind: KindInt, Int: t}
	case int:
		return Value{Kind: KindInt, Int: int64(t)}
	case []interface{}:
		list := make([]Value, len(t))
		for i, e := range t {
			list[i] = FromNative(e)
		}
		return Value{Kind: KindList, List: list}
	default:
		return Value{Kind: KindUnknown, Source: fmt.Sprint(v)}
	}
}

// Native returns v as a plain Go value (string, int64, float64, bool, nil,
// or []interface{}) suitable for JSON-encoding onto the wire to the bridge
// driver, which decodes it back into the real Python int/float/bool/list
// the value represents rather than a quoted repr() string. Repr() is for
// display names only; Native() is for execution.
func (v Value) Native() interface{} {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Flt
	case KindBool:
		return v.Bool
	case KindNone:
		return nil
	case KindList, KindTuple:
		out := make([]interface{}, len(v.List))
		for i, e := range v.List {
			out[i] = e.Native()
		}
		return out
	default:
		// KindName/KindUnknown carry no literal value the AST could resolve;
		// the source text is the best approximation available without
		// importing and evaluating the expression.
		return v.Source
	}
}
