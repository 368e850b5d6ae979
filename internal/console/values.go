package console

import (
	"fmt"
	"go/constant"
	"math/big"
	"strconv"
	"strings"
)

// toConst converts a namespace value to a constant for arithmetic.
func toConst(v any) (constant.Value, bool) {
	var c constant.Value
	switch v := v.(type) {
	case constant.Value:
		c = v
	case bool:
		c = constant.MakeBool(v)
	case string:
		c = constant.MakeString(v)
	case int:
		c = constant.MakeInt64(int64(v))
	case int32:
		c = constant.MakeInt64(int64(v))
	case int64:
		c = constant.MakeInt64(v)
	case uint:
		c = constant.MakeUint64(uint64(v))
	case uint64:
		c = constant.MakeUint64(v)
	case float32:
		c = constant.MakeFloat64(float64(v))
	case float64:
		c = constant.MakeFloat64(v)
	case *big.Int:
		c = constant.Make(v)
	default:
		return nil, false
	}
	return c, c.Kind() != constant.Unknown
}

// native converts a constant result to the Go value stored in the namespace.
func native(c constant.Value) any {
	switch c.Kind() {
	case constant.Bool:
		return constant.BoolVal(c)
	case constant.String:
		return constant.StringVal(c)
	case constant.Int:
		if i, ok := constant.Int64Val(c); ok {
			return i
		}
		return constant.Val(c)
	case constant.Float:
		f, _ := constant.Float64Val(c)
		return f
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	c, ok := toConst(v)
	if !ok {
		return 0, false
	}
	switch c.Kind() {
	case constant.Int, constant.Float:
		f, _ := constant.Float64Val(constant.ToFloat(c))
		return f, true
	}
	return 0, false
}

// Repr formats v the way the console echoes expression results.
func Repr(v any) string {
	switch v := v.(type) {
	case nil:
		return "nil"
	case string:
		return strconv.Quote(v)
	case float64:
		return formatFloat(v)
	case []string:
		quoted := make([]string, len(v))
		for i, s := range v {
			quoted[i] = strconv.Quote(s)
		}
		return "[" + strings.Join(quoted, ", ") + "]"
	}
	return fmt.Sprint(v)
}

// Str formats v the way print shows it.
func Str(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case nil:
		return "nil"
	}
	return Repr(v)
}

func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eEIN") {
		s += ".0"
	}
	return s
}

// TypeName names the console type of v.
func TypeName(v any) string {
	switch v.(type) {
	case nil:
		return "nil"
	case int64, int, *big.Int:
		return "int"
	case float64:
		return "float"
	case string:
		return "string"
	case bool:
		return "bool"
	case *Builtin, Func:
		return "func"
	}
	return fmt.Sprintf("%T", v)
}
