package mapping

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/loomworks/loom/pkg/schema"
)

// builtinFunc is a named transform dispatched by FUNCTION field transforms.
type builtinFunc func(value any, args map[string]any) (any, error)

// builtins is the fixed table of FUNCTION transforms. Validation rejects
// unknown names before a mapping is ever executed.
var builtins = map[string]builtinFunc{
	"string_upper":  func(v any, _ map[string]any) (any, error) { return strings.ToUpper(stringify(v)), nil },
	"string_lower":  func(v any, _ map[string]any) (any, error) { return strings.ToLower(stringify(v)), nil },
	"string_trim":   func(v any, _ map[string]any) (any, error) { return strings.TrimSpace(stringify(v)), nil },
	"string_split":  stringSplit,
	"array_join":    arrayJoin,
	"array_length":  arrayLength,
	"array_first":   arrayFirst,
	"array_last":    arrayLast,
	"json_stringify": jsonStringify,
	"json_parse":    jsonParse,
	"date_format":   dateFormat,
	"now_iso":       func(any, map[string]any) (any, error) { return time.Now().UTC().Format(time.RFC3339), nil },
	"math_round":    mathFn(math.Round),
	"math_floor":    mathFn(math.Floor),
	"math_ceil":     mathFn(math.Ceil),
	"math_abs":      mathFn(math.Abs),
	"number_format": numberFormat,
	"to_number":     toNumberFn,
	"to_string":     func(v any, _ map[string]any) (any, error) { return stringify(v), nil },
	"default":       defaultFn,
}

// HasFunction reports whether a FUNCTION transform name is known.
func HasFunction(name string) bool {
	_, ok := builtins[name]
	return ok
}

func callFunction(name string, value any, args map[string]any) (any, error) {
	fn, ok := builtins[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeMapping, "unknown transform function %q", name)
	}
	return fn(value, args)
}

func stringSplit(v any, args map[string]any) (any, error) {
	sep := ","
	if s, ok := args["separator"].(string); ok {
		sep = s
	}
	parts := strings.Split(stringify(v), sep)
	out := make([]any, len(parts))
	for i, p := range parts {
		out[i] = p
	}
	return out, nil
}

func arrayJoin(v any, args map[string]any) (any, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeMapping, "array_join expects an array, got %T", v)
	}
	sep := ","
	if s, ok := args["separator"].(string); ok {
		sep = s
	}
	parts := make([]string, len(list))
	for i, el := range list {
		parts[i] = stringify(el)
	}
	return strings.Join(parts, sep), nil
}

func arrayLength(v any, _ map[string]any) (any, error) {
	switch val := v.(type) {
	case []any:
		return len(val), nil
	case string:
		return len(val), nil
	case map[string]any:
		return len(val), nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeMapping, "array_length expects an array, string or object, got %T", v)
	}
}

func arrayFirst(v any, _ map[string]any) (any, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeMapping, "array_first expects an array, got %T", v)
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func arrayLast(v any, _ map[string]any) (any, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeMapping, "array_last expects an array, got %T", v)
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[len(list)-1], nil
}

func jsonStringify(v any, _ map[string]any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeMapping, "json_stringify: %s", err.Error()).WithCause(err)
	}
	return string(b), nil
}

func jsonParse(v any, _ map[string]any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeMapping, "json_parse expects a string, got %T", v)
	}
	var out any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeMapping, "json_parse: %s", err.Error()).WithCause(err)
	}
	return out, nil
}

// dateFormat parses the value (RFC3339 string or unix seconds) and formats it
// with the Go layout in args["format"], defaulting to RFC3339.
func dateFormat(v any, args map[string]any) (any, error) {
	var t time.Time
	switch val := v.(type) {
	case string:
		parsed, err := time.Parse(time.RFC3339, val)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeMapping, "date_format: parse %q: %s", val, err.Error()).WithCause(err)
		}
		t = parsed
	case float64:
		t = time.Unix(int64(val), 0).UTC()
	case int64:
		t = time.Unix(val, 0).UTC()
	case int:
		t = time.Unix(int64(val), 0).UTC()
	case time.Time:
		t = val
	default:
		return nil, schema.NewErrorf(schema.ErrCodeMapping, "date_format expects a timestamp, got %T", v)
	}

	layout := time.RFC3339
	if f, ok := args["format"].(string); ok && f != "" {
		layout = f
	}
	return t.Format(layout), nil
}

func mathFn(fn func(float64) float64) builtinFunc {
	return func(v any, _ map[string]any) (any, error) {
		n, err := toNumber(v)
		if err != nil {
			return nil, err
		}
		return fn(n), nil
	}
}

func numberFormat(v any, args map[string]any) (any, error) {
	n, err := toNumber(v)
	if err != nil {
		return nil, err
	}
	decimals := 2
	if d, ok := args["decimals"].(float64); ok {
		decimals = int(d)
	} else if d, ok := args["decimals"].(int); ok {
		decimals = d
	}
	return strconv.FormatFloat(n, 'f', decimals, 64), nil
}

func toNumberFn(v any, _ map[string]any) (any, error) {
	return toNumber(v)
}

func defaultFn(v any, args map[string]any) (any, error) {
	if v == nil || v == "" {
		return args["value"], nil
	}
	return v, nil
}

func toNumber(v any) (float64, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case float32:
		return float64(val), nil
	case int:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case json.Number:
		return val.Float64()
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, schema.NewErrorf(schema.ErrCodeMapping, "cannot convert %q to number", val)
		}
		return n, nil
	case bool:
		if val {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, schema.NewErrorf(schema.ErrCodeMapping, "cannot convert %T to number", v)
	}
}

// stringify renders a value the way it should appear inside a formatted
// string: strings verbatim, scalars via strconv, composites as JSON.
func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
