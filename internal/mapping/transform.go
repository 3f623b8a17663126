package mapping

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Destination column types understood by both sink drivers.
const (
	TypeTimestamp = "timestamptz"
	TypeDouble    = "float8"
	TypeBigint    = "int8"
	TypeText      = "text"
	TypeBoolean   = "boolean"
)

type step struct {
	name string
	fn   func(v any) (any, error)
	// result is the destination type this step produces, empty when it
	// passes its input type through.
	result string
	// nullable steps receive nil inputs; others pass nil straight through.
	nullable bool
}

// Transform is a compiled transform expression: a pipe separated chain of
// steps such as "bigint | timestamp(us)".
type Transform struct {
	expr     string
	steps    []step
	constant bool
}

// ParseTransform compiles an expression. An empty expression yields the
// identity transform.
func ParseTransform(expr string) (*Transform, error) {
	t := &Transform{expr: strings.TrimSpace(expr)}
	if t.expr == "" {
		return t, nil
	}

	for _, term := range strings.Split(t.expr, "|") {
		name, args, err := parseTerm(strings.TrimSpace(term))
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidRule, expr, err)
		}
		s, err := buildStep(name, args)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidRule, expr, err)
		}
		if name == "const" {
			t.constant = true
		}
		t.steps = append(t.steps, s)
	}
	return t, nil
}

// String returns the source expression.
func (t *Transform) String() string { return t.expr }

// Constant reports whether the transform ignores its input.
func (t *Transform) Constant() bool { return t.constant }

// ResultType returns the destination type produced by the last typed step,
// or "" when the chain never fixes a type.
func (t *Transform) ResultType() string {
	for i := len(t.steps) - 1; i >= 0; i-- {
		if t.steps[i].result != "" {
			return t.steps[i].result
		}
	}
	return ""
}

// Apply runs every step in order.
func (t *Transform) Apply(v any) (any, error) {
	var err error
	for _, s := range t.steps {
		if v == nil && !s.nullable {
			continue
		}
		v, err = s.fn(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return v, nil
}

func parseTerm(term string) (string, []string, error) {
	if term == "" {
		return "", nil, fmt.Errorf("empty step")
	}
	open := strings.IndexByte(term, '(')
	if open < 0 {
		return strings.ToLower(term), nil, nil
	}
	if !strings.HasSuffix(term, ")") {
		return "", nil, fmt.Errorf("unterminated arguments in %q", term)
	}
	name := strings.ToLower(strings.TrimSpace(term[:open]))
	inner := strings.TrimSpace(term[open+1 : len(term)-1])
	if inner == "" {
		return name, nil, nil
	}
	var args []string
	for _, a := range strings.Split(inner, ",") {
		args = append(args, strings.Trim(strings.TrimSpace(a), `'"`))
	}
	return name, args, nil
}

func buildStep(name string, args []string) (step, error) {
	want := func(n int) error {
		if len(args) != n {
			return fmt.Errorf("%s takes %d argument(s), got %d", name, n, len(args))
		}
		return nil
	}

	switch name {
	case "timestamp":
		unit := "us"
		if len(args) > 1 {
			return step{}, want(1)
		}
		if len(args) == 1 {
			unit = strings.ToLower(args[0])
		}
		conv, err := timestampConverter(unit)
		if err != nil {
			return step{}, err
		}
		return step{name: name, fn: conv, result: TypeTimestamp}, nil
	case "double", "float":
		return step{name: name, fn: func(v any) (any, error) { return toFloat(v) }, result: TypeDouble}, want(0)
	case "bigint", "int":
		return step{name: name, fn: func(v any) (any, error) { return toInt(v) }, result: TypeBigint}, want(0)
	case "text", "string":
		return step{name: name, fn: func(v any) (any, error) { return toText(v) }, result: TypeText}, want(0)
	case "boolean", "bool":
		return step{name: name, fn: func(v any) (any, error) { return toBool(v) }, result: TypeBoolean}, want(0)
	case "scale":
		if err := want(1); err != nil {
			return step{}, err
		}
		factor, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return step{}, fmt.Errorf("scale factor %q: %v", args[0], err)
		}
		return step{name: name, result: TypeDouble, fn: func(v any) (any, error) {
			f, err := toFloat(v)
			if err != nil {
				return nil, err
			}
			return f * factor, nil
		}}, nil
	case "lower", "upper", "trim":
		fn := map[string]func(string) string{
			"lower": strings.ToLower,
			"upper": strings.ToUpper,
			"trim":  strings.TrimSpace,
		}[name]
		return step{name: name, result: TypeText, fn: func(v any) (any, error) {
			s, err := toText(v)
			if err != nil {
				return nil, err
			}
			return fn(s), nil
		}}, want(0)
	case "default":
		if err := want(1); err != nil {
			return step{}, err
		}
		lit := args[0]
		return step{name: name, nullable: true, fn: func(v any) (any, error) {
			if v == nil {
				return lit, nil
			}
			return v, nil
		}}, nil
	case "const":
		if err := want(1); err != nil {
			return step{}, err
		}
		lit := args[0]
		return step{name: name, nullable: true, result: TypeText, fn: func(any) (any, error) {
			return lit, nil
		}}, nil
	default:
		return step{}, fmt.Errorf("unknown transform %q", name)
	}
}

// timestampConverter maps an integer epoch in the given unit to a UTC time.
func timestampConverter(unit string) (func(any) (any, error), error) {
	var fromInt func(int64) time.Time
	switch unit {
	case "s":
		fromInt = func(v int64) time.Time { return time.Unix(v, 0) }
	case "ms":
		fromInt = time.UnixMilli
	case "us":
		fromInt = time.UnixMicro
	case "ns":
		fromInt = func(v int64) time.Time { return time.Unix(0, v) }
	default:
		return nil, fmt.Errorf("unknown timestamp unit %q (want s, ms, us or ns)", unit)
	}

	return func(v any) (any, error) {
		if t, ok := v.(time.Time); ok {
			return checkYear(t.UTC())
		}
		i, err := toInt(v)
		if err != nil {
			return nil, err
		}
		return checkYear(fromInt(i).UTC())
	}, nil
}

// checkYear rejects times outside years 0 to 9999, which no SQL sink stores
// and which usually mean the wrong epoch unit.
func checkYear(t time.Time) (any, error) {
	if y := t.Year(); y < 0 || y > 9999 {
		return nil, fmt.Errorf("timestamp %s is out of range (year %d)", t.Format(time.RFC3339), y)
	}
	return t, nil
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("parse %q as double", x)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("cannot convert %T to double", v)
	}
}

func toInt(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int32:
		return int64(x), nil
	case int:
		return int64(x), nil
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) || math.IsNaN(x) {
			return 0, fmt.Errorf("%v is not an integer", x)
		}
		// 2^63 is exact in float64; anything at or past it wraps in int64().
		if x < -(1<<63) || x >= 1<<63 {
			return 0, fmt.Errorf("%v overflows bigint", x)
		}
		return int64(x), nil
	case float32:
		return toInt(float64(x))
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse %q as bigint", x)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("cannot convert %T to bigint", v)
	}
}

func toText(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case int:
		return strconv.Itoa(x), nil
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32), nil
	case bool:
		return strconv.FormatBool(x), nil
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano), nil
	default:
		return "", fmt.Errorf("cannot convert %T to text", v)
	}
}

func toBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case int64:
		return x != 0, nil
	case int32:
		return x != 0, nil
	case int:
		return x != 0, nil
	case float64:
		return x != 0, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		if err != nil {
			return false, fmt.Errorf("parse %q as boolean", x)
		}
		return b, nil
	default:
		return false, fmt.Errorf("cannot convert %T to boolean", v)
	}
}
