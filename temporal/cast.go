package temporal

import (
	"cmp"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Float casts to float64. Booleans map true to 0 and false to 1, matching
// the controller convention where a closed contact reads as zero.
func (v Value[T]) Float() Value[float64] {
	if !v.valid {
		return Invalid[float64]()
	}

	var f float64
	switch x := any(v.value).(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int64:
		f = float64(x)
	case int:
		f = float64(x)
	case int32:
		f = float64(x)
	case bool:
		f = boolToNumber(x)
	case string:
		parsed, ok := parseDecimal(x)
		if !ok {
			return Invalid[float64]()
		}
		f = parsed
	default:
		return Invalid[float64]()
	}

	return Value[float64]{value: f, lastUpdate: v.lastUpdate, valid: true}
}

// Int casts to int64. Floats are rounded half-up.
func (v Value[T]) Int() Value[int64] {
	if !v.valid {
		return Invalid[int64]()
	}

	var n int64
	switch x := any(v.value).(type) {
	case int64:
		n = x
	case int:
		n = int64(x)
	case int32:
		n = int64(x)
	case float64:
		r, ok := roundHalfUp(x)
		if !ok {
			return Invalid[int64]()
		}
		n = r
	case float32:
		r, ok := roundHalfUp(float64(x))
		if !ok {
			return Invalid[int64]()
		}
		n = r
	case bool:
		n = int64(boolToNumber(x))
	case string:
		parsed, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return Invalid[int64]()
		}
		n = parsed
	default:
		return Invalid[int64]()
	}

	return Value[int64]{value: n, lastUpdate: v.lastUpdate, valid: true}
}

// Bool casts to bool. Numbers are true when nonzero; strings accept
// on/off, 1/0, true/false and yes/no.
func (v Value[T]) Bool() Value[bool] {
	if !v.valid {
		return Invalid[bool]()
	}

	var b bool
	switch x := any(v.value).(type) {
	case bool:
		b = x
	case float64:
		b = x != 0
	case float32:
		b = x != 0
	case int64:
		b = x != 0
	case int:
		b = x != 0
	case int32:
		b = x != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "on", "1", "true", "yes":
			b = true
		case "off", "0", "false", "no":
			b = false
		default:
			return Invalid[bool]()
		}
	default:
		return Invalid[bool]()
	}

	return Value[bool]{value: b, lastUpdate: v.lastUpdate, valid: true}
}

// Text casts to the canonical string form of the value.
func (v Value[T]) Text() Value[string] {
	if !v.valid {
		return Invalid[string]()
	}

	var s string
	switch x := any(v.value).(type) {
	case string:
		s = x
	case float64:
		s = strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		s = strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int64:
		s = strconv.FormatInt(x, 10)
	case int:
		s = strconv.Itoa(x)
	case bool:
		s = strconv.FormatBool(x)
	default:
		s = fmt.Sprint(x)
	}

	return Value[string]{value: s, lastUpdate: v.lastUpdate, valid: true}
}

// Cast converts v to S using the fixed coercion rules of Float, Int, Bool
// and Text. Interface targets keep the dynamic value when it satisfies S.
func Cast[S, T comparable](v Value[T]) Value[S] {
	var zero S
	switch any(zero).(type) {
	case float64:
		return any(v.Float()).(Value[S])
	case int64:
		return any(v.Int()).(Value[S])
	case bool:
		return any(v.Bool()).(Value[S])
	case string:
		return any(v.Text()).(Value[S])
	}

	if same, ok := any(v).(Value[S]); ok {
		return same
	}
	if !v.valid {
		return Invalid[S]()
	}
	if s, ok := any(v.value).(S); ok {
		return Value[S]{value: s, lastUpdate: v.lastUpdate, valid: true}
	}

	return Invalid[S]()
}

// Compare orders two values of the same kind. Invalid and cross-kind pairs
// compare as equal.
func Compare[A, B comparable](a Value[A], b Value[B]) int {
	if !a.valid || !b.valid {
		return 0
	}

	switch x := any(a.value).(type) {
	case float64:
		if y, ok := any(b.value).(float64); ok {
			return cmp.Compare(x, y)
		}
	case int64:
		if y, ok := any(b.value).(int64); ok {
			return cmp.Compare(x, y)
		}
	case string:
		if y, ok := any(b.value).(string); ok {
			return strings.Compare(x, y)
		}
	case bool:
		if y, ok := any(b.value).(bool); ok {
			switch {
			case x == y:
				return 0
			case !x:
				return -1
			default:
				return 1
			}
		}
	}

	return 0
}

// From builds a dynamically typed value. Numbers and booleans are kept;
// anything else is parsed as a number, then as a true/false keyword and is
// finally stored as a string.
func From(v any, at time.Time) Value[any] {
	switch x := v.(type) {
	case nil:
		return Invalid[any]()
	case float64, int64, bool:
		return New[any](x, at)
	case float32:
		return New[any](float64(x), at)
	case int:
		return New[any](int64(x), at)
	case int32:
		return New[any](int64(x), at)
	}

	s, ok := v.(string)
	if !ok {
		s = fmt.Sprint(v)
	}
	if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
		return New[any](f, at)
	}
	switch {
	case strings.EqualFold(s, "true"):
		return New[any](true, at)
	case strings.EqualFold(s, "false"):
		return New[any](false, at)
	}

	return New[any](s, at)
}

func boolToNumber(b bool) float64 {
	if b {
		return 0
	}

	return 1
}

func roundHalfUp(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	r := math.Floor(f + 0.5)
	if r >= float64(math.MaxInt64) || r < float64(math.MinInt64) {
		return 0, false
	}

	return int64(r), true
}

// parseDecimal reads the leading number of s. A comma marks a comma-decimal
// string where dots group thousands.
func parseDecimal(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, ",") {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
	}

	end := 0
	if end < len(s) && s[end] == '-' {
		end++
	}
	digits := 0
	for end < len(s) && isDigit(s[end]) {
		end++
		digits++
	}
	if end < len(s) && s[end] == '.' {
		frac := end + 1
		for frac < len(s) && isDigit(s[frac]) {
			frac++
			digits++
		}
		if frac > end+1 {
			end = frac
		}
	}
	if digits == 0 {
		return 0, false
	}

	f, err := strconv.ParseFloat(s[:end], 64)
	if err != nil {
		return 0, false
	}

	return f, true
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
