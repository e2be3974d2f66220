package temporal

import (
	"math"
	"testing"
)

func TestFloat(t *testing.T) {
	tests := []struct {
		name  string
		in    Value[any]
		want  float64
		valid bool
	}{
		{"float", New[any](21.5, epoch), 21.5, true},
		{"int", New[any](int64(4), epoch), 4, true},
		{"true inverts to zero", New[any](true, epoch), 0, true},
		{"false inverts to one", New[any](false, epoch), 1, true},
		{"dot decimal", New[any]("21.5", epoch), 21.5, true},
		{"comma decimal", New[any]("21,5", epoch), 21.5, true},
		{"comma decimal with grouping", New[any]("1.234,5", epoch), 1234.5, true},
		{"unit suffix", New[any]("21.5 °C", epoch), 21.5, true},
		{"negative", New[any]("-3.25", epoch), -3.25, true},
		{"leading dot", New[any](".5", epoch), 0.5, true},
		{"word", New[any]("on", epoch), 0, false},
		{"empty", New[any]("", epoch), 0, false},
		{"invalid", Invalid[any](), 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in.Float()
			if got.IsValid() != tt.valid {
				t.Fatalf("Float(%v) valid = %v, want %v", tt.in, got.IsValid(), tt.valid)
			}
			if value, _ := got.Get(); tt.valid && value != tt.want {
				t.Errorf("Float(%v) = %v, want %v", tt.in, value, tt.want)
			}
			if tt.valid && !got.LastUpdate().Equal(epoch) {
				t.Errorf("Float(%v) timestamp = %v, want %v", tt.in, got.LastUpdate(), epoch)
			}
		})
	}
}

func TestInt(t *testing.T) {
	tests := []struct {
		name  string
		in    Value[any]
		want  int64
		valid bool
	}{
		{"int", New[any](int64(9), epoch), 9, true},
		{"round half up", New[any](2.5, epoch), 3, true},
		{"round down", New[any](2.49, epoch), 2, true},
		{"negative half", New[any](-2.5, epoch), -2, true},
		{"true", New[any](true, epoch), 0, true},
		{"false", New[any](false, epoch), 1, true},
		{"string", New[any]("42", epoch), 42, true},
		{"decimal string", New[any]("4.2", epoch), 0, false},
		{"nan", New[any](math.NaN(), epoch), 0, false},
		{"two to the 63", New[any](math.Exp2(63), epoch), 0, false},
		{"min int64", New[any](-math.Exp2(63), epoch), math.MinInt64, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in.Int()
			if got.IsValid() != tt.valid {
				t.Fatalf("Int(%v) valid = %v, want %v", tt.in, got.IsValid(), tt.valid)
			}
			if value, _ := got.Get(); tt.valid && value != tt.want {
				t.Errorf("Int(%v) = %d, want %d", tt.in, value, tt.want)
			}
		})
	}
}

func TestBool(t *testing.T) {
	tests := []struct {
		in    Value[any]
		want  bool
		valid bool
	}{
		{New[any]("on", epoch), true, true},
		{New[any]("ON", epoch), true, true},
		{New[any]("yes", epoch), true, true},
		{New[any]("1", epoch), true, true},
		{New[any]("off", epoch), false, true},
		{New[any]("No", epoch), false, true},
		{New[any]("0", epoch), false, true},
		{New[any](0.0, epoch), false, true},
		{New[any](0.1, epoch), true, true},
		{New[any](int64(-1), epoch), true, true},
		{New[any]("maybe", epoch), false, false},
	}

	for _, tt := range tests {
		got := tt.in.Bool()
		if got.IsValid() != tt.valid {
			t.Errorf("Bool(%v) valid = %v, want %v", tt.in, got.IsValid(), tt.valid)
			continue
		}
		if value, _ := got.Get(); tt.valid && value != tt.want {
			t.Errorf("Bool(%v) = %v, want %v", tt.in, value, tt.want)
		}
	}
}

func TestText(t *testing.T) {
	tests := []struct {
		in   Value[any]
		want string
	}{
		{New[any]("open", epoch), "open"},
		{New[any](21.5, epoch), "21.5"},
		{New[any](int64(7), epoch), "7"},
		{New[any](true, epoch), "true"},
	}

	for _, tt := range tests {
		if got := tt.in.Text().ValueOr("<none>"); got != tt.want {
			t.Errorf("Text(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCastIdempotent(t *testing.T) {
	f := New(21.5, epoch)
	if got := Cast[float64](f); got != f {
		t.Errorf("Cast[float64](%v) = %v, want unchanged", f, got)
	}
	n := New(int64(3), epoch)
	if got := Cast[int64](n); got != n {
		t.Errorf("Cast[int64](%v) = %v, want unchanged", n, got)
	}
	s := New("x", epoch)
	if got := Cast[string](s); got != s {
		t.Errorf("Cast[string](%v) = %v, want unchanged", s, got)
	}
	b := New(true, epoch)
	if got := Cast[bool](b); got != b {
		t.Errorf("Cast[bool](%v) = %v, want unchanged", b, got)
	}
}

func TestCastInvalidStaysInvalid(t *testing.T) {
	in := Invalid[string]()
	if Cast[float64](in).IsValid() || Cast[int64](in).IsValid() ||
		Cast[bool](in).IsValid() || Cast[string](in).IsValid() || Cast[any](in).IsValid() {
		t.Error("casting an invalid value must stay invalid")
	}
}

func TestCastToAny(t *testing.T) {
	got := Cast[any](New(int64(5), epoch))
	value, ok := got.Get()
	if !ok || value != any(int64(5)) {
		t.Errorf("Cast[any] = %v, want 5", got)
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		name string
		got  int
		want int
	}{
		{"float less", Compare(New(1.0, epoch), New(2.0, epoch)), -1},
		{"int greater", Compare(New(int64(5), epoch), New(int64(2), epoch)), 1},
		{"string", Compare(New("a", epoch), New("b", epoch)), -1},
		{"bool", Compare(New(false, epoch), New(true, epoch)), -1},
		{"cross kind", Compare(New(1.0, epoch), New("a", epoch)), 0},
		{"invalid", Compare(Invalid[float64](), New(2.0, epoch)), 0},
	}

	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("Compare %s = %d, want %d", tt.name, tt.got, tt.want)
		}
	}
}

func TestFrom(t *testing.T) {
	tests := []struct {
		in   any
		want any
	}{
		{21.5, 21.5},
		{3, int64(3)},
		{"21.5", 21.5},
		{" 4 ", 4.0},
		{"true", true},
		{"false", false},
		{"True", true},
		{"FALSE", false},
		{"on", "on"},
	}

	for _, tt := range tests {
		got := From(tt.in, epoch)
		if value, ok := got.Get(); !ok || value != tt.want {
			t.Errorf("From(%#v) = %#v, want %#v", tt.in, value, tt.want)
		}
	}

	if From(nil, epoch).IsValid() {
		t.Error("From(nil) should be invalid")
	}
}
