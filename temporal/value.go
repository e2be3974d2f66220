// Package temporal wraps controller readings in timestamped values that know
// whether they hold data at all and how old that data is.
package temporal

import (
	"fmt"
	"math"
	"time"
)

// Value is an immutable, optionally present value stamped with the instant
// it was last updated. The zero Value is invalid.
type Value[T comparable] struct {
	value      T
	lastUpdate time.Time
	valid      bool
}

// New returns a valid Value. A zero at is replaced by the current time. A nil
// interface value yields an invalid Value.
func New[T comparable](v T, at time.Time) Value[T] {
	if any(v) == nil {
		return Value[T]{}
	}
	if at.IsZero() {
		at = time.Now()
	}

	return Value[T]{value: v, lastUpdate: at, valid: true}
}

// Now returns a valid Value stamped with the current time.
func Now[T comparable](v T) Value[T] {
	return New(v, time.Now())
}

// Invalid returns a Value representing "no data".
func Invalid[T comparable]() Value[T] {
	return Value[T]{}
}

func (v Value[T]) IsValid() bool   { return v.valid }
func (v Value[T]) IsInvalid() bool { return !v.valid }

// Get returns the wrapped value and whether it is present.
func (v Value[T]) Get() (T, bool) {
	return v.value, v.valid
}

// LastUpdate is the zero time for invalid values.
func (v Value[T]) LastUpdate() time.Time {
	return v.lastUpdate
}

// Age is the time elapsed since the last update. Invalid values are
// infinitely old.
func (v Value[T]) Age() time.Duration {
	return v.AgeAt(time.Now())
}

// AgeAt is Age measured against now.
func (v Value[T]) AgeAt(now time.Time) time.Duration {
	if !v.valid {
		return time.Duration(math.MaxInt64)
	}

	return now.Sub(v.lastUpdate)
}

// IsExpired reports whether the value is invalid or older than maxAge.
func (v Value[T]) IsExpired(maxAge time.Duration) bool {
	return v.IsExpiredAt(maxAge, time.Now())
}

func (v Value[T]) IsExpiredAt(maxAge time.Duration, now time.Time) bool {
	return !v.valid || v.AgeAt(now) > maxAge
}

// ValueOr returns the wrapped value, or orElse when invalid.
func (v Value[T]) ValueOr(orElse T) T {
	if !v.valid {
		return orElse
	}

	return v.value
}

// ValueOrExpired returns orElse when invalid, orIfExpired when older than
// maxAge and the wrapped value otherwise.
func (v Value[T]) ValueOrExpired(orElse, orIfExpired T, maxAge time.Duration) T {
	if !v.valid {
		return orElse
	}
	if v.IsExpired(maxAge) {
		return orIfExpired
	}

	return v.value
}

// Is applies pred to a valid value; invalid values never satisfy it.
func (v Value[T]) Is(pred func(T) bool) bool {
	return v.valid && pred(v.value)
}

// IsWithin is Is that also treats expired values as failing.
func (v Value[T]) IsWithin(pred func(T) bool, maxAge time.Duration) bool {
	return !v.IsExpired(maxAge) && pred(v.value)
}

// MightBe is the optimistic counterpart to Is: without data anything is
// possible.
func (v Value[T]) MightBe(pred func(T) bool) bool {
	return !v.valid || pred(v.value)
}

func (v Value[T]) MightBeWithin(pred func(T) bool, maxAge time.Duration) bool {
	return v.IsExpired(maxAge) || pred(v.value)
}

// IfValid calls fn with the wrapped value when present.
func (v Value[T]) IfValid(fn func(T)) {
	if v.valid {
		fn(v.value)
	}
}

// Any erases the value type.
func (v Value[T]) Any() Value[any] {
	if !v.valid {
		return Invalid[any]()
	}

	return Value[any]{value: any(v.value), lastUpdate: v.lastUpdate, valid: true}
}

func (v Value[T]) String() string {
	if !v.valid {
		return "<invalid>"
	}

	return fmt.Sprintf("%v@%s", v.value, v.lastUpdate.UTC().Format(TimeLayout))
}

// Map transforms a valid value and keeps its timestamp.
func Map[A, R comparable](v Value[A], fn func(A) R) Value[R] {
	if !v.valid {
		return Invalid[R]()
	}

	return New(fn(v.value), v.lastUpdate)
}

// Combine merges two values. The result is invalid unless both inputs are
// valid and carries the earlier of the two timestamps.
func Combine[A, B, R comparable](a Value[A], b Value[B], fn func(A, B) R) Value[R] {
	if !a.valid || !b.valid {
		return Invalid[R]()
	}

	at := a.lastUpdate
	if b.lastUpdate.Before(at) {
		at = b.lastUpdate
	}

	return New(fn(a.value, b.value), at)
}

// Equal reports whether both values are valid and hold equal data.
func Equal[T comparable](a, b Value[T]) bool {
	return a.valid && b.valid && a.value == b.value
}

// FirstNonExpired returns the first value not older than maxAge, or an
// invalid value.
func FirstNonExpired[T comparable](maxAge time.Duration, values ...Value[T]) Value[T] {
	for _, v := range values {
		if !v.IsExpired(maxAge) {
			return v
		}
	}

	return Invalid[T]()
}

// FirstNonExpiredFunc evaluates producers in order and stops at the first
// fresh value.
func FirstNonExpiredFunc[T comparable](maxAge time.Duration, producers ...func() Value[T]) Value[T] {
	for _, produce := range producers {
		if v := produce(); !v.IsExpired(maxAge) {
			return v
		}
	}

	return Invalid[T]()
}
