// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

// Package decimal provides the arbitrary precision number type used by all
// metering, rating and charging functions.
//
// Arithmetic keeps 34 significant digits and rounds half to even. Invalid
// operations (division by zero, NaN operands) poison the result: the result
// is NaN and Err reports why, so a chain of operations can be checked once
// at the end.
package decimal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/apd/v3"
)

// Precision is the number of significant digits kept by every operation.
const Precision = 34

var ctx = func() *apd.Context {
	c := apd.BaseContext.WithPrecision(Precision)
	c.Rounding = apd.RoundHalfEven
	return c
}()

// ErrInvalid is returned for results of invalid operations.
var ErrInvalid = errors.New("invalid decimal operation")

// Decimal is an immutable decimal number. The zero value is 0.
type Decimal struct {
	value apd.Decimal
	err   error
}

// Zero is 0.
var Zero = Decimal{}

// New parses a decimal string such as "12.5" or "1e-3".
func New(s string) (Decimal, error) {
	var d apd.Decimal
	if _, _, err := d.SetString(s); err != nil {
		return Decimal{}, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	if d.Form != apd.Finite {
		return Decimal{}, fmt.Errorf("invalid decimal %q: not finite", s)
	}
	return Decimal{value: d}, nil
}

// MustNew is New for constants; it panics on malformed input.
func MustNew(s string) Decimal {
	d, err := New(s)
	if err != nil {
		panic(err)
	}
	return d
}

// FromInt64 converts an integer.
func FromInt64(i int64) Decimal {
	var d apd.Decimal
	d.SetInt64(i)
	return Decimal{value: d}
}

// FromFloat64 converts a float using its shortest decimal representation.
func FromFloat64(f float64) (Decimal, error) {
	var d apd.Decimal
	if _, err := d.SetFloat64(f); err != nil {
		return Decimal{}, fmt.Errorf("invalid decimal %v: %w", f, err)
	}
	return Decimal{value: d}, nil
}

func invalid(err error) Decimal {
	d := Decimal{err: err}
	d.value.Form = apd.NaN
	return d
}

func (d Decimal) combine(o Decimal, op string, fn func(r, a, b *apd.Decimal) (apd.Condition, error)) Decimal {
	if d.err != nil {
		return d
	}
	if o.err != nil {
		return o
	}
	var r apd.Decimal
	cond, err := fn(&r, &d.value, &o.value)
	if err != nil {
		return invalid(fmt.Errorf("%w: %s: %v", ErrInvalid, op, err))
	}
	if cond.DivisionByZero() || cond.DivisionUndefined() || cond.InvalidOperation() {
		return invalid(fmt.Errorf("%w: %s: %s", ErrInvalid, op, cond))
	}
	return Decimal{value: r}
}

// Add returns d + o.
func (d Decimal) Add(o Decimal) Decimal { return d.combine(o, "add", ctx.Add) }

// Sub returns d - o.
func (d Decimal) Sub(o Decimal) Decimal { return d.combine(o, "sub", ctx.Sub) }

// Mul returns d * o.
func (d Decimal) Mul(o Decimal) Decimal { return d.combine(o, "mul", ctx.Mul) }

// Div returns d / o. Division by zero makes the result invalid.
func (d Decimal) Div(o Decimal) Decimal {
	if d.err == nil && o.err == nil && o.value.IsZero() {
		return invalid(fmt.Errorf("%w: division by zero", ErrInvalid))
	}
	return d.combine(o, "div", ctx.Quo)
}

// Neg returns -d.
func (d Decimal) Neg() Decimal {
	if d.err != nil {
		return d
	}
	var r apd.Decimal
	r.Neg(&d.value)
	return Decimal{value: r}
}

// Max returns the larger of d and o.
func (d Decimal) Max(o Decimal) Decimal {
	if d.err != nil {
		return d
	}
	if o.err != nil {
		return o
	}
	if d.Cmp(o) >= 0 {
		return d
	}
	return o
}

// Cmp compares d and o and returns -1, 0 or +1.
func (d Decimal) Cmp(o Decimal) int {
	return d.value.Cmp(&o.value)
}

// Equal compares values, ignoring trailing zeros (1.0 == 1).
func (d Decimal) Equal(o Decimal) bool {
	return d.err == nil && o.err == nil && d.Cmp(o) == 0
}

// IsZero reports whether d is 0.
func (d Decimal) IsZero() bool {
	return d.err == nil && d.value.IsZero()
}

// Err returns the first error produced while computing d.
func (d Decimal) Err() error {
	return d.err
}

// Int64 returns d rounded half to even to an integer.
func (d Decimal) Int64() (int64, error) {
	if d.err != nil {
		return 0, d.err
	}
	var r apd.Decimal
	if _, err := ctx.RoundToIntegralValue(&r, &d.value); err != nil {
		return 0, err
	}
	return r.Int64()
}

// Float64 returns the nearest float.
func (d Decimal) Float64() float64 {
	f, _ := d.value.Float64()
	return f
}

func (d Decimal) String() string {
	if d.err != nil {
		return "NaN"
	}
	var r apd.Decimal
	r.Reduce(&d.value)
	return r.Text('f')
}

// MarshalJSON writes the value as a JSON number.
func (d Decimal) MarshalJSON() ([]byte, error) {
	if d.err != nil {
		return nil, d.err
	}
	return []byte(d.String()), nil
}

// UnmarshalJSON accepts a JSON number, a numeric string or null (zero).
func (d *Decimal) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*d = Decimal{}
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		b = []byte(s)
	}
	v, err := New(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}
