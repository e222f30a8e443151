// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package plan

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/decimal"
)

// Value is a metered, accumulated or aggregated quantity as raw JSON. It is
// a number for most metrics and a small object for metrics that track
// consumption over time. Only the metric's Functions interpret it; nil and
// JSON null both mean "no value".
type Value = json.RawMessage

// IsNull reports whether v holds no value.
func IsNull(v Value) bool {
	t := bytes.TrimSpace(v)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

// Number encodes d as a JSON number value.
func Number(d decimal.Decimal) (Value, error) {
	if err := d.Err(); err != nil {
		return nil, err
	}
	return d.MarshalJSON()
}

// ToDecimal decodes a numeric value. Null decodes to zero.
func ToDecimal(v Value) (decimal.Decimal, error) {
	if IsNull(v) {
		return decimal.Zero, nil
	}
	var d decimal.Decimal
	if err := json.Unmarshal(v, &d); err != nil {
		return decimal.Zero, fmt.Errorf("quantity %s is not a number: %w", string(v), err)
	}
	return d, nil
}

// Clone returns a copy of v that does not share its backing array.
func Clone(v Value) Value {
	if v == nil {
		return nil
	}
	return bytes.Clone(v)
}

func encode(v any) (Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}
