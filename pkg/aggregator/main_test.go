// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package aggregator

import (
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
