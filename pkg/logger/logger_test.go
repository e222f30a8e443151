// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestCtx_FallsBackToGlobal(t *testing.T) {
	assert.Same(t, &globalLogger, Ctx(context.Background()))
	assert.Same(t, &globalLogger, Ctx(nil)) //nolint:staticcheck
}

func TestWithFields(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)
	ctx := WithLogger(context.Background(), &base)

	ctx = WithFields(ctx, "org", "o1", "stage", "accumulate")
	Ctx(ctx).Info().Msg("accumulated")

	assert.Contains(t, buf.String(), `"org":"o1"`)
	assert.Contains(t, buf.String(), `"stage":"accumulate"`)
}
