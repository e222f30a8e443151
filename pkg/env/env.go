// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package env

import (
	"sync"

	"github.com/spf13/viper"
)

const (
	Local      = "local"
	Production = "production"
	Testing    = "testing"
)

var (
	Env string

	once sync.Once
)

func IsLocal() bool {
	return Env == Local
}

func IsProduction() bool {
	return Env == Production
}

func IsTesting() bool {
	return Env == Testing
}

func init() {
	once.Do(func() {
		// ABACUS_ENV selects the deployment environment; production logs JSON
		_ = viper.BindEnv("env", "ABACUS_ENV")
		Env = viper.GetString("env")
		if Env == "" {
			Env = Production
		}
	})
}
