// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/db"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/taskqueue"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/timewindow"
)

const plansYAML = `
plans:
  - plan_id: basic
    metrics:
      - name: heavy_api_calls
        prices:
          - country: USA
            price: 0.03
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func event(at int64, calls int) string {
	return fmt.Sprintf(`{"start":%d,"end":%d,"organization_id":"org","space_id":"space",`+
		`"consumer_id":"app","resource_id":"object-storage","plan_id":"basic",`+
		`"resource_instance_id":"i1","measured_usage":[{"measure":"heavy_api_calls","quantity":%d}]}`, at, at, calls)
}

func TestDecodeEvents(t *testing.T) {
	t.Parallel()

	in := event(1, 1) + "\n" +
		"[" + event(2, 1) + "," + event(3, 1) + "]\n" +
		`{"usage":[` + event(4, 1) + `]}`
	events, err := decodeEvents(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, events, 4)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Start)
		assert.Equal(t, "org/i1/app/basic", e.InstanceKey())
	}

	events, err = decodeEvents(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, events)

	_, err = decodeEvents(strings.NewReader(event(1, 1) + "\n{broken"))
	assert.ErrorContains(t, err, "value 2")
}

func TestParseTime(t *testing.T) {
	t.Parallel()
	now := time.Date(2015, 1, 3, 12, 0, 0, 0, time.UTC)

	got, err := parseTime("", now)
	require.NoError(t, err)
	assert.Equal(t, now, got)

	got, err = parseTime("1420286400000", now)
	require.NoError(t, err)
	assert.True(t, now.Equal(got))

	got, err = parseTime("2015-01-03T13:00:00+01:00", now)
	require.NoError(t, err)
	assert.True(t, now.Equal(got))

	_, err = parseTime("yesterday", now)
	assert.Error(t, err)
}

func TestStageTypes(t *testing.T) {
	t.Parallel()

	types, err := stageTypes([]string{"accumulate", "renew"})
	require.NoError(t, err)
	assert.Equal(t, []taskqueue.TaskType{taskqueue.TaskTypeAccumulate, taskqueue.TaskTypeRenew}, types)

	_, err = stageTypes([]string{"accumulate", "bill"})
	assert.ErrorContains(t, err, "bill")
	_, err = stageTypes(nil)
	assert.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	plans := writeFile(t, "plans.yaml", plansYAML)
	t.Setenv("SLACK", "2D")
	t.Setenv("RESULTS_CACHE_MAX_AGE", "60000")

	v := viper.New()
	v.Set("plans.file", plans)
	v.Set("store.driver", "sqlite")
	v.Set("store.dsn", ":memory:")
	cfg, err := loadConfig(v)
	require.NoError(t, err)

	assert.Equal(t, "2D", cfg.Usage.Slack)
	assert.Equal(t, int64(60000), cfg.Reporting.ResultsCacheMaxAge)
	assert.Equal(t, db.DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, QueueDB, cfg.Queue.Backend)
	assert.Equal(t, "local", cfg.Lock.Backend)
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"no plans", func(c *Config) { c.Plans.File = "" }, "plans"},
		{"db queue on memory store", func(c *Config) { c.Queue.Backend = QueueDB }, "queue"},
		{"unknown queue", func(c *Config) { c.Queue.Backend = "kafka" }, "queue"},
		{"unknown store", func(c *Config) { c.Store.Driver = "cassandra" }, "store"},
		{"bad slack", func(c *Config) { c.Usage.Slack = "soon" }, "usage"},
		{"unknown sink", func(c *Config) { c.Sink.Type = "s3" }, "sink"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Plans.File = "plans.yaml"
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.Equal(t, QueueMemory, cfg.Queue.Backend)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

// drain runs the queued tasks of every stage and returns how many ran.
func drain(t *testing.T, s *services) int {
	t.Helper()
	ctx := context.Background()
	handlers, err := s.pipeline.Handlers()
	require.NoError(t, err)
	byType := map[taskqueue.TaskType]taskqueue.Handler{}
	for _, h := range handlers {
		byType[h.Type()] = h
	}
	n := 0
	for {
		task, err := s.queue.Dequeue(ctx, "test")
		require.NoError(t, err)
		if task == nil {
			return n
		}
		n++
		require.NoError(t, byType[task.Type].Handle(ctx, task))
		require.NoError(t, s.queue.Complete(ctx, task.ID))
	}
}

func TestServices_SubmitAndReport(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for _, driver := range []db.Driver{db.DriverMemory, db.DriverSQLite} {
		t.Run(string(driver), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Plans.File = writeFile(t, "plans.yaml", plansYAML)
			cfg.Store.Driver = driver
			if driver == db.DriverSQLite {
				cfg.Store.DSN = "file:" + filepath.Join(t.TempDir(), "abacus.db")
				cfg.Store.Partitioned = false
			}
			require.NoError(t, cfg.Validate())

			s, err := newServices(ctx, cfg)
			require.NoError(t, err)
			defer s.Close()

			now := time.Now().UTC()
			at := now.Add(-time.Second).UnixMilli()
			events := writeFile(t, "events.json", event(at, 100)+"\n"+event(at+1, 100)+"\n"+event(at+2, 100))
			require.NoError(t, submitFile(ctx, s, events))
			assert.Equal(t, 6, drain(t, s))

			report, err := s.reporter.Query(ctx, "org", now)
			require.NoError(t, err)
			require.Len(t, report.Resources, 1)
			m := report.Resources[0].Plans[0].AggregatedUsage[0]
			require.NotNil(t, m.Windows[timewindow.Month][0])
			assert.Equal(t, "300", m.Windows[timewindow.Month][0].Summary.String())
		})
	}
}

func TestServices_InvalidPlans(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Plans.File = filepath.Join(t.TempDir(), "missing.yaml")
	require.NoError(t, cfg.Validate())
	_, err := newServices(context.Background(), cfg)
	assert.Error(t, err)
}
