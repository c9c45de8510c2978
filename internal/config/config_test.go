// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/mygrate/internal/callback"
	"github.com/cockroachdb/mygrate/internal/types"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
[database]
host = db.internal
port = 3307
user = agent
password = secret
binlog_index = /var/log/mysql/mysql-bin.index

[tracker]
tracking_dir = /var/lib/mygrate/tracking
tracking_delay = 2.5

[queue]
broker_url = kafka:9092
errors_log = /var/lib/mygrate/errors.log
max_retries = 5
retry_delay = 60

[callbacks]
db1.orders = handlers.Orders
db1.users = handlers.Users
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mygrate.conf")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFileParsesAllSections(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	require.Equal(t, "db.internal", cfg.Database.Host)
	require.Equal(t, 3307, cfg.Database.Port)
	require.Equal(t, "/var/log/mysql/mysql-bin.index", cfg.BinlogIndex)

	require.Equal(t, "/var/lib/mygrate/tracking", cfg.TrackingDir)
	require.Equal(t, 2500*time.Millisecond, cfg.TrackingDelay)

	require.Equal(t, "kafka:9092", cfg.Queue.BrokerURL)
	require.Equal(t, 5, cfg.Queue.MaxRetries)
	require.Equal(t, 60*time.Second, cfg.Queue.RetryDelay)

	require.ElementsMatch(t, []types.TableID{"db1.orders", "db1.users"}, cfg.Tables())
}

func TestLoadFileAppliesDefaults(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, "[queue]\nbroker_url = kafka:9092\n"))
	require.NoError(t, err)

	require.Equal(t, 3306, cfg.Database.Port)
	require.Equal(t, "/var/log/mysql/mysql-bin.index", cfg.BinlogIndex)
	require.Equal(t, time.Second, cfg.TrackingDelay)
	require.Equal(t, os.DevNull, cfg.Queue.ErrorsLogPath)
	require.Equal(t, 3, cfg.Queue.MaxRetries)
	require.Equal(t, 180*time.Second, cfg.Queue.RetryDelay)
}

func TestLoadFileRequiresBrokerURL(t *testing.T) {
	_, err := LoadFile(writeConfig(t, "[database]\nhost = db.internal\n"))
	require.Error(t, err)
}

func TestLocateUsesEnvironmentVariableFirst(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	t.Setenv(envVar, path)

	got, err := Locate()
	require.NoError(t, err)
	require.Equal(t, path, got)
}

func TestCallbacksResolvesRegisteredFactories(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	factories := map[string]callback.Factory{
		"handlers.Orders": func() (callback.Handler, error) { return stubHandler{}, nil },
		"handlers.Users":  func() (callback.Handler, error) { return stubHandler{}, nil },
	}
	reg, err := cfg.Callbacks(factories)
	require.NoError(t, err)
	require.ElementsMatch(t, []types.TableID{"db1.orders", "db1.users"}, reg.Tables())
}

func TestCallbacksErrorsOnUnresolvedFactory(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	_, err = cfg.Callbacks(map[string]callback.Factory{
		"handlers.Orders": func() (callback.Handler, error) { return stubHandler{}, nil },
	})
	require.Error(t, err)
}

type stubHandler struct{}

func (stubHandler) INSERT(types.TableID, map[string]types.Value) error { return nil }
func (stubHandler) UPDATE(types.TableID, map[string]types.Value, map[string]types.Value) error {
	return nil
}
func (stubHandler) DELETE(types.TableID, map[string]types.Value) error { return nil }
