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

// Package config loads the agent's INI-style configuration file: the
// [database], [tracker], [queue] and [callbacks] sections described by
// the distilled configuration surface. It is the direct Go analogue
// of the source's ConfigParser-backed MygrateConfig.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/mygrate/internal/callback"
	"github.com/cockroachdb/mygrate/internal/dispatch"
	"github.com/cockroachdb/mygrate/internal/sourcepool"
	"github.com/cockroachdb/mygrate/internal/types"
	"github.com/pkg/errors"
	"gopkg.in/ini.v1"
)

// envVar names the environment variable holding an explicit config
// file path, checked before either of the conventional locations.
const envVar = "MYGRATE_CONFIG"

// Config is the fully parsed, typed view of the configuration file.
type Config struct {
	Database    sourcepool.ConnInfo
	BinlogIndex string

	TrackingDir   string
	TrackingDelay time.Duration

	Queue dispatch.Config

	callbacks map[string]string // db.table -> module-ref, resolved lazily by Callbacks
}

// Locate resolves the configuration file path per the search order:
// $MYGRATE_CONFIG if set, else ~/.mygrate.conf, else /etc/mygrate.conf.
// No candidate existing is a fatal configuration error.
func Locate() (string, error) {
	if p := os.Getenv(envVar); p != "" {
		return p, nil
	}

	if home, err := os.UserHomeDir(); err == nil {
		candidate := filepath.Join(home, ".mygrate.conf")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}

	const systemWide = "/etc/mygrate.conf"
	if _, err := os.Stat(systemWide); err == nil {
		return systemWide, nil
	}

	return "", errors.New("no configuration file found: set MYGRATE_CONFIG, or create ~/.mygrate.conf or /etc/mygrate.conf")
}

// Load resolves and parses the configuration file.
func Load() (*Config, error) {
	path, err := Locate()
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// LoadFile parses the configuration file at path directly, bypassing
// the search order; used by tests and by callers that already know
// the path.
func LoadFile(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, errors.Wrapf(err, "loading configuration file %s", path)
	}

	cfg := &Config{callbacks: make(map[string]string)}

	db := f.Section("database")
	cfg.Database = sourcepool.ConnInfo{
		Host:       db.Key("host").String(),
		Port:       db.Key("port").MustInt(3306),
		User:       db.Key("user").String(),
		Password:   db.Key("password").String(),
		UnixSocket: db.Key("unix_socket").String(),
	}
	cfg.BinlogIndex = db.Key("binlog_index").MustString("/var/log/mysql/mysql-bin.index")

	tracker := f.Section("tracker")
	trackingDir := tracker.Key("tracking_dir").MustString("~/.binlog-tracking")
	cfg.TrackingDir, err = expandHome(trackingDir)
	if err != nil {
		return nil, err
	}
	cfg.TrackingDelay = time.Duration(tracker.Key("tracking_delay").MustFloat64(1.0) * float64(time.Second))

	queue := f.Section("queue")
	cfg.Queue.BrokerURL = queue.Key("broker_url").String()
	if cfg.Queue.BrokerURL == "" {
		return nil, errors.New("configuration error: [queue] broker_url is required")
	}
	cfg.Queue.ErrorsLogPath = queue.Key("errors_log").MustString(os.DevNull)
	cfg.Queue.MaxRetries = queue.Key("max_retries").MustInt(3)
	cfg.Queue.RetryDelay = time.Duration(queue.Key("retry_delay").MustInt(180)) * time.Second

	if cb := f.Section("callbacks"); cb != nil {
		for _, key := range cb.Keys() {
			cfg.callbacks[key.Name()] = key.String()
		}
	}

	return cfg, nil
}

// expandHome replaces a leading "~" with the current user's home
// directory, matching Python's os.path.expanduser used by the source
// for tracking_dir.
func expandHome(p string) (string, error) {
	if p == "" || p[0] != '~' {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "resolving home directory")
	}
	return filepath.Join(home, p[1:]), nil
}

// Callbacks builds a callback.Registry from the [callbacks] section,
// resolving each module-ref string through factories. This replaces
// the source's dynamic __import__: the agent's main package is
// responsible for registering every handler factory it links in
// before calling Callbacks.
func (c *Config) Callbacks(factories map[string]callback.Factory) (*callback.Registry, error) {
	reg := callback.NewRegistry()
	for table, ref := range c.callbacks {
		factory, ok := factories[ref]
		if !ok {
			return nil, errors.Errorf("callback binding %s = %s: no factory registered for %q", table, ref, ref)
		}
		handler, err := factory()
		if err != nil {
			return nil, errors.Wrapf(err, "constructing handler %q for table %s", ref, table)
		}
		reg.Register(types.TableID(table), handler)
	}
	return reg, nil
}

// Tables returns every table id named in the [callbacks] section, in
// no particular order.
func (c *Config) Tables() []types.TableID {
	out := make([]types.TableID, 0, len(c.callbacks))
	for table := range c.callbacks {
		out = append(out, types.TableID(table))
	}
	return out
}
