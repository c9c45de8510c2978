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

// Command mygrate-agent runs the journal follower loop: it loads
// configuration, wires up the schema, cursor, callback, and dispatch
// subsystems, then sweeps the binlog index until signalled to stop.
package main

import (
	"context"
	"os"

	"github.com/cockroachdb/mygrate/internal/agent"
	"github.com/cockroachdb/mygrate/internal/config"
	"github.com/cockroachdb/mygrate/internal/metrics"
	"github.com/cockroachdb/mygrate/internal/util/stopper"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

func main() {
	var configPath, bindAddr string
	pflag.StringVar(&configPath, "config", "", "path to the configuration file (overrides MYGRATE_CONFIG and the default search order)")
	pflag.StringVar(&bindAddr, "bindAddr", ":9090", "address to serve /metrics on")
	pflag.Parse()

	if configPath != "" {
		_ = os.Setenv("MYGRATE_CONFIG", configPath)
	}

	os.Exit(run(bindAddr))
}

func run(bindAddr string) int {
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Error("fatal configuration error")
		return 2
	}

	ctx := stopper.WithContext(context.Background())

	a, cleanup, err := agent.Start(ctx, cfg)
	if err != nil {
		log.WithError(err).Error("fatal error during startup")
		return 2
	}
	defer cleanup()

	ctx.Go(func() error {
		if err := metrics.Serve(ctx, bindAddr); err != nil {
			log.WithError(err).Warn("metrics server stopped")
		}
		return nil
	})

	if err := a.Run(ctx); err != nil {
		log.WithError(err).Error("fatal error during sweep loop")
		return 1
	}
	return 0
}
