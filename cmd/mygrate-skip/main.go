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

// Command mygrate-skip is the one-shot "skip to end" utility: for
// every journal named by the binlog index, it writes the journal's
// current byte length into its cursor file, so the agent's next sweep
// resumes from "now" rather than replaying history.
package main

import (
	"os"

	"github.com/cockroachdb/mygrate/internal/agent"
	"github.com/cockroachdb/mygrate/internal/config"
	"github.com/cockroachdb/mygrate/internal/cursor"
	"github.com/cockroachdb/mygrate/internal/follower"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

func main() {
	var force bool
	pflag.BoolVar(&force, "force", false, "skip the interactive confirmation prompt")
	pflag.Parse()

	os.Exit(run(force))
}

func run(force bool) int {
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Error("fatal configuration error")
		return 2
	}

	journals, err := follower.LoadIndex(cfg.BinlogIndex)
	if err != nil {
		log.WithError(err).Error("fatal error reading binlog index")
		return 2
	}

	cursors, err := cursor.NewStore(cfg.TrackingDir)
	if err != nil {
		log.WithError(err).Error("fatal error preparing tracking directory")
		return 2
	}

	if err := agent.SkipToEnd(cfg.BinlogIndex, cursors, journals, force); err != nil {
		if agent.ErrSkipCancelled(err) {
			log.Info("cancelled")
			return 1
		}
		log.WithError(err).Error("fatal error during skip-to-end")
		return 2
	}
	return 0
}
