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

// Command mygrate-import bulk-loads the current contents of one or
// more tables through the same callback registry the agent feeds,
// producing a stream of INSERT events directly from live SELECTs. It
// bypasses the journal follower and the parser entirely.
package main

import (
	"context"
	"os"

	"github.com/cockroachdb/mygrate/internal/callback"
	"github.com/cockroachdb/mygrate/internal/config"
	"github.com/cockroachdb/mygrate/internal/dispatch"
	"github.com/cockroachdb/mygrate/internal/importer"
	"github.com/cockroachdb/mygrate/internal/schema"
	"github.com/cockroachdb/mygrate/internal/sourcepool"
	"github.com/cockroachdb/mygrate/internal/types"
	"github.com/cockroachdb/mygrate/internal/util/stopper"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

func main() {
	var stream bool
	pflag.BoolVar(&stream, "stream", false, "use server-side streaming rather than buffering each table in memory")
	pflag.Parse()

	tables := make([]types.TableID, 0, pflag.NArg())
	for _, arg := range pflag.Args() {
		tables = append(tables, types.TableID(arg))
	}

	os.Exit(run(stream, tables))
}

func run(stream bool, tables []types.TableID) int {
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Error("fatal configuration error")
		return 2
	}

	ctx := stopper.WithContext(context.Background())

	all := tables
	if len(all) == 0 {
		all = cfg.Tables()
	}

	schemaConn, err := sourcepool.Open(ctx, cfg.Database, "")
	if err != nil {
		log.WithError(err).Error("fatal error connecting to source database")
		return 2
	}
	maps, loadErr := schema.Load(ctx, schemaConn, all)
	schemaConn.Close()
	if loadErr != nil {
		log.WithError(loadErr).Error("fatal error loading schema")
		return 2
	}

	d, err := dispatch.New(cfg.Queue)
	if err != nil {
		log.WithError(err).Error("fatal error connecting to task queue")
		return 2
	}
	defer d.Close()

	reg, err := cfg.Callbacks(map[string]callback.Factory{
		"mygrate.dispatch": func() (callback.Handler, error) {
			return dispatch.NewTaskQueueHandler(ctx, d), nil
		},
	})
	if err != nil {
		log.WithError(err).Error("fatal error building callback registry")
		return 2
	}
	reg.RegisterErrorHandler(dispatch.NewLoggingErrorHandler(d.ErrorsLog()))

	imp := importer.New(importer.OpenerFor(cfg.Database), maps, reg)
	imp.Stream = stream

	if err := imp.ImportTables(ctx, all); err != nil {
		log.WithError(err).Error("fatal error during import")
		return 2
	}
	return 0
}
