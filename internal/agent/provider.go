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

package agent

import (
	"github.com/cockroachdb/mygrate/internal/callback"
	"github.com/cockroachdb/mygrate/internal/config"
	"github.com/cockroachdb/mygrate/internal/cursor"
	"github.com/cockroachdb/mygrate/internal/dispatch"
	"github.com/cockroachdb/mygrate/internal/follower"
	"github.com/cockroachdb/mygrate/internal/schema"
	"github.com/cockroachdb/mygrate/internal/sourcepool"
	"github.com/cockroachdb/mygrate/internal/types"
	"github.com/cockroachdb/mygrate/internal/util/stopper"
	"github.com/google/wire"
	log "github.com/sirupsen/logrus"
)

// Set is used by Wire.
var Set = wire.NewSet(
	ProvideDispatcher,
	ProvideCursorStore,
	ProvideSchemaMaps,
	ProvideRegistry,
	ProvideFollower,
	ProvideAgent,
)

// ProvideDispatcher connects to the configured Kafka broker and opens
// the errors log.
func ProvideDispatcher(cfg *config.Config) (*dispatch.Dispatcher, func(), error) {
	d, err := dispatch.New(cfg.Queue)
	if err != nil {
		return nil, nil, err
	}
	return d, func() { _ = d.Close() }, nil
}

// ProvideCursorStore creates (if necessary) the tracking directory and
// returns a Store rooted there.
func ProvideCursorStore(cfg *config.Config) (*cursor.Store, error) {
	return cursor.NewStore(cfg.TrackingDir)
}

// ProvideSchemaMaps opens a connection to the source server scoped to
// the startup phase only — per the distilled spec, schema-lookup
// connections are opened, used, and closed before the sweep loop
// starts and are never shared with it.
func ProvideSchemaMaps(ctx *stopper.Context, cfg *config.Config) (*schema.Maps, error) {
	conn, err := sourcepool.Open(ctx, cfg.Database, "")
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return schema.Load(ctx, conn, cfg.Tables())
}

// ProvideRegistry builds the callback registry from the [callbacks]
// section, installing a default "mygrate.dispatch" factory that
// republishes through dispatcher for any table that names it, and
// wiring every callback failure into the dispatcher's shared errors
// log.
func ProvideRegistry(
	ctx *stopper.Context, cfg *config.Config, dispatcher *dispatch.Dispatcher,
) (*callback.Registry, error) {
	factories := map[string]callback.Factory{
		"mygrate.dispatch": func() (callback.Handler, error) {
			return dispatch.NewTaskQueueHandler(ctx, dispatcher), nil
		},
	}

	reg, err := cfg.Callbacks(factories)
	if err != nil {
		return nil, err
	}
	reg.RegisterErrorHandler(dispatch.NewLoggingErrorHandler(dispatcher.ErrorsLog()))
	return reg, nil
}

// ProvideFollower wires the journal follower to the registry as its
// event sink. Registry.Execute returns an error the parser.Sink
// signature has no room for, so failures here are logged rather than
// propagated — matching the callback registry's own error handler
// contract, which is the place policy decisions about callback
// failures belong.
func ProvideFollower(
	cfg *config.Config, cursors *cursor.Store, maps *schema.Maps, reg *callback.Registry,
) *follower.Follower {
	return follower.New(cfg.BinlogIndex, cursors, maps, func(evt types.Event) {
		if err := reg.Execute(evt); err != nil {
			log.WithError(err).Errorf("unhandled error executing callback for %s", evt.Table)
		}
	})
}

// ProvideAgent assembles the fully wired Agent.
func ProvideAgent(
	cfg *config.Config, f *follower.Follower, dispatcher *dispatch.Dispatcher, cursors *cursor.Store,
) *Agent {
	return &Agent{
		Follower:   f,
		Dispatcher: dispatcher,
		Cursors:    cursors,
		Delay:      cfg.TrackingDelay,
	}
}
