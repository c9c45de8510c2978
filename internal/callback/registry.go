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

// Package callback maps a "db.table" id to a per-action handler and
// routes reconstructed events to it, following the module-based
// callback binding design of the source this agent is derived from:
// a registry of handler objects implementing the three-method
// capability set {INSERT, UPDATE, DELETE}.
package callback

import (
	"github.com/cockroachdb/mygrate/internal/types"
)

// A Handler receives row events for a table. Registry.Register binds
// all three methods at once; an implementation with nothing to do for
// an action returns nil from that method.
type Handler interface {
	// INSERT is invoked with the newly inserted row's named columns.
	INSERT(table types.TableID, cols map[string]types.Value) error
	// UPDATE is invoked with the row's named columns before and after
	// the change.
	UPDATE(table types.TableID, before, after map[string]types.Value) error
	// DELETE is invoked with the deleted row's named columns.
	DELETE(table types.TableID, cols map[string]types.Value) error
}

// Factory builds the Handler for one configuration-file module
// reference string bound to a table in the [callbacks] section.
// Factories are keyed by that string and passed to Config.Callbacks
// once the configuration file has been loaded, replacing the source's
// dynamic __import__.
type Factory func() (Handler, error)

// ErrorHandler is installed to receive errors raised by a callback.
// It is called with the in-flight event and the error explicitly,
// rather than through the implicit exception-context propagation the
// source relies on (`raise` with no arguments). Returning the error
// unchanged is the "rethrow" behavior; returning nil swallows it.
type ErrorHandler func(table types.TableID, evt types.Event, cause error) error

// defaultErrorHandler rethrows unconditionally, matching the source's
// _default_error_handler, which calls bare `raise`.
func defaultErrorHandler(_ types.TableID, _ types.Event, cause error) error {
	return cause
}

// Registry maps TableID to a Handler and owns the installed
// ErrorHandler.
type Registry struct {
	handlers map[types.TableID]Handler
	onError  ErrorHandler
}

// NewRegistry returns an empty Registry with the default
// rethrow-on-error behavior.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[types.TableID]Handler),
		onError:  defaultErrorHandler,
	}
}

// Register associates handler with table. A later call for the same
// table replaces the earlier binding.
func (r *Registry) Register(table types.TableID, handler Handler) {
	r.handlers[table] = handler
}

// RegisterErrorHandler installs the ErrorHandler invoked whenever a
// callback returns a non-nil error. The production agent installs one
// that logs to the durable errors log and swallows the error; a
// Registry from NewRegistry uses the rethrowing default until then.
func (r *Registry) RegisterErrorHandler(h ErrorHandler) {
	r.onError = h
}

// Tables returns every TableID with a registered Handler. Used by the
// bulk importer when no explicit table list is given on the command
// line.
func (r *Registry) Tables() []types.TableID {
	out := make([]types.TableID, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}

// Execute routes evt to the Handler registered for its table and kind.
// It is a no-op, returning nil without side effect, if no Handler is
// registered for evt.Table. A Handler error is routed through the
// installed ErrorHandler before being returned to the caller.
func (r *Registry) Execute(evt types.Event) error {
	h, ok := r.handlers[evt.Table]
	if !ok {
		return nil
	}

	var err error
	switch evt.Kind {
	case types.KindInsert:
		err = h.INSERT(evt.Table, evt.Set)
	case types.KindUpdate:
		err = h.UPDATE(evt.Table, evt.Where, evt.Set)
	case types.KindDelete:
		err = h.DELETE(evt.Table, evt.Where)
	}
	if err == nil {
		return nil
	}
	return r.onError(evt.Table, evt, err)
}
