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

package callback

import (
	"errors"
	"testing"

	"github.com/cockroachdb/mygrate/internal/types"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	inserts []map[string]types.Value
	fail    error
}

func (h *recordingHandler) INSERT(_ types.TableID, cols map[string]types.Value) error {
	h.inserts = append(h.inserts, cols)
	return h.fail
}
func (h *recordingHandler) UPDATE(types.TableID, map[string]types.Value, map[string]types.Value) error {
	return h.fail
}
func (h *recordingHandler) DELETE(types.TableID, map[string]types.Value) error { return h.fail }

func TestExecuteIsNoOpForUnregisteredTable(t *testing.T) {
	r := NewRegistry()
	err := r.Execute(types.Event{Kind: types.KindInsert, Table: "db1.nope"})
	require.NoError(t, err)
}

func TestExecuteRoutesToRegisteredHandler(t *testing.T) {
	r := NewRegistry()
	h := &recordingHandler{}
	r.Register("db1.t1", h)

	cols := map[string]types.Value{"id": types.IntValue(1)}
	err := r.Execute(types.Event{Kind: types.KindInsert, Table: "db1.t1", Set: cols})
	require.NoError(t, err)
	require.Len(t, h.inserts, 1)
}

func TestDefaultErrorHandlerRethrows(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("boom")
	r.Register("db1.t1", &recordingHandler{fail: boom})

	err := r.Execute(types.Event{Kind: types.KindInsert, Table: "db1.t1"})
	require.ErrorIs(t, err, boom)
}

func TestInstalledErrorHandlerCanSwallow(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("boom")
	r.Register("db1.t1", &recordingHandler{fail: boom})

	var captured error
	r.RegisterErrorHandler(func(_ types.TableID, _ types.Event, cause error) error {
		captured = cause
		return nil
	})

	err := r.Execute(types.Event{Kind: types.KindInsert, Table: "db1.t1"})
	require.NoError(t, err)
	require.ErrorIs(t, captured, boom)
}
