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

package importer

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cockroachdb/mygrate/internal/callback"
	"github.com/cockroachdb/mygrate/internal/schema"
	"github.com/cockroachdb/mygrate/internal/types"
	"github.com/cockroachdb/mygrate/internal/util/stopper"
	"github.com/stretchr/testify/require"
)

type capturingHandler struct {
	rows []map[string]types.Value
}

func (h *capturingHandler) INSERT(_ types.TableID, cols map[string]types.Value) error {
	h.rows = append(h.rows, cols)
	return nil
}
func (h *capturingHandler) UPDATE(types.TableID, map[string]types.Value, map[string]types.Value) error {
	return nil
}
func (h *capturingHandler) DELETE(types.TableID, map[string]types.Value) error { return nil }

func newMockOpener(t *testing.T) (ConnOpener, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return func(*stopper.Context, string) (*sql.DB, error) { return db, nil }, mock
}

func TestImportTablesStreamingEmitsEveryRow(t *testing.T) {
	conn, mock := newMockOpener(t)
	maps := &schema.Maps{Columns: map[types.TableID][]string{"db1.t1": {"id", "name"}}}
	reg := callback.NewRegistry()
	h := &capturingHandler{}
	reg.Register("db1.t1", h)

	rows := sqlmock.NewRows([]string{"id", "name"}).
		AddRow(int64(1), []byte("ada")).
		AddRow(int64(2), []byte("grace"))
	mock.ExpectQuery("SELECT \\* FROM `t1`").WillReturnRows(rows)

	imp := New(conn, maps, reg)
	imp.Stream = true
	ctx := stopper.WithContext(context.Background())
	require.NoError(t, imp.ImportTables(ctx, []types.TableID{"db1.t1"}))

	require.Len(t, h.rows, 2)
	require.Equal(t, types.IntValue(1), h.rows[0]["id"])
	require.Equal(t, types.StringValue("ada"), h.rows[0]["name"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestImportTablesBufferedReadsAllBeforeEmitting(t *testing.T) {
	conn, mock := newMockOpener(t)
	maps := &schema.Maps{Columns: map[types.TableID][]string{"db1.t1": {"id"}}}
	reg := callback.NewRegistry()
	h := &capturingHandler{}
	reg.Register("db1.t1", h)

	rows := sqlmock.NewRows([]string{"id"}).AddRow(int64(1)).AddRow(int64(2)).AddRow(int64(3))
	mock.ExpectQuery("SELECT \\* FROM `t1`").WillReturnRows(rows)

	imp := New(conn, maps, reg)
	imp.Stream = false
	ctx := stopper.WithContext(context.Background())
	require.NoError(t, imp.ImportTables(ctx, []types.TableID{"db1.t1"}))

	require.Len(t, h.rows, 3)
}

func TestImportTablesDefaultsToBuffered(t *testing.T) {
	conn, mock := newMockOpener(t)
	maps := &schema.Maps{Columns: map[types.TableID][]string{"db1.t1": {"id"}}}
	reg := callback.NewRegistry()
	h := &capturingHandler{}
	reg.Register("db1.t1", h)

	rows := sqlmock.NewRows([]string{"id"}).AddRow(int64(1)).AddRow(int64(2))
	mock.ExpectQuery("SELECT \\* FROM `t1`").WillReturnRows(rows)

	imp := New(conn, maps, reg)
	require.False(t, imp.Stream, "Stream must default to false, matching the CLI's --stream default")
	ctx := stopper.WithContext(context.Background())
	require.NoError(t, imp.ImportTables(ctx, []types.TableID{"db1.t1"}))

	require.Len(t, h.rows, 2)
}

func TestImportTablesDefaultsToRegisteredTables(t *testing.T) {
	conn, mock := newMockOpener(t)
	maps := &schema.Maps{Columns: map[types.TableID][]string{"db1.t1": {"id"}}}
	reg := callback.NewRegistry()
	h := &capturingHandler{}
	reg.Register("db1.t1", h)

	rows := sqlmock.NewRows([]string{"id"}).AddRow(int64(9))
	mock.ExpectQuery("SELECT \\* FROM `t1`").WillReturnRows(rows)

	imp := New(conn, maps, reg)
	ctx := stopper.WithContext(context.Background())
	require.NoError(t, imp.ImportTables(ctx, nil))

	require.Len(t, h.rows, 1)
}

func TestImportTablesIsolatesPerTableFailure(t *testing.T) {
	// The importer closes each table's connection when it is done with
	// it, so every table gets its own mock database.
	badConn, badMock := newMockOpener(t)
	goodConn, goodMock := newMockOpener(t)
	openers := []ConnOpener{badConn, goodConn}
	conn := func(ctx *stopper.Context, db string) (*sql.DB, error) {
		next := openers[0]
		openers = openers[1:]
		return next(ctx, db)
	}
	maps := &schema.Maps{Columns: map[types.TableID][]string{
		"db1.bad":  {"id"},
		"db1.good": {"id"},
	}}
	reg := callback.NewRegistry()
	good := &capturingHandler{}
	reg.Register("db1.good", good)

	badMock.ExpectQuery("SELECT \\* FROM `bad`").WillReturnError(errors.New("table locked"))
	goodMock.ExpectQuery("SELECT \\* FROM `good`").WillReturnRows(
		sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))

	imp := New(conn, maps, reg)
	ctx := stopper.WithContext(context.Background())
	require.NoError(t, imp.ImportTables(ctx, []types.TableID{"db1.bad", "db1.good"}))

	require.Len(t, good.rows, 1)
}
