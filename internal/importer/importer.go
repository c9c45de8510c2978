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

// Package importer implements the bulk importer (C7): it streams
// full-table SELECTs directly off the source MySQL server and emits
// each row as an INSERT event through the same callback registry the
// journal follower feeds, bypassing the decoder and the parser
// entirely. It exists for initial backfill before the follower has
// any journal history to tail.
package importer

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/cockroachdb/mygrate/internal/callback"
	"github.com/cockroachdb/mygrate/internal/charset"
	"github.com/cockroachdb/mygrate/internal/metrics"
	"github.com/cockroachdb/mygrate/internal/schema"
	"github.com/cockroachdb/mygrate/internal/sourcepool"
	"github.com/cockroachdb/mygrate/internal/types"
	"github.com/cockroachdb/mygrate/internal/util/stopper"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Importer streams rows from the source server and routes them
// through a callback.Registry as INSERT events.
type Importer struct {
	conn ConnOpener
	maps *schema.Maps
	reg  *callback.Registry
	// Stream selects row-at-a-time delivery (true) over eagerly
	// buffering every row of a table into memory before emitting any of
	// it (false, the default) — the Go analogue of the source's
	// cursorclass=SSCursor toggle, off unless requested.
	Stream bool
}

// ConnOpener opens a *sql.DB selecting db, matching sourcepool.Open's
// signature without binding the importer to that concrete package in
// tests.
type ConnOpener func(ctx *stopper.Context, db string) (*sql.DB, error)

// New returns an Importer that resolves column names and charsets
// through maps and routes every imported row through reg.
func New(conn ConnOpener, maps *schema.Maps, reg *callback.Registry) *Importer {
	return &Importer{conn: conn, maps: maps, reg: reg}
}

// OpenerFor adapts sourcepool.Open into a ConnOpener bound to info.
func OpenerFor(info sourcepool.ConnInfo) ConnOpener {
	return func(ctx *stopper.Context, db string) (*sql.DB, error) {
		return sourcepool.Open(ctx, info, db)
	}
}

// ImportTables imports every table in tables in turn, or, if tables is
// empty, every table the registry has a handler for. A failure
// isolated to one table is logged with its error and does not abort
// the remaining tables, matching the follower's per-journal isolation.
func (imp *Importer) ImportTables(ctx *stopper.Context, tables []types.TableID) error {
	if len(tables) == 0 {
		tables = imp.reg.Tables()
	}

	for _, table := range tables {
		if err := imp.importOne(ctx, table); err != nil {
			log.WithError(err).Errorf("importing table %s", table)
		}
	}
	return nil
}

func (imp *Importer) importOne(ctx *stopper.Context, table types.TableID) error {
	db, bare, err := split(table)
	if err != nil {
		return err
	}

	cols, ok := imp.maps.ColumnsFor(table)
	if !ok {
		return errors.Errorf("table %s has no registered column map; was schema.Load called for it?", table)
	}
	tableCharset, _ := imp.maps.CharsetFor(table)

	conn, err := imp.conn(ctx, db)
	if err != nil {
		return err
	}
	defer conn.Close()

	log.Infof("importing table %s (stream=%v)", table, imp.Stream)

	query := fmt.Sprintf("SELECT * FROM `%s`", bare)
	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return errors.Wrapf(err, "querying %s", table)
	}
	defer rows.Close()

	if imp.Stream {
		return imp.emitStreaming(table, cols, tableCharset, rows)
	}
	return imp.emitBuffered(table, cols, tableCharset, rows)
}

// emitStreaming scans and emits one row at a time, closing the cursor
// as soon as the last row has been read.
func (imp *Importer) emitStreaming(
	table types.TableID, cols []string, tableCharset string, rows *sql.Rows,
) error {
	var n int
	for rows.Next() {
		set, err := scanRow(rows, cols, tableCharset)
		if err != nil {
			return err
		}
		if err := imp.reg.Execute(types.Event{Kind: types.KindInsert, Table: table, Set: set}); err != nil {
			return errors.Wrapf(err, "emitting row %d of %s", n, table)
		}
		metrics.ImportRows.WithLabelValues(string(table)).Inc()
		n++
	}
	log.Infof("imported %d rows from %s", n, table)
	return errors.WithStack(rows.Err())
}

// emitBuffered reads every row of the table into memory before
// emitting any of it, matching a non-streaming cursor.
func (imp *Importer) emitBuffered(
	table types.TableID, cols []string, tableCharset string, rows *sql.Rows,
) error {
	var buffered []map[string]types.Value
	for rows.Next() {
		set, err := scanRow(rows, cols, tableCharset)
		if err != nil {
			return err
		}
		buffered = append(buffered, set)
	}
	if err := rows.Err(); err != nil {
		return errors.WithStack(err)
	}

	for i, set := range buffered {
		if err := imp.reg.Execute(types.Event{Kind: types.KindInsert, Table: table, Set: set}); err != nil {
			return errors.Wrapf(err, "emitting row %d of %s", i, table)
		}
		metrics.ImportRows.WithLabelValues(string(table)).Inc()
	}
	log.Infof("imported %d rows from %s", len(buffered), table)
	return nil
}

// scanRow scans the current row into a map keyed by cols, decoding
// byte/string values through tableCharset when set.
func scanRow(rows *sql.Rows, cols []string, tableCharset string) (map[string]types.Value, error) {
	raw := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, errors.WithStack(err)
	}

	set := make(map[string]types.Value, len(cols))
	for i, name := range cols {
		set[name] = convert(raw[i], tableCharset)
	}
	return set, nil
}

func convert(v any, tableCharset string) types.Value {
	switch t := v.(type) {
	case nil:
		return types.NullValue()
	case int64:
		return types.IntValue(t)
	case float64:
		return types.FloatValue(t)
	case []byte:
		s := string(t)
		if tableCharset != "" {
			s = charset.Decode(tableCharset, s)
		}
		return types.StringValue(s)
	case string:
		if tableCharset != "" {
			t = charset.Decode(tableCharset, t)
		}
		return types.StringValue(t)
	default:
		return types.StringValue(fmt.Sprint(t))
	}
}

// split parses "db.table" into its two parts.
func split(full types.TableID) (db, table string, _ error) {
	parts := strings.SplitN(string(full), ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.Errorf("malformed table id %q, expected db.table", full)
	}
	return parts[0], parts[1], nil
}
