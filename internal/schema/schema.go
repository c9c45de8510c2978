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

// Package schema provides a thin, read-only lookup of column names and
// character-set names for the tables this agent has callbacks
// registered for. Both maps are loaded once at startup and treated as
// immutable afterward; a schema change requires a restart.
package schema

import (
	"context"
	"database/sql"
	"strings"

	"github.com/cockroachdb/mygrate/internal/charset"
	"github.com/cockroachdb/mygrate/internal/types"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Maps holds the immutable, startup-loaded schema metadata keyed by
// types.TableID.
type Maps struct {
	Columns  map[types.TableID][]string
	Charsets map[types.TableID]string
}

// ColumnsFor returns the ordered column-name vector for table, and
// whether the table has an entry at all (i.e., is tracked).
func (m *Maps) ColumnsFor(table types.TableID) ([]string, bool) {
	cols, ok := m.Columns[table]
	return cols, ok
}

// CharsetFor returns the charset name for table, if one was recorded.
func (m *Maps) CharsetFor(table types.TableID) (string, bool) {
	cs, ok := m.Charsets[table]
	return cs, ok && cs != ""
}

const columnNamesQuery = "" +
	"SELECT COLUMN_NAME FROM INFORMATION_SCHEMA.COLUMNS " +
	"WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? ORDER BY ORDINAL_POSITION"

const charsetQuery = "" +
	"SELECT CCSA.CHARACTER_SET_NAME FROM INFORMATION_SCHEMA.TABLES T " +
	"JOIN INFORMATION_SCHEMA.COLLATION_CHARACTER_SET_APPLICABILITY CCSA " +
	"ON CCSA.COLLATION_NAME = T.TABLE_COLLATION " +
	"WHERE T.TABLE_SCHEMA = ? AND T.TABLE_NAME = ?"

// Load connects once via conn and populates a Maps for every table
// named in tables (each "db.table"). A table with zero columns
// returned is a fatal configuration error: it means the table does not
// exist, or the connecting user lacks visibility into it.
func Load(ctx context.Context, conn *sql.DB, tables []types.TableID) (*Maps, error) {
	maps := &Maps{
		Columns:  make(map[types.TableID][]string, len(tables)),
		Charsets: make(map[types.TableID]string, len(tables)),
	}

	for _, full := range tables {
		db, table, err := split(full)
		if err != nil {
			return nil, err
		}

		cols, err := queryColumns(ctx, conn, db, table)
		if err != nil {
			return nil, errors.Wrapf(err, "loading column names for %s", full)
		}
		if len(cols) == 0 {
			return nil, errors.Errorf("table %s has no columns (does it exist?)", full)
		}
		maps.Columns[full] = cols

		cs, err := queryCharset(ctx, conn, db, table)
		if err != nil {
			return nil, errors.Wrapf(err, "loading charset for %s", full)
		}
		if cs != "" && !charset.Known(cs) {
			log.Warnf("table %s uses unrecognized charset %q; string values will not be translated", full, cs)
		}
		maps.Charsets[full] = cs
	}

	return maps, nil
}

func queryColumns(ctx context.Context, conn *sql.DB, db, table string) ([]string, error) {
	rows, err := conn.QueryContext(ctx, columnNamesQuery, db, table)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.WithStack(err)
		}
		cols = append(cols, name)
	}
	return cols, errors.WithStack(rows.Err())
}

func queryCharset(ctx context.Context, conn *sql.DB, db, table string) (string, error) {
	var name sql.NullString
	err := conn.QueryRowContext(ctx, charsetQuery, db, table).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errors.WithStack(err)
	}
	return name.String, nil
}

func split(full types.TableID) (db, table string, _ error) {
	parts := strings.SplitN(string(full), ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.Errorf("malformed table id %q, expected db.table", full)
	}
	return parts[0], parts[1], nil
}
