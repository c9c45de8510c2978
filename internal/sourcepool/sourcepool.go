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

// Package sourcepool opens standardized connections to the upstream
// MySQL/MariaDB server that owns the journal this agent tails. Unlike
// the teacher's stdpool package, which dials a SQL database as a
// mutation-apply *target*, every connection opened here is read-only:
// schema lookups and the bulk table importer are the only callers.
package sourcepool

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cockroachdb/mygrate/internal/util/stopper"
	_ "github.com/go-sql-driver/mysql" // register driver
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ConnInfo carries the connection parameters read from the [database]
// section of the configuration file.
type ConnInfo struct {
	Host       string
	Port       int
	User       string
	Password   string
	UnixSocket string
}

// dsn builds a go-sql-driver/mysql data source name. When db is
// non-empty, the connection selects that schema; charset is always
// pinned to utf8mb4 so that string scans round-trip correctly
// regardless of the table's own declared charset (raw bytes are only
// needed for the parser's literal decoding path, not for the importer).
func (c ConnInfo) dsn(db string) string {
	addr := fmt.Sprintf("tcp(%s:%d)", c.Host, c.Port)
	if c.UnixSocket != "" {
		addr = fmt.Sprintf("unix(%s)", c.UnixSocket)
	}
	return fmt.Sprintf("%s:%s@%s/%s?charset=utf8mb4&parseTime=false", c.User, c.Password, addr, db)
}

// Open dials the source MySQL server, optionally selecting db, and
// blocks (subject to ctx) until the connection answers a ping. The
// returned pool is closed automatically when the stopper Context is
// stopped.
func Open(ctx *stopper.Context, info ConnInfo, db string) (*sql.DB, error) {
	conn, err := sql.Open("mysql", info.dsn(db))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	conn.SetConnMaxLifetime(5 * time.Minute)

	ctx.Go(func() error {
		<-ctx.Stopping()
		if err := conn.Close(); err != nil {
			log.WithError(err).Warn("could not close source database connection")
		}
		return nil
	})

	if err := pingWithRetry(ctx, conn); err != nil {
		return nil, err
	}

	var version string
	if err := conn.QueryRowContext(ctx, "SELECT VERSION()").Scan(&version); err != nil {
		return nil, errors.Wrap(err, "could not query source server version")
	}
	log.Infof("connected to source MySQL server %s, version %s", info.Host, version)

	return conn, nil
}

// maxPingAttempts bounds how long Open will wait for a source server
// that is still starting up before giving up with a fatal error.
const maxPingAttempts = 5

// pingWithRetry pings once, and if the server is still starting up,
// retries on a short interval, up to maxPingAttempts times.
func pingWithRetry(ctx context.Context, conn *sql.DB) error {
	var lastErr error
	for attempt := 0; attempt < maxPingAttempts; attempt++ {
		if lastErr = conn.PingContext(ctx); lastErr == nil {
			return nil
		}
		log.WithError(lastErr).Info("waiting for source database to become ready")
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "could not ping the source database")
		case <-time.After(2 * time.Second):
		}
	}
	return errors.Wrap(lastErr, "could not ping the source database")
}
