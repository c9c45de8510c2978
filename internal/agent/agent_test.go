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
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/mygrate/internal/cursor"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// captureLog redirects the package-level logrus output for the
// duration of fn and returns everything it wrote.
func captureLog(t *testing.T, fn func()) string {
	t.Helper()
	var buf bytes.Buffer
	orig := log.StandardLogger().Out
	log.SetOutput(&buf)
	defer log.SetOutput(orig)
	fn()
	return buf.String()
}

func TestSkipToEndWritesCurrentSizeWithForce(t *testing.T) {
	dir := t.TempDir()
	journal := filepath.Join(dir, "mysql-bin.000001")
	require.NoError(t, os.WriteFile(journal, []byte("0123456789"), 0o644))

	cursors, err := cursor.NewStore(filepath.Join(dir, "tracking"))
	require.NoError(t, err)

	var out string
	out = captureLog(t, func() {
		require.NoError(t, SkipToEnd("unused.index", cursors, []string{journal}, true))
	})

	pos, err := cursors.Read(journal)
	require.NoError(t, err)
	require.Equal(t, "10", pos)

	require.Contains(t, out, "changing cursor from 0 to 10")
}

func TestSkipToEndSkipsMissingJournalsWithoutAborting(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "mysql-bin.000001")
	present := filepath.Join(dir, "mysql-bin.000002")
	require.NoError(t, os.WriteFile(present, []byte("abc"), 0o644))

	cursors, err := cursor.NewStore(filepath.Join(dir, "tracking"))
	require.NoError(t, err)
	// Pre-seed a cursor for the present journal so the before/after log
	// line reports a non-default "old" value.
	h, err := cursors.Open(present, "1")
	require.NoError(t, err)
	require.NoError(t, h.Close())

	out := captureLog(t, func() {
		require.NoError(t, SkipToEnd("unused.index", cursors, []string{missing, present}, true))
	})

	pos, err := cursors.Read(present)
	require.NoError(t, err)
	require.Equal(t, "3", pos)

	require.Contains(t, out, "changing cursor from 1 to 3")
}

func TestSkipToEndCancelledWithoutForceOnEOF(t *testing.T) {
	dir := t.TempDir()
	journal := filepath.Join(dir, "mysql-bin.000001")
	require.NoError(t, os.WriteFile(journal, []byte("x"), 0o644))

	cursors, err := cursor.NewStore(filepath.Join(dir, "tracking"))
	require.NoError(t, err)

	r, w, err := os.Pipe()
	require.NoError(t, err)
	require.NoError(t, w.Close()) // immediate EOF on read, simulating non-interactive stdin

	oldStdin := os.Stdin
	os.Stdin = r
	defer func() { os.Stdin = oldStdin }()

	err = SkipToEnd("unused.index", cursors, []string{journal}, false)
	require.True(t, ErrSkipCancelled(err))
}
