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

// Package follower implements the index-driven, multi-file journal
// tailer: it reloads an index file naming decoded-journal paths,
// skips journals that have not changed since the last sweep, spawns
// the external mysqlbinlog decoder for the rest, and feeds its output
// through an event parser while advancing a persistent cursor.
package follower

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/mygrate/internal/cursor"
	"github.com/cockroachdb/mygrate/internal/metrics"
	"github.com/cockroachdb/mygrate/internal/parser"
	"github.com/cockroachdb/mygrate/internal/schema"
	"github.com/cockroachdb/mygrate/internal/util/stopper"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const decoderName = "mysqlbinlog"

const (
	markerEventPrefix    = "### "
	markerPositionPrefix = "# at "
)

// spawner starts the decoder for one journal at the given cursor
// position and returns its running command plus a readable stdout
// pipe. It is a function value so tests can substitute a stub
// decoder without requiring mysqlbinlog on PATH.
type spawner func(ctx context.Context, journal, position string) (cmd *exec.Cmd, stdout io.ReadCloser, err error)

// Follower drives one sweep loop over the journals named by an index
// file, one journal at a time, never in parallel — this keeps
// per-journal cursor updates sequentially consistent and preserves
// per-journal event order.
type Follower struct {
	indexPath string
	cursors   *cursor.Store
	maps      *schema.Maps
	emit      parser.Sink
	spawn     spawner

	mu   sync.Mutex
	seen map[string]time.Time // journal path -> last-observed mtime
}

// New returns a Follower that reloads indexPath on every sweep,
// persists cursors under cursors, resolves tracked tables and
// charsets through maps, and hands every fully reconstructed event to
// emit (typically a callback.Registry's Execute, wrapped to log its
// error).
func New(indexPath string, cursors *cursor.Store, maps *schema.Maps, emit parser.Sink) *Follower {
	return &Follower{
		indexPath: indexPath,
		cursors:   cursors,
		maps:      maps,
		emit:      emit,
		spawn:     spawnDecoder,
		seen:      make(map[string]time.Time),
	}
}

// Run loops SweepOnce with delay between sweeps until ctx's Stopping
// channel fires.
func (f *Follower) Run(ctx *stopper.Context, delay time.Duration) error {
	for {
		if err := f.SweepOnce(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Stopping():
			return nil
		case <-time.After(delay):
		}
	}
}

// SweepOnce performs one pass over the index, processing every
// journal whose modification time has advanced since the prior sweep.
// A failure isolated to a single journal is logged and does not abort
// the remaining journals; a failure reading the index itself is
// fatal, per the distilled spec's error taxonomy.
func (f *Follower) SweepOnce(ctx *stopper.Context) error {
	journals, err := f.loadIndex()
	if err != nil {
		return errors.Wrap(err, "reading binlog index")
	}

	for _, journal := range journals {
		select {
		case <-ctx.Stopping():
			return nil
		default:
		}

		due, err := f.isDue(journal)
		if err != nil {
			log.WithError(err).Warnf("stat %s", journal)
			continue
		}
		if !due {
			continue
		}

		if err := f.processJournal(ctx, journal); err != nil {
			log.WithError(err).Errorf("processing journal %s", journal)
		}
	}
	return nil
}

// loadIndex reads the index file and resolves each listed journal path
// relative to the index's own directory.
func (f *Follower) loadIndex() ([]string, error) {
	return LoadIndex(f.indexPath)
}

// LoadIndex reads the index file at path and resolves each listed
// journal path relative to the index's own directory. It is exported
// so the skip-to-end utility can enumerate the same journals the
// follower would sweep without constructing a Follower.
func LoadIndex(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	dir := filepath.Dir(path)

	var journals []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !filepath.IsAbs(line) {
			line = filepath.Join(dir, line)
		}
		journals = append(journals, filepath.Clean(line))
	}
	return journals, nil
}

// isDue reports whether journal's mtime has strictly advanced since
// the last sweep that observed it, updating the remembered mtime
// unconditionally — on first sight the remembered mtime is the zero
// Time, which After treats as strictly earlier than anything real.
func (f *Follower) isDue(journal string) (bool, error) {
	info, err := os.Stat(journal)
	if err != nil {
		return false, errors.WithStack(err)
	}
	mtime := info.ModTime()

	f.mu.Lock()
	defer f.mu.Unlock()
	last := f.seen[journal]
	f.seen[journal] = mtime
	return mtime.After(last), nil
}

// processJournal spawns the decoder for one journal starting at its
// persisted cursor, streams its output into a fresh Parser, and
// advances the cursor as "# at" markers are seen. It always closes
// the cursor handle and waits for the child before returning, even on
// error.
func (f *Follower) processJournal(ctx *stopper.Context, journal string) error {
	position, err := f.cursors.Read(journal)
	if err != nil {
		return err
	}

	cur, err := f.cursors.Open(journal, position)
	if err != nil {
		return err
	}
	defer cur.Close()

	log.WithField("journal", journal).Infof("resuming at position %s", position)

	cmd, stdout, err := f.spawn(ctx, journal, position)
	if err != nil {
		return errors.Wrapf(err, "spawning decoder for %s", journal)
	}

	p := parser.New(f.maps, f.emit)
	return f.stream(ctx, journal, cmd, stdout, cur, p)
}

// stream reads the decoder's stdout line by line, routing "### "
// lines to the parser and advancing cur on "# at " markers. It honors
// cooperative shutdown: if ctx.Stopping() fires mid-stream, the loop
// returns without calling p.Finish, so the partially seen event is
// dropped and will be re-parsed after restart (the cursor only
// advances on markers that precede new events).
func (f *Follower) stream(
	ctx *stopper.Context, journal string, cmd *exec.Cmd, stdout io.ReadCloser, cur *cursor.Handle, p *parser.Parser,
) error {
	defer func() {
		_ = stdout.Close()
		_ = cmd.Wait()
	}()

	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)

	for sc.Scan() {
		select {
		case <-ctx.Stopping():
			return nil
		default:
		}

		line := sc.Text()
		switch {
		case strings.HasPrefix(line, markerPositionPrefix):
			pos := strings.TrimSpace(strings.TrimPrefix(line, markerPositionPrefix))
			if err := cur.Advance(pos); err != nil {
				return err
			}
			metrics.CursorWrites.WithLabelValues(journal).Inc()
		case strings.HasPrefix(line, markerEventPrefix):
			p.Feed(strings.TrimPrefix(line, markerEventPrefix))
		}
	}
	if err := sc.Err(); err != nil {
		return errors.WithStack(err)
	}
	p.Finish()
	return nil
}

// spawnDecoder starts the real mysqlbinlog binary, tied to ctx so a
// hung child is killed on shutdown, and returns its stdout pipe. The
// child's stdin is closed immediately since it never reads input.
func spawnDecoder(ctx context.Context, journal, position string) (*exec.Cmd, io.ReadCloser, error) {
	metrics.DecoderRestarts.Inc()
	cmd := exec.CommandContext(ctx, decoderName,
		"-v",
		"--base64-output=DECODE-ROWS",
		journal,
		"-j", position,
		"--set-charset=utf8",
	)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, errors.WithStack(err)
	}
	_ = stdin.Close()
	return cmd, stdout, nil
}
