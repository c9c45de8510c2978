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

// Package parser reconstructs INSERT/UPDATE/DELETE events from the
// line-oriented text a mysqlbinlog -v --base64-output=DECODE-ROWS
// decoder writes to its standard output. It is a streaming state
// machine: Feed is called once per line, and Finish flushes any event
// still in progress.
package parser

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/cockroachdb/mygrate/internal/metrics"
	"github.com/cockroachdb/mygrate/internal/schema"
	"github.com/cockroachdb/mygrate/internal/types"
	log "github.com/sirupsen/logrus"
)

var (
	insertPattern = regexp.MustCompile(`^INSERT INTO (.+)$`)
	updatePattern = regexp.MustCompile(`^UPDATE (.+)$`)
	deletePattern = regexp.MustCompile(`^DELETE FROM (.+)$`)
	columnPattern = regexp.MustCompile(`^  @(\d+)=(.*)$`)
)

type phase int

const (
	phaseInitial phase = iota
	phaseWhere
	phaseSet
)

// Sink receives events the parser has fully reconstructed and
// translated to named columns.
type Sink func(types.Event)

// Parser is a single-table-at-a-time streaming state machine. It is
// not safe for concurrent use; the journal follower drives exactly one
// Parser per journal, one line at a time.
type Parser struct {
	maps *schema.Maps
	emit Sink

	inEvent bool
	kind    types.Kind
	table   types.TableID
	tracked bool
	invalid bool
	ph      phase

	where       []types.Value
	set         []types.Value
	whereNextAt int
	setNextAt   int
}

// New returns a Parser that looks up column names and charsets in
// maps, and calls emit for every successfully reconstructed event.
func New(maps *schema.Maps, emit Sink) *Parser {
	return &Parser{maps: maps, emit: emit}
}

// Feed processes one logical line, already stripped of the decoder's
// "### " prefix and trailing newline.
func (p *Parser) Feed(line string) {
	metrics.LinesParsed.Inc()

	if m := insertPattern.FindStringSubmatch(line); m != nil {
		p.startEvent(types.KindInsert, m[1], phaseSet)
		return
	}
	if m := updatePattern.FindStringSubmatch(line); m != nil {
		p.startEvent(types.KindUpdate, m[1], phaseInitial)
		return
	}
	if m := deletePattern.FindStringSubmatch(line); m != nil {
		p.startEvent(types.KindDelete, m[1], phaseWhere)
		return
	}

	if !p.inEvent {
		return
	}

	switch line {
	case "SET":
		p.ph = phaseSet
		return
	case "WHERE":
		p.ph = phaseWhere
		return
	}

	if m := columnPattern.FindStringSubmatch(line); m != nil {
		if !p.tracked {
			// Untracked table: lines are discarded silently until the
			// next header.
			return
		}
		p.appendColumn(m[1], m[2])
		return
	}

	if line == "" {
		return
	}

	// Any other non-empty line while in an event but not matching a
	// known form marks the event invalid.
	p.invalid = true
}

// Finish flushes any event still in progress. It must be called once
// the journal's stream has reached a clean end-of-file; it must NOT be
// called if the stream was interrupted by a shutdown request, since
// the partially-seen event needs to be re-read after restart.
func (p *Parser) Finish() {
	p.completeCurrent()
}

func (p *Parser) startEvent(kind types.Kind, rawTable string, initialPhase phase) {
	p.completeCurrent()

	table := normalizeTable(rawTable)
	_, tracked := p.maps.ColumnsFor(table)

	p.inEvent = true
	p.kind = kind
	p.table = table
	p.tracked = tracked
	p.invalid = false
	p.ph = initialPhase
	p.where = nil
	p.set = nil
	p.whereNextAt = 1
	p.setNextAt = 1
}

func (p *Parser) appendColumn(idxStr, valueStr string) {
	idx, err := strconv.Atoi(idxStr)
	if err != nil {
		p.invalid = true
		return
	}

	var next *int
	var list *[]types.Value
	switch p.ph {
	case phaseWhere:
		next, list = &p.whereNextAt, &p.where
	default:
		next, list = &p.setNextAt, &p.set
	}

	if idx != *next {
		p.invalid = true
		return
	}

	tableCharset, _ := p.maps.CharsetFor(p.table)
	*list = append(*list, decodeValue(valueStr, tableCharset))
	*next++
}

// completeCurrent translates and emits the in-progress event, if any,
// then resets parser state to Idle.
func (p *Parser) completeCurrent() {
	if !p.inEvent {
		return
	}
	defer func() { p.inEvent = false }()

	if !p.tracked {
		return
	}
	if p.invalid {
		metrics.EventsDropped.WithLabelValues("invalid").Inc()
		return
	}

	cols, _ := p.maps.ColumnsFor(p.table)

	evt := types.Event{Kind: p.kind, Table: p.table}

	switch p.kind {
	case types.KindInsert:
		set, ok := translate(cols, p.set)
		if !ok {
			log.Warnf("dropping INSERT for %s: column count mismatch", p.table)
			metrics.EventsDropped.WithLabelValues("column_count_mismatch").Inc()
			return
		}
		evt.Set = set
	case types.KindUpdate:
		where, ok := translate(cols, p.where)
		if !ok {
			log.Warnf("dropping UPDATE for %s: WHERE column count mismatch", p.table)
			metrics.EventsDropped.WithLabelValues("column_count_mismatch").Inc()
			return
		}
		set, ok := translate(cols, p.set)
		if !ok {
			log.Warnf("dropping UPDATE for %s: SET column count mismatch", p.table)
			metrics.EventsDropped.WithLabelValues("column_count_mismatch").Inc()
			return
		}
		evt.Where, evt.Set = where, set
	case types.KindDelete:
		where, ok := translate(cols, p.where)
		if !ok {
			log.Warnf("dropping DELETE for %s: column count mismatch", p.table)
			metrics.EventsDropped.WithLabelValues("column_count_mismatch").Inc()
			return
		}
		evt.Where = where
	}

	metrics.EventsEmitted.WithLabelValues(p.kind.String()).Inc()
	p.emit(evt)
}

func translate(cols []string, values []types.Value) (map[string]types.Value, bool) {
	if len(cols) != len(values) {
		return nil, false
	}
	out := make(map[string]types.Value, len(cols))
	for i, name := range cols {
		out[name] = values[i]
	}
	return out, true
}

// normalizeTable strips backticks from each dotted identifier segment
// and rejoins with a single dot, e.g. "`db1`.`t1`" -> "db1.t1".
func normalizeTable(raw string) types.TableID {
	parts := strings.Split(raw, ".")
	for i, part := range parts {
		parts[i] = strings.Trim(part, "`")
	}
	return types.TableID(strings.Join(parts, "."))
}
