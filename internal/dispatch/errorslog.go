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

package dispatch

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/mygrate/internal/types"
	"github.com/pkg/errors"
)

// FailureRecord is the structured record appended to the errors log
// whenever a callback or a publish exhausts its retries. It is the Go
// analogue of the source's LoggedTask.on_failure, which pickles a
// similarly shaped dict.
type FailureRecord struct {
	Action           string
	Table            types.TableID
	Where            map[string]types.Value
	Set              map[string]types.Value
	ExceptionMessage string
	OccurredAt       time.Time
}

// ErrorsLog is an append-only, fsync-on-every-write sink for
// FailureRecords. Concurrent appends — e.g. from multiple goroutines
// within this process — are serialized by a mutex; the file itself is
// opened O_APPEND so that appends from other processes interleave
// safely at the OS level as well.
type ErrorsLog struct {
	mu sync.Mutex
	f  *os.File
}

// OpenErrorsLog opens (creating if necessary) the errors log at path.
// A path of os.DevNull disables logging in practice while keeping the
// same code path exercised, matching the configuration default.
func OpenErrorsLog(path string) (*ErrorsLog, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening errors log %s", path)
	}
	return &ErrorsLog{f: f}, nil
}

// Record gob-encodes rec, prefixes it with its length, appends it, and
// fsyncs the file. The length prefix lets a reader recover exact
// record boundaries even if a prior process was killed mid-write.
func (l *ErrorsLog) Record(rec FailureRecord) error {
	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(rec); err != nil {
		return errors.WithStack(err)
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(body.Len()))
	record := append(header[:], body.Bytes()...)

	l.mu.Lock()
	defer l.mu.Unlock()

	// One write per record, so O_APPEND keeps header and body together.
	if _, err := l.f.Write(record); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(l.f.Sync())
}

// Close releases the underlying file descriptor.
func (l *ErrorsLog) Close() error {
	return errors.WithStack(l.f.Close())
}
