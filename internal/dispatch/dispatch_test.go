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
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/mygrate/internal/types"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/require"
)

// fakeProducer always reports a successful delivery for every call,
// or, if failFirstN > 0, fails that many times first.
type fakeProducer struct {
	failFirstN int
	attempts   int
	topics     []string
}

func (f *fakeProducer) Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error {
	f.attempts++
	f.topics = append(f.topics, *msg.TopicPartition.Topic)

	result := &kafka.Message{TopicPartition: msg.TopicPartition}
	if f.attempts <= f.failFirstN {
		result.TopicPartition.Error = context.DeadlineExceeded
	}
	deliveryChan <- result
	return nil
}

func (f *fakeProducer) Close() {}

func newTestDispatcher(t *testing.T, prod producer) *Dispatcher {
	t.Helper()
	errs, err := OpenErrorsLog(filepath.Join(t.TempDir(), "errors.log"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = errs.Close() })
	return newWithProducer(Config{MaxRetries: 2, RetryDelay: time.Millisecond}, prod, errs)
}

func TestPublishInsertSucceedsImmediately(t *testing.T) {
	prod := &fakeProducer{}
	d := newTestDispatcher(t, prod)

	err := d.PublishInsert(context.Background(), "db1.t1", map[string]types.Value{"id": types.IntValue(1)})
	require.NoError(t, err)
	require.Equal(t, 1, prod.attempts)
	require.Equal(t, []string{topicInsert}, prod.topics)
}

func TestPublishRetriesThenSucceeds(t *testing.T) {
	prod := &fakeProducer{failFirstN: 2}
	d := newTestDispatcher(t, prod)

	err := d.PublishUpdate(context.Background(), "db1.t1", nil, map[string]types.Value{"id": types.IntValue(1)})
	require.NoError(t, err)
	require.Equal(t, 3, prod.attempts)
}

func TestPublishExhaustsRetriesAndSwallows(t *testing.T) {
	prod := &fakeProducer{failFirstN: 99}
	d := newTestDispatcher(t, prod)

	err := d.PublishDelete(context.Background(), "db1.t1", map[string]types.Value{"id": types.IntValue(1)})
	require.NoError(t, err, "dispatch failures are swallowed after exhausting retries")
	require.Equal(t, 3, prod.attempts) // initial + 2 retries
}
