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

// Package dispatch is the boundary by which reconstructed events are
// enqueued onto the downstream task queue (an Apache Kafka cluster) and
// the shared failure-logging policy callbacks and publishes both fall
// back to.
package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/mygrate/internal/callback"
	"github.com/cockroachdb/mygrate/internal/metrics"
	"github.com/cockroachdb/mygrate/internal/types"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Config holds the per-job retry policy and the errors log path, read
// from the [queue] section of the configuration file.
type Config struct {
	BrokerURL     string
	ErrorsLogPath string
	MaxRetries    int
	RetryDelay    time.Duration
}

// job is the envelope serialized onto the broker. IgnoreResult is
// always true: this agent never waits on a downstream result, matching
// the source's ignore_result=True task setting.
type job struct {
	Kind         string                 `json:"kind"`
	Table        types.TableID          `json:"table"`
	Where        map[string]types.Value `json:"where,omitempty"`
	Set          map[string]types.Value `json:"set,omitempty"`
	MaxRetries   int                    `json:"max_retries"`
	RetryDelayMS int64                  `json:"retry_delay_ms"`
	IgnoreResult bool                   `json:"ignore_result"`
}

// producer is the subset of *kafka.Producer the Dispatcher needs. It is
// an interface so that tests can substitute a fake without a running
// broker.
type producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Close()
}

// Dispatcher publishes events onto Kafka topics named for their kind
// (mygrate.insert, mygrate.update, mygrate.delete), retrying failed
// produce attempts per Config before giving up and recording the
// failure to the shared ErrorsLog.
type Dispatcher struct {
	cfg   Config
	prod  producer
	errs  *ErrorsLog
}

const (
	topicInsert = "mygrate.insert"
	topicUpdate = "mygrate.update"
	topicDelete = "mygrate.delete"
)

// New connects to the configured Kafka broker and opens the errors
// log. The returned Dispatcher owns both and must be closed by the
// caller.
func New(cfg Config) (*Dispatcher, error) {
	prod, err := kafka.NewProducer(&kafka.ConfigMap{"bootstrap.servers": cfg.BrokerURL})
	if err != nil {
		return nil, errors.Wrap(err, "connecting to task queue broker")
	}
	errs, err := OpenErrorsLog(cfg.ErrorsLogPath)
	if err != nil {
		prod.Close()
		return nil, err
	}
	return newWithProducer(cfg, prod, errs), nil
}

func newWithProducer(cfg Config, prod producer, errs *ErrorsLog) *Dispatcher {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 180 * time.Second
	}
	return &Dispatcher{cfg: cfg, prod: prod, errs: errs}
}

// ErrorsLog returns the durable failure sink shared by publish
// failures and, via NewLoggingErrorHandler, callback failures.
func (d *Dispatcher) ErrorsLog() *ErrorsLog {
	return d.errs
}

// Close releases the Kafka producer and the errors log.
func (d *Dispatcher) Close() error {
	d.prod.Close()
	return d.errs.Close()
}

// PublishInsert enqueues an Insert event.
func (d *Dispatcher) PublishInsert(ctx context.Context, table types.TableID, set map[string]types.Value) error {
	return d.publish(ctx, topicInsert, job{
		Kind: "INSERT", Table: table, Set: set,
		MaxRetries: d.cfg.MaxRetries, RetryDelayMS: d.cfg.RetryDelay.Milliseconds(), IgnoreResult: true,
	})
}

// PublishUpdate enqueues an Update event.
func (d *Dispatcher) PublishUpdate(
	ctx context.Context, table types.TableID, where, set map[string]types.Value,
) error {
	return d.publish(ctx, topicUpdate, job{
		Kind: "UPDATE", Table: table, Where: where, Set: set,
		MaxRetries: d.cfg.MaxRetries, RetryDelayMS: d.cfg.RetryDelay.Milliseconds(), IgnoreResult: true,
	})
}

// PublishDelete enqueues a Delete event.
func (d *Dispatcher) PublishDelete(ctx context.Context, table types.TableID, where map[string]types.Value) error {
	return d.publish(ctx, topicDelete, job{
		Kind: "DELETE", Table: table, Where: where,
		MaxRetries: d.cfg.MaxRetries, RetryDelayMS: d.cfg.RetryDelay.Milliseconds(), IgnoreResult: true,
	})
}

// publish attempts to produce j onto topic, retrying up to
// cfg.MaxRetries times with cfg.RetryDelay between attempts. Once
// retries are exhausted, the failure is recorded to the errors log and
// swallowed — per the distilled spec, dispatch failures never abort
// the follower or the importer.
func (d *Dispatcher) publish(ctx context.Context, topic string, j job) error {
	payload, err := json.Marshal(j)
	if err != nil {
		return errors.WithStack(err)
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
			case <-time.After(d.cfg.RetryDelay):
			}
		}

		metrics.PublishAttempts.WithLabelValues(topic).Inc()
		lastErr = d.produceOnce(topic, payload)
		if lastErr == nil {
			metrics.PublishDurations.WithLabelValues(topic).Observe(time.Since(start).Seconds())
			return nil
		}
		log.WithError(lastErr).Warnf("publish attempt %d/%d failed for %s", attempt+1, d.cfg.MaxRetries+1, topic)
	}

	metrics.PublishFailures.WithLabelValues(topic).Inc()
	recErr := d.errs.Record(FailureRecord{
		Action:           j.Kind,
		Table:            j.Table,
		Where:            j.Where,
		Set:              j.Set,
		ExceptionMessage: lastErr.Error(),
		OccurredAt:       time.Now(),
	})
	if recErr != nil {
		log.WithError(recErr).Error("could not record publish failure to errors log")
	}
	return nil
}

func (d *Dispatcher) produceOnce(topic string, payload []byte) error {
	deliveryChan := make(chan kafka.Event, 1)
	defer close(deliveryChan)

	t := topic
	if err := d.prod.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &t, Partition: kafka.PartitionAny},
		Value:          payload,
	}, deliveryChan); err != nil {
		return errors.WithStack(err)
	}

	evt := <-deliveryChan
	msg, ok := evt.(*kafka.Message)
	if !ok {
		return errors.Errorf("unexpected delivery event %T", evt)
	}
	if msg.TopicPartition.Error != nil {
		return errors.WithStack(msg.TopicPartition.Error)
	}
	return nil
}

// taskQueueHandler is a callback.Handler that simply republishes every
// event it receives onto this Dispatcher's Kafka topics. It is the
// production handler bound to every table whose [callbacks] entry in
// the configuration file names it, and needs no custom per-deployment
// logic beyond "forward to the task queue".
type taskQueueHandler struct {
	ctx context.Context
	d   *Dispatcher
}

// NewTaskQueueHandler returns a callback.Handler that publishes every
// event through d. ctx bounds the per-publish retry backoff sleeps; it
// is typically the agent's stopper.Context so that a shutdown in
// progress does not wait out a full retry schedule.
func NewTaskQueueHandler(ctx context.Context, d *Dispatcher) callback.Handler {
	return &taskQueueHandler{ctx: ctx, d: d}
}

func (h *taskQueueHandler) INSERT(table types.TableID, cols map[string]types.Value) error {
	return h.d.PublishInsert(h.ctx, table, cols)
}

func (h *taskQueueHandler) UPDATE(table types.TableID, before, after map[string]types.Value) error {
	return h.d.PublishUpdate(h.ctx, table, before, after)
}

func (h *taskQueueHandler) DELETE(table types.TableID, cols map[string]types.Value) error {
	return h.d.PublishDelete(h.ctx, table, cols)
}

// NewLoggingErrorHandler returns a callback.ErrorHandler that records
// the failing callback invocation to errs and swallows the error — the
// production configuration, matching the source's LoggedTask base
// class wired in as the default task failure hook.
func NewLoggingErrorHandler(errs *ErrorsLog) callback.ErrorHandler {
	return func(table types.TableID, evt types.Event, cause error) error {
		rec := FailureRecord{
			Action:           evt.Kind.String(),
			Table:            table,
			Where:            evt.Where,
			Set:              evt.Set,
			ExceptionMessage: cause.Error(),
			OccurredAt:       time.Now(),
		}
		if err := errs.Record(rec); err != nil {
			log.WithError(err).Error("could not record callback failure to errors log")
		}
		return nil
	}
}
