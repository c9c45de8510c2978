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

// Package metrics registers this agent's Prometheus counters and
// histograms, following the naming and bucket conventions of the
// teacher's internal/staging/stage metrics.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// latencyBuckets mirrors the teacher's shared histogram bucket scheme:
// sub-millisecond to multi-second, log-spaced.
var latencyBuckets = []float64{
	.001, .002, .005, .01, .02, .05, .1, .2, .5, 1, 2, 5, 10, 30,
}

// tableLabel is the single label dimension shared by the per-table
// metrics below, mirroring the teacher's TableLabels convention.
var tableLabel = []string{"table"}

var (
	LinesParsed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mygrate_follower_lines_parsed_total",
		Help: "the number of decoder output lines fed to the event parser",
	})

	EventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mygrate_parser_events_emitted_total",
		Help: "the number of events the parser successfully reconstructed, by kind",
	}, []string{"kind"})

	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mygrate_parser_events_dropped_total",
		Help: "the number of in-progress events dropped, by reason",
	}, []string{"reason"})

	DecoderRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mygrate_follower_decoder_restarts_total",
		Help: "the number of times the follower spawned a new decoder child process",
	})

	CursorWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mygrate_follower_cursor_writes_total",
		Help: "the number of times a journal's cursor file was advanced",
	}, []string{"journal"})

	PublishAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mygrate_dispatch_publish_attempts_total",
		Help: "the number of Kafka produce attempts, by topic",
	}, []string{"topic"})

	PublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mygrate_dispatch_publish_failures_total",
		Help: "the number of Kafka produce attempts that exhausted their retry budget",
	}, []string{"topic"})

	PublishDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mygrate_dispatch_publish_duration_seconds",
		Help:    "the length of time a successful publish took, including retries",
		Buckets: latencyBuckets,
	}, []string{"topic"})

	ImportRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mygrate_importer_rows_total",
		Help: "the number of rows emitted by the bulk importer, by table",
	}, tableLabel)
)

// Serve starts an HTTP server exposing /metrics on addr and blocks
// until ctx is done, then shuts the server down gracefully.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
