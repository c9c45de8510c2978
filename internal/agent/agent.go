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

// Package agent wires together the startup sequence (C8): load
// configuration, build the callback registry, populate schema maps,
// install signal handlers, then loop sweep_once with an inter-sweep
// delay until shutdown is requested.
package agent

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/mygrate/internal/cursor"
	"github.com/cockroachdb/mygrate/internal/dispatch"
	"github.com/cockroachdb/mygrate/internal/follower"
	"github.com/cockroachdb/mygrate/internal/util/stopper"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// errSkipCancelled is returned by SkipToEnd when the user declines the
// interactive confirmation prompt. cmd/mygrate-skip maps it to exit
// code 1, per the distilled spec's exit code table.
var errSkipCancelled = errors.New("skip-to-end cancelled by user")

// ErrSkipCancelled reports whether err is (or wraps) the
// user-cancellation sentinel.
func ErrSkipCancelled(err error) bool {
	return errors.Is(err, errSkipCancelled)
}

// Agent owns every long-lived resource the sweep loop needs and knows
// how to release them in reverse acquisition order.
type Agent struct {
	Follower   *follower.Follower
	Dispatcher *dispatch.Dispatcher
	Cursors    *cursor.Store
	Delay      time.Duration
}

// Run installs signal handlers for SIGINT/SIGTERM that flip ctx into
// graceful shutdown, then loops sweep_once with Delay between sweeps
// until shutdown is observed.
func (a *Agent) Run(ctx *stopper.Context) error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	ctx.Go(func() error {
		select {
		case s := <-sig:
			log.Infof("received signal %s, shutting down gracefully", s)
			ctx.Stop(30 * time.Second)
		case <-ctx.Done():
		}
		return nil
	})

	return a.Follower.Run(ctx, a.Delay)
}

// Close releases the dispatcher, which in turn closes the Kafka
// producer and the errors log. The cursor store holds no standing
// resources between sweeps and needs no explicit close.
func (a *Agent) Close() error {
	return a.Dispatcher.Close()
}

// SkipToEnd implements the one-shot "skip to end" utility: for every
// journal named by the index, it writes the journal's current byte
// length into its cursor file, optionally prompting for confirmation
// first.
func SkipToEnd(indexPath string, cursors *cursor.Store, journals []string, force bool) error {
	if !force {
		ok, err := confirm(journals)
		if err != nil {
			return err
		}
		if !ok {
			return errSkipCancelled
		}
	}

	for _, journal := range journals {
		info, err := os.Stat(journal)
		if err != nil {
			log.WithError(err).Warnf("skipping %s: cannot stat", journal)
			continue
		}
		old, err := cursors.Read(journal)
		if err != nil {
			return err
		}
		size := strconv.FormatInt(info.Size(), 10)
		h, err := cursors.Open(journal, size)
		if err != nil {
			return err
		}
		if err := h.Close(); err != nil {
			return err
		}
		log.Infof("%s: changing cursor from %s to %s", journal, old, size)
	}
	return nil
}

// confirm prompts the user on stdin/stdout to approve skipping every
// journal listed.
func confirm(journals []string) (bool, error) {
	fmt.Printf("About to skip %d journal(s) to their current end:\n", len(journals))
	for _, j := range journals {
		fmt.Printf("  %s\n", j)
	}
	fmt.Print("Proceed? [y/N] ")

	sc := bufio.NewScanner(os.Stdin)
	if !sc.Scan() {
		return false, errors.WithStack(sc.Err())
	}
	answer := strings.ToLower(strings.TrimSpace(sc.Text()))
	return answer == "y" || answer == "yes", nil
}
