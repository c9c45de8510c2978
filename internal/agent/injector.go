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

//go:build wireinject
// +build wireinject

package agent

import (
	"github.com/cockroachdb/mygrate/internal/config"
	"github.com/cockroachdb/mygrate/internal/util/stopper"
	"github.com/google/wire"
)

// Start builds a fully wired Agent from configuration. regenerate with
// `go run github.com/google/wire/cmd/wire` after changing provider.go.
func Start(ctx *stopper.Context, cfg *config.Config) (*Agent, func(), error) {
	panic(wire.Build(Set))
}
