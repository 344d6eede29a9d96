// Copyright 2018-2023 CERN
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
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package logger builds the root zerolog logger of the daemon.
// Request-scoped sub-loggers travel in the context, see pkg/appctx.
package logger

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Mode changes the logging output format.
type Mode string

const (
	// JSONMode outputs one JSON document per line.
	JSONMode Mode = "json"
	// ConsoleMode pretty prints for human consumption.
	ConsoleMode Mode = "console"
)

type options struct {
	level  string
	writer io.Writer
	mode   Mode
}

// Option configures the logger.
type Option func(o *options)

// WithLevel sets the verbosity, one of the zerolog level strings.
// Unknown levels fall back to info.
func WithLevel(level string) Option {
	return func(o *options) {
		o.level = level
	}
}

// WithWriter sets the output writer and format.
func WithWriter(w io.Writer, m Mode) Option {
	return func(o *options) {
		o.writer = w
		o.mode = m
	}
}

// New returns a configured logger.
func New(opts ...Option) *zerolog.Logger {
	o := &options{
		level:  zerolog.InfoLevel.String(),
		writer: os.Stderr,
		mode:   JSONMode,
	}
	for _, opt := range opts {
		opt(o)
	}

	lvl, err := zerolog.ParseLevel(o.level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	w := o.writer
	if o.mode == ConsoleMode {
		w = zerolog.ConsoleWriter{Out: w}
	}

	l := zerolog.New(w).With().Timestamp().Caller().Logger().Level(lvl)
	return &l
}
