// Copyright 2021 The Matrix.org Foundation C.I.C.
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

// Package logging defines the optional Logger contract shared by every
// subsystem, plus a logrus-backed default.
package logging

import "github.com/sirupsen/logrus"

// Logger is an interface which can be satisfied to print debug logging when
// things go wrong. It is entirely optional: subsystems with a nil Logger
// stay silent.
type Logger interface {
	Printf(format string, v ...interface{})
}

// Logrus adapts a *logrus.Logger (or the package-level logger) to Logger.
type Logrus struct {
	Entry *logrus.Entry
}

// NewLogrus wraps l, or the standard logrus logger if l is nil.
func NewLogrus(l *logrus.Logger) *Logrus {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &Logrus{Entry: logrus.NewEntry(l)}
}

// Printf implements Logger.
func (l *Logrus) Printf(format string, v ...interface{}) {
	l.Entry.Printf(format, v...)
}

// WithField returns a Logger scoped to an additional structured field (e.g.
// a peer address or message id). Nothing else in this module calls it.
func (l *Logrus) WithField(key string, value interface{}) *Logrus {
	return &Logrus{Entry: l.Entry.WithField(key, value)}
}

// Printf is a package-level no-op-safe helper: if log is nil, it does
// nothing; otherwise it forwards to log.Printf. Every subsystem uses this
// exact guard so a nil Logger is always safe to pass around.
func Printf(log Logger, format string, v ...interface{}) {
	if log == nil {
		return
	}
	log.Printf(format, v...)
}
