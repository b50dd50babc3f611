// SPDX-License-Identifier: AGPL-3.0-only

package test

import (
	"testing"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

type testingLogger struct {
	t testing.TB
}

// NewTestingLogger returns a logger writing to t.Log, so that output only
// shows up for failing or verbose tests.
func NewTestingLogger(t testing.TB) log.Logger {
	return &testingLogger{
		t: t,
	}
}

func (l *testingLogger) Log(keyvals ...interface{}) error {
	l.t.Helper()
	l.t.Log(keyvals...)
	return nil
}

// NewLeveledLogger is NewTestingLogger filtered to the given level.
func NewLeveledLogger(t testing.TB, lvl level.Option) log.Logger {
	return level.NewFilter(NewTestingLogger(t), lvl)
}
