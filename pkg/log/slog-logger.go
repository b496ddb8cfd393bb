// Copyright The Schedcore Authors. All Rights Reserved.
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

package log

import (
	"context"
	"log/slog"
)

type slogger struct {
	l *logger
}

var _ slog.Handler = &slogger{}

// SlogHandler adapts this logger into a slog.Handler, so callers that
// already hold a *slog.Logger can route through the console sink instead
// of maintaining a second logging path.
func (l *logger) SlogHandler() slog.Handler {
	return &slogger{l: l}
}

// SetSlogLogger installs the named source (or the default logger, if
// source is empty) as the process-wide slog default.
func SetSlogLogger(source string) {
	var l Logger
	if source == "" {
		l = Default()
	} else {
		l = Get(source)
	}
	slog.SetDefault(slog.New(l.(*logger).SlogHandler()))
}

func (s *slogger) Enabled(_ context.Context, level slog.Level) bool {
	if level <= slog.LevelDebug {
		return s.l.debugEnabled()
	}
	return true
}

func (s *slogger) Handle(_ context.Context, r slog.Record) error {
	switch {
	case r.Level <= slog.LevelDebug:
		s.l.Debug("%s", r.Message)
	case r.Level <= slog.LevelInfo:
		s.l.Info("%s", r.Message)
	case r.Level <= slog.LevelWarn:
		s.l.Warn("%s", r.Message)
	default:
		s.l.Error("%s", r.Message)
	}
	return nil
}

func (s *slogger) WithAttrs(_ []slog.Attr) slog.Handler { return s }
func (s *slogger) WithGroup(_ string) slog.Handler      { return s }
