// Copyright (C) 2025 Verdict Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at <https://mozilla.org/MPL/2.0/>.

package logging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rs/zerolog"
)

// ZerologLogger implements the Logger interface on top of a zerolog.Logger.
type ZerologLogger struct {
	logger zerolog.Logger
	prefix string
}

// NewZerologLogger creates a new Logger that writes through the provided zerolog.Logger.
func NewZerologLogger(logger zerolog.Logger) Logger {
	return &ZerologLogger{
		logger: logger,
	}
}

// Message logs a message at the specified level with optional format arguments.
func (l *ZerologLogger) Message(ctx context.Context, level slog.Level, msg string, args ...any) {
	l.getEvent(level).Msg(l.prefix + fmt.Sprintf(msg, args...))
}

// Error logs an error at the specified level with optional format arguments.
func (l *ZerologLogger) Error(ctx context.Context, level slog.Level, err error, msg string, args ...any) {
	l.getEvent(level).Err(err).Msg(l.prefix + fmt.Sprintf(msg, args...))
}

// WithContext returns a new Logger that appends the specified context to the existing prefix.
func (l *ZerologLogger) WithContext(context string) Logger {
	return &ZerologLogger{
		logger: l.logger,
		prefix: l.prefix + context,
	}
}

// getEvent maps slog levels to zerolog events.
func (l *ZerologLogger) getEvent(level slog.Level) *zerolog.Event {
	switch {
	case level < LevelDebug:
		return l.logger.Trace()
	case level < LevelInfo:
		return l.logger.Debug()
	case level < LevelWarn:
		return l.logger.Info()
	case level < LevelError:
		return l.logger.Warn()
	default:
		return l.logger.Error()
	}
}
