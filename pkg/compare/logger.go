// SPDX-License-Identifier: Apache-2.0

package compare

import "github.com/pterm/pterm"

// Logger reports comparator progress and findings, matching the density and
// shape of pkg/scheduler.Logger.
type Logger interface {
	LogTableChecked(schema, table string, matched bool)
	LogMismatch(kind, object, field string)
	LogWorkerError(err error)
}

type comparatorLogger struct {
	logger pterm.Logger
}

// NewLogger returns a Logger backed by pterm's default structured logger.
func NewLogger() Logger {
	return &comparatorLogger{logger: pterm.DefaultLogger}
}

type noopLogger struct{}

// NewNoopLogger returns a Logger that discards everything, for tests.
func NewNoopLogger() Logger { return &noopLogger{} }

func (l *comparatorLogger) LogTableChecked(schema, table string, matched bool) {
	if matched {
		l.logger.Debug("table checksum matched", l.logger.Args("schema", schema, "table", table))
		return
	}
	l.logger.Warn("table checksum mismatch", l.logger.Args("schema", schema, "table", table))
}

func (l *comparatorLogger) LogMismatch(kind, object, field string) {
	l.logger.Warn("mismatch found", l.logger.Args("kind", kind, "object", object, "field", field))
}

func (l *comparatorLogger) LogWorkerError(err error) {
	l.logger.Error("comparator worker error", l.logger.Args("error", err.Error()))
}

func (l *noopLogger) LogTableChecked(string, string, bool) {}
func (l *noopLogger) LogMismatch(string, string, string)   {}
func (l *noopLogger) LogWorkerError(error)                 {}
