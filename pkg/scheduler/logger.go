// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"io"

	"github.com/pterm/pterm"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is responsible for logging the scheduler's stage and worker
// lifecycle events.
type Logger interface {
	LogStageStart(stage string)
	LogStageComplete(stage string)

	LogTableQueued(schema, table string, partCount int)
	LogCopyStart(schema, table string, partNum int)
	LogCopyComplete(schema, table string, partNum int, rows, bytes int64)

	LogIndexStart(name string)
	LogIndexComplete(name string)

	LogConstraintStart(name string)
	LogConstraintComplete(name string)

	LogVacuumStart(schema, table string)
	LogVacuumComplete(schema, table string)

	LogWorkerError(err error)
	LogFastStop(reason string)

	Info(msg string, args ...any)
}

type schedulerLogger struct {
	logger pterm.Logger
}

type noopLogger struct{}

// NewLogger returns a Logger backed by pterm's default structured logger,
// matching pkg/migrations/logger.go's NewLogger.
func NewLogger() Logger {
	return &schedulerLogger{logger: pterm.DefaultLogger}
}

// NewFileLogger returns a Logger that writes to both stderr and a rotating
// log file under runDir, so a long-running migration's worker log doesn't
// grow unbounded across retried --resume invocations.
func NewFileLogger(runDir string) Logger {
	rotator := &lumberjack.Logger{
		Filename:   runDir + "/pgcopydb.log",
		MaxSize:    50,
		MaxBackups: 5,
		MaxAge:     28,
	}
	logger := pterm.DefaultLogger.WithWriter(io.MultiWriter(pterm.DefaultLogger.Writer, rotator))
	return &schedulerLogger{logger: *logger}
}

// NewNoopLogger returns a Logger that discards everything, for tests.
func NewNoopLogger() Logger {
	return &noopLogger{}
}

func (l *schedulerLogger) LogStageStart(stage string) {
	l.logger.Info("stage started", l.logger.Args("stage", stage))
}

func (l *schedulerLogger) LogStageComplete(stage string) {
	l.logger.Info("stage complete", l.logger.Args("stage", stage))
}

func (l *schedulerLogger) LogTableQueued(schema, table string, partCount int) {
	l.logger.Info("table queued for copy", l.logger.Args("schema", schema, "table", table, "parts", partCount))
}

func (l *schedulerLogger) LogCopyStart(schema, table string, partNum int) {
	l.logger.Debug("copy started", l.logger.Args("schema", schema, "table", table, "part", partNum))
}

func (l *schedulerLogger) LogCopyComplete(schema, table string, partNum int, rows, bytes int64) {
	l.logger.Info("copy complete", l.logger.Args(
		"schema", schema, "table", table, "part", partNum, "rows", rows, "bytes", bytes))
}

func (l *schedulerLogger) LogIndexStart(name string) {
	l.logger.Debug("index build started", l.logger.Args("index", name))
}

func (l *schedulerLogger) LogIndexComplete(name string) {
	l.logger.Info("index build complete", l.logger.Args("index", name))
}

func (l *schedulerLogger) LogConstraintStart(name string) {
	l.logger.Debug("constraint install started", l.logger.Args("constraint", name))
}

func (l *schedulerLogger) LogConstraintComplete(name string) {
	l.logger.Info("constraint installed", l.logger.Args("constraint", name))
}

func (l *schedulerLogger) LogVacuumStart(schema, table string) {
	l.logger.Debug("vacuum started", l.logger.Args("schema", schema, "table", table))
}

func (l *schedulerLogger) LogVacuumComplete(schema, table string) {
	l.logger.Info("vacuum complete", l.logger.Args("schema", schema, "table", table))
}

func (l *schedulerLogger) LogWorkerError(err error) {
	l.logger.Error("worker error", l.logger.Args("error", err.Error()))
}

func (l *schedulerLogger) LogFastStop(reason string) {
	l.logger.Warn("fast stop requested", l.logger.Args("reason", reason))
}

func (l *schedulerLogger) Info(msg string, args ...any) {
	l.logger.Info(msg, l.logger.Args(args...))
}

func (l *noopLogger) LogStageStart(string)                             {}
func (l *noopLogger) LogStageComplete(string)                          {}
func (l *noopLogger) LogTableQueued(string, string, int)                {}
func (l *noopLogger) LogCopyStart(string, string, int)                  {}
func (l *noopLogger) LogCopyComplete(string, string, int, int64, int64) {}
func (l *noopLogger) LogIndexStart(string)                              {}
func (l *noopLogger) LogIndexComplete(string)                           {}
func (l *noopLogger) LogConstraintStart(string)                         {}
func (l *noopLogger) LogConstraintComplete(string)                      {}
func (l *noopLogger) LogVacuumStart(string, string)                     {}
func (l *noopLogger) LogVacuumComplete(string, string)                  {}
func (l *noopLogger) LogWorkerError(error)                              {}
func (l *noopLogger) LogFastStop(string)                                {}
func (l *noopLogger) Info(string, ...any)                               {}
