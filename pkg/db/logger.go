package db

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const slowQueryThreshold = 200 * time.Millisecond

// quotedLiteral matches the string values gorm interpolates into logged SQL,
// quoted with ' or " and backslash escaped. Identifiers are backquoted by both
// dialects. Tokens and password hashes are bound as strings, so every one is
// masked.
var quotedLiteral = regexp.MustCompile(`'(?:[^'\\]|\\.)*'|"(?:[^"\\]|\\.)*"`)

func redactSQL(sql string) string {
	return quotedLiteral.ReplaceAllString(sql, "'?'")
}

type gormLogger struct {
	level logger.LogLevel
	log   *logrus.Entry
}

// NewLogger returns a gorm logger writing through logrus. SQL is only traced
// when the process log level is debug or trace.
func NewLogger(logLevel string) logger.Interface {
	level := logger.Warn
	switch logLevel {
	case "trace", "debug":
		level = logger.Info
	case "error":
		level = logger.Error
	}
	return &gormLogger{
		level: level,
		log:   logrus.WithField("component", "gorm"),
	}
}

func (l *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	cp := *l
	cp.level = level
	return &cp
}

func (l *gormLogger) Info(_ context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Info {
		l.log.Infof(msg, args...)
	}
}

func (l *gormLogger) Warn(_ context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Warn {
		l.log.Warnf(msg, args...)
	}
}

func (l *gormLogger) Error(_ context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Error {
		l.log.Errorf(msg, args...)
	}
}

func (l *gormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	trace := func() (string, int64) {
		sql, rows := fc()
		return redactSQL(sql), rows
	}
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= logger.Error:
		sql, rows := trace()
		l.log.WithFields(logrus.Fields{"duration": elapsed, "rows": rows}).WithError(err).Errorf("query failed: %s", sql)
	case elapsed > slowQueryThreshold && l.level >= logger.Warn:
		sql, rows := trace()
		l.log.WithFields(logrus.Fields{"duration": elapsed, "rows": rows}).Warnf("slow query: %s", sql)
	case l.level >= logger.Info:
		sql, rows := trace()
		l.log.WithFields(logrus.Fields{"duration": elapsed, "rows": rows}).Debug(sql)
	}
}
