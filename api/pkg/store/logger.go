package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/utils"
)

// GormLogger routes gorm's query log through zerolog. Queries log at trace
// level, slow queries at warn.
type GormLogger struct {
	SlowThreshold             time.Duration
	IgnoreRecordNotFoundError bool
}

var _ logger.Interface = &GormLogger{}

func NewGormLogger(slowThreshold time.Duration, ignoreRecordNotFoundError bool) *GormLogger {
	return &GormLogger{
		SlowThreshold:             slowThreshold,
		IgnoreRecordNotFoundError: ignoreRecordNotFoundError,
	}
}

func (l *GormLogger) LogMode(_ logger.LogLevel) logger.Interface {
	return l
}

func (l *GormLogger) Info(_ context.Context, msg string, data ...interface{}) {
	log.Info().Msg(fmt.Sprintf(msg, data...))
}

func (l *GormLogger) Warn(_ context.Context, msg string, data ...interface{}) {
	log.Warn().Msg(fmt.Sprintf(msg, data...))
}

func (l *GormLogger) Error(_ context.Context, msg string, data ...interface{}) {
	log.Error().Msg(fmt.Sprintf(msg, data...))
}

func (l *GormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	elapsed := time.Since(begin)
	sql, rows := fc()

	event := log.Trace()
	msg := "SQL"
	switch {
	case err != nil && !(l.IgnoreRecordNotFoundError && errors.Is(err, gorm.ErrRecordNotFound)):
		event = log.Error().Err(err)
		msg = "SQL error"
	case l.SlowThreshold != 0 && elapsed > l.SlowThreshold:
		event = log.Warn()
		msg = "SQL slow query"
	}

	event.
		Dur("elapsed", elapsed).
		Str("file", utils.FileWithLineNum()).
		Str("sql", sql)
	if rows > -1 {
		event.Int64("rows", rows)
	}
	event.Msg(msg)
}
