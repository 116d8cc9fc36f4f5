package rtc

import (
	"github.com/pion/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LoggerFactory routes pion's internal logging into the global zerolog
// logger. pion is chatty, so everything below warn is demoted one step.
type LoggerFactory struct{}

func NewLoggerFactory() logging.LoggerFactory { return LoggerFactory{} }

func (LoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &leveledLogger{l: log.With().Str("module", "pion").Str("scope", scope).Logger()}
}

type leveledLogger struct {
	l zerolog.Logger
}

func (z *leveledLogger) Trace(msg string) { z.l.Trace().Msg(msg) }
func (z *leveledLogger) Tracef(format string, a ...any) { z.l.Trace().Msgf(format, a...) }
func (z *leveledLogger) Debug(msg string) { z.l.Trace().Msg(msg) }
func (z *leveledLogger) Debugf(format string, a ...any) { z.l.Trace().Msgf(format, a...) }
func (z *leveledLogger) Info(msg string) { z.l.Debug().Msg(msg) }
func (z *leveledLogger) Infof(format string, a ...any) { z.l.Debug().Msgf(format, a...) }
func (z *leveledLogger) Warn(msg string) { z.l.Warn().Msg(msg) }
func (z *leveledLogger) Warnf(format string, a ...any) { z.l.Warn().Msgf(format, a...) }
func (z *leveledLogger) Error(msg string) { z.l.Error().Msg(msg) }
func (z *leveledLogger) Errorf(format string, a ...any) { z.l.Error().Msgf(format, a...) }
