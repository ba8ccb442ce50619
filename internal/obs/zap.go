package obs

import (
	"go.uber.org/zap"
)

// ZapLogger bridges Logger onto zap. Levels map one to one; entries
// below Min are dropped before they reach zap's own filtering.
type ZapLogger struct {
	S   *zap.SugaredLogger
	Min Level
}

// NewZapLogger wraps a structured zap logger, sugaring it once.
func NewZapLogger(l *zap.Logger) ZapLogger {
	return ZapLogger{S: l.Sugar()}
}

func (z ZapLogger) Logf(level Level, format string, args ...interface{}) {
	if z.S == nil || level < z.Min {
		return
	}
	switch level {
	case Debug:
		z.S.Debugf(format, args...)
	case Info:
		z.S.Infof(format, args...)
	case Warn:
		z.S.Warnf(format, args...)
	default:
		z.S.Errorf(format, args...)
	}
}
