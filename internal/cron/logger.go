package cron

import (
	"log/slog"

	rcron "github.com/robfig/cron/v3"
)

type slogAdapter struct {
	logger *slog.Logger
}

// SlogLogger adapts l to robfig/cron's Logger interface. cron's Info
// messages are chatty schedule bookkeeping and go to Debug.
func SlogLogger(l *slog.Logger) rcron.Logger {
	return slogAdapter{logger: l}
}

func (a slogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Debug(msg, keysAndValues...)
}

func (a slogAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	a.logger.Error(msg, append(keysAndValues, "error", err)...)
}
